package cortex

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNewRunIDIsV7(t *testing.T) {
	id := NewRunID()
	parsed, err := uuid.Parse(id)
	if err != nil {
		t.Fatalf("not a UUID: %v", err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("version = %d, want 7", parsed.Version())
	}
}

func TestNewRunIDsAreUniqueAndSortable(t *testing.T) {
	a := NewRunID()
	time.Sleep(2 * time.Millisecond)
	b := NewRunID()
	if a == b {
		t.Fatal("duplicate run ids")
	}
	if a >= b {
		t.Fatalf("ids not time-sortable: %s >= %s", a, b)
	}
}

func TestNowMillis(t *testing.T) {
	before := time.Now().UnixMilli()
	got := NowMillis()
	after := time.Now().UnixMilli()
	if got < before || got > after {
		t.Fatalf("NowMillis = %d outside [%d, %d]", got, before, after)
	}
}
