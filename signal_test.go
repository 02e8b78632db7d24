package cortex

import (
	"context"
	"testing"
	"time"
)

func TestSignalsPriorityOrder(t *testing.T) {
	s := NewInMemorySignals()
	s.Queue(Signal{Type: SignalResume})
	s.Queue(Signal{Type: SignalUserMessage, Content: "hi"})
	s.Queue(Signal{Type: SignalPause})
	s.Queue(Signal{Type: SignalKill})

	want := []SignalType{SignalKill, SignalPause, SignalUserMessage, SignalResume}
	for _, typ := range want {
		sig, err := s.Take(context.Background(), nil, true)
		if err != nil {
			t.Fatalf("Take: %v", err)
		}
		if sig == nil || sig.Type != typ {
			t.Fatalf("got %+v, want %s", sig, typ)
		}
	}
	if s.Len() != 0 {
		t.Fatalf("queue not drained: %d left", s.Len())
	}
}

func TestSignalsFilter(t *testing.T) {
	s := NewInMemorySignals()
	s.Queue(Signal{Type: SignalKill})
	s.Queue(Signal{Type: SignalUserMessage, Content: "note"})

	sig, err := s.Take(context.Background(), FilterOf(SignalUserMessage), true)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if sig == nil || sig.Type != SignalUserMessage || sig.Content != "note" {
		t.Fatalf("got %+v, want filtered USER_MESSAGE", sig)
	}
	// KILL must still be queued.
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
	if p := s.Peek(); p == nil || p.Type != SignalKill {
		t.Fatalf("Peek = %+v, want KILL", p)
	}
}

func TestSignalsNonBlockingEmpty(t *testing.T) {
	s := NewInMemorySignals()
	sig, err := s.Take(context.Background(), FilterOf(SignalKill), true)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if sig != nil {
		t.Fatalf("got %+v, want nil", sig)
	}
}

func TestSignalsBlockingWake(t *testing.T) {
	s := NewInMemorySignals()
	done := make(chan *Signal, 1)
	go func() {
		sig, _ := s.Take(context.Background(), FilterOf(SignalResume), false)
		done <- sig
	}()

	time.Sleep(10 * time.Millisecond)
	s.Queue(Signal{Type: SignalResume})

	select {
	case sig := <-done:
		if sig == nil || sig.Type != SignalResume {
			t.Fatalf("got %+v, want RESUME", sig)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked Take never woke")
	}
}

func TestSignalsBlockingCancel(t *testing.T) {
	s := NewInMemorySignals()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Take(ctx, FilterOf(SignalKill), false)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked Take never returned after cancel")
	}
}

func TestSignalsSamePriorityFIFO(t *testing.T) {
	s := NewInMemorySignals()
	s.Queue(Signal{Type: SignalUserMessage, Content: "first"})
	s.Queue(Signal{Type: SignalUserMessage, Content: "second"})

	sig, _ := s.Take(context.Background(), nil, true)
	if sig == nil || sig.Content != "first" {
		t.Fatalf("got %+v, want first-queued", sig)
	}
	sig, _ = s.Take(context.Background(), nil, true)
	if sig == nil || sig.Content != "second" {
		t.Fatalf("got %+v, want second-queued", sig)
	}
}
