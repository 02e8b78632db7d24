package cortex

import (
	"time"

	"github.com/google/uuid"
)

// NewRunID generates a globally unique, time-sortable UUIDv7 (RFC 9562)
// suitable for use as a brainRunId.
func NewRunID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowMillis returns current time as Unix milliseconds. Event timestamps are
// derived from this but adjusted to stay strictly monotone within a run.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
