package store

import (
	"context"
	"time"
)

// DefaultListLimit and MaxListLimit bound ListEvents.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// AccessEventRecord is one open, close or rejected-open attempt made from a
// dashboard shell.
type AccessEventRecord struct {
	ShellID    string // SHA-256 of the shell's bearer token, hex
	SessionID  string // empty for rejects and for closes with no session open
	Kind       string // "gate" | "door"
	Action     string // "open" | "close" | "reject"
	Automatic  bool
	OK         bool
	Plate      string
	Message    string
	OccurredAt time.Time
}

// AccessEventStore keeps the local history shown by the events endpoint.
type AccessEventStore interface {
	RecordEvent(ctx context.Context, rec AccessEventRecord) error
	// ListEvents returns the newest events of shellID first.
	ListEvents(ctx context.Context, shellID string, limit int) ([]AccessEventRecord, error)
	// PruneOlderThan deletes events that occurred before cutoff and reports
	// how many were removed.
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// ClampLimit maps a requested page size onto [1, MaxListLimit], with
// non-positive values selecting DefaultListLimit.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}
