package session

import (
	"fmt"
	"strings"
	"time"
)

// Kind names a physical access point.
type Kind string

const (
	KindGate Kind = "gate" // vehicular gate
	KindDoor Kind = "door" // pedestrian door
)

// ParseKind accepts the canonical names case-insensitively.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindGate, KindDoor:
		return k, nil
	default:
		return "", fmt.Errorf("unknown access point %q", s)
	}
}

// ClosePolicy decides what a failed close does to the open session.
type ClosePolicy int

const (
	// CloseOptimistic clears the session whatever the close call returned;
	// the dashboard has no independent view of the physical state.
	CloseOptimistic ClosePolicy = iota
	// CloseStrict keeps the session open after a failed close and re-arms the
	// automatic close after Options.RetryDelay.
	CloseStrict
)

func ParseClosePolicy(s string) ClosePolicy {
	if strings.EqualFold(strings.TrimSpace(s), "strict") {
		return CloseStrict
	}
	return CloseOptimistic
}

func (p ClosePolicy) String() string {
	if p == CloseStrict {
		return "strict"
	}
	return "optimistic"
}

// Session is an access point the dashboard considers open.
type Session struct {
	ID               string
	Kind             Kind
	Plate            string
	OpenedAt         time.Time
	RemainingSeconds int
}

// Remaining renders RemainingSeconds as MM:SS.
func (s Session) Remaining() string {
	return FormatRemaining(s.RemainingSeconds)
}

// Snapshot is a point-in-time copy of coordinator state.
type Snapshot struct {
	Session *Session
	Busy    bool
	Message string
}

// FormatRemaining renders seconds as zero-padded MM:SS.  Negative input
// renders 00:00.
func FormatRemaining(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

// Action is what an Event records.
type Action string

const (
	ActionOpen   Action = "open"
	ActionClose  Action = "close"
	ActionReject Action = "reject"
)

// Event describes the outcome of one open or close attempt.
type Event struct {
	SessionID  string
	Kind       Kind
	Action     Action
	Automatic  bool
	OK         bool
	Plate      string
	Message    string
	OccurredAt time.Time
}
