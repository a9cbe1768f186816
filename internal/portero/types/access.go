// Package types holds the JSON shapes served by the dashboard API.
package types

// OpenGateRequest is the body of POST /v1/access/gate/open.  Plate is
// optional; it is upper-cased and trimmed before validation.
type OpenGateRequest struct {
	Plate string `json:"plate" validate:"omitempty,alphanum,max=10"`
}

type SessionView struct {
	ID               string `json:"id"`
	Kind             string `json:"kind"`
	Plate            string `json:"plate,omitempty"`
	RemainingSeconds int    `json:"remaining_seconds"`
	Remaining        string `json:"remaining"`
	OpenedAt         string `json:"opened_at"`
}

// SnapshotView is what the banner renders.  Session is null when nothing is
// open.
type SnapshotView struct {
	Session    *SessionView `json:"session"`
	Busy       bool         `json:"busy"`
	Message    string       `json:"message"`
	ServerTime string       `json:"server_time"`
}

// ActionResponse wraps the post-action snapshot with the error, if any.
type ActionResponse struct {
	SnapshotView
	Error string `json:"error,omitempty"`
}

type EventView struct {
	SessionID  string `json:"session_id,omitempty"`
	Kind       string `json:"kind"`
	Action     string `json:"action"`
	Automatic  bool   `json:"automatic"`
	OK         bool   `json:"ok"`
	Plate      string `json:"plate,omitempty"`
	Message    string `json:"message"`
	OccurredAt string `json:"occurred_at"`
}

type EventsResponse struct {
	Events []EventView `json:"events"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
