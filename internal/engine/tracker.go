package engine

import "fmt"

// Status is the lifecycle state of one role within one request.
type Status int

const (
	StatusNotStarted Status = iota
	StatusStarted
	StatusEnded
)

func (s Status) String() string {
	switch s {
	case StatusNotStarted:
		return "NOT_STARTED"
	case StatusStarted:
		return "STARTED"
	case StatusEnded:
		return "ENDED"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// MarshalText lets statuses render by name in JSON diagnostics.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Tracker records, per role, how far the current request has taken that role.
//
// A Tracker belongs to exactly one request and has a single writer, so it
// carries no locking.
type Tracker struct {
	status map[string]Status
}

// NewTracker returns a tracker with every given role NOT_STARTED.
func NewTracker(roles ...string) *Tracker {
	t := &Tracker{status: make(map[string]Status, len(roles))}
	for _, role := range roles {
		t.status[role] = StatusNotStarted
	}
	return t
}

// NoteStarted moves role from NOT_STARTED to STARTED. It is the only
// deduplication point for start side effects within a request.
func (t *Tracker) NoteStarted(role string) error {
	if current := t.status[role]; current != StatusNotStarted {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyStarted, role, current)
	}
	t.status[role] = StatusStarted
	return nil
}

// NoteEnded moves role from STARTED to ENDED and reports whether it did.
// NOT_STARTED and ENDED roles are left alone and must not be torn down.
func (t *Tracker) NoteEnded(role string) bool {
	if t.status[role] != StatusStarted {
		return false
	}
	t.status[role] = StatusEnded
	return true
}

// StatusOf returns the role status; unknown roles are NOT_STARTED.
func (t *Tracker) StatusOf(role string) Status {
	return t.status[role]
}

// Snapshot copies the current statuses.
func (t *Tracker) Snapshot() map[string]Status {
	out := make(map[string]Status, len(t.status))
	for role, s := range t.status {
		out[role] = s
	}
	return out
}
