package content

import (
	"fmt"
	"strings"
	"time"
)

// State is the new state announced by a lifecycle event: a Visibility, or
// StateDeleted when the record no longer exists.
type State string

// StateDeleted announces a hard delete.
const StateDeleted State = "deleted"

// Event is one lifecycle notification from the moderation subsystem.
// Delivery is at-least-once and unordered, so consumers must tolerate
// duplicates and stale versions.
type Event struct {
	ID        string    `json:"id"`
	State     State     `json:"state"`
	Version   int64     `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	// Record optionally carries the full record, saving a read from the source.
	Record *Record `json:"record,omitempty"`
}

// Indexed reports whether the event's target state is "present in the index".
func (e Event) Indexed() bool {
	return e.State == State(VisibilityPublished)
}

// Validate checks the event is well formed.
func (e Event) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("event has no identifier")
	}
	if e.Version <= 0 {
		return fmt.Errorf("event %s has no version", e.ID)
	}
	if e.State == StateDeleted {
		return nil
	}
	if _, err := ParseVisibility(string(e.State)); err != nil {
		return fmt.Errorf("event %s: %w", e.ID, err)
	}
	if e.Record != nil && e.Record.ID != e.ID {
		return fmt.Errorf("event %s carries record %s", e.ID, e.Record.ID)
	}
	return nil
}

// ParseState normalizes a state string, accepting the portal's status names.
func ParseState(s string) (State, error) {
	if strings.EqualFold(strings.TrimSpace(s), string(StateDeleted)) {
		return StateDeleted, nil
	}
	v, err := ParseVisibility(s)
	if err != nil {
		return "", err
	}
	return State(v), nil
}
