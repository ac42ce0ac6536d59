// Package content models the authoritative tutorial records that search is
// built from, the lifecycle events that announce their changes, and the
// sources they are read from. Records are owned by the portal; this package
// only reads them.
package content

import (
	"fmt"
	"strings"
	"time"
)

// Visibility is the moderation state of a tutorial.
type Visibility string

const (
	VisibilityDraft     Visibility = "draft"
	VisibilityPending   Visibility = "pending"
	VisibilityPublished Visibility = "published"
	VisibilityRejected  Visibility = "rejected"
	VisibilityArchived  Visibility = "archived"
)

// ParseVisibility maps a stored status to a Visibility. The portal's
// "review" status is the pending state.
func ParseVisibility(s string) (Visibility, error) {
	switch v := Visibility(strings.ToLower(strings.TrimSpace(s))); v {
	case VisibilityDraft, VisibilityPending, VisibilityPublished, VisibilityRejected, VisibilityArchived:
		return v, nil
	case "review":
		return VisibilityPending, nil
	default:
		return "", fmt.Errorf("unknown visibility %q", s)
	}
}

// Record is a tutorial as stored by the portal, restricted to the fields search needs.
type Record struct {
	ID         string     `json:"id"`
	Slug       string     `json:"slug,omitempty"`
	Title      string     `json:"title"`
	Summary    string     `json:"summary,omitempty"`
	Body       string     `json:"body"`
	Tags       []string   `json:"tags,omitempty"`
	Category   string     `json:"category,omitempty"`
	AuthorID   string     `json:"author_id,omitempty"`
	Visibility Visibility `json:"visibility"`
	// Revision is an explicit, monotonically increasing counter. Zero means
	// the record is versioned by ModifiedAt instead.
	Revision   int64     `json:"revision,omitempty"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Version returns the ordering key used by the stale-write guard.
func (r *Record) Version() int64 {
	if r.Revision > 0 {
		return r.Revision
	}
	if r.ModifiedAt.IsZero() {
		return 0
	}
	return r.ModifiedAt.UnixNano()
}

// Published reports whether the record must be present in the index.
func (r *Record) Published() bool {
	return r.Visibility == VisibilityPublished
}
