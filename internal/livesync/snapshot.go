package livesync

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"
)

// Status is the server-reported lifecycle status of a tracked resource.
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusPaid    Status = "paid"
	StatusExpired Status = "expired"
	StatusClosed  Status = "closed"
)

// Terminal reports whether no further updates are expected for a
// resource in this status. Unknown statuses are treated as live.
func (s Status) Terminal() bool {
	switch s {
	case StatusPaid, StatusExpired, StatusClosed:
		return true
	}

	return false
}

// Snapshot is a complete point-in-time view of a resource as reported by
// the server. Version orders snapshots: a server sequence number or a
// unix-millis timestamp, whichever the resource uses. Payload is opaque
// and must be treated as read-only.
type Snapshot struct {
	Status    Status          `json:"status"`
	Version   int64           `json:"version"`
	ExpiresAt time.Time       `json:"expires_at,omitzero"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Field reads a value out of the payload using gjson path syntax.
func (s Snapshot) Field(path string) gjson.Result {
	return gjson.GetBytes(s.Payload, path)
}

// Equal reports whether two snapshots carry the same content.
func (s Snapshot) Equal(o Snapshot) bool {
	return s.Status == o.Status &&
		s.Version == o.Version &&
		s.ExpiresAt.Equal(o.ExpiresAt) &&
		bytes.Equal(s.Payload, o.Payload)
}

// Merge decides which snapshot is visible after incoming arrives. It
// returns the resulting snapshot and whether incoming was accepted.
//
// A nil current accepts anything. Otherwise incoming must not be older
// than current, and nothing replaces a terminal snapshot. Push, poll and
// the initial fetch all race, so every source goes through here.
func Merge(current *Snapshot, incoming Snapshot) (Snapshot, bool) {
	if current == nil {
		return incoming, true
	}

	if current.Status.Terminal() {
		return *current, false
	}

	if incoming.Version < current.Version {
		return *current, false
	}

	return incoming, true
}
