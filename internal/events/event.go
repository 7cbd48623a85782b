// Package events normalizes server-pushed notifications into a single
// Event shape and fans them out to subscribers.
package events

import (
	"encoding/json"
	"time"
)

// Event is one normalized server push. Routing fields are promoted out
// of the notification params; everything else stays in Payload.
type Event struct {
	ID          string
	Type        string
	WorkspaceID string
	SessionID   string
	Runtime     string
	TS          time.Time
	Payload     json.RawMessage
}

// MarshalJSON renders the wire form used by log streams and bridges:
// snake_case keys, agent_type for the runtime, millisecond timestamp.
func (e Event) MarshalJSON() ([]byte, error) {
	type wire struct {
		ID          string          `json:"id"`
		Type        string          `json:"type"`
		WorkspaceID string          `json:"workspace_id,omitempty"`
		SessionID   string          `json:"session_id,omitempty"`
		Runtime     string          `json:"agent_type,omitempty"`
		TSMs        int64           `json:"ts_ms"`
		Payload     json.RawMessage `json:"payload,omitempty"`
	}
	return json.Marshal(wire{
		ID:          e.ID,
		Type:        e.Type,
		WorkspaceID: e.WorkspaceID,
		SessionID:   e.SessionID,
		Runtime:     e.Runtime,
		TSMs:        e.TS.UnixMilli(),
		Payload:     e.Payload,
	})
}
