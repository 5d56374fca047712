// Package events carries session notifications from the session manager to
// observers: an in-process Bus with a replay ring and counters, and a
// websocket Hub that streams the Bus to remote clients.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Type names an event.
type Type string

const (
	TypeSessionCreated Type = "session_created"
	TypeOutput         Type = "output"
	TypeMessageSent    Type = "message_sent"
	TypeKeySent        Type = "key_sent"
	TypeSessionKilled  Type = "session_killed"
	TypeSessionExited  Type = "session_exited"
	TypeSessionFailed  Type = "session_failed"
)

// Event is one notification. Data is event-specific and JSON-serializable.
type Event struct {
	ID          string         `json:"id"`
	Type        Type           `json:"type"`
	SessionName string         `json:"session_name"`
	Data        map[string]any `json:"data,omitempty"`
	Time        time.Time      `json:"time"`
}

// New builds an event with a fresh ID and the current time.
func New(t Type, sessionName string, data map[string]any) Event {
	return Event{
		ID:          uuid.NewString(),
		Type:        t,
		SessionName: sessionName,
		Data:        data,
		Time:        time.Now(),
	}
}

// Sink receives events. Publish must not block the caller for long; delivery
// is fire-and-forget.
type Sink interface {
	Publish(e Event)
}

// Discard is a Sink that drops everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) Publish(Event) {}
