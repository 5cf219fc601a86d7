package license

import (
	"time"

	"github.com/google/uuid"
)

// EventType names a license lifecycle notification
type EventType string

const (
	EventValidated       EventType = "license.validated"
	EventOffline         EventType = "license.offline"
	EventActivated       EventType = "license.activated"
	EventDeactivated     EventType = "license.deactivated"
	EventInvalid         EventType = "license.invalid"
	EventHeartbeat       EventType = "heartbeat.ping"
	EventHeartbeatFailed EventType = "heartbeat.failed"
)

// Event is published to the EventHandler registered with WithEventHandler.
type Event struct {
	ID   string    `json:"id"`
	Type EventType `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// EventHandler receives manager events. It is called synchronously and must
// not block.
type EventHandler func(Event)

func (m *Manager) emit(typ EventType, data any) {
	if m.onEvent == nil {
		return
	}
	m.onEvent(Event{
		ID:   uuid.NewString(),
		Type: typ,
		Time: m.now().UTC(),
		Data: data,
	})
}
