package eventbus

import "time"

type Event struct {
	ID            string         `json:"id"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Type          Type           `json:"type"`
	Source        string         `json:"source,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	Level         Level          `json:"level"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Wire is the shape delivered to broadcast subscribers such as the
// dashboard socket hub.
func (e Event) Wire() map[string]any {
	return map[string]any{
		"type":           string(e.Type),
		"id":             e.ID,
		"timestamp":      e.Timestamp.Format(time.RFC3339Nano),
		"source":         e.Source,
		"level":          string(e.Level),
		"correlation_id": e.CorrelationID,
		"payload":        e.Payload,
	}
}

type EventInput struct {
	Type          Type
	Source        string
	CorrelationID string
	Payload       map[string]any
	Level         Level
}

// Handler receives a dispatched event. Each invocation runs in its own
// goroutine; a panicking handler never affects other subscribers.
type Handler func(Event)

// Broadcaster forwards an event's wire form to external listeners.
// Absence is tolerated: the bus simply skips the broadcast step.
type Broadcaster interface {
	Broadcast(event map[string]any) error
}

type ListFilter struct {
	TypePrefix    string
	CorrelationID string
	Level         Level
	Limit         int
}
