// Package live pushes job events to browsers. Producers in any process
// publish through Redis; the web process relays them into a WebSocket hub
// where clients join one room per job id.
package live

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Event names pushed to clients.
const (
	EventStepUpdate     = "status_update"
	EventWorkflowFinish = "workflow_finish"
	EventGlobalStatus   = "global_status_update"
	EventBatchProgress  = "batch_progress"
	EventJobStatus      = "job_status"
)

// Event is one push message. An empty Room reaches every client.
// Throttle marks intermediate updates the hub may drop under load.
type Event struct {
	Room     string          `json:"room,omitempty"`
	Name     string          `json:"event"`
	Payload  json.RawMessage `json:"data"`
	Throttle bool            `json:"throttle,omitempty"`
}

// NewEvent builds an Event, encoding payload as JSON.
func NewEvent(room, name string, payload any) Event {
	raw, err := json.Marshal(payload)
	if err != nil {
		slog.Error("encode live event", "event", name, "error", err)
		raw = json.RawMessage("null")
	}
	return Event{Room: room, Name: name, Payload: raw}
}

// Publisher delivers events to subscribers.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }
