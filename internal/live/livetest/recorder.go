// Package livetest records published live events for assertions.
package livetest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/kiranshivaraju/jobdeck/internal/live"
)

// Recorder is a live.Publisher that keeps every event.
type Recorder struct {
	mu     sync.Mutex
	events []live.Event
}

func (r *Recorder) Publish(_ context.Context, ev live.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []live.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]live.Event(nil), r.events...)
}

// Named returns the events with the given name.
func (r *Recorder) Named(name string) []live.Event {
	var out []live.Event
	for _, ev := range r.Events() {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// Decode unmarshals an event payload into a generic map.
func Decode(ev live.Event) map[string]any {
	var m map[string]any
	_ = json.Unmarshal(ev.Payload, &m)
	return m
}
