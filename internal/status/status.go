// Package status keeps the single "current activity" record every viewer
// sees, and pushes each change to all live clients.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/jobdeck/internal/live"
	"github.com/kiranshivaraju/jobdeck/internal/statusstore"
)

// Idle is reported when nothing has set a status yet.
const Idle = "Idle"

// Record is the global status as stored and broadcast.
type Record struct {
	Status      string `json:"status"`
	LastUpdated string `json:"last_updated"`
}

// Broadcaster overwrites and publishes the global status.
type Broadcaster struct {
	store statusstore.Store
	pub   live.Publisher
	now   func() time.Time
}

func New(store statusstore.Store, pub live.Publisher) *Broadcaster {
	if pub == nil {
		pub = live.Discard{}
	}
	return &Broadcaster{store: store, pub: pub, now: time.Now}
}

// Set stores text as the current status and notifies every client.
func (b *Broadcaster) Set(ctx context.Context, text string) (Record, error) {
	rec := Record{Status: text, LastUpdated: b.now().UTC().Format(time.RFC3339)}
	body, err := json.Marshal(rec)
	if err != nil {
		return rec, fmt.Errorf("encode global status: %w", err)
	}
	if err := b.store.SetValue(ctx, statusstore.GlobalStatusKey, body, 0); err != nil {
		return rec, fmt.Errorf("write global status: %w", err)
	}
	if err := b.pub.Publish(ctx, live.NewEvent("", live.EventGlobalStatus, rec)); err != nil {
		slog.Warn("publish global status failed", "error", err)
	}
	slog.Debug("global status updated", "status", text)
	return rec, nil
}

// Notify is Set for callers that only log failures.
func (b *Broadcaster) Notify(ctx context.Context, text string) {
	if _, err := b.Set(ctx, text); err != nil {
		slog.Warn("global status not updated", "status", text, "error", err)
	}
}

// Get returns the current status, or Idle when none is stored or the store
// cannot be read.
func (b *Broadcaster) Get(ctx context.Context) Record {
	idle := Record{Status: Idle, LastUpdated: b.now().UTC().Format(time.RFC3339)}

	body, ok, err := b.store.GetValue(ctx, statusstore.GlobalStatusKey)
	if err != nil {
		slog.Warn("read global status failed", "error", err)
		return idle
	}
	if !ok {
		return idle
	}
	var rec Record
	if err := json.Unmarshal(body, &rec); err != nil {
		slog.Warn("malformed global status", "error", err)
		return idle
	}
	return rec
}
