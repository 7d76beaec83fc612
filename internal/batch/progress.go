package batch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kiranshivaraju/jobdeck/internal/statusstore"
	"github.com/kiranshivaraju/jobdeck/pkg/models"
)

// IdleMessage is reported when no batch job has run yet.
const IdleMessage = "no process running"

// Idle is the progress record reported when none is stored.
func Idle() models.BatchProgress {
	return models.BatchProgress{Message: IdleMessage, Log: []string{}}
}

// ProgressStore reads and writes the singleton batch progress record.
type ProgressStore struct {
	store statusstore.Store
}

func NewProgressStore(store statusstore.Store) *ProgressStore {
	return &ProgressStore{store: store}
}

// Load returns the stored record, or Idle when there is none.
func (p *ProgressStore) Load(ctx context.Context) (models.BatchProgress, error) {
	raw, ok, err := p.store.GetValue(ctx, statusstore.BatchStatusKey)
	if err != nil {
		return Idle(), fmt.Errorf("read batch progress: %w", err)
	}
	if !ok {
		return Idle(), nil
	}
	var bp models.BatchProgress
	if err := json.Unmarshal(raw, &bp); err != nil {
		return Idle(), fmt.Errorf("decode batch progress: %w", err)
	}
	if bp.Log == nil {
		bp.Log = []string{}
	}
	return bp, nil
}

// Save overwrites the record.
func (p *ProgressStore) Save(ctx context.Context, bp models.BatchProgress) error {
	if bp.Log == nil {
		bp.Log = []string{}
	}
	raw, err := json.Marshal(bp)
	if err != nil {
		return fmt.Errorf("encode batch progress: %w", err)
	}
	if err := p.store.SetValue(ctx, statusstore.BatchStatusKey, raw, 0); err != nil {
		return fmt.Errorf("write batch progress: %w", err)
	}
	return nil
}
