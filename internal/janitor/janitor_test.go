package janitor_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kiranshivaraju/jobdeck/internal/batch"
	"github.com/kiranshivaraju/jobdeck/internal/janitor"
	"github.com/kiranshivaraju/jobdeck/internal/queue"
	"github.com/kiranshivaraju/jobdeck/internal/registry"
	"github.com/kiranshivaraju/jobdeck/internal/statusstore"
	"github.com/kiranshivaraju/jobdeck/internal/statusstore/storetest"
	"github.com/kiranshivaraju/jobdeck/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noStates struct{}

func (noStates) State(context.Context, string) (queue.State, bool, error) { return "", false, nil }

type countingPruner struct {
	calls atomic.Int32
	err   error
}

func (c *countingPruner) Prune(context.Context) (int, error) {
	c.calls.Add(1)
	return 0, c.err
}

func TestRunOnce_PrunesAndResets(t *testing.T) {
	store := storetest.NewMemory()
	reg := registry.New(store, nil)
	progress := batch.NewProgressStore(store)
	svc := batch.NewService(progress, reg, nil, nil, t.TempDir())
	ctx := context.Background()

	_, err := reg.Register(ctx, models.Job{ID: "gone", Kind: models.KindCSVBatch})
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, statusstore.JobKey("gone")))
	require.NoError(t, progress.Save(ctx, models.BatchProgress{JobID: "dead-task", IsRunning: true}))

	janitor.New(reg, svc, noStates{}).RunOnce(ctx)

	ids, err := store.ListRange(ctx, statusstore.ActiveJobsKey)
	require.NoError(t, err)
	assert.Empty(t, ids)

	bp, err := progress.Load(ctx)
	require.NoError(t, err)
	assert.False(t, bp.IsRunning)
}

func TestRunOnce_PruneErrorStillChecksBatch(t *testing.T) {
	store := storetest.NewMemory()
	progress := batch.NewProgressStore(store)
	svc := batch.NewService(progress, registry.New(store, nil), nil, nil, t.TempDir())
	ctx := context.Background()
	require.NoError(t, progress.Save(ctx, models.BatchProgress{JobID: "dead-task", IsRunning: true}))

	pruner := &countingPruner{err: errors.New("boom")}
	janitor.New(pruner, svc, noStates{}).RunOnce(ctx)

	assert.Equal(t, int32(1), pruner.calls.Load())
	bp, err := progress.Load(ctx)
	require.NoError(t, err)
	assert.False(t, bp.IsRunning)
}

func TestStart_RunsOnSchedule(t *testing.T) {
	pruner := &countingPruner{}
	j := janitor.New(pruner, nil, nil)
	require.NoError(t, j.Start("@every 1s"))
	defer j.Stop()

	assert.Eventually(t, func() bool { return pruner.calls.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
}

func TestStart_InvalidSchedule(t *testing.T) {
	j := janitor.New(&countingPruner{}, nil, nil)
	assert.Error(t, j.Start("every now and then"))
}
