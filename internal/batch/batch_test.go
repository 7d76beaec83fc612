package batch_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/kiranshivaraju/jobdeck/internal/archive"
	"github.com/kiranshivaraju/jobdeck/internal/batch"
	"github.com/kiranshivaraju/jobdeck/internal/cancel"
	"github.com/kiranshivaraju/jobdeck/internal/live"
	"github.com/kiranshivaraju/jobdeck/internal/live/livetest"
	"github.com/kiranshivaraju/jobdeck/internal/queue"
	"github.com/kiranshivaraju/jobdeck/internal/registry"
	"github.com/kiranshivaraju/jobdeck/internal/statusstore/storetest"
	"github.com/kiranshivaraju/jobdeck/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fakes ---

type sinkFunc func(ctx context.Context, rows []map[string]string) error

func (f sinkFunc) Send(ctx context.Context, rows []map[string]string) error { return f(ctx, rows) }

type statusLog struct {
	mu    sync.Mutex
	texts []string
}

func (s *statusLog) Notify(_ context.Context, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
}

func (s *statusLog) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.texts) == 0 {
		return ""
	}
	return s.texts[len(s.texts)-1]
}

type memArchive struct {
	mu       sync.Mutex
	outcomes []archive.Outcome
}

func (m *memArchive) Ping(context.Context) error { return nil }
func (m *memArchive) Record(_ context.Context, o archive.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, o)
	return nil
}
func (m *memArchive) Recent(context.Context, int) ([]archive.Outcome, error) {
	return m.outcomes, nil
}

// --- harness ---

type harness struct {
	store    *storetest.Memory
	reg      *registry.Registry
	signal   *cancel.Signal
	progress *batch.ProgressStore
	status   *statusLog
	events   *livetest.Recorder
	archive  *memArchive
	dir      string
	sent     [][]map[string]string
	sendErr  func(call int) error
	onSend   func(call int)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := storetest.NewMemory()
	reg := registry.New(store, nil)
	return &harness{
		store:    store,
		reg:      reg,
		signal:   cancel.New(store, reg, nil),
		progress: batch.NewProgressStore(store),
		status:   &statusLog{},
		events:   &livetest.Recorder{},
		archive:  &memArchive{},
		dir:      t.TempDir(),
	}
}

func (h *harness) runner(chunkSize int) *batch.Runner {
	return batch.NewRunner(batch.RunnerDeps{
		Progress:  h.progress,
		Jobs:      h.reg,
		Status:    h.status,
		Publisher: h.events,
		Archive:   h.archive,
		Tokens:    h.signal,
		UploadDir: h.dir,
		ChunkSize: chunkSize,
		Sink: sinkFunc(func(_ context.Context, rows []map[string]string) error {
			call := len(h.sent)
			h.sent = append(h.sent, rows)
			if h.onSend != nil {
				h.onSend(call)
			}
			if h.sendErr != nil {
				return h.sendErr(call)
			}
			return nil
		}),
	})
}

func (h *harness) register(t *testing.T, id string) {
	t.Helper()
	_, err := h.reg.Register(context.Background(), models.Job{ID: id, Kind: models.KindCSVBatch, Subject: "sales.csv"})
	require.NoError(t, err)
}

func writeCSV(t *testing.T, dir, name string, rows int) {
	t.Helper()
	var b strings.Builder
	b.WriteString("sku,qty\n")
	for i := 0; i < rows; i++ {
		fmt.Fprintf(&b, "SKU%04d,%d\n", i, i%7)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(b.String()), 0o644))
}

func progressSeries(events []live.Event) []int {
	var out []int
	for _, ev := range events {
		if p, ok := livetest.Decode(ev)["progress"].(float64); ok {
			out = append(out, int(p))
		}
	}
	return out
}

// --- chunk math ---

func TestTotalChunksAndPercent(t *testing.T) {
	tests := []struct {
		rows, size, chunks int
	}{
		{0, 500, 0},
		{1, 500, 1},
		{500, 500, 1},
		{501, 500, 2},
		{1200, 500, 3},
		{1500, 500, 3},
		{10_001, 500, 21},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d_rows", tt.rows), func(t *testing.T) {
			total := batch.TotalChunks(tt.rows, tt.size)
			assert.Equal(t, tt.chunks, total)
			if total == 0 {
				return
			}
			prev := 0
			for i := 0; i < total; i++ {
				p := batch.Percent(i+1, total)
				assert.GreaterOrEqual(t, p, prev)
				assert.LessOrEqual(t, p, 100)
				prev = p
			}
			assert.Equal(t, 100, prev)
		})
	}
	assert.Equal(t, 34, batch.Percent(1, 3))
	assert.Equal(t, 67, batch.Percent(2, 3))
	assert.Equal(t, 100, batch.Percent(3, 3))
}

// --- runner ---

func TestRun_1200RowsSucceedsInThreeChunks(t *testing.T) {
	h := newHarness(t)
	writeCSV(t, h.dir, "sales.csv", 1200)
	h.register(t, "j1")
	ctx := context.Background()

	res := h.runner(500).Run(ctx, "j1", "sales.csv")

	assert.Equal(t, models.StatusSucceeded, res.Status)
	assert.Equal(t, 3, res.BatchesSent)
	require.Len(t, h.sent, 3)
	assert.Len(t, h.sent[0], 500)
	assert.Len(t, h.sent[1], 500)
	assert.Len(t, h.sent[2], 200)
	assert.Equal(t, "SKU0500", h.sent[1][0]["sku"])

	assert.Equal(t, []int{0, 34, 67, 100, 100}, progressSeries(h.events.Named(live.EventBatchProgress)))

	bp, err := h.progress.Load(ctx)
	require.NoError(t, err)
	assert.False(t, bp.IsRunning)
	assert.Equal(t, 100, bp.Progress)
	assert.Equal(t, "All 3 batches sent!", bp.Message)
	assert.Len(t, bp.Log, 5)
	assert.Regexp(t, `^\[\d{2}:\d{2}:\d{2}\] Batch process started\.$`, bp.Log[0])

	job, err := h.reg.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, job.Status)
	assert.Equal(t, "Process finished", h.status.last())

	require.Len(t, h.archive.outcomes, 1)
	assert.Equal(t, "succeeded", h.archive.outcomes[0].Status)
	assert.Equal(t, 3, h.archive.outcomes[0].Detail["batches_sent"])
}

func TestRun_EmptySourceSucceedsImmediately(t *testing.T) {
	h := newHarness(t)
	writeCSV(t, h.dir, "empty.csv", 0)
	h.register(t, "j1")

	res := h.runner(500).Run(context.Background(), "j1", "empty.csv")

	assert.Equal(t, models.StatusSucceeded, res.Status)
	assert.Equal(t, 0, res.BatchesSent)
	assert.Empty(t, h.sent)

	bp, err := h.progress.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100, bp.Progress)
}

func TestRun_MissingSourceFails(t *testing.T) {
	h := newHarness(t)
	h.register(t, "j1")
	ctx := context.Background()

	res := h.runner(500).Run(ctx, "j1", "nope.csv")

	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Contains(t, res.Message, "source file not found")
	assert.Empty(t, h.sent)

	bp, err := h.progress.Load(ctx)
	require.NoError(t, err)
	assert.False(t, bp.IsRunning)
	assert.Equal(t, 0, bp.Progress)

	job, err := h.reg.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Equal(t, "Error", h.status.last())
}

func TestRun_CancelBeforeFirstChunk(t *testing.T) {
	h := newHarness(t)
	writeCSV(t, h.dir, "sales.csv", 1200)
	h.register(t, "j1")
	ctx := context.Background()
	require.NoError(t, h.signal.RequestCancel(ctx, "j1"))

	res := h.runner(500).Run(ctx, "j1", "sales.csv")

	assert.Equal(t, models.StatusCancelled, res.Status)
	assert.Equal(t, 0, res.StoppedAtChunk)
	assert.Empty(t, h.sent)

	bp, err := h.progress.Load(ctx)
	require.NoError(t, err)
	assert.False(t, bp.IsRunning)
	assert.Equal(t, 0, bp.Progress)

	job, err := h.reg.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, job.Status)
}

func TestRun_CancelBetweenChunks(t *testing.T) {
	h := newHarness(t)
	writeCSV(t, h.dir, "sales.csv", 1200)
	h.register(t, "j1")
	ctx := context.Background()
	h.onSend = func(call int) {
		if call == 0 {
			require.NoError(t, h.signal.RequestCancel(ctx, "j1"))
		}
	}

	res := h.runner(500).Run(ctx, "j1", "sales.csv")

	assert.Equal(t, models.StatusCancelled, res.Status)
	assert.Equal(t, 1, res.StoppedAtChunk)
	assert.Equal(t, 1, res.BatchesSent)
	assert.Len(t, h.sent, 1)

	bp, err := h.progress.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 34, bp.Progress)
	assert.Equal(t, "Task stopped by user", bp.Message)

	// The flag was consumed exactly once.
	again, err := h.signal.CheckAndConsume(ctx, "j1")
	require.NoError(t, err)
	assert.False(t, again)
}

func TestRun_SendFailureFailsWithoutRetry(t *testing.T) {
	h := newHarness(t)
	writeCSV(t, h.dir, "sales.csv", 1200)
	h.register(t, "j1")
	ctx := context.Background()
	h.sendErr = func(call int) error {
		if call == 1 {
			return errors.New("endpoint unreachable: connection refused")
		}
		return nil
	}

	res := h.runner(500).Run(ctx, "j1", "sales.csv")

	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Equal(t, 1, res.StoppedAtChunk)
	assert.Equal(t, 1, res.BatchesSent)
	assert.Contains(t, res.Message, "connection refused")
	assert.Len(t, h.sent, 2)

	bp, err := h.progress.Load(ctx)
	require.NoError(t, err)
	assert.False(t, bp.IsRunning)
	assert.Equal(t, 34, bp.Progress)
}

func TestRun_SendFailureDuringCancelIsCancelled(t *testing.T) {
	h := newHarness(t)
	writeCSV(t, h.dir, "sales.csv", 1200)
	h.register(t, "j1")
	ctx := context.Background()
	h.sendErr = func(call int) error {
		require.NoError(t, h.signal.RequestCancel(ctx, "j1"))
		return errors.New("endpoint timeout")
	}

	res := h.runner(500).Run(ctx, "j1", "sales.csv")

	assert.Equal(t, models.StatusCancelled, res.Status)
	assert.Equal(t, 0, res.StoppedAtChunk)
	assert.Len(t, h.sent, 1)
}

func TestRun_ShutdownMidRunStillRecordsOutcome(t *testing.T) {
	h := newHarness(t)
	h.store.HonourContext()
	writeCSV(t, h.dir, "sales.csv", 1200)
	h.register(t, "j1")
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	h.sendErr = func(call int) error {
		if call == 1 {
			stop()
			return ctx.Err()
		}
		return nil
	}

	res := h.runner(500).Run(ctx, "j1", "sales.csv")

	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Equal(t, 1, res.BatchesSent)

	bg := context.Background()
	bp, err := h.progress.Load(bg)
	require.NoError(t, err)
	assert.False(t, bp.IsRunning)
	assert.Equal(t, res.Message, bp.Message)

	job, err := h.reg.Get(bg, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Len(t, h.archive.outcomes, 1)
}

func TestRun_CancelObservedAfterShutdownSendError(t *testing.T) {
	h := newHarness(t)
	h.store.HonourContext()
	writeCSV(t, h.dir, "sales.csv", 1200)
	h.register(t, "j1")
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	h.sendErr = func(call int) error {
		require.NoError(t, h.signal.RequestCancel(context.Background(), "j1"))
		stop()
		return ctx.Err()
	}

	res := h.runner(500).Run(ctx, "j1", "sales.csv")

	assert.Equal(t, models.StatusCancelled, res.Status)
	job, err := h.reg.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, job.Status)
}

func TestRun_PanicInSinkIsRecordedAsFailure(t *testing.T) {
	h := newHarness(t)
	writeCSV(t, h.dir, "sales.csv", 10)
	h.register(t, "j1")
	h.onSend = func(int) { panic("sink exploded") }

	res := h.runner(500).Run(context.Background(), "j1", "sales.csv")

	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Contains(t, res.Message, "sink exploded")
	job, err := h.reg.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, job.Status)
}

func TestRun_IntermediateEventsAreThrottleable(t *testing.T) {
	h := newHarness(t)
	writeCSV(t, h.dir, "sales.csv", 1200)
	h.register(t, "j1")

	h.runner(500).Run(context.Background(), "j1", "sales.csv")

	events := h.events.Named(live.EventBatchProgress)
	require.NotEmpty(t, events)
	for _, ev := range events[:len(events)-1] {
		assert.True(t, ev.Throttle)
	}
	assert.False(t, events[len(events)-1].Throttle)

	status := h.events.Named(live.EventJobStatus)
	require.Len(t, status, 1)
	assert.Equal(t, "j1", status[0].Room)
}

func TestHandle_MapsOutcomesToQueue(t *testing.T) {
	h := newHarness(t)
	writeCSV(t, h.dir, "sales.csv", 10)
	ctx := context.Background()

	task := func(id string) queue.Task {
		return queue.Task{ID: id, Type: batch.TaskType, Payload: []byte(`{"filename":"sales.csv"}`)}
	}

	h.register(t, "ok")
	assert.NoError(t, h.runner(500).Handle(ctx, task("ok")))

	h.register(t, "cancelled")
	require.NoError(t, h.signal.RequestCancel(ctx, "cancelled"))
	assert.ErrorIs(t, h.runner(500).Handle(ctx, task("cancelled")), queue.ErrRevoked)

	h.register(t, "failed")
	h.sendErr = func(int) error { return errors.New("boom") }
	err := h.runner(500).Handle(ctx, task("failed"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, queue.ErrRevoked)
	assert.Contains(t, err.Error(), "boom")
}

func TestReadSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.csv")
	require.NoError(t, os.WriteFile(path, []byte("\ufeffsku,qty,note\nA1,3,x\nB2,5\n"), 0o644))

	rows, err := batch.ReadSource(path)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "A1", rows[0]["sku"])
	assert.Equal(t, "5", rows[1]["qty"])
	assert.Equal(t, "", rows[1]["note"])

	_, err = batch.ReadSource(filepath.Join(dir, "missing.csv"))
	assert.ErrorIs(t, err, batch.ErrSourceNotFound)

	require.NoError(t, os.WriteFile(path, nil, 0o644))
	rows, err = batch.ReadSource(path)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
