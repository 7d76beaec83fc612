package blob_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/kiranshivaraju/jobdeck/internal/blob"
	"github.com/kiranshivaraju/jobdeck/internal/cancel"
	"github.com/kiranshivaraju/jobdeck/internal/queue"
	"github.com/kiranshivaraju/jobdeck/internal/registry"
	"github.com/kiranshivaraju/jobdeck/internal/statusstore/storetest"
	"github.com/kiranshivaraju/jobdeck/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEnqueuer struct {
	ids []string
	err error
}

func (f *fakeEnqueuer) EnqueueID(_ context.Context, id, _ string, _ any) error {
	if f.err != nil {
		return f.err
	}
	f.ids = append(f.ids, id)
	return nil
}

type notifier struct{ texts []string }

func (n *notifier) Notify(_ context.Context, text string) { n.texts = append(n.texts, text) }

type uploadHarness struct {
	reg     *registry.Registry
	signal  *cancel.Signal
	store   *blob.FSStore
	status  *notifier
	upload  string
	queue   *fakeEnqueuer
	service *blob.Service
}

func newUploadHarness(t *testing.T) *uploadHarness {
	t.Helper()
	mem := storetest.NewMemory()
	mem.HonourContext()
	reg := registry.New(mem, nil)
	h := &uploadHarness{
		reg:    reg,
		signal: cancel.New(mem, reg, nil),
		store:  blob.NewFSStore(t.TempDir(), "daily-sales"),
		status: &notifier{},
		upload: t.TempDir(),
		queue:  &fakeEnqueuer{},
	}
	h.service = blob.NewService(reg, h.queue, h.upload)
	require.NoError(t, os.WriteFile(filepath.Join(h.upload, "sales.csv"), []byte("sku,qty\nA1,3\n"), 0o644))
	return h
}

func (h *uploadHarness) uploader() *blob.Uploader {
	return blob.NewUploader(blob.UploaderDeps{
		Store:     h.store,
		Jobs:      h.reg,
		Status:    h.status,
		Tokens:    h.signal,
		UploadDir: h.upload,
		Bucket:    "daily-sales",
	})
}

func task(id, filename, date string) queue.Task {
	return queue.Task{ID: id, Type: blob.TaskType, Payload: []byte(`{"filename":"` + filename + `","date":"` + date + `"}`)}
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "daily_sales/daily_sales_2024-05-01.csv", blob.ObjectKey("2024-05-01"))
}

func TestService_StartValidation(t *testing.T) {
	h := newUploadHarness(t)
	ctx := context.Background()

	_, err := h.service.Start(ctx, "", "2024-05-01")
	assert.ErrorIs(t, err, blob.ErrMissingFilename)
	_, err = h.service.Start(ctx, "a/b.csv", "2024-05-01")
	assert.ErrorIs(t, err, blob.ErrInvalidFilename)
	_, err = h.service.Start(ctx, "sales.csv", "05/01/2024")
	assert.ErrorIs(t, err, blob.ErrInvalidDate)
	_, err = h.service.Start(ctx, "other.csv", "2024-05-01")
	assert.ErrorIs(t, err, blob.ErrSourceNotFound)
	assert.Empty(t, h.queue.ids)
}

func TestService_StartRegistersJob(t *testing.T) {
	h := newUploadHarness(t)
	ctx := context.Background()

	id, err := h.service.Start(ctx, "sales.csv", "2024-05-01")
	require.NoError(t, err)
	assert.Equal(t, []string{id}, h.queue.ids)

	job, err := h.reg.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.KindBlobUpload, job.Kind)
	assert.Equal(t, "Blob Upload - sales.csv", job.Name)
}

func TestService_EnqueueFailure(t *testing.T) {
	h := newUploadHarness(t)
	h.queue.err = errors.New("broker down")
	ctx := context.Background()

	_, err := h.service.Start(ctx, "sales.csv", "2024-05-01")
	require.Error(t, err)

	jobs, err := h.reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.StatusFailed, jobs[0].Status)
}

func TestUploader_CopiesFile(t *testing.T) {
	h := newUploadHarness(t)
	ctx := context.Background()
	id, err := h.service.Start(ctx, "sales.csv", "2024-05-01")
	require.NoError(t, err)

	require.NoError(t, h.uploader().Handle(ctx, task(id, "sales.csv", "2024-05-01")))

	rc, err := h.store.Get(ctx, blob.ObjectKey("2024-05-01"))
	require.NoError(t, err)
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	assert.Equal(t, "sku,qty\nA1,3\n", string(body))

	job, err := h.reg.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, job.Status)
	assert.Equal(t, "Upload finished", h.status.texts[len(h.status.texts)-1])
}

func TestUploader_CancelBeforeCopy(t *testing.T) {
	h := newUploadHarness(t)
	ctx := context.Background()
	id, err := h.service.Start(ctx, "sales.csv", "2024-05-01")
	require.NoError(t, err)
	require.NoError(t, h.signal.RequestCancel(ctx, id))

	err = h.uploader().Handle(ctx, task(id, "sales.csv", "2024-05-01"))
	assert.ErrorIs(t, err, queue.ErrRevoked)

	_, err = h.store.Get(ctx, blob.ObjectKey("2024-05-01"))
	assert.ErrorIs(t, err, blob.ErrNotFound)

	job, err := h.reg.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, job.Status)
}

func TestUploader_MissingSourceFails(t *testing.T) {
	h := newUploadHarness(t)
	ctx := context.Background()
	id, err := h.service.Start(ctx, "sales.csv", "2024-05-01")
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(h.upload, "sales.csv")))

	err = h.uploader().Handle(ctx, task(id, "sales.csv", "2024-05-01"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, queue.ErrRevoked)

	job, err := h.reg.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Contains(t, job.LastMessage, "source file not found")
}

func TestUploader_ShutdownDuringCopyStillRecordsOutcome(t *testing.T) {
	h := newUploadHarness(t)
	id, err := h.service.Start(context.Background(), "sales.csv", "2024-05-01")
	require.NoError(t, err)

	ctx, stop := context.WithCancel(context.Background())
	stop()
	err = h.uploader().Handle(ctx, task(id, "sales.csv", "2024-05-01"))
	require.Error(t, err)

	job, err := h.reg.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Equal(t, "Upload failed", h.status.texts[len(h.status.texts)-1])
}
