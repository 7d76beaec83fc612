package status_test

import (
	"context"
	"errors"
	"testing"

	"github.com/kiranshivaraju/jobdeck/internal/live"
	"github.com/kiranshivaraju/jobdeck/internal/live/livetest"
	"github.com/kiranshivaraju/jobdeck/internal/status"
	"github.com/kiranshivaraju/jobdeck/internal/statusstore"
	"github.com/kiranshivaraju/jobdeck/internal/statusstore/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet_DefaultsToIdle(t *testing.T) {
	b := status.New(storetest.NewMemory(), nil)
	rec := b.Get(context.Background())
	assert.Equal(t, status.Idle, rec.Status)
	assert.NotEmpty(t, rec.LastUpdated)
}

func TestSet_StoresAndBroadcasts(t *testing.T) {
	store := storetest.NewMemory()
	rec := &livetest.Recorder{}
	b := status.New(store, rec)
	ctx := context.Background()

	got, err := b.Set(ctx, "Batch job running")
	require.NoError(t, err)
	assert.Equal(t, "Batch job running", got.Status)

	assert.Equal(t, "Batch job running", b.Get(ctx).Status)

	events := rec.Named(live.EventGlobalStatus)
	require.Len(t, events, 1)
	assert.Empty(t, events[0].Room)
	assert.Equal(t, "Batch job running", livetest.Decode(events[0])["status"])
}

func TestSet_OverwritesPrevious(t *testing.T) {
	b := status.New(storetest.NewMemory(), nil)
	ctx := context.Background()

	_, err := b.Set(ctx, "first")
	require.NoError(t, err)
	_, err = b.Set(ctx, "second")
	require.NoError(t, err)

	assert.Equal(t, "second", b.Get(ctx).Status)
}

func TestGet_StoreUnavailableIsIdle(t *testing.T) {
	store := storetest.NewMemory()
	b := status.New(store, nil)
	_, err := b.Set(context.Background(), "busy")
	require.NoError(t, err)

	store.SetErr(errors.New("connection refused"))
	assert.Equal(t, status.Idle, b.Get(context.Background()).Status)
}

func TestGet_MalformedRecordIsIdle(t *testing.T) {
	store := storetest.NewMemory()
	require.NoError(t, store.SetValue(context.Background(), statusstore.GlobalStatusKey, []byte("{not json"), 0))
	b := status.New(store, nil)
	assert.Equal(t, status.Idle, b.Get(context.Background()).Status)
}

func TestSet_StoreUnavailable(t *testing.T) {
	store := storetest.NewMemory()
	rec := &livetest.Recorder{}
	store.SetErr(errors.New("connection refused"))
	b := status.New(store, rec)

	_, err := b.Set(context.Background(), "busy")
	require.Error(t, err)
	assert.Empty(t, rec.Events())
}
