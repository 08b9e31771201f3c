package ratelimit

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStore(t *testing.T) {
	t.Run("LoadSaveRoundTrip", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "state.json")
		store := NewLocalStore(file)
		ctx := context.Background()

		snap, err := store.Load(ctx)
		require.NoError(t, err)
		assert.Nil(t, snap, "no file yet")

		tr, clock := newTestTracker(time.Second, time.Minute)
		tr.RecordError("groq", "llama")
		clock.Set(2000)
		tr.RecordError("groq", "llama")
		require.NoError(t, tr.SaveTo(ctx, store))

		restored := New(DefaultConfig())
		n, err := restored.LoadFrom(ctx, store)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.True(t, restored.IsInHighTraffic("groq", "llama"))
	})

	t.Run("CreateDirectoryIfNeeded", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "nested", "dir", "state.json")
		store := NewLocalStore(file)

		require.NoError(t, store.Save(context.Background(), &Snapshot{Version: snapshotVersion}))
		_, err := os.Stat(file)
		assert.NoError(t, err)
	})

	t.Run("EmptyPathDisablesPersistence", func(t *testing.T) {
		store := NewLocalStore("")
		require.NoError(t, store.Save(context.Background(), &Snapshot{Version: snapshotVersion}))
		snap, err := store.Load(context.Background())
		require.NoError(t, err)
		assert.Nil(t, snap)
	})

	t.Run("CorruptFile", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "state.json")
		require.NoError(t, os.WriteFile(file, []byte("{not json"), 0o644))

		_, err := NewLocalStore(file).Load(context.Background())
		assert.Error(t, err)
	})

	t.Run("UnknownVersionIgnored", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "state.json")
		store := NewLocalStore(file)
		require.NoError(t, store.Save(context.Background(), &Snapshot{
			Version: 99,
			States:  []State{{Provider: "groq", ErrorCount: 3}},
		}))

		tr := New(DefaultConfig())
		n, err := tr.LoadFrom(context.Background(), store)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Zero(t, tr.ErrorCount("groq", ""))
	})
}

func TestRunPersistence_FinalSaveOnCancel(t *testing.T) {
	file := filepath.Join(t.TempDir(), "state.json")
	store := NewLocalStore(file)

	tr := New(DefaultConfig())
	tr.RecordError("openrouter", "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.RunPersistence(ctx, store, time.Hour)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunPersistence did not return after cancel")
	}

	snap, err := store.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Len(t, snap.States, 1)
	assert.Equal(t, "openrouter", snap.States[0].Provider)
}
