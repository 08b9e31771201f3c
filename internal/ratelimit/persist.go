package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// LoadFrom restores the tracker from store. A missing snapshot is not an error.
func (t *Tracker) LoadFrom(ctx context.Context, store Store) (int, error) {
	snap, err := store.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load rate limit state: %w", err)
	}
	if snap == nil {
		return 0, nil
	}
	if snap.Version != snapshotVersion {
		slog.Warn("ignoring rate limit snapshot with unknown version", "version", snap.Version)
		return 0, nil
	}
	return t.Restore(snap), nil
}

// SaveTo writes the current tracker snapshot to store.
func (t *Tracker) SaveTo(ctx context.Context, store Store) error {
	if err := store.Save(ctx, t.Snapshot()); err != nil {
		return fmt.Errorf("failed to save rate limit state: %w", err)
	}
	return nil
}

// RunPersistence saves the tracker every interval until ctx is done, then
// performs one final save with a short timeout.
func (t *Tracker) RunPersistence(ctx context.Context, store Store, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := t.SaveTo(saveCtx, store); err != nil {
				slog.Error("final rate limit state save failed", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := t.SaveTo(ctx, store); err != nil {
				slog.Warn("rate limit state save failed", "error", err)
			}
		}
	}
}
