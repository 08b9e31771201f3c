package ratelimit

import (
	"context"
	"time"
)

const snapshotVersion = 1

// Snapshot is the persisted form of the tracker.
type Snapshot struct {
	Version int       `json:"version"`
	SavedAt time.Time `json:"saved_at"`
	States  []State   `json:"states"`
}

// Store persists tracker snapshots so limits survive restarts.
// Implementations must be safe for concurrent use.
type Store interface {
	// Load returns the last saved snapshot, or nil, nil if none exists yet.
	Load(ctx context.Context) (*Snapshot, error)

	// Save replaces the stored snapshot.
	Save(ctx context.Context, snap *Snapshot) error

	// Close releases any resources held by the store.
	Close() error
}
