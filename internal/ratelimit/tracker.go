// Package ratelimit tracks error bursts and server-reported quotas per
// provider and model, shared by every adapter and the failover orchestrator.
package ratelimit

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	// DefaultHighTrafficThreshold is how long an unbroken error burst must last
	// before a key is declared high traffic.
	DefaultHighTrafficThreshold = 120 * time.Second

	// DefaultCooldown is how long after the last error a key may be reset.
	DefaultCooldown = 300 * time.Second

	defaultShards = 32
)

// Config holds tracker thresholds.
type Config struct {
	HighTrafficThreshold time.Duration
	Cooldown             time.Duration
	// Shards is the number of lock shards; zero uses the default.
	Shards int
}

// DefaultConfig returns the default tracker thresholds.
func DefaultConfig() Config {
	return Config{
		HighTrafficThreshold: DefaultHighTrafficThreshold,
		Cooldown:             DefaultCooldown,
		Shards:               defaultShards,
	}
}

// State is the tracked record for one provider or provider/model key.
type State struct {
	Provider string `json:"provider"`
	// Model is empty for the provider-level key.
	Model string `json:"model,omitempty"`

	ErrorCount    int       `json:"error_count"`
	FirstErrorAt  time.Time `json:"first_error_at,omitempty"`
	LastErrorAt   time.Time `json:"last_error_at,omitempty"`
	InHighTraffic bool      `json:"in_high_traffic"`

	RemainingRequests *int      `json:"remaining_requests,omitempty"`
	RemainingTokens   *int      `json:"remaining_tokens,omitempty"`
	QuotaResetAt      time.Time `json:"quota_reset_at,omitempty"`
	QuotaUpdatedAt    time.Time `json:"quota_updated_at,omitempty"`
}

// QuotaExhausted reports whether the backend said no requests remain.
func (s *State) QuotaExhausted() bool {
	return s.RemainingRequests != nil && *s.RemainingRequests == 0
}

func (s *State) clone() State {
	c := *s
	if s.RemainingRequests != nil {
		v := *s.RemainingRequests
		c.RemainingRequests = &v
	}
	if s.RemainingTokens != nil {
		v := *s.RemainingTokens
		c.RemainingTokens = &v
	}
	return c
}

type stateKey struct {
	provider string
	model    string
}

type shard struct {
	mu     sync.Mutex
	states map[stateKey]*State
}

// Tracker is safe for concurrent use. Locks are held per shard and only for
// the read-modify-write of a single key.
type Tracker struct {
	cfg    Config
	now    func() time.Time
	shards []*shard
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// New creates a tracker. Zero thresholds fall back to the defaults.
func New(cfg Config, opts ...Option) *Tracker {
	if cfg.HighTrafficThreshold <= 0 {
		cfg.HighTrafficThreshold = DefaultHighTrafficThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Shards <= 0 {
		cfg.Shards = defaultShards
	}
	t := &Tracker{
		cfg:    cfg,
		now:    time.Now,
		shards: make([]*shard, cfg.Shards),
	}
	for i := range t.shards {
		t.shards[i] = &shard{states: make(map[stateKey]*State)}
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Config returns the effective thresholds.
func (t *Tracker) Config() Config {
	return t.cfg
}

// Now reads the tracker's clock.
func (t *Tracker) Now() time.Time {
	return t.now()
}

func (t *Tracker) shardFor(k stateKey) *shard {
	h := xxhash.Sum64String(k.provider + "\x00" + k.model)
	return t.shards[h%uint64(len(t.shards))]
}

// with runs fn under the key's shard lock. fn receives nil when no state exists.
func (t *Tracker) with(provider, model string, fn func(s *shard, k stateKey, st *State)) {
	k := stateKey{provider: provider, model: model}
	s := t.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s, k, s.states[k])
}

// RecordError counts a failure for the key. The first error of a burst sets
// the burst start; the key turns high traffic once the burst has lasted the
// configured threshold. An error arriving after a full cooldown starts a new burst.
func (t *Tracker) RecordError(provider, model string) {
	now := t.now()
	t.with(provider, model, func(s *shard, k stateKey, st *State) {
		if st == nil {
			st = &State{Provider: provider, Model: model}
			s.states[k] = st
		}
		if st.ErrorCount == 0 || (!st.LastErrorAt.IsZero() && now.Sub(st.LastErrorAt) >= t.cfg.Cooldown) {
			st.ErrorCount = 0
			st.FirstErrorAt = now
			st.InHighTraffic = false
		}
		st.ErrorCount++
		st.LastErrorAt = now
		if now.Sub(st.FirstErrorAt) >= t.cfg.HighTrafficThreshold {
			st.InHighTraffic = true
		}
	})
}

// RecordSuccess ends the key's error burst. Quota values reported by the
// backend survive, so a success that used up the last request still limits
// the key until its reset instant. A key left with no quota is removed.
func (t *Tracker) RecordSuccess(provider, model string) {
	t.with(provider, model, func(s *shard, k stateKey, st *State) {
		if st == nil {
			return
		}
		if st.RemainingRequests == nil && st.RemainingTokens == nil {
			delete(s.states, k)
			return
		}
		st.ErrorCount = 0
		st.FirstErrorAt = time.Time{}
		st.LastErrorAt = time.Time{}
		st.InHighTraffic = false
	})
}

// UpdateFromHeaders parses quota headers with mapping and stores the values
// that are present. It returns the parsed quota; absent headers are not an error.
func (t *Tracker) UpdateFromHeaders(provider, model string, h http.Header, mapping HeaderMapping) Quota {
	now := t.now()
	q := mapping.Parse(h, now)
	if q.Empty() {
		return q
	}
	t.UpdateQuota(provider, model, q)
	return q
}

// UpdateQuota stores already parsed quota values for the key.
func (t *Tracker) UpdateQuota(provider, model string, q Quota) {
	if q.Empty() {
		return
	}
	now := t.now()
	t.with(provider, model, func(s *shard, k stateKey, st *State) {
		if st == nil {
			st = &State{Provider: provider, Model: model}
			s.states[k] = st
		}
		if q.RemainingRequests != nil {
			v := *q.RemainingRequests
			st.RemainingRequests = &v
			st.QuotaResetAt = q.RequestsResetAt
		}
		if q.RemainingTokens != nil {
			v := *q.RemainingTokens
			st.RemainingTokens = &v
		}
		st.QuotaUpdatedAt = now
	})
}

// IsLimited reports whether the backend reported zero remaining requests
// (until the reported reset instant, when known) or the key is high traffic.
func (t *Tracker) IsLimited(provider, model string) bool {
	now := t.now()
	limited := false
	t.with(provider, model, func(_ *shard, _ stateKey, st *State) {
		if st == nil {
			return
		}
		limited = st.InHighTraffic || quotaBlocking(st, now)
	})
	return limited
}

func quotaBlocking(st *State, now time.Time) bool {
	if !st.QuotaExhausted() {
		return false
	}
	return st.QuotaResetAt.IsZero() || now.Before(st.QuotaResetAt)
}

// IsInHighTraffic reports the key's high-traffic flag.
func (t *Tracker) IsInHighTraffic(provider, model string) bool {
	high := false
	t.with(provider, model, func(_ *shard, _ stateKey, st *State) {
		high = st != nil && st.InHighTraffic
	})
	return high
}

// ErrorCount returns the number of errors in the key's current burst.
func (t *Tracker) ErrorCount(provider, model string) int {
	n := 0
	t.with(provider, model, func(_ *shard, _ stateKey, st *State) {
		if st != nil {
			n = st.ErrorCount
		}
	})
	return n
}

// Get returns a copy of the key's state.
func (t *Tracker) Get(provider, model string) (State, bool) {
	var (
		out State
		ok  bool
	)
	t.with(provider, model, func(_ *shard, _ stateKey, st *State) {
		if st != nil {
			out, ok = st.clone(), true
		}
	})
	return out, ok
}

// ResetIfCooledDown deletes the key's state and returns true once the
// cooldown has elapsed since the last error and any reported quota reset
// instant has passed. Otherwise it returns false without mutating anything.
// A key with no state is trivially cooled down.
func (t *Tracker) ResetIfCooledDown(provider, model string) bool {
	now := t.now()
	reset := false
	t.with(provider, model, func(s *shard, k stateKey, st *State) {
		if st == nil {
			reset = true
			return
		}
		anchor := st.LastErrorAt
		if anchor.IsZero() {
			anchor = st.QuotaUpdatedAt
		}
		if now.Sub(anchor) < t.cfg.Cooldown {
			return
		}
		if st.QuotaExhausted() && !st.QuotaResetAt.IsZero() && now.Before(st.QuotaResetAt) {
			return
		}
		delete(s.states, k)
		reset = true
	})
	return reset
}

// States returns copies of every tracked record ordered by provider then model.
func (t *Tracker) States() []State {
	var out []State
	for _, s := range t.shards {
		s.mu.Lock()
		for _, st := range s.states {
			out = append(out, st.clone())
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Model < out[j].Model
	})
	return out
}

// Snapshot captures the tracker for persistence.
func (t *Tracker) Snapshot() *Snapshot {
	return &Snapshot{
		Version: snapshotVersion,
		SavedAt: t.now().UTC(),
		States:  t.States(),
	}
}

// Restore loads persisted states, replacing any existing record for the same
// key. It returns how many records were applied.
func (t *Tracker) Restore(snap *Snapshot) int {
	if snap == nil {
		return 0
	}
	n := 0
	for i := range snap.States {
		st := snap.States[i].clone()
		if st.Provider == "" {
			continue
		}
		t.with(st.Provider, st.Model, func(s *shard, k stateKey, _ *State) {
			s.states[k] = &st
		})
		n++
	}
	return n
}
