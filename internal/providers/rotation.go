package providers

import (
	"sync"
	"time"

	"llmrelay/internal/core"
	"llmrelay/internal/ratelimit"
)

// Rotation is the per-adapter state shared by every backend: the ordered
// model list, the rotation cursor and the last rate-limit view.
// Adapters embed it to satisfy the bookkeeping half of core.Provider.
type Rotation struct {
	mu     sync.Mutex
	models []string
	cursor int
	info   core.RateLimitInfo
}

// NewRotation copies models. The list must not be empty.
func NewRotation(models []string) *Rotation {
	return &Rotation{models: append([]string(nil), models...)}
}

// Models returns the configured model list in order.
func (r *Rotation) Models() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.models...)
}

// CurrentModel returns the model under the cursor.
func (r *Rotation) CurrentModel() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.models[r.cursor]
}

// RotateModel advances the cursor unless it is already on the last model.
func (r *Rotation) RotateModel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cursor >= len(r.models)-1 {
		return false
	}
	r.cursor++
	return true
}

// RotateFrom advances the cursor only while it still points at model, so two
// callers that both failed on model move it once between them.
func (r *Rotation) RotateFrom(model string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := -1
	for i, m := range r.models {
		if m == model {
			idx = i
			break
		}
	}
	switch {
	case idx < 0 || r.cursor < idx:
		return false
	case r.cursor > idx:
		return true
	case r.cursor >= len(r.models)-1:
		return false
	}
	r.cursor++
	return true
}

// ResetRotation moves the cursor back to the first model and clears the limited flag.
func (r *Rotation) ResetRotation() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursor = 0
	r.info.IsLimited = false
	r.info.LimitedAt = nil
}

// RateLimitInfo returns a copy of the last rate-limit view.
func (r *Rotation) RateLimitInfo() core.RateLimitInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.info.Clone()
}

// Limited reports the local limited flag.
func (r *Rotation) Limited() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.info.IsLimited
}

// MarkLimited sets the local limited flag until the next ResetRotation and
// remembers at as the moment the backend last refused a request.
func (r *Rotation) MarkLimited(at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.info.IsLimited = true
	r.info.LimitedAt = &at
}

// ApplyQuota records header-reported quota values. Absent values keep their
// previous reading.
func (r *Rotation) ApplyQuota(q ratelimit.Quota, now time.Time) {
	if q.Empty() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if q.RemainingRequests != nil {
		v := *q.RemainingRequests
		r.info.RemainingRequests = &v
	}
	if q.RemainingTokens != nil {
		v := *q.RemainingTokens
		r.info.RemainingTokens = &v
	}
	if secs := q.ResetSeconds(now); secs != nil {
		r.info.ResetSeconds = secs
	}
}
