package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ResetFormat describes how a backend encodes quota reset headers.
type ResetFormat int

const (
	// ResetDuration is a Go duration string such as "2m59.56s" or "7.66s".
	ResetDuration ResetFormat = iota
	// ResetSeconds is a plain number of seconds from now.
	ResetSeconds
	// ResetUnixMillis is an absolute unix timestamp in milliseconds.
	ResetUnixMillis
)

// HeaderMapping names the quota headers a backend sends. Empty names are skipped.
type HeaderMapping struct {
	RemainingRequests string
	RemainingTokens   string
	ResetRequests     string
	ResetTokens       string
	RetryAfter        string
	ResetFormat       ResetFormat
}

var (
	// GroqHeaders covers groq's per-day request and per-minute token quotas.
	GroqHeaders = HeaderMapping{
		RemainingRequests: "x-ratelimit-remaining-requests",
		RemainingTokens:   "x-ratelimit-remaining-tokens",
		ResetRequests:     "x-ratelimit-reset-requests",
		ResetTokens:       "x-ratelimit-reset-tokens",
		RetryAfter:        "retry-after",
		ResetFormat:       ResetDuration,
	}

	// OpenRouterHeaders covers openrouter's request quota.
	OpenRouterHeaders = HeaderMapping{
		RemainingRequests: "x-ratelimit-remaining",
		ResetRequests:     "x-ratelimit-reset",
		RetryAfter:        "retry-after",
		ResetFormat:       ResetUnixMillis,
	}

	// NoHeaders is used by backends without quota headers.
	NoHeaders = HeaderMapping{}
)

// Quota is the parsed view of one response's quota headers.
type Quota struct {
	RemainingRequests *int
	RemainingTokens   *int
	RequestsResetAt   time.Time
	TokensResetAt     time.Time
	RetryAfter        time.Duration
}

// Empty reports whether no quota header was present.
func (q Quota) Empty() bool {
	return q.RemainingRequests == nil && q.RemainingTokens == nil &&
		q.RequestsResetAt.IsZero() && q.TokensResetAt.IsZero() && q.RetryAfter == 0
}

// ResetSeconds returns the seconds until the request quota resets, falling
// back to retry-after. Nil when neither is known.
func (q Quota) ResetSeconds(now time.Time) *float64 {
	var secs float64
	switch {
	case !q.RequestsResetAt.IsZero():
		secs = q.RequestsResetAt.Sub(now).Seconds()
	case q.RetryAfter > 0:
		secs = q.RetryAfter.Seconds()
	default:
		return nil
	}
	if secs < 0 {
		secs = 0
	}
	return &secs
}

// Parse reads the mapped headers from h. Malformed values are ignored.
func (m HeaderMapping) Parse(h http.Header, now time.Time) Quota {
	var q Quota
	if h == nil {
		return q
	}
	q.RemainingRequests = readInt(h, m.RemainingRequests)
	q.RemainingTokens = readInt(h, m.RemainingTokens)
	q.RequestsResetAt = m.readReset(h, m.ResetRequests, now)
	q.TokensResetAt = m.readReset(h, m.ResetTokens, now)
	if m.RetryAfter != "" {
		if v := strings.TrimSpace(h.Get(m.RetryAfter)); v != "" {
			if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
				q.RetryAfter = time.Duration(secs * float64(time.Second))
			} else if at, err := http.ParseTime(v); err == nil && at.After(now) {
				q.RetryAfter = at.Sub(now)
			}
		}
	}
	// A bare retry-after with exhausted requests still tells us when to come back.
	if q.RequestsResetAt.IsZero() && q.RetryAfter > 0 && q.RemainingRequests != nil && *q.RemainingRequests == 0 {
		q.RequestsResetAt = now.Add(q.RetryAfter)
	}
	return q
}

func readInt(h http.Header, name string) *int {
	if name == "" {
		return nil
	}
	v := strings.TrimSpace(h.Get(name))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return nil
	}
	return &n
}

func (m HeaderMapping) readReset(h http.Header, name string, now time.Time) time.Time {
	if name == "" {
		return time.Time{}
	}
	v := strings.TrimSpace(h.Get(name))
	if v == "" {
		return time.Time{}
	}
	switch m.ResetFormat {
	case ResetDuration:
		d, err := time.ParseDuration(v)
		if err != nil {
			// Some backends send bare seconds in the duration header.
			secs, ferr := strconv.ParseFloat(v, 64)
			if ferr != nil {
				return time.Time{}
			}
			d = time.Duration(secs * float64(time.Second))
		}
		return now.Add(d)
	case ResetSeconds:
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return time.Time{}
		}
		return now.Add(time.Duration(secs * float64(time.Second)))
	case ResetUnixMillis:
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return time.Time{}
		}
		return time.UnixMilli(ms)
	}
	return time.Time{}
}
