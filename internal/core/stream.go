package core

import (
	"context"
	"errors"
	"io"
	"strings"
)

// Fragment is one incrementally delivered piece of a completion.
type Fragment struct {
	Text string
	// Usage is set on the fragment that carries the final token counts, if any.
	Usage *Usage
}

// FragmentStream yields fragments in delivery order.
// Next returns io.EOF once the backend signals the end of the stream.
type FragmentStream interface {
	Next() (Fragment, error)
	Close() error
}

// StreamOutcome is the terminal state of a collected stream.
type StreamOutcome int

const (
	// StreamCompleted means the backend finished the stream normally.
	StreamCompleted StreamOutcome = iota
	// StreamPartial means delivery failed after some content arrived.
	StreamPartial
	// StreamEmpty means delivery failed before any content arrived.
	StreamEmpty
)

func (o StreamOutcome) String() string {
	switch o {
	case StreamCompleted:
		return "completed"
	case StreamPartial:
		return "errored-with-partial"
	case StreamEmpty:
		return "errored-empty"
	}
	return "unknown"
}

// StreamResult is the accumulated content of a stream and how it ended.
type StreamResult struct {
	Content   string
	Usage     *Usage
	Outcome   StreamOutcome
	Fragments int
	// Err is the interruption cause for StreamPartial and StreamEmpty.
	Err error
}

// CollectStream drains s, concatenating fragment text in delivery order.
// A cancelled ctx always yields StreamEmpty with the context error, whatever
// was accumulated, so cancellation is never mistaken for a partial success.
func CollectStream(ctx context.Context, s FragmentStream) StreamResult {
	defer func() {
		_ = s.Close() //nolint:errcheck
	}()

	var (
		b   strings.Builder
		res StreamResult
	)
	for {
		if err := ctx.Err(); err != nil {
			return StreamResult{Outcome: StreamEmpty, Err: err}
		}
		frag, err := s.Next()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return StreamResult{Outcome: StreamEmpty, Err: ctxErr}
			}
			res.Content = b.String()
			if errors.Is(err, io.EOF) {
				res.Outcome = StreamCompleted
				return res
			}
			res.Err = err
			if res.Content == "" {
				res.Outcome = StreamEmpty
			} else {
				res.Outcome = StreamPartial
			}
			return res
		}
		if frag.Usage != nil {
			res.Usage = frag.Usage
		}
		if frag.Text != "" {
			b.WriteString(frag.Text)
			res.Fragments++
		}
	}
}
