package core

import (
	"context"
	"errors"
	"io"
	"testing"
)

// sliceStream replays fragments and then returns end.
type sliceStream struct {
	frags  []Fragment
	end    error
	closed bool
}

func (s *sliceStream) Next() (Fragment, error) {
	if len(s.frags) == 0 {
		return Fragment{}, s.end
	}
	f := s.frags[0]
	s.frags = s.frags[1:]
	return f, nil
}

func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}

func TestCollectStream_Completed(t *testing.T) {
	s := &sliceStream{
		frags: []Fragment{{Text: "Hel"}, {Text: ""}, {Text: "lo"}, {Usage: &Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}}},
		end:   io.EOF,
	}

	res := CollectStream(context.Background(), s)

	if res.Outcome != StreamCompleted {
		t.Fatalf("Outcome = %s, want completed", res.Outcome)
	}
	if res.Content != "Hello" {
		t.Errorf("Content = %q, want %q", res.Content, "Hello")
	}
	if res.Fragments != 2 {
		t.Errorf("Fragments = %d, want 2", res.Fragments)
	}
	if res.Usage == nil || res.Usage.TotalTokens != 5 {
		t.Errorf("Usage = %+v, want total 5", res.Usage)
	}
	if !s.closed {
		t.Error("stream should be closed")
	}
}

func TestCollectStream_PartialAfterAbort(t *testing.T) {
	abort := io.ErrUnexpectedEOF
	s := &sliceStream{frags: []Fragment{{Text: "Hel"}, {Text: "lo"}}, end: abort}

	res := CollectStream(context.Background(), s)

	if res.Outcome != StreamPartial {
		t.Fatalf("Outcome = %s, want errored-with-partial", res.Outcome)
	}
	if res.Content != "Hello" {
		t.Errorf("Content = %q, want %q", res.Content, "Hello")
	}
	if !errors.Is(res.Err, abort) {
		t.Errorf("Err = %v, want %v", res.Err, abort)
	}
}

func TestCollectStream_EmptyAbort(t *testing.T) {
	abort := errors.New("connection reset by peer")
	s := &sliceStream{end: abort}

	res := CollectStream(context.Background(), s)

	if res.Outcome != StreamEmpty {
		t.Fatalf("Outcome = %s, want errored-empty", res.Outcome)
	}
	if res.Content != "" {
		t.Errorf("Content = %q, want empty", res.Content)
	}
	if !errors.Is(res.Err, abort) {
		t.Errorf("Err = %v, want %v", res.Err, abort)
	}
}

func TestCollectStream_CancelledIsNeverPartial(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &cancellingStream{cancel: cancel}

	res := CollectStream(ctx, s)

	if res.Outcome != StreamEmpty {
		t.Fatalf("Outcome = %s, want errored-empty", res.Outcome)
	}
	if !errors.Is(res.Err, context.Canceled) {
		t.Errorf("Err = %v, want context.Canceled", res.Err)
	}
}

// cancellingStream delivers one fragment, then cancels and fails.
type cancellingStream struct {
	cancel context.CancelFunc
	calls  int
}

func (s *cancellingStream) Next() (Fragment, error) {
	s.calls++
	if s.calls == 1 {
		return Fragment{Text: "partial"}, nil
	}
	s.cancel()
	return Fragment{}, errors.New("body closed")
}

func (s *cancellingStream) Close() error { return nil }
