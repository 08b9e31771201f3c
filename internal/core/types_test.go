package core

import (
	"encoding/json"
	"errors"
	"testing"
)

func intPtr(v int) *int { return &v }

func TestCompletionRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     *CompletionRequest
		wantErr bool
	}{
		{name: "nil request", req: nil, wantErr: true},
		{name: "no messages", req: &CompletionRequest{}, wantErr: true},
		{
			name:    "unknown role",
			req:     &CompletionRequest{Messages: []Message{{Role: "tool", Content: "x"}}},
			wantErr: true,
		},
		{
			name:    "negative max tokens",
			req:     &CompletionRequest{Messages: []Message{NewUserMessage("hi")}, MaxTokens: intPtr(-1)},
			wantErr: true,
		},
		{
			name: "valid conversation",
			req: &CompletionRequest{Messages: []Message{
				NewSystemMessage("be terse"),
				NewUserMessage("hi"),
				NewAssistantMessage("hello"),
				NewUserMessage("summarize"),
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var e *Error
				if !errors.As(err, &e) || e.Kind != KindInvalidRequest {
					t.Errorf("expected invalid_request_error, got %v", err)
				}
			}
		})
	}
}

func TestCompletionRequest_TemperatureOr(t *testing.T) {
	req := &CompletionRequest{}
	if got := req.TemperatureOr(0.7); got != 0.7 {
		t.Errorf("TemperatureOr() = %v, want 0.7", got)
	}
	zero := 0.0
	req.Temperature = &zero
	if got := req.TemperatureOr(0.7); got != 0 {
		t.Errorf("explicit zero temperature must be kept, got %v", got)
	}
}

func TestCompletionRequest_JSONPreservesOrder(t *testing.T) {
	body := `{"messages":[{"role":"system","content":"a"},{"role":"user","content":"b"},{"role":"assistant","content":"c"}],"max_tokens":64}`
	var req CompletionRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(req.Messages) != 3 {
		t.Fatalf("len(Messages) = %d, want 3", len(req.Messages))
	}
	for i, want := range []string{"a", "b", "c"} {
		if req.Messages[i].Content != want {
			t.Errorf("Messages[%d].Content = %q, want %q", i, req.Messages[i].Content, want)
		}
	}
	if req.MaxTokens == nil || *req.MaxTokens != 64 {
		t.Errorf("MaxTokens = %v, want 64", req.MaxTokens)
	}
	if req.Temperature != nil {
		t.Errorf("Temperature should stay absent")
	}
}
