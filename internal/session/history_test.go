package session

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/voxgate/pkg/provider/llm"
	llmmock "github.com/MrWong99/voxgate/pkg/provider/llm/mock"
	"github.com/MrWong99/voxgate/pkg/types"
)

// recordingSummariser captures what it is asked to summarise.
type recordingSummariser struct {
	summary string
	err     error
	calls   [][]types.Message
}

func (r *recordingSummariser) Summarise(_ context.Context, msgs []types.Message) (string, error) {
	cp := make([]types.Message, len(msgs))
	copy(cp, msgs)
	r.calls = append(r.calls, cp)
	return r.summary, r.err
}

func TestHistory_AddAndMessages(t *testing.T) {
	t.Parallel()

	h := NewHistory(HistoryConfig{MaxTokens: 100000})
	if err := h.Add(context.Background(),
		types.Message{Role: "user", Content: "turn on the light"},
		types.Message{Role: "assistant", Content: "The light is on."},
	); err != nil {
		t.Fatalf("Add: %v", err)
	}

	msgs := h.Messages()
	if len(msgs) != 2 {
		t.Fatalf("Messages: got %d, want 2", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Errorf("roles: %q, %q", msgs[0].Role, msgs[1].Role)
	}
	if h.TokenEstimate() == 0 {
		t.Error("TokenEstimate: got 0 for non-empty history")
	}
}

func TestHistory_SummarisesOverThreshold(t *testing.T) {
	t.Parallel()

	sum := &recordingSummariser{summary: "user discussed lights"}
	h := NewHistory(HistoryConfig{MaxTokens: 40, ThresholdRatio: 0.5, Summariser: sum})

	long := strings.Repeat("word ", 40) // well past 20 tokens
	for i := 0; i < 4; i++ {
		if err := h.Add(context.Background(), types.Message{Role: "user", Content: long}); err != nil {
			t.Fatalf("Add %d: %v", i, err)
		}
	}

	if len(sum.calls) == 0 {
		t.Fatal("summariser never invoked")
	}

	msgs := h.Messages()
	if msgs[0].Role != "system" || !strings.Contains(msgs[0].Content, "user discussed lights") {
		t.Errorf("first message should carry the summary, got %+v", msgs[0])
	}
	if !strings.Contains(msgs[0].Content, "[Previous conversation summary]") {
		t.Errorf("summary prefix missing: %q", msgs[0].Content)
	}
}

func TestHistory_DropsOldestWithoutSummariser(t *testing.T) {
	t.Parallel()

	h := NewHistory(HistoryConfig{MaxTokens: 40, ThresholdRatio: 0.5})
	long := strings.Repeat("word ", 40)

	if err := h.Add(context.Background(),
		types.Message{Role: "user", Content: "first"},
		types.Message{Role: "user", Content: long},
	); err != nil {
		t.Fatalf("Add: %v", err)
	}

	for _, m := range h.Messages() {
		if m.Content == "first" {
			t.Error("oldest turn survived compression without a summariser")
		}
		if m.Role == "system" {
			t.Error("summary message present without a summariser")
		}
	}
}

func TestHistory_SummariserErrorPropagates(t *testing.T) {
	t.Parallel()

	sum := &recordingSummariser{err: errors.New("llm down")}
	h := NewHistory(HistoryConfig{MaxTokens: 10, ThresholdRatio: 0.5, Summariser: sum})

	err := h.Add(context.Background(),
		types.Message{Role: "user", Content: strings.Repeat("x", 200)},
		types.Message{Role: "user", Content: strings.Repeat("y", 200)},
	)
	if err == nil {
		t.Fatal("Add: expected error from failed summarisation")
	}
}

func TestHistory_Reset(t *testing.T) {
	t.Parallel()

	h := NewHistory(HistoryConfig{MaxTokens: 1000})
	_ = h.Add(context.Background(), types.Message{Role: "user", Content: "hello"})
	h.Reset()

	if len(h.Messages()) != 0 {
		t.Error("Messages after Reset: not empty")
	}
	if h.TokenEstimate() != 0 {
		t.Errorf("TokenEstimate after Reset: got %d", h.TokenEstimate())
	}
}

func TestLLMSummariser_FormatsTranscript(t *testing.T) {
	t.Parallel()

	mock := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "the summary"},
	}
	s := NewLLMSummariser(mock)

	got, err := s.Summarise(context.Background(), []types.Message{
		{Role: "user", Content: "what time is it"},
		{Role: "assistant", Content: "It is noon."},
	})
	if err != nil {
		t.Fatalf("Summarise: %v", err)
	}
	if got != "the summary" {
		t.Errorf("summary: got %q", got)
	}

	req := mock.CompleteCalls[0].Req
	if req.Temperature != 0.3 {
		t.Errorf("temperature: got %v, want 0.3", req.Temperature)
	}
	if len(req.Messages) != 1 {
		t.Fatalf("messages: got %d, want 1", len(req.Messages))
	}
	transcript := req.Messages[0].Content
	if !strings.Contains(transcript, "[user]: what time is it") ||
		!strings.Contains(transcript, "[assistant]: It is noon.") {
		t.Errorf("transcript formatting: %q", transcript)
	}
}

func TestLLMSummariser_EmptyInput(t *testing.T) {
	t.Parallel()

	mock := &llmmock.Provider{}
	s := NewLLMSummariser(mock)
	got, err := s.Summarise(context.Background(), nil)
	if err != nil || got != "" {
		t.Errorf("Summarise(nil): got %q, %v", got, err)
	}
	if len(mock.CompleteCalls) != 0 {
		t.Error("Complete called for empty input")
	}
}
