package session

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/MrWong99/voxgate/pkg/provider/llm"
	"github.com/MrWong99/voxgate/pkg/types"
)

// charsPerToken is the heuristic ratio used for token estimation.
// English text averages roughly 4 characters per token across common
// LLM tokenizers. This avoids pulling in a tokenizer dependency.
const charsPerToken = 4

// summarisationPrompt is the system prompt sent to the LLM when compressing
// older conversation turns.
const summarisationPrompt = `Summarise the following conversation between a user and their voice assistant.
Preserve: requests made, facts the user stated about themselves or their home,
device actions taken, and any commitments the assistant made.
Be concise but keep every detail the assistant may need later.`

// Summariser produces a concise summary of a conversation segment.
type Summariser interface {
	// Summarise takes a slice of messages and returns a condensed summary string.
	Summarise(ctx context.Context, messages []types.Message) (string, error)
}

// LLMSummariser uses an LLM provider to summarise conversations.
type LLMSummariser struct {
	llm llm.Provider
}

// NewLLMSummariser creates a new [LLMSummariser] backed by the given provider.
func NewLLMSummariser(provider llm.Provider) *LLMSummariser {
	return &LLMSummariser{llm: provider}
}

// Summarise sends messages to the LLM with a summarisation prompt and returns
// the summary text. It formats the conversation history into a single user
// message and asks the model to produce a concise summary.
func (s *LLMSummariser) Summarise(ctx context.Context, messages []types.Message) (string, error) {
	if len(messages) == 0 {
		return "", nil
	}

	var sb strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&sb, "[%s]: %s\n", m.Role, m.Content)
	}

	resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: summarisationPrompt,
		Messages: []types.Message{
			{
				Role:    "user",
				Content: sb.String(),
			},
		},
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("summarise: %w", err)
	}
	return resp.Content, nil
}

// History tracks a session's conversation turns and keeps their estimated
// token count within the model's context window.
//
// When the estimated count exceeds thresholdRatio × maxTokens, the oldest
// half of the turns is summarised and replaced by a compact summary message;
// without a Summariser the oldest half is simply dropped.
//
// All methods are safe for concurrent use.
type History struct {
	maxTokens      int
	thresholdRatio float64
	summariser     Summariser

	mu            sync.Mutex
	currentTokens int
	messages      []types.Message
	summaries     []string
}

// HistoryConfig configures a [History].
type HistoryConfig struct {
	// MaxTokens is the provider's context window size (e.g., 128000).
	MaxTokens int

	// ThresholdRatio is the fraction of MaxTokens at which compression is
	// triggered. Defaults to 0.75 if zero or negative.
	ThresholdRatio float64

	// Summariser compresses older turns when the threshold is exceeded.
	// When nil the oldest turns are dropped instead of summarised.
	Summariser Summariser
}

// NewHistory creates a new [History] with the given configuration.
func NewHistory(cfg HistoryConfig) *History {
	ratio := cfg.ThresholdRatio
	if ratio <= 0 {
		ratio = 0.75
	}
	return &History{
		maxTokens:      cfg.MaxTokens,
		thresholdRatio: ratio,
		summariser:     cfg.Summariser,
		messages:       make([]types.Message, 0),
		summaries:      make([]string, 0),
	}
}

// Add appends turns and estimates token count. If the accumulated tokens
// exceed threshold × maxTokens, the oldest half of the turns is compressed.
func (h *History) Add(ctx context.Context, msgs ...types.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, m := range msgs {
		h.messages = append(h.messages, m)
		h.currentTokens += estimateTokens(m)
	}

	threshold := int(float64(h.maxTokens) * h.thresholdRatio)
	if h.maxTokens > 0 && h.currentTokens > threshold && len(h.messages) > 1 {
		if err := h.compressOldest(ctx); err != nil {
			return fmt.Errorf("history compress: %w", err)
		}
	}
	return nil
}

// Messages returns the current conversation history, including any summary
// prefixes, ready to pass as pipeline input.
func (h *History) Messages() []types.Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	result := make([]types.Message, 0, len(h.summaries)+len(h.messages))
	for _, s := range h.summaries {
		result = append(result, types.Message{
			Role:    "system",
			Content: fmt.Sprintf("[Previous conversation summary]: %s", s),
		})
	}
	result = append(result, h.messages...)
	return result
}

// TokenEstimate returns the current estimated token count, including summary
// tokens.
func (h *History) TokenEstimate() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.currentTokens
}

// Reset clears all turns and summaries.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = h.messages[:0]
	h.summaries = h.summaries[:0]
	h.currentTokens = 0
}

// compressOldest compresses the oldest half of the turns into a summary, or
// drops them when no summariser is configured. Must be called with h.mu held.
func (h *History) compressOldest(ctx context.Context) error {
	half := len(h.messages) / 2
	if half == 0 {
		half = 1
	}

	var summary string
	if h.summariser != nil {
		toSummarise := make([]types.Message, half)
		copy(toSummarise, h.messages[:half])

		// Temporarily release the lock for the (potentially slow) LLM call.
		h.mu.Unlock()
		var err error
		summary, err = h.summariser.Summarise(ctx, toSummarise)
		h.mu.Lock()
		if err != nil {
			return err
		}
	}

	removedTokens := 0
	for _, m := range h.messages[:half] {
		removedTokens += estimateTokens(m)
	}
	h.messages = h.messages[half:]
	h.currentTokens -= removedTokens

	if summary != "" {
		h.summaries = append(h.summaries, summary)
		h.currentTokens += len(summary) / charsPerToken
	}
	return nil
}

// estimateTokens returns a rough token count for a single message using the
// 1-token-per-4-characters heuristic.
func estimateTokens(m types.Message) int {
	chars := len(m.Content) + len(m.Role) + len(m.ToolCallID)
	for _, tc := range m.ToolCalls {
		chars += len(tc.Name) + len(tc.Arguments) + len(tc.ID)
	}
	tokens := chars / charsPerToken
	if tokens == 0 && chars > 0 {
		tokens = 1
	}
	return tokens
}
