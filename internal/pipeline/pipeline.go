// Package pipeline drives one utterance through the STT → LLM → TTS cascade.
//
// A [Runner] is built once per session from the session's adapters and tool
// registry. Each call to [Runner.Run] processes a single utterance (voice PCM
// or typed chat text) and streams typed [Event] values back to the session
// kernel in order:
//
//  1. The utterance PCM is transcribed; the final transcript is emitted.
//  2. The transcript is embedded and similar chunks from the device's prior
//     sessions are recalled into the system prompt (contained on failure).
//  3. The LLM streams the reply; tokens are cut into sentences which are
//     emitted and dispatched to a single TTS stream in order, so synthesized
//     audio preserves sentence order.
//  4. Tool-call rounds loop through the merged registry (device MCP tools
//     plus server-side tools) until the model produces a plain reply.
//  5. The finished exchange is written back to conversation memory.
//
// Cancelling the context (barge-in, abort, congestion) stops every stage at
// its next suspension point and closes the event channel.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voxgate/internal/mcp"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/llm"
	"github.com/MrWong99/voxgate/pkg/provider/stt"
	"github.com/MrWong99/voxgate/pkg/provider/tts"
	"github.com/MrWong99/voxgate/pkg/types"
)

const (
	// defaultEventBuf is the buffer depth of the event channel returned by Run.
	defaultEventBuf = 64

	// defaultTextBuf is the buffer depth of the text channel feeding TTS,
	// sized to absorb several sentences without blocking the LLM loop.
	defaultTextBuf = 16

	// defaultMaxToolRounds caps how many consecutive tool-call rounds a single
	// utterance may trigger before the reply is cut short.
	defaultMaxToolRounds = 4
)

// Stage identifies which adapter a pipeline failure originated from. The
// values match the wire error codes the kernel reports to the device.
type Stage string

const (
	StageSTT Stage = "stt"
	StageLLM Stage = "llm"
	StageTTS Stage = "tts"
)

// Error is a terminal pipeline failure attributed to a stage.
type Error struct {
	Stage Stage
	Err   error
}

func (e *Error) Error() string { return fmt.Sprintf("pipeline: %s stage: %v", e.Stage, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// EventKind discriminates the variants of [Event].
type EventKind int

const (
	// EventTranscript carries the final STT transcript of the utterance.
	EventTranscript EventKind = iota

	// EventSentence carries one complete assistant sentence, emitted when the
	// sentence is dispatched to TTS.
	EventSentence

	// EventAudioFrame carries one encoded Opus frame of synthesized speech.
	// Frames appear in sentence order.
	EventAudioFrame

	// EventFallbackText carries a sentence that could not be synthesized
	// because TTS is unavailable; the device should display it instead.
	EventFallbackText

	// EventTTSDisabled is emitted once per run when no TTS backend is
	// configured at all.
	EventTTSDisabled

	// EventError is the terminal event of a failed run. The channel closes
	// after it.
	EventError
)

// Event is one ordered output of a pipeline run.
type Event struct {
	Kind  EventKind
	Text  string
	Frame []byte
	Err   *Error
}

// Input describes one utterance to process. Exactly one of PCM or Text must
// be set: PCM drives the full voice path, Text skips STT (typed chat).
type Input struct {
	SessionID string
	DeviceID  string

	// PCM is the assembled utterance audio, little-endian int16.
	PCM        []byte
	SampleRate int
	Channels   int

	// Hints are recognition keywords forwarded to the STT backend.
	Hints []string

	// Text is the typed chat message for the no-audio path.
	Text string

	// Context is extra session context (e.g. connected-device descriptors)
	// appended to the system prompt for this run.
	Context string

	// History is the session's conversation so far, oldest first. The runner
	// appends the current user turn itself.
	History []types.Message

	// Codec encodes synthesized PCM into outbound Opus frames. It belongs to
	// the session that started the run; the gopus encoder is stateful, so it
	// must never be shared across sessions. A nil Codec with TTS configured
	// degrades the run to text-only fallback.
	Codec *audio.FrameCodec
}

// Option is a functional option for configuring a Runner.
type Option func(*Runner)

// WithSTT configures the speech-to-text adapter. Without it, only Text inputs
// are accepted.
func WithSTT(p stt.Provider) Option {
	return func(r *Runner) { r.stt = p }
}

// WithTTS configures the text-to-speech adapter and the voice to synthesize
// with. Without it every run emits [EventTTSDisabled] and replies are
// text-only. The Opus codec that cuts the PCM stream into outbound frames is
// supplied per run via [Input.Codec], so each session encodes with its own
// negotiated frame profile.
func WithTTS(p tts.Provider, voice types.VoiceProfile) Option {
	return func(r *Runner) {
		r.tts = p
		r.voice = voice
	}
}

// WithTools configures the merged tool registry offered to the LLM.
func WithTools(reg *mcp.Registry) Option {
	return func(r *Runner) { r.tools = reg }
}

// WithMemory configures conversation memory recall and write-back.
func WithMemory(m *Memory) Option {
	return func(r *Runner) { r.memory = m }
}

// WithSystemPrompt sets the base system prompt for every run.
func WithSystemPrompt(s string) Option {
	return func(r *Runner) { r.systemPrompt = s }
}

// WithTemperature sets the LLM sampling temperature.
func WithTemperature(t float64) Option {
	return func(r *Runner) { r.temperature = t }
}

// WithMaxToolRounds caps consecutive tool-call rounds per utterance.
// Default: 4.
func WithMaxToolRounds(n int) Option {
	return func(r *Runner) { r.maxToolRounds = n }
}

// WithLogger sets the logger for contained failures. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithMetrics records per-stage latencies and tool-call counters on the given
// bundle. Without it no instrumentation is emitted.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// Runner executes utterance pipelines for one session. Safe for concurrent
// use, though the kernel runs at most one pipeline per session at a time.
type Runner struct {
	llmP  llm.Provider
	stt   stt.Provider
	tts   tts.Provider
	voice types.VoiceProfile

	tools  *mcp.Registry
	memory *Memory

	systemPrompt  string
	temperature   float64
	maxToolRounds int
	logger        *slog.Logger
	metrics       *observe.Metrics
}

// New constructs a Runner around the mandatory LLM adapter. Everything else
// is optional.
func New(llmP llm.Provider, opts ...Option) *Runner {
	r := &Runner{
		llmP:          llmP,
		maxToolRounds: defaultMaxToolRounds,
		logger:        slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run starts processing in and returns the event channel. The channel is
// closed by the runner when the utterance completes, fails, or ctx is
// cancelled. Callers must drain it.
func (r *Runner) Run(ctx context.Context, in Input) <-chan Event {
	out := make(chan Event, defaultEventBuf)
	go r.run(ctx, in, out)
	return out
}

func (r *Runner) run(ctx context.Context, in Input, out chan<- Event) {
	defer close(out)

	emit := func(ev Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	fail := func(stage Stage, err error) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		emit(Event{Kind: EventError, Err: &Error{Stage: stage, Err: err}})
	}

	// ── Stage 1: transcript ──────────────────────────────────────────────────

	userText := strings.TrimSpace(in.Text)
	if len(in.PCM) > 0 {
		if r.stt == nil {
			fail(StageSTT, errors.New("no stt adapter configured"))
			return
		}
		sttStart := time.Now()
		text, err := r.transcribe(ctx, in)
		if r.metrics != nil {
			r.metrics.STTDuration.Record(ctx, time.Since(sttStart).Seconds())
		}
		if err != nil {
			fail(StageSTT, err)
			return
		}
		userText = text
		if !emit(Event{Kind: EventTranscript, Text: userText}) {
			return
		}
	}
	if userText == "" {
		// Silence or an empty chat message: nothing to answer.
		return
	}

	// ── Stage 2: memory recall ───────────────────────────────────────────────

	sys := r.systemPrompt
	if in.Context != "" {
		if sys != "" {
			sys += "\n\n"
		}
		sys += in.Context
	}
	if r.memory != nil {
		if block := promptBlock(r.memory.Recall(ctx, in.DeviceID, in.SessionID, userText)); block != "" {
			if sys != "" {
				sys += "\n\n"
			}
			sys += block
		}
	}

	msgs := make([]types.Message, 0, len(in.History)+1)
	msgs = append(msgs, in.History...)
	msgs = append(msgs, types.Message{Role: "user", Content: userText})

	// ── Stage 3: TTS stream setup ────────────────────────────────────────────

	var (
		textCh   chan string
		wg       sync.WaitGroup
		fallback bool
	)
	switch {
	case r.tts == nil:
		if !emit(Event{Kind: EventTTSDisabled}) {
			return
		}
	case in.Codec == nil:
		r.logger.Warn("pipeline: run has no egress codec, replying with text fallback",
			"session_id", in.SessionID)
		fallback = true
	default:
		textCh = make(chan string, defaultTextBuf)
		audioCh, err := r.tts.SynthesizeStream(ctx, textCh, r.voice)
		if err != nil {
			r.logger.Warn("pipeline: tts start failed, replying with text fallback",
				"session_id", in.SessionID, "error", err)
			fallback = true
			textCh = nil
		} else {
			ttsStart := time.Now()
			wg.Add(1)
			go func() {
				defer wg.Done()
				r.forwardAudio(ctx, in.Codec, audioCh, emit)
				if r.metrics != nil {
					r.metrics.TTSDuration.Record(ctx, time.Since(ttsStart).Seconds())
				}
			}()
		}
	}

	dispatch := func(sentence string) bool {
		if !emit(Event{Kind: EventSentence, Text: sentence}) {
			return false
		}
		if fallback {
			return emit(Event{Kind: EventFallbackText, Text: sentence})
		}
		if textCh == nil {
			return true
		}
		select {
		case textCh <- sentence:
			return true
		case <-ctx.Done():
			return false
		}
	}

	// ── Stage 4: LLM sentence streaming + tool rounds ────────────────────────

	assistantText, convErr := r.converse(ctx, sys, msgs, dispatch)

	if textCh != nil {
		close(textCh)
	}
	wg.Wait()

	if convErr != nil {
		fail(StageLLM, convErr)
		return
	}

	// ── Stage 5: memory write-back ───────────────────────────────────────────

	if r.memory != nil && ctx.Err() == nil {
		r.memory.Persist(ctx, in.SessionID, in.DeviceID, userText, assistantText)
	}
}

// transcribe runs the utterance PCM through STT and returns the final
// transcript.
func (r *Runner) transcribe(ctx context.Context, in Input) (string, error) {
	ch, err := r.stt.Recognize(ctx, in.PCM, stt.RecognizeConfig{
		SampleRate: in.SampleRate,
		Channels:   in.Channels,
		Hints:      in.Hints,
	})
	if err != nil {
		return "", fmt.Errorf("recognize: %w", err)
	}

	var (
		final    string
		sawFinal bool
	)
	for tr := range ch {
		if tr.IsFinal {
			final = tr.Text
			sawFinal = true
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !sawFinal {
		return "", errors.New("stream ended without a final transcript")
	}
	return strings.TrimSpace(final), nil
}

// converse streams the LLM reply, cutting it into sentences via dispatch and
// looping through tool-call rounds until the model produces a plain reply.
// Returns the full assistant text.
func (r *Runner) converse(ctx context.Context, sys string, msgs []types.Message, dispatch func(string) bool) (string, error) {
	var defs []types.ToolDefinition
	if r.tools != nil {
		defs = r.tools.Definitions()
	}

	var assistant strings.Builder
	for round := 0; ; round++ {
		roundStart := time.Now()
		ch, err := r.llmP.StreamCompletion(ctx, llm.CompletionRequest{
			Messages:     msgs,
			Tools:        defs,
			Temperature:  r.temperature,
			SystemPrompt: sys,
		})
		if err != nil {
			return assistant.String(), fmt.Errorf("stream completion: %w", err)
		}

		seg := newSplitter()
		var (
			roundText strings.Builder
			calls     []types.ToolCall
			streamErr bool
		)
		for chunk := range ch {
			if chunk.Text != "" {
				roundText.WriteString(chunk.Text)
				for _, s := range seg.Feed(chunk.Text) {
					if !dispatch(s) {
						return assistant.String(), ctx.Err()
					}
				}
			}
			if len(chunk.ToolCalls) > 0 {
				calls = append(calls, chunk.ToolCalls...)
			}
			if chunk.FinishReason == "error" {
				streamErr = true
			}
		}
		if rest := seg.Flush(); rest != "" {
			if !dispatch(rest) {
				return assistant.String(), ctx.Err()
			}
		}
		if r.metrics != nil {
			r.metrics.LLMDuration.Record(ctx, time.Since(roundStart).Seconds())
		}
		if err := ctx.Err(); err != nil {
			return assistant.String(), err
		}

		if assistant.Len() > 0 && roundText.Len() > 0 {
			assistant.WriteString(" ")
		}
		assistant.WriteString(roundText.String())

		if streamErr {
			return assistant.String(), errors.New("stream reported error")
		}
		if len(calls) == 0 || r.tools == nil {
			return assistant.String(), nil
		}
		if round >= r.maxToolRounds {
			r.logger.Warn("pipeline: tool round limit reached, cutting reply short",
				"rounds", round)
			return assistant.String(), nil
		}

		msgs = append(msgs, types.Message{
			Role:      "assistant",
			Content:   roundText.String(),
			ToolCalls: calls,
		})
		for _, call := range calls {
			toolStart := time.Now()
			content, isErr, err := r.tools.Execute(ctx, call.Name, call.Arguments)
			if r.metrics != nil {
				status := "ok"
				if err != nil || isErr {
					status = "error"
				}
				r.metrics.RecordToolCall(ctx, call.Name, status)
				r.metrics.ToolExecutionDuration.Record(ctx, time.Since(toolStart).Seconds())
			}
			if err != nil {
				content = fmt.Sprintf("tool execution failed: %v", err)
			} else if isErr {
				content = fmt.Sprintf("tool error: %s", content)
			}
			msgs = append(msgs, types.Message{
				Role:       "tool",
				Content:    content,
				ToolCallID: call.ID,
			})
		}
	}
}

// forwardAudio cuts the TTS PCM stream into codec-sized blocks, encodes each
// as one Opus frame, and emits them. A short residual block at stream end is
// padded by the codec. The codec is the run's own; only this goroutine
// touches it for the run's duration.
func (r *Runner) forwardAudio(ctx context.Context, codec *audio.FrameCodec, audioCh <-chan []byte, emit func(Event) bool) {
	frameBytes := codec.FrameSize() * 2
	var residue []byte

	for pcm := range audioCh {
		residue = append(residue, pcm...)
		for len(residue) >= frameBytes {
			frame, err := codec.Encode(residue[:frameBytes])
			residue = residue[frameBytes:]
			if err != nil {
				r.logger.Warn("pipeline: opus encode failed, dropping frame", "error", err)
				continue
			}
			if !emit(Event{Kind: EventAudioFrame, Frame: frame}) {
				return
			}
		}
	}

	if len(residue) > 0 && ctx.Err() == nil {
		frame, err := codec.Encode(residue)
		if err != nil {
			r.logger.Warn("pipeline: opus encode failed on residual block", "error", err)
			return
		}
		emit(Event{Kind: EventAudioFrame, Frame: frame})
	}
}
