// Package session implements the per-connection session kernel.
//
// A Kernel owns exactly one device WebSocket for its whole lifetime. It
// performs the hello handshake, then multiplexes inbound text envelopes and
// binary Opus frames into a small state machine:
//
//	Greeting → Ready → Listening → Thinking → Speaking → Ready → … → Closing
//
// Audio capture is driven either by server-side VAD (auto and realtime listen
// modes) or by explicit client boundaries (manual mode). A finalized
// utterance is handed to the pipeline; the kernel translates pipeline events
// back into wire envelopes and binary frames through a bounded outbound queue
// that sheds audio, never control, under backpressure.
//
// Barge-in, abort, and outbound congestion all cancel the in-flight pipeline
// run; the run's event stream always terminates the reply with tts stop, an
// error envelope, or both.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voxgate/internal/mcp"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/peer"
	"github.com/MrWong99/voxgate/internal/pipeline"
	"github.com/MrWong99/voxgate/internal/protocol"
	"github.com/MrWong99/voxgate/internal/wake"
	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/vad"
	"github.com/MrWong99/voxgate/pkg/types"
)

const (
	// defaultQueueDepth bounds the outbound frame queue.
	defaultQueueDepth = 200

	// congestionDropLimit is the number of consecutive shed audio frames after
	// which the in-flight reply is cancelled as hopeless.
	congestionDropLimit = 5

	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	defaultMaxUtterance     = 30 * time.Second

	// mcpBootstrapTimeout bounds the initialize + tools/list exchange with a
	// device that advertised the MCP feature.
	mcpBootstrapTimeout = 30 * time.Second

	// historyWriteTimeout bounds the post-exchange history append, which may
	// trigger an LLM summarisation call.
	historyWriteTimeout = 10 * time.Second
)

// FrameKind distinguishes the two websocket frame types the kernel handles.
type FrameKind int

const (
	FrameText FrameKind = iota
	FrameBinary
)

// Conn is the transport the kernel drives. The gateway adapts a live
// websocket; tests supply scripted implementations.
//
// Read is called from a single goroutine; Write must be safe for the single
// writer goroutine.
type Conn interface {
	Read(ctx context.Context) (FrameKind, []byte, error)
	Write(ctx context.Context, kind FrameKind, data []byte) error
}

// State is the kernel's coarse conversation phase.
type State int

const (
	StateGreeting State = iota
	StateReady
	StateListening
	StateThinking
	StateSpeaking
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateGreeting:
		return "greeting"
	case StateReady:
		return "ready"
	case StateListening:
		return "listening"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// activeRun tracks one in-flight pipeline execution.
type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithVAD enables server-side voice activity detection for auto and realtime
// listen modes. SampleRate and FrameSizeMs of cfg are filled in from the
// negotiated audio profile.
func WithVAD(engine vad.Engine, cfg vad.Config) Option {
	return func(k *Kernel) {
		k.vadEngine = engine
		k.vadCfg = cfg
	}
}

// WithWakeValidator enables server-side validation of device wake word
// reports. Without it, wake_word_detected envelopes are logged and dropped.
func WithWakeValidator(v *wake.Validator) Option {
	return func(k *Kernel) { k.wake = v }
}

// WithPeers enables the friend relay. The kernel publishes its device id on
// the registry for the session's lifetime and forwards inbox messages to the
// device.
func WithPeers(r *peer.Registry) Option {
	return func(k *Kernel) { k.peers = r }
}

// WithTools sets the session's merged tool registry. When the device
// advertises the MCP feature, its tool catalogue is discovered and registered
// here, where the pipeline picks it up.
func WithTools(r *mcp.Registry) Option {
	return func(k *Kernel) { k.tools = r }
}

// WithMCPOptions forwards options to the device MCP subsession.
func WithMCPOptions(opts ...mcp.Option) Option {
	return func(k *Kernel) { k.mcpOpts = opts }
}

// WithHistory sets the conversation history shared across the session's
// utterances.
func WithHistory(h *History) Option {
	return func(k *Kernel) { k.history = h }
}

// WithSTTHints sets recognition keywords forwarded to the STT backend,
// typically the configured wake words.
func WithSTTHints(hints []string) Option {
	return func(k *Kernel) { k.hints = hints }
}

// WithQueueDepth overrides the outbound queue bound. Default: 200.
func WithQueueDepth(n int) Option {
	return func(k *Kernel) {
		if n > 0 {
			k.queueDepth = n
		}
	}
}

// WithHandshakeTimeout bounds how long the kernel waits for the client hello.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(k *Kernel) {
		if d > 0 {
			k.handshakeTimeout = d
		}
	}
}

// WithMaxUtterance caps a single utterance's duration. Default: 30 s.
func WithMaxUtterance(d time.Duration) Option {
	return func(k *Kernel) {
		if d > 0 {
			k.maxUtterance = d
		}
	}
}

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(k *Kernel) { k.logger = l }
}

// WithMetrics records frame, utterance, wake, and relay counters on the given
// bundle. Without it no instrumentation is emitted.
func WithMetrics(m *observe.Metrics) Option {
	return func(k *Kernel) { k.metrics = m }
}

// Kernel runs one device session over one connection. Create with New, drive
// with Run; a Kernel is single-use.
type Kernel struct {
	id       string
	deviceID string
	clientID string

	runner    *pipeline.Runner
	tools     *mcp.Registry
	vadEngine vad.Engine
	vadCfg    vad.Config
	wake      *wake.Validator
	peers     *peer.Registry
	history   *History
	hints     []string
	mcpOpts   []mcp.Option

	queueDepth       int
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
	maxUtterance     time.Duration
	logger           *slog.Logger
	metrics          *observe.Metrics

	// Populated by Run.
	cancelSession context.CancelFunc
	out           *outQueue
	codec         *audio.FrameCodec
	vadSession    vad.SessionHandle
	sub           *mcp.Subsession
	peerHandle    *peer.Handle

	mu             sync.Mutex
	state          State
	mode           string
	buf            *audio.UtteranceBuffer
	run            *activeRun
	iotDescriptors json.RawMessage
	iotStates      json.RawMessage
	dropStreak     int
}

// New creates a kernel for one device connection. The session id is assigned
// here and reported to the client in the hello reply.
func New(deviceID, clientID string, runner *pipeline.Runner, opts ...Option) *Kernel {
	k := &Kernel{
		id:               uuid.NewString(),
		deviceID:         deviceID,
		clientID:         clientID,
		runner:           runner,
		queueDepth:       defaultQueueDepth,
		handshakeTimeout: defaultHandshakeTimeout,
		writeTimeout:     defaultWriteTimeout,
		maxUtterance:     defaultMaxUtterance,
		logger:           slog.Default(),
		state:            StateGreeting,
		mode:             protocol.ListenModeAuto,
	}
	for _, o := range opts {
		o(k)
	}
	return k
}

// ID returns the session id.
func (k *Kernel) ID() string { return k.id }

// DeviceID returns the device id the session was opened for.
func (k *Kernel) DeviceID() string { return k.deviceID }

// State returns the kernel's current conversation phase.
func (k *Kernel) State() State {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state
}

// Run drives the session until the connection fails, the client disconnects,
// or ctx is cancelled. It blocks for the session's lifetime and returns nil
// on a clean, context-driven shutdown.
func (k *Kernel) Run(ctx context.Context, conn Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	k.cancelSession = cancel
	k.out = newOutQueue(k.queueDepth)

	hello, err := k.handshake(ctx, conn)
	if err != nil {
		return err
	}

	frameDur := time.Duration(hello.AudioParams.FrameDuration) * time.Millisecond
	codec, err := audio.NewFrameCodec(frameDur)
	if err != nil {
		return fmt.Errorf("session: create codec: %w", err)
	}
	k.codec = codec

	if k.vadEngine != nil {
		cfg := k.vadCfg
		cfg.SampleRate = audio.SampleRate
		cfg.FrameSizeMs = hello.AudioParams.FrameDuration
		vs, err := k.vadEngine.NewSession(cfg)
		if err != nil {
			return fmt.Errorf("session: create vad session: %w", err)
		}
		k.vadSession = vs
		defer vs.Close()
	}

	writerDone := make(chan struct{})
	go k.writeLoop(ctx, conn, writerDone)

	if k.peers != nil {
		handle, err := k.peers.Publish(k.deviceID)
		if err != nil {
			k.logger.Warn("session: friend relay unavailable",
				"session_id", k.id, "error", err)
		} else {
			k.peerHandle = handle
			go k.forwardPeerInbox(ctx, handle)
		}
	}

	if hello.Features.MCP && k.tools != nil {
		k.sub = mcp.NewSubsession(k.sendMcpPayload, k.mcpOpts...)
		go k.bootstrapDeviceTools(ctx)
	}

	k.setState(StateReady)
	k.logger.Info("session: established",
		"session_id", k.id, "device_id", k.deviceID,
		"frame_duration_ms", hello.AudioParams.FrameDuration,
		"mcp", hello.Features.MCP)

	var readErr error
	for {
		kind, data, err := conn.Read(ctx)
		if err != nil {
			readErr = err
			break
		}
		switch kind {
		case FrameText:
			k.handleText(ctx, data)
		case FrameBinary:
			k.handleBinary(ctx, data)
		}
	}

	k.mu.Lock()
	k.state = StateClosing
	run := k.run
	k.mu.Unlock()
	if run != nil {
		run.cancel()
		<-run.done
	}
	if k.sub != nil {
		k.sub.Close()
	}
	if k.peerHandle != nil {
		k.peers.Revoke(k.peerHandle)
	}
	cancel()
	k.out.close()
	<-writerDone

	k.logger.Info("session: closed", "session_id", k.id, "device_id", k.deviceID)
	if ctx.Err() != nil {
		return nil
	}
	return readErr
}

// ─── Handshake ───

// handshake reads and validates the client hello and writes the server reply
// directly, before the writer goroutine starts.
func (k *Kernel) handshake(ctx context.Context, conn Conn) (*protocol.Hello, error) {
	hctx, cancel := context.WithTimeout(ctx, k.handshakeTimeout)
	defer cancel()

	kind, data, err := conn.Read(hctx)
	if err != nil {
		return nil, fmt.Errorf("session: handshake read: %w", err)
	}
	if kind != FrameText {
		return nil, k.rejectHandshake(ctx, conn, "expected hello envelope, got binary frame")
	}
	msg, err := protocol.Parse(data)
	if err != nil {
		return nil, k.rejectHandshake(ctx, conn, err.Error())
	}
	hello, ok := msg.(*protocol.Hello)
	if !ok {
		return nil, k.rejectHandshake(ctx, conn, fmt.Sprintf("expected hello, got %s", msg.Tag()))
	}

	p := hello.AudioParams
	if p.Format == "" {
		p.Format = "opus"
	}
	if p.SampleRate == 0 {
		p.SampleRate = audio.SampleRate
	}
	if p.Channels == 0 {
		p.Channels = audio.Channels
	}
	if p.FrameDuration == 0 {
		p.FrameDuration = int(audio.DefaultFrameDuration / time.Millisecond)
	}
	switch {
	case p.Format != "opus":
		return nil, k.rejectHandshake(ctx, conn, fmt.Sprintf("unsupported audio format %q", p.Format))
	case p.SampleRate != audio.SampleRate:
		return nil, k.rejectHandshake(ctx, conn, fmt.Sprintf("unsupported sample rate %d", p.SampleRate))
	case p.Channels != audio.Channels:
		return nil, k.rejectHandshake(ctx, conn, fmt.Sprintf("unsupported channel count %d", p.Channels))
	case !protocol.ValidFrameDurationMs(p.FrameDuration):
		return nil, k.rejectHandshake(ctx, conn, fmt.Sprintf("unsupported frame duration %d ms", p.FrameDuration))
	}
	hello.AudioParams = p

	reply := &protocol.Hello{
		Version:     hello.Version,
		Transport:   "websocket",
		Features:    protocol.Features{MCP: hello.Features.MCP && k.tools != nil},
		AudioParams: p,
		SessionID:   k.id,
	}
	out, err := protocol.Marshal(reply)
	if err != nil {
		return nil, err
	}
	if err := conn.Write(hctx, FrameText, out); err != nil {
		return nil, fmt.Errorf("session: handshake write: %w", err)
	}
	return hello, nil
}

// rejectHandshake sends a best-effort protocol error and returns the refusal.
func (k *Kernel) rejectHandshake(ctx context.Context, conn Conn, reason string) error {
	if data, err := protocol.Marshal(&protocol.Error{Code: protocol.ErrCodeProtocol, Message: reason}); err == nil {
		wctx, cancel := context.WithTimeout(ctx, k.writeTimeout)
		_ = conn.Write(wctx, FrameText, data)
		cancel()
	}
	return fmt.Errorf("session: handshake rejected: %s", reason)
}

// ─── Inbound dispatch ───

func (k *Kernel) handleText(ctx context.Context, data []byte) {
	msg, err := protocol.Parse(data)
	if err != nil {
		k.logger.Warn("session: dropping malformed envelope", "session_id", k.id, "error", err)
		k.sendError(protocol.ErrCodeProtocol, "malformed envelope")
		return
	}
	switch m := msg.(type) {
	case *protocol.Listen:
		k.handleListen(ctx, m)
	case *protocol.Abort:
		k.handleAbort()
	case *protocol.Chat:
		k.handleChat(ctx, m)
	case *protocol.WakeWordDetected:
		k.handleWake(m)
	case *protocol.Iot:
		k.handleIot(m)
	case *protocol.Mcp:
		if k.sub != nil {
			k.sub.HandlePayload(m.Payload)
		} else {
			k.logger.Warn("session: mcp envelope without negotiated sub-protocol", "session_id", k.id)
		}
	case *protocol.Friend:
		k.handleFriend(m)
	case *protocol.Hello:
		k.sendError(protocol.ErrCodeProtocol, "duplicate hello")
	case *protocol.Unknown:
		k.logger.Debug("session: dropping unknown envelope", "session_id", k.id, "tag", m.TypeTag)
	default:
		k.logger.Debug("session: dropping server-only envelope from client", "session_id", k.id, "tag", msg.Tag())
	}
}

func (k *Kernel) handleBinary(ctx context.Context, data []byte) {
	if len(data) == 0 {
		// End-of-stream sentinel closes an open capture window.
		if k.currentState() == StateListening {
			k.finalizeUtterance(ctx)
		}
		return
	}
	pcm, err := k.codec.Decode(data)
	if err != nil {
		k.logger.Warn("session: dropping undecodable audio frame", "session_id", k.id, "error", err)
		if k.metrics != nil {
			k.metrics.CodecErrors.Add(ctx, 1)
		}
		return
	}
	if k.metrics != nil {
		k.metrics.FramesIn.Add(ctx, 1)
	}

	k.mu.Lock()
	mode := k.mode
	state := k.state
	k.mu.Unlock()

	if mode == protocol.ListenModeManual || k.vadSession == nil {
		if state == StateListening {
			k.appendAudio(ctx, pcm)
		}
		return
	}

	// Auto and realtime modes run every inbound frame through VAD; frames
	// arriving during Thinking or Speaking can trigger barge-in.
	ev, err := k.vadSession.ProcessFrame(pcm)
	if err != nil {
		k.logger.Warn("session: vad frame error", "session_id", k.id, "error", err)
		return
	}
	switch ev.Type {
	case types.VADSpeechStart:
		k.onSpeechStart(ctx, pcm)
	case types.VADSpeechContinue:
		if k.currentState() == StateListening {
			k.appendAudio(ctx, pcm)
		}
	case types.VADSpeechEnd:
		if k.currentState() == StateListening {
			k.appendAudio(ctx, pcm)
			k.finalizeUtterance(ctx)
		}
	}
}

// ─── Control handlers ───

func (k *Kernel) handleListen(ctx context.Context, m *protocol.Listen) {
	if m.Mode != "" {
		k.mu.Lock()
		k.mode = m.Mode
		k.mu.Unlock()
	}

	switch m.State {
	case protocol.ListenStateStart:
		k.mu.Lock()
		mode := k.mode
		state := k.state
		run := k.run
		k.mu.Unlock()
		if state == StateThinking || state == StateSpeaking {
			k.bargeIn(run)
		}
		if mode == protocol.ListenModeManual {
			if k.vadSession != nil {
				k.vadSession.Reset()
			}
			k.openUtterance()
		}
		// Auto and realtime arm capture only; the window opens on VAD
		// speech start.
	case protocol.ListenStateStop:
		if k.currentState() == StateListening {
			k.finalizeUtterance(ctx)
		}
	case protocol.ListenStateDetect:
		// Wake-word re-arm. Detection runs on the device; nothing to do.
	}
}

func (k *Kernel) handleAbort() {
	k.mu.Lock()
	run := k.run
	k.mu.Unlock()
	if run == nil {
		return
	}
	run.cancel()
	<-run.done
	k.out.dropAudio()
}

func (k *Kernel) handleChat(ctx context.Context, m *protocol.Chat) {
	k.mu.Lock()
	state := k.state
	run := k.run
	k.mu.Unlock()

	switch state {
	case StateThinking, StateSpeaking:
		k.bargeIn(run)
	case StateListening:
		// Typed text supersedes the open capture window.
		k.mu.Lock()
		k.buf = nil
		k.state = StateReady
		k.mu.Unlock()
		if k.vadSession != nil {
			k.vadSession.Reset()
		}
	}
	k.startRun(ctx, pipeline.Input{Text: m.Text})
}

func (k *Kernel) handleWake(m *protocol.WakeWordDetected) {
	if k.wake == nil {
		k.logger.Debug("session: wake word report without validator", "session_id", k.id)
		return
	}
	keyword, ok := k.wake.Validate(m.Keyword, m.Confidence)
	if !ok {
		k.logger.Debug("session: rejected wake word report",
			"session_id", k.id, "reported", m.Keyword, "confidence", m.Confidence)
		if k.metrics != nil {
			k.metrics.RecordWakeReport(context.Background(), "rejected")
		}
		return
	}
	k.logger.Info("session: wake word validated", "session_id", k.id, "keyword", keyword)
	if k.metrics != nil {
		k.metrics.RecordWakeReport(context.Background(), "accepted")
	}

	k.mu.Lock()
	state := k.state
	run := k.run
	k.mu.Unlock()
	if state == StateThinking || state == StateSpeaking {
		k.bargeIn(run)
	}
	if k.vadSession != nil {
		k.vadSession.Reset()
	}
	k.openUtterance()
}

func (k *Kernel) handleIot(m *protocol.Iot) {
	k.mu.Lock()
	if len(m.Descriptors) > 0 {
		k.iotDescriptors = append(json.RawMessage(nil), m.Descriptors...)
	}
	if len(m.States) > 0 {
		k.iotStates = append(json.RawMessage(nil), m.States...)
	}
	k.mu.Unlock()
}

func (k *Kernel) handleFriend(m *protocol.Friend) {
	if m.ClientID == "" {
		k.sendError(protocol.ErrCodeProtocol, "friend relay without clientid")
		return
	}
	status := peer.Unknown
	if k.peers != nil {
		status = k.peers.Offer(m.ClientID, peer.Message{
			From:      k.deviceID,
			Data:      m.Data,
			Timestamp: time.Now(),
		})
	}
	wire := friendAckStatus(status)
	if k.metrics != nil {
		k.metrics.RecordFriendMessage(context.Background(), wire)
	}
	k.send(&protocol.FriendAck{To: m.ClientID, Status: wire})
}

// friendAckStatus maps a registry offer outcome onto the wire ack status. A
// full inbox acks "dropped"; a revoked handle is indistinguishable from an
// absent peer on the wire.
func friendAckStatus(s peer.OfferStatus) string {
	switch s {
	case peer.Delivered:
		return protocol.FriendStatusDelivered
	case peer.Full:
		return protocol.FriendStatusDropped
	default:
		return protocol.FriendStatusUnknown
	}
}

// ─── Utterance lifecycle ───

func (k *Kernel) onSpeechStart(ctx context.Context, pcm []byte) {
	k.mu.Lock()
	state := k.state
	run := k.run
	k.mu.Unlock()

	if state == StateThinking || state == StateSpeaking {
		k.bargeIn(run)
	}
	k.openUtterance()
	k.appendAudio(ctx, pcm)
}

// bargeIn cancels the in-flight run, waits for its event stream to terminate
// the reply, and purges stale audio from the outbound queue.
func (k *Kernel) bargeIn(run *activeRun) {
	if run == nil {
		return
	}
	run.cancel()
	<-run.done
	k.out.dropAudio()
}

// openUtterance starts a capture window unless one is already open.
func (k *Kernel) openUtterance() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.state == StateClosing || (k.state == StateListening && k.buf != nil) {
		return
	}
	k.buf = audio.NewUtteranceBuffer(k.maxUtterance)
	k.state = StateListening
}

func (k *Kernel) appendAudio(ctx context.Context, pcm []byte) {
	k.mu.Lock()
	buf := k.buf
	k.mu.Unlock()
	if buf == nil {
		return
	}
	if !buf.Append(pcm) {
		k.logger.Warn("session: utterance hit duration cap, force-finalizing",
			"session_id", k.id, "duration", buf.Duration())
		k.finalizeUtterance(ctx)
	}
}

// finalizeUtterance closes the capture window. An empty window is discarded
// without touching STT; otherwise the assembled PCM starts a pipeline run.
func (k *Kernel) finalizeUtterance(ctx context.Context) {
	k.mu.Lock()
	buf := k.buf
	k.buf = nil
	if buf == nil || k.state != StateListening {
		k.mu.Unlock()
		return
	}
	k.mu.Unlock()

	if k.vadSession != nil {
		k.vadSession.Reset()
	}

	pcm, truncated := buf.Finalize()
	if len(pcm) == 0 {
		k.setState(StateReady)
		return
	}
	if truncated {
		k.logger.Info("session: utterance truncated at cap",
			"session_id", k.id, "duration", buf.Duration())
	}
	k.startRun(ctx, pipeline.Input{
		PCM:        pcm,
		SampleRate: audio.SampleRate,
		Channels:   audio.Channels,
		Hints:      k.hints,
	})
}

// ─── Pipeline run ───

func (k *Kernel) startRun(ctx context.Context, in pipeline.Input) {
	in.SessionID = k.id
	in.DeviceID = k.deviceID
	in.Context = k.iotContext()
	in.Codec = k.codec
	if k.history != nil {
		in.History = k.history.Messages()
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &activeRun{cancel: cancel, done: make(chan struct{})}

	k.mu.Lock()
	if old := k.run; old != nil {
		// Never stack runs: the previous one must fully drain first.
		k.mu.Unlock()
		old.cancel()
		<-old.done
		k.mu.Lock()
	}
	k.run = run
	if k.state != StateClosing {
		k.state = StateThinking
	}
	k.mu.Unlock()

	events := k.runner.Run(runCtx, in)
	go k.consumeEvents(run, in, events)
}

// consumeEvents translates one run's pipeline events into wire envelopes.
// It owns the reply's terminal emission and the post-exchange history append.
func (k *Kernel) consumeEvents(run *activeRun, in pipeline.Input, events <-chan pipeline.Event) {
	defer close(run.done)

	start := time.Now()
	userText := strings.TrimSpace(in.Text)
	var (
		assistant []string
		speaking  bool
		failed    bool
	)

	for ev := range events {
		switch ev.Kind {
		case pipeline.EventTranscript:
			userText = ev.Text
			k.send(&protocol.STT{Text: ev.Text})
		case pipeline.EventSentence:
			if !speaking {
				k.send(&protocol.TTS{State: protocol.TTSStateStart})
				k.setStateIfRun(run, StateSpeaking)
				speaking = true
			}
			assistant = append(assistant, ev.Text)
			k.send(&protocol.LLM{Text: ev.Text})
			k.send(&protocol.TTS{State: protocol.TTSStateSentenceStart, Text: ev.Text})
		case pipeline.EventAudioFrame:
			k.sendAudio(run, ev.Frame)
		case pipeline.EventFallbackText:
			k.send(&protocol.TTSFallback{Text: ev.Text})
		case pipeline.EventTTSDisabled:
			k.send(&protocol.TTSDisabled{})
		case pipeline.EventError:
			failed = true
			k.send(&protocol.Error{Code: errorCode(ev.Err), Message: ev.Err.Error()})
		}
	}

	if speaking || !failed {
		k.send(&protocol.TTS{State: protocol.TTSStateStop})
	}

	if !failed && k.metrics != nil {
		source := "voice"
		if len(in.PCM) == 0 {
			source = "chat"
		}
		k.metrics.RecordUtterance(context.Background(), source)
		k.metrics.UtteranceDuration.Record(context.Background(), time.Since(start).Seconds())
	}

	if !failed && k.history != nil && userText != "" && len(assistant) > 0 {
		hctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
		err := k.history.Add(hctx,
			types.Message{Role: "user", Content: userText},
			types.Message{Role: "assistant", Content: strings.Join(assistant, " ")},
		)
		cancel()
		if err != nil {
			k.logger.Warn("session: history append failed", "session_id", k.id, "error", err)
		}
	}

	k.mu.Lock()
	if k.run == run {
		k.run = nil
		if k.state != StateClosing && k.state != StateListening {
			k.state = StateReady
		}
	}
	k.dropStreak = 0
	k.mu.Unlock()
}

// sendAudio enqueues one synthesized frame, tracking the consecutive shed
// count. Sustained shedding means the device cannot keep up; the reply is
// cancelled and the client told why.
func (k *Kernel) sendAudio(run *activeRun, frame []byte) {
	accepted, dropped := k.out.enqueue(queueItem{binary: true, data: frame})
	if !accepted {
		return
	}

	k.mu.Lock()
	if !dropped {
		k.dropStreak = 0
		k.mu.Unlock()
		return
	}
	k.dropStreak++
	streak := k.dropStreak
	if streak >= congestionDropLimit {
		k.dropStreak = 0
	}
	k.mu.Unlock()

	if k.metrics != nil {
		reason := "queue_full"
		if streak >= congestionDropLimit {
			reason = "congestion"
		}
		k.metrics.RecordFrameDrop(context.Background(), reason)
	}

	if streak >= congestionDropLimit {
		k.logger.Warn("session: outbound congestion, cancelling reply",
			"session_id", k.id, "consecutive_drops", streak)
		k.send(&protocol.Error{Code: protocol.ErrCodeOverloaded, Message: "outbound queue congested, reply cancelled"})
		run.cancel()
		k.out.dropAudio()
	}
}

// ─── Device MCP ───

// sendMcpPayload is the subsession's SendFunc: it frames one JSON-RPC payload
// into an mcp envelope on the outbound queue.
func (k *Kernel) sendMcpPayload(payload json.RawMessage) error {
	data, err := protocol.Marshal(&protocol.Mcp{Payload: payload})
	if err != nil {
		return err
	}
	if accepted, _ := k.out.enqueue(queueItem{data: data}); !accepted {
		return fmt.Errorf("session: outbound queue closed")
	}
	return nil
}

// bootstrapDeviceTools discovers the device's tool catalogue and merges it
// into the session registry. Failures leave the session running without
// device tools.
func (k *Kernel) bootstrapDeviceTools(ctx context.Context) {
	bctx, cancel := context.WithTimeout(ctx, mcpBootstrapTimeout)
	defer cancel()

	if err := k.sub.Initialize(bctx); err != nil {
		k.logger.Warn("session: mcp initialize failed, continuing without device tools",
			"session_id", k.id, "error", err)
		return
	}
	defs, err := k.sub.ListTools(bctx)
	if err != nil {
		k.logger.Warn("session: mcp tool discovery failed, continuing without device tools",
			"session_id", k.id, "error", err)
		return
	}
	if err := k.tools.RegisterDeviceTools(k.sub, defs); err != nil {
		k.logger.Warn("session: registering device tools failed",
			"session_id", k.id, "error", err)
		return
	}
	k.logger.Info("session: device tools registered", "session_id", k.id, "count", len(defs))
}

// ─── Friend relay inbox ───

func (k *Kernel) forwardPeerInbox(ctx context.Context, handle *peer.Handle) {
	for {
		select {
		case msg := <-handle.Inbox():
			k.send(&protocol.Friend{
				From:      msg.From,
				Data:      msg.Data,
				Timestamp: msg.Timestamp.UnixMilli(),
			})
		case <-ctx.Done():
			return
		}
	}
}

// ─── Outbound writer ───

func (k *Kernel) writeLoop(ctx context.Context, conn Conn, done chan<- struct{}) {
	defer close(done)
	for {
		it, ok := k.out.dequeue(ctx)
		if !ok {
			return
		}
		kind := FrameText
		if it.binary {
			kind = FrameBinary
			if k.metrics != nil {
				k.metrics.FramesOut.Add(ctx, 1)
			}
		}
		wctx, cancel := context.WithTimeout(ctx, k.writeTimeout)
		err := conn.Write(wctx, kind, it.data)
		cancel()
		if err != nil {
			if ctx.Err() == nil {
				k.logger.Warn("session: write failed, closing session",
					"session_id", k.id, "error", err)
			}
			k.cancelSession()
			return
		}
	}
}

// ─── Helpers ───

func (k *Kernel) send(msg protocol.Message) {
	data, err := protocol.Marshal(msg)
	if err != nil {
		k.logger.Error("session: marshal outbound envelope", "session_id", k.id, "error", err)
		return
	}
	k.out.enqueue(queueItem{data: data})
}

func (k *Kernel) sendError(code, message string) {
	k.send(&protocol.Error{Code: code, Message: message})
}

func (k *Kernel) currentState() State {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state
}

func (k *Kernel) setState(s State) {
	k.mu.Lock()
	if k.state != StateClosing {
		k.state = s
	}
	k.mu.Unlock()
}

// setStateIfRun transitions only while run is still the active run, so a
// finished run cannot clobber a newer one's state.
func (k *Kernel) setStateIfRun(run *activeRun, s State) {
	k.mu.Lock()
	if k.run == run && k.state != StateClosing {
		k.state = s
	}
	k.mu.Unlock()
}

// iotContext renders retained device descriptors and states for the system
// prompt. The gateway never actuates; the payloads pass through verbatim.
func (k *Kernel) iotContext() string {
	k.mu.Lock()
	desc, states := k.iotDescriptors, k.iotStates
	k.mu.Unlock()
	if len(desc) == 0 && len(states) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Connected device capabilities and state:")
	if len(desc) > 0 {
		sb.WriteString("\nDescriptors: ")
		sb.Write(desc)
	}
	if len(states) > 0 {
		sb.WriteString("\nStates: ")
		sb.Write(states)
	}
	return sb.String()
}

// errorCode maps a pipeline stage failure to its wire error code.
func errorCode(e *pipeline.Error) string {
	switch e.Stage {
	case pipeline.StageSTT:
		return protocol.ErrCodeSTTFailed
	case pipeline.StageLLM:
		return protocol.ErrCodeLLMFailed
	case pipeline.StageTTS:
		return protocol.ErrCodeTTSFailed
	default:
		return protocol.ErrCodeProtocol
	}
}
