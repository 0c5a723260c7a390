// Package app wires all voxgate subsystems into a running gateway.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context is cancelled, and Shutdown tears
// everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithMemoryBackend, WithMCPHost, etc.). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/internal/gateway"
	"github.com/MrWong99/voxgate/internal/health"
	"github.com/MrWong99/voxgate/internal/mcp"
	"github.com/MrWong99/voxgate/internal/mcp/mcphost"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/peer"
	"github.com/MrWong99/voxgate/internal/pipeline"
	"github.com/MrWong99/voxgate/internal/session"
	"github.com/MrWong99/voxgate/internal/wake"
	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/memory"
	"github.com/MrWong99/voxgate/pkg/memory/postgres"
	"github.com/MrWong99/voxgate/pkg/provider/embeddings"
	"github.com/MrWong99/voxgate/pkg/provider/llm"
	"github.com/MrWong99/voxgate/pkg/provider/stt"
	"github.com/MrWong99/voxgate/pkg/provider/tts"
	"github.com/MrWong99/voxgate/pkg/provider/vad"
	"github.com/MrWong99/voxgate/pkg/types"
)

// shutdownGrace bounds how long Run waits for in-flight sessions after the
// context is cancelled.
const shutdownGrace = 15 * time.Second

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	LLM        llm.Provider
	STT        stt.Provider
	TTS        tts.Provider
	Embeddings embeddings.Provider
	VAD        vad.Engine
}

// App owns all subsystem lifetimes and serves the voxgate gateway.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New and torn down in Shutdown.
	mcpHost *mcphost.Host
	log     memory.TranscriptLog
	index   memory.SemanticIndex
	store   *postgres.Store
	peers   *peer.Registry
	wakeVal *wake.Validator
	gw      *gateway.Server
	httpSrv *http.Server
	metrics *observe.Metrics

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMemoryBackend injects memory backends instead of connecting to
// PostgreSQL from config.
func WithMemoryBackend(log memory.TranscriptLog, index memory.SemanticIndex) Option {
	return func(a *App) {
		a.log = log
		a.index = index
	}
}

// WithMCPHost injects an MCP host instead of creating one from config.
func WithMCPHost(h *mcphost.Host) Option {
	return func(a *App) { a.mcpHost = h }
}

// WithMetrics injects a metrics bundle instead of using the process default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option functions
// to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: memory store connection, MCP
// server registration, wake validator construction, and gateway assembly. The
// returned App is ready for Run.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initMemory(ctx); err != nil {
		return nil, fmt.Errorf("app: init memory: %w", err)
	}
	if err := a.initMCP(ctx); err != nil {
		return nil, fmt.Errorf("app: init mcp: %w", err)
	}

	a.peers = peer.NewRegistry(cfg.Session.FriendInboxDepth)

	if len(cfg.Wake.Keywords) > 0 {
		var wopts []wake.Option
		if cfg.Wake.MinConfidence > 0 {
			wopts = append(wopts, wake.WithMinConfidence(cfg.Wake.MinConfidence))
		}
		a.wakeVal = wake.New(cfg.Wake.Keywords, wopts...)
	}

	a.initGateway()
	a.initHTTP()

	return a, nil
}

// initMemory connects the PostgreSQL memory store unless backends were
// injected. An empty DSN disables long-term memory entirely.
func (a *App) initMemory(ctx context.Context) error {
	if a.log != nil && a.index != nil {
		return nil // both injected
	}
	dsn := a.cfg.Memory.PostgresDSN
	if dsn == "" {
		slog.Info("long-term memory disabled: no postgres_dsn configured")
		return nil
	}

	dims := a.cfg.Memory.EmbeddingDimensions
	if dims == 0 {
		dims = 1536 // matches OpenAI text-embedding-3-small
	}

	store, err := postgres.NewStore(ctx, dsn, dims)
	if err != nil {
		return err
	}
	a.store = store
	a.log = store.Log()
	a.index = store.Index()
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

// initMCP sets up the MCP host and registers the configured tool servers
// plus the built-in tools.
func (a *App) initMCP(ctx context.Context) error {
	if a.mcpHost == nil {
		a.mcpHost = mcphost.New()
		a.closers = append(a.closers, a.mcpHost.Close)
	}

	if err := a.mcpHost.RegisterDefaultBuiltins(); err != nil {
		return fmt.Errorf("register builtin tools: %w", err)
	}

	for _, srv := range a.cfg.MCP.Servers {
		serverCfg := mcphost.ServerConfig{
			Name:      srv.Name,
			Transport: srv.Transport,
			Command:   srv.Command,
			URL:       srv.URL,
			Env:       srv.Env,
		}
		if err := a.mcpHost.RegisterServer(ctx, serverCfg); err != nil {
			return fmt.Errorf("register mcp server %q: %w", srv.Name, err)
		}
		slog.Info("registered MCP server", "name", srv.Name, "transport", srv.Transport)
	}
	return nil
}

// initGateway assembles the session factory and the websocket server.
func (a *App) initGateway() {
	gwOpts := []gateway.Option{
		gateway.WithMetrics(a.metrics),
	}
	if a.cfg.Server.MaxSessions > 0 {
		gwOpts = append(gwOpts, gateway.WithMaxSessions(a.cfg.Server.MaxSessions))
	}
	if a.cfg.Server.IdleTimeoutSeconds > 0 {
		gwOpts = append(gwOpts, gateway.WithIdleTimeout(time.Duration(a.cfg.Server.IdleTimeoutSeconds)*time.Second))
	}
	if a.cfg.Server.PingIntervalSeconds > 0 {
		gwOpts = append(gwOpts, gateway.WithPingInterval(time.Duration(a.cfg.Server.PingIntervalSeconds)*time.Second))
	}
	if token := a.cfg.Server.AuthToken; token != "" {
		gwOpts = append(gwOpts, gateway.WithAuthorizer(func(id gateway.Identity) bool {
			return id.Token == token
		}))
	}
	a.gw = gateway.NewServer(a.newSession, gwOpts...)
}

// newSession is the gateway's session factory. Each accepted connection gets
// its own tool registry, pipeline runner, and kernel so device-registered
// tools and conversation history never leak across sessions.
func (a *App) newSession(id gateway.Identity) (*session.Kernel, error) {
	tools := mcp.NewRegistry()
	if err := a.mcpHost.RegisterAll(tools); err != nil {
		return nil, fmt.Errorf("app: register tools for %q: %w", id.DeviceID, err)
	}

	runnerOpts := []pipeline.Option{
		pipeline.WithTools(tools),
		pipeline.WithMetrics(a.metrics),
	}
	if a.providers.STT != nil {
		runnerOpts = append(runnerOpts, pipeline.WithSTT(a.providers.STT))
	}
	if a.providers.TTS != nil {
		voice := types.VoiceProfile{ID: a.cfg.Providers.TTS.Voice}
		runnerOpts = append(runnerOpts, pipeline.WithTTS(a.providers.TTS, voice))
	}
	if a.log != nil && a.index != nil && a.providers.Embeddings != nil {
		var memOpts []pipeline.MemoryOption
		if a.cfg.Memory.RecallTopK > 0 {
			memOpts = append(memOpts, pipeline.WithRecallTopK(a.cfg.Memory.RecallTopK))
		}
		mem := pipeline.NewMemory(a.log, a.index, a.providers.Embeddings, memOpts...)
		runnerOpts = append(runnerOpts, pipeline.WithMemory(mem))
	}
	if p := a.cfg.Session.SystemPrompt; p != "" {
		runnerOpts = append(runnerOpts, pipeline.WithSystemPrompt(p))
	}
	if t := a.cfg.Session.Temperature; t > 0 {
		runnerOpts = append(runnerOpts, pipeline.WithTemperature(t))
	}
	runner := pipeline.New(a.providers.LLM, runnerOpts...)

	sessOpts := []session.Option{
		session.WithPeers(a.peers),
		session.WithMetrics(a.metrics),
		session.WithTools(tools),
		session.WithHistory(session.NewHistory(session.HistoryConfig{
			MaxTokens:  a.cfg.Session.HistoryMaxTokens,
			Summariser: session.NewLLMSummariser(a.providers.LLM),
		})),
	}
	if a.providers.VAD != nil {
		sessOpts = append(sessOpts, session.WithVAD(a.providers.VAD, a.vadConfig()))
	}
	if a.wakeVal != nil {
		sessOpts = append(sessOpts, session.WithWakeValidator(a.wakeVal))
	}
	if hints := a.cfg.Session.STTHints; len(hints) > 0 {
		sessOpts = append(sessOpts, session.WithSTTHints(hints))
	}
	if d := a.cfg.Audio.QueueDepth; d > 0 {
		sessOpts = append(sessOpts, session.WithQueueDepth(d))
	}
	if s := a.cfg.Audio.MaxUtteranceSeconds; s > 0 {
		sessOpts = append(sessOpts, session.WithMaxUtterance(time.Duration(s)*time.Second))
	}

	return session.New(id.DeviceID, id.ClientID, runner, sessOpts...), nil
}

// vadConfig translates the config thresholds into a per-session VAD config.
func (a *App) vadConfig() vad.Config {
	frameMs := a.cfg.Audio.FrameDurationMs
	if frameMs == 0 {
		frameMs = int(audio.DefaultFrameDuration / time.Millisecond)
	}
	return vad.Config{
		SampleRate:       audio.SampleRate,
		FrameSizeMs:      frameMs,
		SpeechThreshold:  a.cfg.VAD.SpeechThreshold,
		SilenceThreshold: a.cfg.VAD.SilenceThreshold,
		Hangover:         time.Duration(a.cfg.VAD.HangoverMs) * time.Millisecond,
	}
}

// initHTTP builds the HTTP server: websocket endpoint, Prometheus metrics,
// and health probes, all wrapped in the request-duration middleware.
func (a *App) initHTTP() {
	mux := http.NewServeMux()
	mux.Handle("/ws", a.gw.Handler())
	mux.Handle("GET /metrics", promhttp.Handler())

	checkers := []health.Checker{
		{
			Name: "sessions",
			Check: func(context.Context) error {
				if limit := a.cfg.Server.MaxSessions; limit > 0 && a.gw.SessionCount() >= limit {
					return fmt.Errorf("at capacity (%d sessions)", limit)
				}
				return nil
			},
		},
	}
	if a.store != nil {
		checkers = append(checkers, health.Checker{
			Name:  "memory",
			Check: a.store.Ping,
		})
	}
	h := health.New(checkers...)
	h.Register(mux)

	a.httpSrv = &http.Server{
		Addr:         a.cfg.Server.ListenAddr,
		Handler:      observe.Middleware(a.metrics)(mux),
		ReadTimeout:  0, // websocket connections are long-lived
		WriteTimeout: 0,
	}
}

// Handler exposes the assembled HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler { return a.httpSrv.Handler }

// Gateway exposes the websocket server, mainly for tests.
func (a *App) Gateway() *gateway.Server { return a.gw }

// Run serves HTTP until ctx is cancelled, then drains active sessions.
//
// When the configured TLS section is present the server uses the certificate
// pair from disk; otherwise it serves plain HTTP.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpSrv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		grace, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		// Stop accepting new connections, then drain active sessions.
		if err := a.httpSrv.Shutdown(grace); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}
		if err := a.gw.Shutdown(grace); err != nil {
			slog.Warn("gateway drain error", "err", err)
		}
		return ctx.Err()
	})

	return g.Wait()
}

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
