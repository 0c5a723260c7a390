package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voxgate/internal/mcp/mcphost"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anyllm"},
	"stt":        {"deepgram"},
	"tts":        {"elevenlabs"},
	"embeddings": {"openai"},
	"vad":        {"energy"},
}

// validFrameDurations are the Opus frame durations the codec supports.
var validFrameDurations = []int{20, 40, 60}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("server.max_sessions %d must not be negative", cfg.Server.MaxSessions))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Provider name validation; warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)

	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm is required; the gateway cannot answer without a language model"))
	}
	if cfg.Providers.STT.Name == "" {
		slog.Warn("no STT provider configured; sessions will only accept typed chat input")
	}
	if cfg.Providers.TTS.Name == "" {
		slog.Warn("no TTS provider configured; replies will be sent as tts_disabled text only")
	}

	// Audio
	if d := cfg.Audio.FrameDurationMs; d != 0 && !slices.Contains(validFrameDurations, d) {
		errs = append(errs, fmt.Errorf("audio.frame_duration_ms %d is invalid; valid values: 20, 40, 60", d))
	}
	if cfg.Audio.QueueDepth < 0 {
		errs = append(errs, fmt.Errorf("audio.queue_depth %d must not be negative", cfg.Audio.QueueDepth))
	}
	if cfg.Audio.MaxUtteranceSeconds < 0 {
		errs = append(errs, fmt.Errorf("audio.max_utterance_seconds %d must not be negative", cfg.Audio.MaxUtteranceSeconds))
	}

	// Session
	if t := cfg.Session.Temperature; t < 0 || t > 2 {
		errs = append(errs, fmt.Errorf("session.temperature %.2f is out of range [0, 2]", t))
	}
	if m := cfg.Session.ListenMode; m != "" && !m.IsValid() {
		errs = append(errs, fmt.Errorf("session.listen_mode %q is invalid; valid values: auto, manual, realtime", m))
	}
	if d := cfg.Session.FriendInboxDepth; d < 0 {
		errs = append(errs, fmt.Errorf("session.friend_inbox_depth %d must not be negative", d))
	}

	// VAD thresholds
	if v := cfg.VAD.SpeechThreshold; v < 0 || v > 1 {
		errs = append(errs, fmt.Errorf("vad.speech_threshold %.2f is out of range [0, 1]", v))
	}
	if v := cfg.VAD.SilenceThreshold; v < 0 || v > 1 {
		errs = append(errs, fmt.Errorf("vad.silence_threshold %.2f is out of range [0, 1]", v))
	}
	if cfg.VAD.SilenceThreshold > cfg.VAD.SpeechThreshold && cfg.VAD.SpeechThreshold != 0 {
		errs = append(errs, fmt.Errorf("vad.silence_threshold %.2f must not exceed vad.speech_threshold %.2f",
			cfg.VAD.SilenceThreshold, cfg.VAD.SpeechThreshold))
	}

	// Wake
	if v := cfg.Wake.MinConfidence; v < 0 || v > 1 {
		errs = append(errs, fmt.Errorf("wake.min_confidence %.2f is out of range [0, 1]", v))
	}

	// Embeddings ↔ memory dimensions
	if cfg.Providers.Embeddings.Name != "" && cfg.Memory.EmbeddingDimensions <= 0 {
		slog.Warn("providers.embeddings is configured but memory.embedding_dimensions is not set; defaulting to 1536")
	}
	if cfg.Memory.PostgresDSN != "" && cfg.Providers.Embeddings.Name == "" {
		slog.Warn("memory.postgres_dsn is set but providers.embeddings is not; semantic recall will be unavailable")
	}

	// MCP servers
	serverNamesSeen := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := serverNamesSeen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp.servers[%d]", prefix, srv.Name, prev))
			}
			serverNamesSeen[srv.Name] = i
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == mcphost.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == mcphost.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
