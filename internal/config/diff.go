package config

import "reflect"

// ConfigDiff describes what changed between two configs. Only a few sections
// are safe to apply at runtime; everything else is summarised in
// RestartRequired because live sessions freeze their inputs at construction.
type ConfigDiff struct {
	// LogLevelChanged is set when server.log_level changed. Applied
	// immediately via the process-wide slog.LevelVar.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// WakeChanged is set when the wake keyword list or thresholds changed.
	// New sessions pick up the new validator; live sessions keep the old one.
	WakeChanged bool

	// SessionChanged is set when session defaults (system prompt,
	// temperature, listen mode, STT hints) changed. Applies to new sessions
	// only.
	SessionChanged bool

	// RestartRequired is set when sections that cannot be hot-reloaded
	// changed: server networking, providers, audio, memory, or MCP servers.
	RestartRequired bool
}

// Changed reports whether the diff carries any change at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.WakeChanged || d.SessionChanged || d.RestartRequired
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if !reflect.DeepEqual(old.Wake, new.Wake) {
		d.WakeChanged = true
	}
	if !reflect.DeepEqual(old.Session, new.Session) {
		d.SessionChanged = true
	}

	// Everything else needs a restart. Compare with log level masked out so
	// a pure verbosity change does not trip the flag.
	oldMasked, newMasked := *old, *new
	oldMasked.Server.LogLevel = ""
	newMasked.Server.LogLevel = ""
	oldMasked.Wake, newMasked.Wake = WakeConfig{}, WakeConfig{}
	oldMasked.Session, newMasked.Session = SessionConfig{}, SessionConfig{}
	if !reflect.DeepEqual(oldMasked, newMasked) {
		d.RestartRequired = true
	}

	return d
}
