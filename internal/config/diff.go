package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; anything else
// requires a restart and is deliberately ignored here.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	MaxConcurrentChanged bool
	NewMaxConcurrent     int

	InactivityTimeoutChanged bool
	NewInactivityTimeout     int
}

// Changed reports whether the diff contains any change at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.MaxConcurrentChanged || d.InactivityTimeoutChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Sessions.MaxConcurrent != new.Sessions.MaxConcurrent {
		d.MaxConcurrentChanged = true
		d.NewMaxConcurrent = new.Sessions.MaxConcurrent
	}

	if old.Sessions.InactivityTimeoutSeconds != new.Sessions.InactivityTimeoutSeconds {
		d.InactivityTimeoutChanged = true
		d.NewInactivityTimeout = new.Sessions.InactivityTimeoutSeconds
	}

	return d
}
