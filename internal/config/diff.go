package config

import (
	"maps"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	// RecognitionChanged is true when the service or language changed. The
	// CLI applies it through the session controller's Switch.
	RecognitionChanged bool
	NewService         string
	NewLanguage        string

	// SessionChanged is true when a setting that takes effect at the next
	// session start changed (framing, silence, timeouts).
	SessionChanged bool

	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists changed sections that only apply after a
	// process restart.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Recognition
	if old.Recognition.Service != new.Recognition.Service || old.Recognition.Language != new.Recognition.Language {
		d.RecognitionChanged = true
		d.NewService = new.Recognition.Service
		d.NewLanguage = new.Recognition.Language
	}

	// Next-session settings
	if audioSessionFields(old.Audio) != audioSessionFields(new.Audio) ||
		old.Silence != new.Silence ||
		old.Timeouts != new.Timeouts ||
		old.Transport.SendQueue != new.Transport.SendQueue ||
		!maps.Equal(old.Recognition.Languages, new.Recognition.Languages) {
		d.SessionChanged = true
	}

	// Process-level settings
	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !sameTransport(old.Transport, new.Transport) {
		d.RestartRequired = append(d.RestartRequired, "transport")
	}
	if old.Audio.Source != new.Audio.Source || old.Audio.RecordDir != new.Audio.RecordDir ||
		old.Audio.RealtimeSource() != new.Audio.RealtimeSource() {
		d.RestartRequired = append(d.RestartRequired, "audio.source")
	}
	if old.History != new.History {
		d.RestartRequired = append(d.RestartRequired, "history")
	}
	if old.Bus.Subject != new.Bus.Subject || !slices.Equal(old.Bus.Servers, new.Bus.Servers) {
		d.RestartRequired = append(d.RestartRequired, "bus")
	}

	return d
}

type audioSession struct {
	sampleRate, frameSize int
	framing               Framing
}

func audioSessionFields(a AudioConfig) audioSession {
	return audioSession{a.SampleRate, a.FrameSize, a.Framing}
}

// sameTransport compares the dial settings; SendQueue is per session.
func sameTransport(a, b TransportConfig) bool {
	return a.URL == b.URL &&
		slices.Equal(a.FallbackURLs, b.FallbackURLs) &&
		a.ConnectTimeout == b.ConnectTimeout &&
		a.MaxRetries == b.MaxRetries &&
		a.Backoff == b.Backoff &&
		a.MaxBackoff == b.MaxBackoff
}

// Empty reports whether nothing tracked changed.
func (d ConfigDiff) Empty() bool {
	return !d.RecognitionChanged && !d.SessionChanged && !d.LogLevelChanged && len(d.RestartRequired) == 0
}
