// Package config provides the configuration schema, loader, hot-reload
// watcher and history driver registry for liveasr.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Framing mirrors the audio framing policies accepted in YAML.
type Framing string

const (
	FramingWhole   Framing = "whole"
	FramingRolling Framing = "rolling"
)

// IsValid reports whether f is a recognised framing policy.
func (f Framing) IsValid() bool {
	return f == FramingWhole || f == FramingRolling
}

// Config is the root configuration structure for liveasr.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Transport   TransportConfig   `yaml:"transport"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Audio       AudioConfig       `yaml:"audio"`
	Silence     SilenceConfig     `yaml:"silence"`
	Timeouts    TimeoutsConfig    `yaml:"timeouts"`
	History     HistoryConfig     `yaml:"history"`
	Bus         BusConfig         `yaml:"bus"`
}

// ServerConfig holds the HTTP API and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the consumer API (e.g., ":8090").
	// Empty disables the API.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// TransportConfig configures the recognition backend connection.
type TransportConfig struct {
	// URL is the websocket endpoint of the recognition backend.
	URL string `yaml:"url"`

	// FallbackURLs are tried in order when URL cannot be reached. Each
	// endpoint sits behind its own circuit breaker.
	FallbackURLs []string `yaml:"fallback_urls"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// MaxRetries is the number of extra dial attempts per endpoint. A
	// negative value disables retries.
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// SendQueue is the outbound message queue capacity.
	SendQueue int `yaml:"send_queue"`
}

// RecognitionConfig selects the recognition service and language.
type RecognitionConfig struct {
	// Service is "RTASR" (streaming) or "IFLYTEK_STT" (dictation).
	Service string `yaml:"service"`

	// Language is a language code such as "zh_cn".
	Language string `yaml:"language"`

	// Languages maps language codes to display labels.
	Languages map[string]string `yaml:"languages"`
}

// AudioConfig configures capture and framing.
type AudioConfig struct {
	SampleRate int     `yaml:"sample_rate"`
	FrameSize  int     `yaml:"frame_size"`
	Framing    Framing `yaml:"framing"`

	// Source is the WAV file replayed by the file capture device.
	Source string `yaml:"source"`

	// Realtime paces the file source at its sample rate. Defaults to true.
	Realtime *bool `yaml:"realtime"`

	// RecordDir, when set, receives one WAV file of the sent audio per
	// session.
	RecordDir string `yaml:"record_dir"`
}

// SilenceConfig configures the silence restart.
type SilenceConfig struct {
	Threshold    float64       `yaml:"threshold"`
	RestartAfter time.Duration `yaml:"restart_after"`
	AutoRestart  bool          `yaml:"auto_restart"`
	RestartDelay time.Duration `yaml:"restart_delay"`
}

// TimeoutsConfig bounds waits on the backend.
type TimeoutsConfig struct {
	Response time.Duration `yaml:"response"`
	Finalize time.Duration `yaml:"finalize"`
}

// HistoryConfig selects the utterance history store.
type HistoryConfig struct {
	// Driver is "sqlite", "postgres" or empty to disable history.
	Driver string `yaml:"driver"`

	// DSN is the sqlite file path or the PostgreSQL connection string.
	DSN string `yaml:"dsn"`
}

// BusConfig configures transcript publishing over NATS.
type BusConfig struct {
	// Servers lists NATS URLs. Empty disables publishing.
	Servers []string `yaml:"servers"`

	// Subject is the subject prefix. Defaults to "liveasr.transcript".
	Subject string `yaml:"subject"`
}

// RealtimeSource reports whether the file capture device paces playback.
func (a AudioConfig) RealtimeSource() bool {
	return a.Realtime == nil || *a.Realtime
}
