package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidServices lists the recognition service types the backend accepts.
var ValidServices = []string{"RTASR", "IFLYTEK_STT"}

// ValidHistoryDrivers lists the built-in history drivers.
var ValidHistoryDrivers = []string{"sqlite", "postgres"}

// Default values applied by [ApplyDefaults].
const (
	DefaultListenAddr = ":8090"
	DefaultService    = "RTASR"
	DefaultLanguage   = "zh_cn"
	DefaultBusSubject = "liveasr.transcript"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r, applies environment
// overrides (see [ApplyEnv]) and defaults, then validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills in the values that have a sensible default. Timing
// and framing defaults are left to the session package.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Recognition.Service == "" {
		cfg.Recognition.Service = DefaultService
	}
	if cfg.Recognition.Language == "" {
		cfg.Recognition.Language = DefaultLanguage
	}
	if cfg.Audio.Framing == "" {
		cfg.Audio.Framing = FramingWhole
	}
	if cfg.Bus.Subject == "" {
		cfg.Bus.Subject = DefaultBusSubject
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Transport
	if cfg.Transport.URL == "" {
		errs = append(errs, errors.New("transport.url is required"))
	} else if err := validateWSURL(cfg.Transport.URL); err != nil {
		errs = append(errs, fmt.Errorf("transport.url: %w", err))
	}
	for i, u := range cfg.Transport.FallbackURLs {
		if err := validateWSURL(u); err != nil {
			errs = append(errs, fmt.Errorf("transport.fallback_urls[%d]: %w", i, err))
		}
	}
	if cfg.Transport.ConnectTimeout < 0 || cfg.Transport.Backoff < 0 || cfg.Transport.MaxBackoff < 0 {
		errs = append(errs, errors.New("transport: durations must not be negative"))
	}
	if cfg.Transport.SendQueue < 0 {
		errs = append(errs, fmt.Errorf("transport.send_queue %d must not be negative", cfg.Transport.SendQueue))
	}

	// Recognition
	if !slices.Contains(ValidServices, cfg.Recognition.Service) {
		errs = append(errs, fmt.Errorf("recognition.service %q is invalid; valid values: %v", cfg.Recognition.Service, ValidServices))
	}
	if len(cfg.Recognition.Languages) > 0 {
		if _, ok := cfg.Recognition.Languages[cfg.Recognition.Language]; !ok {
			slog.Warn("recognition.language has no label in recognition.languages",
				"language", cfg.Recognition.Language,
			)
		}
	}

	// Audio
	if cfg.Audio.Framing != "" && !cfg.Audio.Framing.IsValid() {
		errs = append(errs, fmt.Errorf("audio.framing %q is invalid; valid values: whole, rolling", cfg.Audio.Framing))
	}
	if cfg.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must not be negative", cfg.Audio.SampleRate))
	}
	if cfg.Audio.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d must not be negative", cfg.Audio.FrameSize))
	}

	// Silence
	if cfg.Silence.Threshold < 0 || cfg.Silence.Threshold > 1 {
		errs = append(errs, fmt.Errorf("silence.threshold %.3f is out of range [0, 1]", cfg.Silence.Threshold))
	}
	if cfg.Silence.RestartAfter < 0 || cfg.Silence.RestartDelay < 0 {
		errs = append(errs, errors.New("silence: durations must not be negative"))
	}

	// Timeouts
	if cfg.Timeouts.Response < 0 || cfg.Timeouts.Finalize < 0 {
		errs = append(errs, errors.New("timeouts: durations must not be negative"))
	}

	// History
	if cfg.History.Driver != "" {
		if !slices.Contains(ValidHistoryDrivers, cfg.History.Driver) {
			errs = append(errs, fmt.Errorf("history.driver %q is invalid; valid values: %v", cfg.History.Driver, ValidHistoryDrivers))
		}
		if cfg.History.DSN == "" {
			errs = append(errs, fmt.Errorf("history.dsn is required when history.driver is %q", cfg.History.Driver))
		}
	}

	// Bus
	for i, s := range cfg.Bus.Servers {
		if s == "" {
			errs = append(errs, fmt.Errorf("bus.servers[%d] is empty", i))
		}
	}

	return errors.Join(errs...)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("scheme %q is invalid; valid values: ws, wss", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("host is required")
	}
	return nil
}
