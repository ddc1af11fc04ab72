package config

import (
	"os"
	"strconv"
	"strings"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LIVEASR_"

// ApplyEnv overrides cfg fields from LIVEASR_* environment variables. Empty
// values and values that fail to parse are ignored. Secrets such as the
// PostgreSQL DSN usually arrive this way, often from a .env file.
func ApplyEnv(cfg *Config) {
	overrideString(&cfg.Server.ListenAddr, "LISTEN_ADDR")
	overrideString((*string)(&cfg.Server.LogLevel), "LOG_LEVEL")
	overrideString(&cfg.Transport.URL, "TRANSPORT_URL")
	overrideStringSlice(&cfg.Transport.FallbackURLs, "TRANSPORT_FALLBACK_URLS")
	overrideString(&cfg.Recognition.Service, "SERVICE")
	overrideString(&cfg.Recognition.Language, "LANGUAGE")
	overrideString(&cfg.Audio.Source, "AUDIO_SOURCE")
	overrideString(&cfg.Audio.RecordDir, "RECORD_DIR")
	overrideBool(&cfg.Silence.AutoRestart, "SILENCE_AUTO_RESTART")
	overrideString(&cfg.History.Driver, "HISTORY_DRIVER")
	overrideString(&cfg.History.DSN, "HISTORY_DSN")
	overrideStringSlice(&cfg.Bus.Servers, "NATS_SERVERS")
	overrideString(&cfg.Bus.Subject, "NATS_SUBJECT")
}

func overrideString(target *string, key string) {
	if value, ok := os.LookupEnv(EnvPrefix + key); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideBool(target *bool, key string) {
	if value, ok := os.LookupEnv(EnvPrefix + key); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, key string) {
	value, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return
	}
	var trimmed []string
	for _, p := range strings.Split(value, ",") {
		if s := strings.TrimSpace(p); s != "" {
			trimmed = append(trimmed, s)
		}
	}
	if len(trimmed) > 0 {
		*target = trimmed
	}
}
