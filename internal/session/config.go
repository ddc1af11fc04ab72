package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/liveasr/pkg/audio"
	"github.com/MrWong99/liveasr/pkg/transport"
)

// Config holds the per-session settings of a [Controller]. Changes made via
// [Controller.Configure] or [Controller.Switch] apply from the next session.
type Config struct {
	// Service and Language select the recognition backend mode.
	Service  Service
	Language string

	// SampleRate of the frames sent to the backend. Defaults to 16000.
	SampleRate int

	// FrameSize is the rolling frame size, or the capture buffer size for
	// whole framing. Defaults to 4096 (whole) or 640 (rolling).
	FrameSize int

	// Framing selects the frame policy. Defaults to [audio.FramingWhole].
	Framing audio.FramingPolicy

	// CaptureBuffer is the device buffer size requested from the capture
	// device. Defaults to FrameSize for whole framing and 512 for rolling.
	CaptureBuffer int

	// SendQueue is the transport outbound queue capacity.
	SendQueue int

	// SilenceThreshold is the mean absolute amplitude below which a buffer
	// counts as silent. Defaults to 0.01.
	SilenceThreshold float64

	// SilenceRestart is how long silence must last before an automatic
	// restart. Defaults to 2s.
	SilenceRestart time.Duration

	// AutoRestart enables the silence restart.
	AutoRestart bool

	// RestartDelay separates the stop and the deferred start of a silence
	// restart. Defaults to 500ms.
	RestartDelay time.Duration

	// ResponseTimeout bounds the wait for a result while audio is
	// outstanding. Defaults to 10s.
	ResponseTimeout time.Duration

	// FinalizeTimeout bounds the wait for the terminal result after
	// audio-end. Defaults to 2s.
	FinalizeTimeout time.Duration
}

// Default values applied by [Config.WithDefaults].
const (
	DefaultSilenceThreshold = 0.01
	DefaultSilenceRestart   = 2 * time.Second
	DefaultRestartDelay     = 500 * time.Millisecond
	DefaultResponseTimeout  = 10 * time.Second
	DefaultFinalizeTimeout  = 2 * time.Second

	rollingCaptureBuffer = 512
)

// DefaultConfig returns the streaming service in Mandarin with every default
// applied.
func DefaultConfig() Config {
	return Config{Service: StreamingASR, Language: "zh_cn"}.WithDefaults()
}

// WithDefaults returns c with zero fields replaced by their defaults.
func (c Config) WithDefaults() Config {
	if c.Service == "" {
		c.Service = StreamingASR
	}
	if c.Language == "" {
		c.Language = "zh_cn"
	}
	if c.SampleRate <= 0 {
		c.SampleRate = audio.DefaultSampleRate
	}
	if c.Framing == "" {
		c.Framing = audio.FramingWhole
	}
	if c.FrameSize <= 0 {
		if c.Framing == audio.FramingRolling {
			c.FrameSize = audio.DefaultRollingFrame
		} else {
			c.FrameSize = audio.DefaultFrameSize
		}
	}
	if c.CaptureBuffer <= 0 {
		if c.Framing == audio.FramingRolling {
			c.CaptureBuffer = rollingCaptureBuffer
		} else {
			c.CaptureBuffer = c.FrameSize
		}
	}
	if c.SendQueue <= 0 {
		c.SendQueue = transport.DefaultSendQueue
	}
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = DefaultSilenceThreshold
	}
	if c.SilenceRestart <= 0 {
		c.SilenceRestart = DefaultSilenceRestart
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = DefaultRestartDelay
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = DefaultResponseTimeout
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = DefaultFinalizeTimeout
	}
	return c
}

// Validate checks c after defaults and reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	if !c.Service.IsValid() {
		errs = append(errs, fmt.Errorf("session: unknown service %q", c.Service))
	}
	if c.Language == "" {
		errs = append(errs, errors.New("session: language is required"))
	}
	if c.Framing != "" && !c.Framing.IsValid() {
		errs = append(errs, fmt.Errorf("session: unknown framing %q", c.Framing))
	}
	if c.SampleRate < 0 || c.FrameSize < 0 || c.CaptureBuffer < 0 {
		errs = append(errs, errors.New("session: sample rate and frame sizes must not be negative"))
	}
	if c.SilenceThreshold < 0 || c.SilenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("session: silence threshold %g outside [0, 1]", c.SilenceThreshold))
	}
	return errors.Join(errs...)
}

// StartRequest builds the start-recording payload for c. Dictation enables
// dynamic correction so the backend sends replace ranges.
func (c Config) StartRequest() transport.StartRequest {
	opts := map[string]any{"language": c.Language}
	if c.Service == DictationASR {
		opts["dwa"] = "wpgs"
	}
	return transport.StartRequest{ServiceType: string(c.Service), Options: opts}
}

func (c Config) framerConfig() audio.FramerConfig {
	return audio.FramerConfig{SampleRate: c.SampleRate, FrameSize: c.FrameSize, Policy: c.Framing}
}

func (c Config) captureConfig() audio.CaptureConfig {
	return audio.CaptureConfig{
		SampleRate:       c.SampleRate,
		BufferSize:       c.CaptureBuffer,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}
