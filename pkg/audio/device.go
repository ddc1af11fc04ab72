// Package audio defines capture-side audio types for liveasr: the capture
// [Device] boundary, PCM16 [Frame] values, float-to-PCM conversion, and the
// [Framer] that cuts capture buffers into transport frames.
//
// The two capture abstractions are:
//
//   - [Device]: a permission-gated audio input that may refuse access.
//   - [Stream]: an open capture that delivers fixed-size float buffers at the
//     configured sample rate until closed.
//
// Implementations live in adapter packages (audio/wavsource for files, mock for
// tests). The interfaces are narrow so the session controller stays decoupled
// from the platform audio API.
package audio

import (
	"context"
	"errors"
)

// ErrPermissionDenied is returned by [Device.Open] when access to the input
// device is refused. It is fatal to the current start attempt but a later
// attempt may succeed.
var ErrPermissionDenied = errors.New("audio: input device permission denied")

// CaptureConfig describes the requested capture format.
type CaptureConfig struct {
	// SampleRate is the requested capture rate in Hz. Devices that cannot honour
	// it report their actual rate via [Stream.SampleRate].
	SampleRate int

	// BufferSize is the number of samples per delivered buffer (e.g., 4096 or 512).
	BufferSize int

	// EchoCancellation, NoiseSuppression and AutoGainControl are processing
	// hints passed through to devices that support them.
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// Stream is an open mono capture.
//
// Buffers are delivered in capture order on the channel returned by
// [Stream.Buffers]; the channel is closed when the stream ends (device
// unplugged, file exhausted, or Close called). Close is idempotent.
type Stream interface {
	// Buffers returns the read-only channel of float sample buffers in [-1, 1].
	Buffers() <-chan []float32

	// SampleRate returns the actual capture rate in Hz.
	SampleRate() int

	// Close stops capture and releases the device. Safe to call more than once.
	Close() error
}

// Device is the entry point for an audio input.
//
// Implementations must be safe for concurrent use.
type Device interface {
	// Open acquires the device and starts capture. It returns an error wrapping
	// [ErrPermissionDenied] when access is refused, or another error when the
	// device cannot be opened. The ctx governs the open attempt only.
	Open(ctx context.Context, cfg CaptureConfig) (Stream, error)
}
