package audio

import (
	"fmt"
	"time"
)

// FramingPolicy selects how capture buffers are cut into transport frames.
type FramingPolicy string

const (
	// FramingWhole sends every capture buffer as exactly one frame. The frame
	// size therefore equals the capture buffer size (4096 samples by default).
	FramingWhole FramingPolicy = "whole"

	// FramingRolling accumulates capture buffers in a rolling buffer and emits
	// frames of exactly FrameSize samples. Used when the backend expects small
	// fixed chunks (e.g., 640 samples = 40 ms at 16 kHz) while the device
	// delivers a different size (e.g., 512).
	FramingRolling FramingPolicy = "rolling"
)

// IsValid reports whether p is a recognised framing policy.
func (p FramingPolicy) IsValid() bool {
	return p == FramingWhole || p == FramingRolling
}

// Default framing parameters.
const (
	DefaultSampleRate   = 16000
	DefaultFrameSize    = 4096
	DefaultRollingFrame = 640
)

// FramerConfig configures a [Framer].
type FramerConfig struct {
	// SampleRate of the produced frames in Hz. Defaults to 16000.
	SampleRate int

	// FrameSize is the number of samples per frame for [FramingRolling]. For
	// [FramingWhole] it is only a capacity hint. Defaults to 4096 (whole) or
	// 640 (rolling).
	FrameSize int

	// Policy selects the framing strategy. Defaults to [FramingWhole].
	Policy FramingPolicy
}

// Framer converts raw float capture buffers into PCM16 [Frame] values and
// computes per-buffer energy for silence detection.
//
// A Framer belongs to one capture pump goroutine and is not safe for
// concurrent use. Frames are numbered in capture order.
type Framer struct {
	cfg     FramerConfig
	pending []int16
	pendE   float64 // summed |x| of the float samples behind pending
	seq     uint64
	emitted int64 // samples emitted so far, for timestamps
}

// NewFramer validates cfg, fills in defaults and returns a ready Framer.
func NewFramer(cfg FramerConfig) (*Framer, error) {
	if cfg.Policy == "" {
		cfg.Policy = FramingWhole
	}
	if !cfg.Policy.IsValid() {
		return nil, fmt.Errorf("audio: unknown framing policy %q", cfg.Policy)
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.FrameSize <= 0 {
		if cfg.Policy == FramingRolling {
			cfg.FrameSize = DefaultRollingFrame
		} else {
			cfg.FrameSize = DefaultFrameSize
		}
	}
	f := &Framer{cfg: cfg}
	if cfg.Policy == FramingRolling {
		f.pending = make([]int16, 0, cfg.FrameSize*2)
	}
	return f, nil
}

// Config returns the effective configuration after defaults were applied.
func (f *Framer) Config() FramerConfig { return f.cfg }

// Push converts raw and returns the frames completed by it, in capture order,
// together with the energy of raw. With [FramingWhole] a non-empty buffer
// always yields exactly one frame; with [FramingRolling] it yields zero or
// more frames and keeps the remainder for the next call.
func (f *Framer) Push(raw []float32) ([]Frame, float64) {
	energy := Energy(raw)
	if len(raw) == 0 {
		return nil, 0
	}
	pcm := FloatToPCM16(raw)

	if f.cfg.Policy == FramingWhole {
		return []Frame{f.emit(pcm, energy)}, energy
	}

	f.pending = append(f.pending, pcm...)
	f.pendE += energy * float64(len(raw))

	var frames []Frame
	for len(f.pending) >= f.cfg.FrameSize {
		chunk := make([]int16, f.cfg.FrameSize)
		copy(chunk, f.pending[:f.cfg.FrameSize])
		// Energy is apportioned evenly across the pending samples; precise
		// per-frame energy is not needed by the silence detector.
		share := f.pendE / float64(len(f.pending))
		f.pendE -= share * float64(f.cfg.FrameSize)
		f.pending = append(f.pending[:0], f.pending[f.cfg.FrameSize:]...)
		frames = append(frames, f.emit(chunk, share))
	}
	return frames, energy
}

// Flush returns the partially filled rolling buffer as a short final frame,
// or false when nothing is pending. Call once when capture stops.
func (f *Framer) Flush() (Frame, bool) {
	if len(f.pending) == 0 {
		return Frame{}, false
	}
	chunk := make([]int16, len(f.pending))
	copy(chunk, f.pending)
	energy := f.pendE / float64(len(f.pending))
	f.pending = f.pending[:0]
	f.pendE = 0
	return f.emit(chunk, energy), true
}

// Pending returns the number of buffered samples not yet emitted.
func (f *Framer) Pending() int { return len(f.pending) }

func (f *Framer) emit(samples []int16, energy float64) Frame {
	fr := Frame{
		Samples:    samples,
		SampleRate: f.cfg.SampleRate,
		Seq:        f.seq,
		Energy:     energy,
		Timestamp:  time.Duration(f.emitted) * time.Second / time.Duration(f.cfg.SampleRate),
	}
	f.seq++
	f.emitted += int64(len(samples))
	return fr
}
