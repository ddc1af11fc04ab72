package audio

import (
	"encoding/binary"
	"time"
)

// Frame is one fixed-size block of mono PCM audio ready for transmission.
// Frames are transient: the transport serialises them with [Frame.Bytes] and
// nothing retains them afterwards.
type Frame struct {
	// Samples holds signed 16-bit mono PCM.
	Samples []int16

	// SampleRate in Hz (e.g., 16000 for most recognition backends).
	SampleRate int

	// Seq is the capture-order index of this frame within its session,
	// starting at zero. Frames must reach the backend in Seq order.
	Seq uint64

	// Energy is the mean absolute amplitude of the float samples that produced
	// this frame, in the range [0, 1]. Used for silence detection only.
	Energy float64

	// Timestamp marks where this frame starts, relative to session start.
	Timestamp time.Duration
}

// Bytes returns the little-endian byte encoding of the frame's samples, the
// layout expected on the wire.
func (f Frame) Bytes() []byte {
	return PCM16ToBytes(f.Samples)
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// PCM16ToBytes encodes int16 samples as little-endian bytes.
func PCM16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToPCM16 decodes little-endian bytes into int16 samples. A trailing odd
// byte is ignored.
func BytesToPCM16(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}
