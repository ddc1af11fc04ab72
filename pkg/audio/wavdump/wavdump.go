// Package wavdump records the PCM frames of a session to a 16-bit mono WAV
// file, so a recording can be replayed later through wavsource.
package wavdump

import (
	"fmt"
	"os"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/liveasr/pkg/audio"
)

// Writer appends frames to a WAV file. It is safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	file   *os.File
	enc    *wav.Encoder
	rate   int
	frames int
	closed bool
}

// Create opens path for writing (truncating any existing file) and returns a
// Writer for sampleRate Hz mono PCM16.
func Create(path string, sampleRate int) (*Writer, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("wavdump: sample rate must be positive, got %d", sampleRate)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("wavdump: create %q: %w", path, err)
	}
	return &Writer{
		file: f,
		enc:  wav.NewEncoder(f, sampleRate, 16, 1, 1),
		rate: sampleRate,
	}, nil
}

// WriteFrame appends the samples of fr. Frames with a different sample rate
// are rejected.
func (w *Writer) WriteFrame(fr audio.Frame) error {
	if fr.SampleRate != 0 && fr.SampleRate != w.rate {
		return fmt.Errorf("wavdump: frame rate %d does not match file rate %d", fr.SampleRate, w.rate)
	}
	data := make([]int, len(fr.Samples))
	for i, s := range fr.Samples {
		data[i] = int(s)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("wavdump: write after close")
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: w.rate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := w.enc.Write(buf); err != nil {
		return fmt.Errorf("wavdump: write: %w", err)
	}
	w.frames++
	return nil
}

// Frames returns the number of frames written so far.
func (w *Writer) Frames() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames
}

// Close finalises the WAV header and closes the file. Safe to call more than
// once.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.enc.Close(); err != nil {
		_ = w.file.Close()
		return fmt.Errorf("wavdump: close encoder: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("wavdump: close file: %w", err)
	}
	return nil
}
