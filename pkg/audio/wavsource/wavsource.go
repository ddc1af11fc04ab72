// Package wavsource implements [audio.Device] on top of a WAV file.
//
// It stands in for a microphone on headless hosts and in integration tests:
// the file is decoded with go-audio/wav, mixed down to mono, normalised to
// [-1, 1] and delivered in fixed-size buffers. With Realtime enabled, buffers
// are paced at the rate a live device would produce them.
package wavsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/liveasr/pkg/audio"
)

// Device opens a WAV file as a capture stream. The zero value is not usable;
// Path must be set.
type Device struct {
	// Path of the WAV file to play back.
	Path string

	// Realtime paces buffer delivery at the file's sample rate. When false,
	// buffers are delivered as fast as the consumer drains them.
	Realtime bool
}

var _ audio.Device = (*Device)(nil)

// New returns a Device for path.
func New(path string, realtime bool) *Device {
	return &Device{Path: path, Realtime: realtime}
}

// Open implements [audio.Device]. File permission errors are reported as
// [audio.ErrPermissionDenied], mirroring a refused microphone.
func (d *Device) Open(ctx context.Context, cfg audio.CaptureConfig) (audio.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(d.Path)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("wavsource: open %q: %w", d.Path, audio.ErrPermissionDenied)
		}
		return nil, fmt.Errorf("wavsource: open %q: %w", d.Path, err)
	}

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		_ = f.Close()
		return nil, fmt.Errorf("wavsource: %q is not a valid WAV file", d.Path)
	}
	if dec.BitDepth == 0 || dec.NumChans == 0 {
		_ = f.Close()
		return nil, fmt.Errorf("wavsource: %q has no PCM format information", d.Path)
	}

	size := cfg.BufferSize
	if size <= 0 {
		size = audio.DefaultFrameSize
	}

	s := &stream{
		file:     f,
		dec:      dec,
		rate:     int(dec.SampleRate),
		chans:    int(dec.NumChans),
		scale:    float32(int64(1) << (dec.BitDepth - 1)),
		size:     size,
		realtime: d.Realtime,
		out:      make(chan []float32, 4),
		done:     make(chan struct{}),
	}
	slog.Debug("wavsource: opened",
		"path", d.Path,
		"sample_rate", s.rate,
		"channels", s.chans,
		"bit_depth", dec.BitDepth,
	)
	s.wg.Add(1)
	go s.run()
	return s, nil
}

type stream struct {
	file     *os.File
	dec      *wav.Decoder
	rate     int
	chans    int
	scale    float32
	size     int
	realtime bool

	out  chan []float32
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func (s *stream) Buffers() <-chan []float32 { return s.out }

func (s *stream) SampleRate() int { return s.rate }

func (s *stream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
		err = s.file.Close()
	})
	return err
}

func (s *stream) run() {
	defer s.wg.Done()
	defer close(s.out)

	var tick <-chan time.Time
	if s.realtime && s.rate > 0 {
		t := time.NewTicker(time.Duration(s.size) * time.Second / time.Duration(s.rate))
		defer t.Stop()
		tick = t.C
	}

	ib := &goaudio.IntBuffer{
		Format: &goaudio.Format{NumChannels: s.chans, SampleRate: s.rate},
		Data:   make([]int, s.size*s.chans),
	}
	for {
		n, err := s.dec.PCMBuffer(ib)
		if err != nil && !errors.Is(err, io.EOF) {
			slog.Warn("wavsource: decode failed", "err", err)
			return
		}
		if n == 0 {
			return
		}
		buf := s.mixdown(ib.Data[:n])

		if tick != nil {
			select {
			case <-tick:
			case <-s.done:
				return
			}
		}
		select {
		case s.out <- buf:
		case <-s.done:
			return
		}
		if errors.Is(err, io.EOF) {
			return
		}
	}
}

// mixdown averages interleaved channels into a mono float buffer.
func (s *stream) mixdown(data []int) []float32 {
	frames := len(data) / s.chans
	out := make([]float32, frames)
	for i := range frames {
		var sum int
		for c := range s.chans {
			sum += data[i*s.chans+c]
		}
		out[i] = float32(sum) / float32(s.chans) / s.scale
	}
	return out
}
