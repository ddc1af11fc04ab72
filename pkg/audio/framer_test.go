package audio_test

import (
	"math"
	"testing"
	"time"

	"github.com/MrWong99/liveasr/pkg/audio"
)

func constBuffer(n int, v float32) []float32 {
	buf := make([]float32, n)
	for i := range buf {
		buf[i] = v
	}
	return buf
}

func TestNewFramer_Defaults(t *testing.T) {
	f, err := audio.NewFramer(audio.FramerConfig{})
	if err != nil {
		t.Fatalf("NewFramer: %v", err)
	}
	cfg := f.Config()
	if cfg.Policy != audio.FramingWhole {
		t.Errorf("Policy = %q, want whole", cfg.Policy)
	}
	if cfg.SampleRate != 16000 {
		t.Errorf("SampleRate = %d, want 16000", cfg.SampleRate)
	}
	if cfg.FrameSize != 4096 {
		t.Errorf("FrameSize = %d, want 4096", cfg.FrameSize)
	}

	r, err := audio.NewFramer(audio.FramerConfig{Policy: audio.FramingRolling})
	if err != nil {
		t.Fatalf("NewFramer rolling: %v", err)
	}
	if r.Config().FrameSize != 640 {
		t.Errorf("rolling FrameSize = %d, want 640", r.Config().FrameSize)
	}
}

func TestNewFramer_InvalidPolicy(t *testing.T) {
	if _, err := audio.NewFramer(audio.FramerConfig{Policy: "chunky"}); err == nil {
		t.Fatal("expected error for unknown policy")
	}
}

func TestFramer_WholeOneFramePerBuffer(t *testing.T) {
	f, _ := audio.NewFramer(audio.FramerConfig{SampleRate: 16000})

	for i := range 3 {
		frames, energy := f.Push(constBuffer(4096, 0.25))
		if len(frames) != 1 {
			t.Fatalf("push %d: frames = %d, want 1", i, len(frames))
		}
		if frames[0].Seq != uint64(i) {
			t.Errorf("push %d: Seq = %d, want %d", i, frames[0].Seq, i)
		}
		if len(frames[0].Samples) != 4096 {
			t.Errorf("push %d: samples = %d, want 4096", i, len(frames[0].Samples))
		}
		if math.Abs(energy-0.25) > 1e-9 {
			t.Errorf("push %d: energy = %f, want 0.25", i, energy)
		}
		wantTS := time.Duration(i) * 256 * time.Millisecond
		if frames[0].Timestamp != wantTS {
			t.Errorf("push %d: Timestamp = %v, want %v", i, frames[0].Timestamp, wantTS)
		}
	}
}

func TestFramer_EmptyBuffer(t *testing.T) {
	f, _ := audio.NewFramer(audio.FramerConfig{})
	frames, energy := f.Push(nil)
	if frames != nil || energy != 0 {
		t.Errorf("Push(nil) = %v, %f; want nil, 0", frames, energy)
	}
}

func TestFramer_Rolling512Into640(t *testing.T) {
	f, _ := audio.NewFramer(audio.FramerConfig{Policy: audio.FramingRolling, FrameSize: 640})

	var all []audio.Frame
	var captured []float32
	// 5 buffers of 512 = 2560 samples = exactly 4 frames of 640.
	for i := range 5 {
		buf := make([]float32, 512)
		for j := range buf {
			buf[j] = float32((i*512+j)%200) / 200
		}
		captured = append(captured, buf...)
		frames, _ := f.Push(buf)
		all = append(all, frames...)
	}

	if len(all) != 4 {
		t.Fatalf("frames = %d, want 4", len(all))
	}
	if f.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", f.Pending())
	}
	want := audio.FloatToPCM16(captured)
	var got []int16
	for i, fr := range all {
		if fr.Seq != uint64(i) {
			t.Errorf("frame %d: Seq = %d", i, fr.Seq)
		}
		if len(fr.Samples) != 640 {
			t.Fatalf("frame %d: samples = %d, want 640", i, len(fr.Samples))
		}
		got = append(got, fr.Samples...)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d out of capture order: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestFramer_RollingFlushRemainder(t *testing.T) {
	f, _ := audio.NewFramer(audio.FramerConfig{Policy: audio.FramingRolling, FrameSize: 640})

	frames, _ := f.Push(constBuffer(512, 0.1))
	if len(frames) != 0 {
		t.Fatalf("frames after 512 samples = %d, want 0", len(frames))
	}
	frames, _ = f.Push(constBuffer(512, 0.1))
	if len(frames) != 1 {
		t.Fatalf("frames after 1024 samples = %d, want 1", len(frames))
	}
	if f.Pending() != 384 {
		t.Fatalf("Pending = %d, want 384", f.Pending())
	}

	last, ok := f.Flush()
	if !ok {
		t.Fatal("Flush reported nothing pending")
	}
	if len(last.Samples) != 384 {
		t.Errorf("flushed samples = %d, want 384", len(last.Samples))
	}
	if last.Seq != 1 {
		t.Errorf("flushed Seq = %d, want 1", last.Seq)
	}
	if math.Abs(last.Energy-0.1) > 1e-6 {
		t.Errorf("flushed Energy = %f, want 0.1", last.Energy)
	}
	if _, ok := f.Flush(); ok {
		t.Error("second Flush should report nothing pending")
	}
}

func TestFrame_BytesAndDuration(t *testing.T) {
	fr := audio.Frame{Samples: make([]int16, 640), SampleRate: 16000}
	if got := len(fr.Bytes()); got != 1280 {
		t.Errorf("Bytes length = %d, want 1280", got)
	}
	if got := fr.Duration(); got != 40*time.Millisecond {
		t.Errorf("Duration = %v, want 40ms", got)
	}
}
