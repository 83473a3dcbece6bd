package audio_test

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/mnemovox/mnemovox/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func TestDuration(t *testing.T) {
	tests := []struct {
		name       string
		samples    int
		sampleRate int
		want       time.Duration
	}{
		{"one second at 16kHz", 16000, 16000, time.Second},
		{"quarter second at 16kHz", 4000, 16000, 250 * time.Millisecond},
		{"one second at 24kHz", 24000, 24000, time.Second},
		{"empty", 0, 16000, 0},
		{"zero rate", 16000, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pcm := make([]byte, tt.samples*2)
			if got := audio.Duration(pcm, tt.sampleRate); got != tt.want {
				t.Errorf("Duration() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSilence(t *testing.T) {
	pcm := audio.Silence(time.Second, 24000)
	if len(pcm) != 48000 {
		t.Fatalf("expected 48000 bytes, got %d", len(pcm))
	}
	for i, b := range pcm {
		if b != 0 {
			t.Fatalf("byte %d is %d, want 0", i, b)
		}
	}
	if got := audio.Silence(0, 24000); got != nil {
		t.Errorf("Silence(0) = %v, want nil", got)
	}
}

func TestDecodeFloat32(t *testing.T) {
	pcm := samplesToBytes([]int16{0, 16384, -16384, 32767, -32768})
	got := audio.DecodeFloat32(pcm)
	want := []float32{0, 0.5, -0.5, 32767.0 / 32768.0, -1}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-4 {
			t.Errorf("sample %d: got %f, want %f", i, got[i], want[i])
		}
	}
}

func TestEncodeFloat32_Clamping(t *testing.T) {
	pcm := audio.EncodeFloat32([]float32{2.0, -2.0})
	s0 := int16(binary.LittleEndian.Uint16(pcm))
	s1 := int16(binary.LittleEndian.Uint16(pcm[2:]))
	if s0 != 32767 {
		t.Errorf("positive overflow: got %d, want 32767", s0)
	}
	if s1 != -32768 {
		t.Errorf("negative overflow: got %d, want -32768", s1)
	}
}

func TestRMS(t *testing.T) {
	if got := audio.RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %f, want 0", got)
	}
	silence := make([]byte, 320)
	if got := audio.RMS(silence); got != 0 {
		t.Errorf("RMS(silence) = %f, want 0", got)
	}
	// Full-scale square wave has RMS ~1.
	loud := make([]int16, 160)
	for i := range loud {
		if i%2 == 0 {
			loud[i] = 32767
		} else {
			loud[i] = -32767
		}
	}
	if got := audio.RMS(samplesToBytes(loud)); got < 0.99 {
		t.Errorf("RMS(square wave) = %f, want ~1", got)
	}
}

func TestResampleMono16(t *testing.T) {
	t.Run("same rate returns input", func(t *testing.T) {
		in := samplesToBytes([]int16{1, 2, 3})
		out := audio.ResampleMono16(in, 16000, 16000)
		if &out[0] != &in[0] {
			t.Error("expected input slice returned unchanged")
		}
	})

	t.Run("downsample halves length", func(t *testing.T) {
		in := make([]byte, 16000*2)
		out := audio.ResampleMono16(in, 16000, 8000)
		if len(out) != 8000*2 {
			t.Errorf("expected %d bytes, got %d", 8000*2, len(out))
		}
	})

	t.Run("upsample preserves constant signal", func(t *testing.T) {
		in := make([]int16, 100)
		for i := range in {
			in[i] = 1000
		}
		out := audio.ResampleMono16(samplesToBytes(in), 16000, 24000)
		for i := 0; i+1 < len(out); i += 2 {
			s := int16(binary.LittleEndian.Uint16(out[i:]))
			if s != 1000 {
				t.Fatalf("sample %d: got %d, want 1000", i/2, s)
			}
		}
	})
}
