package coqui

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// buildWAV assembles a minimal RIFF/WAVE buffer with the given format and
// PCM payload.
func buildWAV(sampleRate, channels int, pcm []byte) []byte {
	var buf []byte
	buf = append(buf, "RIFF"...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(36+len(pcm)))
	buf = append(buf, "WAVE"...)

	buf = append(buf, "fmt "...)
	buf = binary.LittleEndian.AppendUint32(buf, 16)
	buf = binary.LittleEndian.AppendUint16(buf, 1) // PCM
	buf = binary.LittleEndian.AppendUint16(buf, uint16(channels))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(sampleRate))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(sampleRate*channels*2))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(channels*2))
	buf = binary.LittleEndian.AppendUint16(buf, 16)

	buf = append(buf, "data"...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(pcm)))
	buf = append(buf, pcm...)
	return buf
}

func TestSynthesize_StandardMode(t *testing.T) {
	pcm := make([]byte, 48000) // 1s at 24kHz
	var gotQuery map[string][]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tts" {
			t.Errorf("path = %q, want /api/tts", r.URL.Path)
		}
		gotQuery = r.URL.Query()
		w.Write(buildWAV(24000, 1, pcm))
	}))
	defer srv.Close()

	p, err := New(srv.URL, WithLanguage("fr"), WithVoice("p225"))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	res, err := p.Synthesize(context.Background(), "bonjour")
	if err != nil {
		t.Fatalf("Synthesize() error: %v", err)
	}
	if len(res.PCM) != len(pcm) {
		t.Errorf("PCM length = %d, want %d", len(res.PCM), len(pcm))
	}
	if res.SampleRate != 24000 {
		t.Errorf("SampleRate = %d, want 24000", res.SampleRate)
	}
	if res.Duration != time.Second {
		t.Errorf("Duration = %v, want 1s", res.Duration)
	}
	if res.IsSilent {
		t.Error("IsSilent = true for real synthesis")
	}

	if got := gotQuery["text"]; len(got) != 1 || got[0] != "bonjour" {
		t.Errorf("text param = %v, want [bonjour]", got)
	}
	if got := gotQuery["speaker_id"]; len(got) != 1 || got[0] != "p225" {
		t.Errorf("speaker_id param = %v, want [p225]", got)
	}
	if got := gotQuery["language_id"]; len(got) != 1 || got[0] != "fr" {
		t.Errorf("language_id param = %v, want [fr]", got)
	}
}

func TestSynthesize_XTTSMode(t *testing.T) {
	var gotBody ttsRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tts_to_audio/" {
			t.Errorf("path = %q, want /tts_to_audio/", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want POST", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Write(buildWAV(24000, 1, make([]byte, 4800)))
	}))
	defer srv.Close()

	p, err := New(srv.URL, WithAPIMode(APIModeXTTS), WithVoice("ref.wav"))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if _, err := p.Synthesize(context.Background(), "hello"); err != nil {
		t.Fatalf("Synthesize() error: %v", err)
	}
	if gotBody.Text != "hello" {
		t.Errorf("body text = %q, want %q", gotBody.Text, "hello")
	}
	if gotBody.SpeakerWav != "ref.wav" {
		t.Errorf("body speaker_wav = %q, want %q", gotBody.SpeakerWav, "ref.wav")
	}
}

func TestSynthesize_ResamplesToOutputRate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 1s at the model's native 22.05kHz.
		w.Write(buildWAV(22050, 1, make([]byte, 44100)))
	}))
	defer srv.Close()

	p, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	res, err := p.Synthesize(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Synthesize() error: %v", err)
	}
	if res.SampleRate != 24000 {
		t.Errorf("SampleRate = %d, want 24000", res.SampleRate)
	}
	if len(res.PCM) != 48000 {
		t.Errorf("PCM length = %d, want 48000", len(res.PCM))
	}
}

func TestSynthesize_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if _, err := p.Synthesize(context.Background(), "hi"); err == nil {
		t.Error("expected error for 500 response")
	}
}

func TestNew_EmptyURL(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty server URL")
	}
}

func TestParseWAV(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		wav := buildWAV(22050, 1, []byte{1, 2, 3, 4})
		info, err := parseWAV(wav)
		if err != nil {
			t.Fatalf("parseWAV() error: %v", err)
		}
		if info.SampleRate != 22050 {
			t.Errorf("SampleRate = %d, want 22050", info.SampleRate)
		}
		if info.Channels != 1 {
			t.Errorf("Channels = %d, want 1", info.Channels)
		}
		if got := wav[info.DataOffset:]; len(got) != 4 || got[0] != 1 {
			t.Errorf("payload = %v, want [1 2 3 4]", got)
		}
	})

	t.Run("missing RIFF", func(t *testing.T) {
		if _, err := parseWAV([]byte("not a wav file at all")); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("truncated", func(t *testing.T) {
		if _, err := parseWAV([]byte("RIFF")); err == nil {
			t.Error("expected error")
		}
	})
}
