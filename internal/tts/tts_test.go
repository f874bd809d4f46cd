package tts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-stt/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func mockConfig() config.TTSConfig {
	cfg := config.Default().TTS
	cfg.Enabled = true
	cfg.SampleRate = 16000
	cfg.ChunkDurationMS = 100
	return cfg
}

func newMockService(t *testing.T) *Service {
	t.Helper()
	svc, err := New(mockConfig(), newLogger())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

type recordingSynth struct {
	got SynthRequest
}

func (r *recordingSynth) Synthesize(_ context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	r.got = req
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error)
	chunks <- SynthChunk{SampleRate: 8000, Samples: make([]float32, 80), Final: true}
	close(chunks)
	close(errs)
	return chunks, errs
}

func TestStreamDeliversChunksInOrder(t *testing.T) {
	svc := newMockService(t)
	var seen []SynthChunk
	n, err := svc.Stream(context.Background(), SynthRequest{Text: "Hello there. How are you? Fine!"}, func(c SynthChunk) error {
		seen = append(seen, c)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if n != 3 || len(seen) != 3 {
		t.Fatalf("expected 3 chunks, got %d (%d seen)", n, len(seen))
	}
	for i, c := range seen {
		if c.Sequence != i || c.SampleRate != 16000 || len(c.Samples) != 1600 {
			t.Fatalf("chunk %d: unexpected %+v", i, c)
		}
	}
	if !seen[2].Final {
		t.Fatal("expected last chunk to be final")
	}
}

func TestStreamAppliesDefaults(t *testing.T) {
	synth := &recordingSynth{}
	svc, err := NewService(mockConfig(), synth, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Render(context.Background(), SynthRequest{Text: "hi"}); err != nil {
		t.Fatalf("render: %v", err)
	}
	want := SynthRequest{Text: "hi", Voice: "af_nicole", Speed: 1, Language: "en-us"}
	if synth.got != want {
		t.Fatalf("expected %+v, got %+v", want, synth.got)
	}

	if _, err := svc.Render(context.Background(), SynthRequest{Text: "hi", Voice: "gb_emma", Speed: 1.5}); err != nil {
		t.Fatalf("render: %v", err)
	}
	if synth.got.Voice != "gb_emma" || synth.got.Speed != 1.5 {
		t.Fatalf("explicit fields must win, got %+v", synth.got)
	}
}

func TestStreamErrors(t *testing.T) {
	svc := newMockService(t)
	noop := func(SynthChunk) error { return nil }
	if _, err := svc.Stream(context.Background(), SynthRequest{Text: "   "}, noop); !errors.Is(err, ErrEmptyText) {
		t.Fatalf("expected ErrEmptyText, got %v", err)
	}
	if _, err := svc.Stream(context.Background(), SynthRequest{Text: "..."}, noop); !errors.Is(err, ErrNoAudio) {
		t.Fatalf("expected ErrNoAudio, got %v", err)
	}
	boom := errors.New("write failed")
	n, err := svc.Stream(context.Background(), SynthRequest{Text: "one. two."}, func(SynthChunk) error { return boom })
	if !errors.Is(err, boom) || n != 0 {
		t.Fatalf("expected callback error after 0 chunks, got %d %v", n, err)
	}
}

func TestRenderConcatenatesAndSpeeds(t *testing.T) {
	svc := newMockService(t)
	pcm, err := svc.Render(context.Background(), SynthRequest{Text: "one. two.", Speed: 2})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if pcm.SampleRate != 16000 || len(pcm.Samples) != 2*800 {
		t.Fatalf("unexpected pcm rate=%d len=%d", pcm.SampleRate, len(pcm.Samples))
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "synth.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return "sh " + path
}

func TestExecSynth(t *testing.T) {
	cmd := writeScript(t, `cat > /dev/null
echo '{"pcm_base64":"AEAAwA==","sample_rate":16000}'
echo ''
echo '{"pcm_base64":"AEA=","final":true}'
`)
	synth, err := NewExecSynth(cmd, 24000)
	if err != nil {
		t.Fatalf("new exec synth: %v", err)
	}
	svc, err := NewService(mockConfig(), synth, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	var seen []SynthChunk
	if _, err := svc.Stream(context.Background(), SynthRequest{Text: "hi"}, func(c SynthChunk) error {
		seen = append(seen, c)
		return nil
	}); err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(seen))
	}
	if seen[0].SampleRate != 16000 || len(seen[0].Samples) != 2 || seen[0].Samples[0] != 0.5 || seen[0].Samples[1] != -0.5 {
		t.Fatalf("unexpected first chunk %+v", seen[0])
	}
	if seen[1].SampleRate != 24000 || !seen[1].Final || seen[1].Sequence != 1 {
		t.Fatalf("unexpected second chunk %+v", seen[1])
	}
}

func TestExecSynthFailure(t *testing.T) {
	cmd := writeScript(t, "cat > /dev/null\necho boom >&2\nexit 3\n")
	synth, err := NewExecSynth(cmd, 16000)
	if err != nil {
		t.Fatal(err)
	}
	svc, err := NewService(mockConfig(), synth, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	_, err = svc.Render(context.Background(), SynthRequest{Text: "hi"})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected stderr in error, got %v", err)
	}

	garbage := writeScript(t, "cat > /dev/null\necho not-json\n")
	synth, _ = NewExecSynth(garbage, 16000)
	svc, _ = NewService(mockConfig(), synth, newLogger())
	if _, err := svc.Render(context.Background(), SynthRequest{Text: "hi"}); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestExecSynthTimeout(t *testing.T) {
	cmd := writeScript(t, "exec sleep 5\n")
	synth, err := NewExecSynth(cmd, 16000)
	if err != nil {
		t.Fatal(err)
	}
	cfg := mockConfig()
	cfg.TimeoutMS = 100
	svc, err := NewService(cfg, synth, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if _, err := svc.Render(context.Background(), SynthRequest{Text: "hi"}); err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > 3*time.Second {
		t.Fatal("timeout did not stop the synthesizer")
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := mockConfig()
	cfg.Mode = "kokoro"
	if _, err := New(cfg, newLogger()); err == nil {
		t.Fatal("expected unknown mode error")
	}
	if _, err := NewExecSynth("", 16000); err == nil {
		t.Fatal("expected empty command error")
	}
	if _, err := NewExecSynth("synth", 0); err == nil {
		t.Fatal("expected sample rate error")
	}
}
