package stt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-stt/internal/audio"
	"github.com/loqalabs/loqa-stt/internal/features"
	"github.com/loqalabs/loqa-stt/internal/protocol"
	"github.com/loqalabs/loqa-stt/internal/transducer"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func helloWorldVocab(t *testing.T) *transducer.Vocabulary {
	t.Helper()
	vocab, err := transducer.ParseVocabulary(strings.NewReader("▁hello 0\n▁world 1\n<blank> 2\n"))
	if err != nil {
		t.Fatalf("parse vocabulary: %v", err)
	}
	return vocab
}

func newPipeline(t *testing.T, script []int) (*Pipeline, *transducer.ScriptedModel) {
	t.Helper()
	model, scripted, err := transducer.NewScriptedModel(helloWorldVocab(t), script)
	if err != nil {
		t.Fatalf("model: %v", err)
	}
	extractor, err := features.New(features.DefaultOptions())
	if err != nil {
		t.Fatalf("extractor: %v", err)
	}
	p, err := NewPipeline(model, audio.WAVDecoder{}, extractor, Options{
		TargetSampleRate: 16000,
		TailPadding:      2 * time.Second,
		ResampleQuality:  4,
	}, newLogger())
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	return p, scripted
}

func tone(t *testing.T, n, rate int) []byte {
	t.Helper()
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(0.3 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
	}
	data, err := audio.EncodeWAV(samples, rate)
	if err != nil {
		t.Fatalf("encode wav: %v", err)
	}
	return data
}

type memoryRecorder struct {
	mu   sync.Mutex
	seen []protocol.Utterance
	err  error
}

func (m *memoryRecorder) RecordUtterance(_ context.Context, u protocol.Utterance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = append(m.seen, u)
	return m.err
}

func TestSessionHelloWorld(t *testing.T) {
	p, _ := newPipeline(t, []int{2, 0, 2, 1, 2})
	tick := time.Unix(0, 0)
	p.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}
	s := NewSession("s1", p, nil, newLogger())
	defer s.Close()

	wav := tone(t, 1600, 16000)
	s.Accept(wav[:20])
	s.Accept(wav[20:])
	if s.Pending() != len(wav) || s.Chunks() != 2 {
		t.Fatalf("unexpected buffer state pending=%d chunks=%d", s.Pending(), s.Chunks())
	}

	res, err := s.Flush(context.Background())
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if res.Text != "hello world" {
		t.Fatalf("expected %q, got %q", "hello world", res.Text)
	}
	if !reflect.DeepEqual(res.Tokens, []int{0, 1}) {
		t.Fatalf("unexpected tokens %v", res.Tokens)
	}
	if math.Abs(res.AudioSeconds-2.1) > 1e-9 {
		t.Fatalf("expected padded duration 2.1s, got %v", res.AudioSeconds)
	}
	if math.Abs(res.RTF-1/2.1) > 1e-9 {
		t.Fatalf("expected rtf %v, got %v", 1/2.1, res.RTF)
	}
	if s.Pending() != 0 {
		t.Fatalf("buffer must be cleared after flush, %d bytes left", s.Pending())
	}
}

func TestSessionAllBlankIsSuccess(t *testing.T) {
	p, _ := newPipeline(t, nil)
	s := NewSession("s1", p, nil, newLogger())
	defer s.Close()

	s.Accept(tone(t, 16000, 16000))
	res, err := s.Flush(context.Background())
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if res.Text != "" || len(res.Tokens) != 0 {
		t.Fatalf("expected empty transcript, got %q %v", res.Text, res.Tokens)
	}
}

func TestSessionEmptyFlushSkipsModel(t *testing.T) {
	p, scripted := newPipeline(t, []int{0})
	s := NewSession("s1", p, nil, newLogger())
	defer s.Close()

	_, err := s.Flush(context.Background())
	if !errors.Is(err, ErrEmptyUtterance) {
		t.Fatalf("expected ErrEmptyUtterance, got %v", err)
	}
	if scripted.Encodes() != 0 || scripted.Predicts() != 0 || scripted.Joins() != 0 {
		t.Fatalf("model invoked on empty flush: encodes=%d predicts=%d joins=%d",
			scripted.Encodes(), scripted.Predicts(), scripted.Joins())
	}
}

func TestSessionBadAudioRecovers(t *testing.T) {
	p, _ := newPipeline(t, []int{2, 0, 2, 1, 2})
	s := NewSession("s1", p, nil, newLogger())
	defer s.Close()

	s.Accept([]byte("not json"))
	_, err := s.Flush(context.Background())
	if !errors.Is(err, ErrBadAudio) {
		t.Fatalf("expected ErrBadAudio, got %v", err)
	}
	if s.Pending() != 0 {
		t.Fatalf("buffer must be cleared after failure")
	}

	s.Accept(tone(t, 1600, 16000))
	res, err := s.Flush(context.Background())
	if err != nil {
		t.Fatalf("second utterance: %v", err)
	}
	if res.Text != "hello world" {
		t.Fatalf("unexpected text %q", res.Text)
	}
}

func TestSessionDeterministicAndIsolated(t *testing.T) {
	p, scripted := newPipeline(t, []int{2, 0, 2, 1, 2})
	s := NewSession("s1", p, nil, newLogger())
	defer s.Close()

	wav := tone(t, 1600, 16000)
	var results []Result
	for range 2 {
		s.Accept(wav)
		res, err := s.Flush(context.Background())
		if err != nil {
			t.Fatalf("flush: %v", err)
		}
		results = append(results, res)
	}
	if results[0].Text != results[1].Text || !reflect.DeepEqual(results[0].Tokens, results[1].Tokens) {
		t.Fatalf("non-deterministic results %+v %+v", results[0], results[1])
	}
	seeds := scripted.SeedStates()
	if len(seeds) != 2 {
		t.Fatalf("expected 2 seed predictions, got %d", len(seeds))
	}
	zero := transducer.ZeroState(1, 2)
	for i, seed := range seeds {
		if !reflect.DeepEqual(seed, zero) {
			t.Fatalf("utterance %d did not start from a zero state: %+v", i, seed)
		}
	}
}

func TestSessionResamples(t *testing.T) {
	p, _ := newPipeline(t, []int{0})
	s := NewSession("s1", p, nil, newLogger())
	defer s.Close()

	s.Accept(tone(t, 800, 8000))
	res, err := s.Flush(context.Background())
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if res.Text != "hello" {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if res.AudioSeconds < 2.09 || res.AudioSeconds > 2.1 {
		t.Fatalf("expected about 2.1s after resampling, got %v", res.AudioSeconds)
	}
}

func TestSessionRecordsTimeline(t *testing.T) {
	p, _ := newPipeline(t, []int{2, 0, 2, 1, 2})
	rec := &memoryRecorder{err: errors.New("store offline")}
	s := NewSession("s1", p, rec, newLogger())
	defer s.Close()

	if _, err := s.Flush(context.Background()); !errors.Is(err, ErrEmptyUtterance) {
		t.Fatalf("expected empty utterance, got %v", err)
	}
	s.Accept(tone(t, 1600, 16000))
	if _, err := s.Flush(context.Background()); err != nil {
		t.Fatalf("recorder failure must not fail the utterance: %v", err)
	}

	if len(rec.seen) != 2 {
		t.Fatalf("expected 2 timeline entries, got %d", len(rec.seen))
	}
	first, second := rec.seen[0], rec.seen[1]
	if first.SessionID != "s1" || first.Sequence != 1 || first.Error != ErrEmptyUtterance.Error() {
		t.Fatalf("unexpected first entry %+v", first)
	}
	if second.Sequence != 2 || second.Text != "hello world" || second.Tokens != 2 || second.Failed() {
		t.Fatalf("unexpected second entry %+v", second)
	}
	if second.Timestamp.IsZero() {
		t.Fatal("timestamp not set")
	}
}

func TestRecordersJoinErrors(t *testing.T) {
	ok := &memoryRecorder{}
	bad := &memoryRecorder{err: errors.New("boom")}
	err := Recorders{ok, nil, bad}.RecordUtterance(context.Background(), protocol.Utterance{SessionID: "s"})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(ok.seen) != 1 || len(bad.seen) != 1 {
		t.Fatal("every recorder must be called")
	}
}

func TestOpenSessions(t *testing.T) {
	p, _ := newPipeline(t, nil)
	a := NewSession("a", p, nil, newLogger())
	b := NewSession("b", p, nil, newLogger())
	if p.OpenSessions() != 2 {
		t.Fatalf("expected 2 open sessions, got %d", p.OpenSessions())
	}
	a.Close()
	a.Close()
	b.Close()
	if p.OpenSessions() != 0 {
		t.Fatalf("expected 0 open sessions, got %d", p.OpenSessions())
	}
}

func TestNewPipelineRejectsRateMismatch(t *testing.T) {
	model, _, err := transducer.NewScriptedModel(helloWorldVocab(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	extractor, err := features.New(features.DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewPipeline(model, audio.WAVDecoder{}, extractor, Options{TargetSampleRate: 8000}, newLogger()); err == nil {
		t.Fatal("expected sample rate mismatch error")
	}
	if _, err := NewPipeline(nil, audio.WAVDecoder{}, extractor, Options{TargetSampleRate: 16000}, newLogger()); err == nil {
		t.Fatal("expected missing model error")
	}
}
