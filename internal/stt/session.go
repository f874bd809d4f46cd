package stt

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-stt/internal/protocol"
)

// Session buffers the chunks of one utterance at a time for a single
// connection. Accept may run concurrently with an in-flight Flush; the
// chunks it adds belong to the next utterance.
type Session struct {
	id       string
	pipeline *Pipeline
	recorder Recorder
	log      *slog.Logger

	mu     sync.Mutex
	buf    []byte
	chunks int
	seq    int
	closed bool

	flushMu sync.Mutex
}

// NewSession opens a session on p. recorder may be nil.
func NewSession(id string, p *Pipeline, recorder Recorder, log *slog.Logger) *Session {
	p.open.Add(1)
	return &Session{
		id:       id,
		pipeline: p,
		recorder: recorder,
		log:      log.With(slog.String("session_id", id)),
	}
}

func (s *Session) ID() string { return s.id }

// Accept appends chunk to the current utterance.
func (s *Session) Accept(chunk []byte) {
	s.mu.Lock()
	s.buf = append(s.buf, chunk...)
	s.chunks++
	s.mu.Unlock()
}

// Pending returns the number of buffered bytes.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Chunks returns the number of chunks accepted over the session lifetime.
func (s *Session) Chunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunks
}

// Flush decodes everything buffered so far. The buffer is cleared whatever
// the outcome. An empty buffer yields ErrEmptyUtterance without touching
// the model.
func (s *Session) Flush(ctx context.Context) (Result, error) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	data := s.buf
	s.buf = nil
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	m := s.pipeline.metrics
	if len(data) == 0 {
		m.recordOutcome(ctx, OutcomeEmpty)
		s.record(ctx, protocol.Utterance{Sequence: seq, Error: ErrEmptyUtterance.Error()})
		return Result{}, ErrEmptyUtterance
	}

	res, err := s.pipeline.Transcribe(ctx, data)
	if err != nil {
		outcome := OutcomeError
		if errors.Is(err, ErrBadAudio) {
			outcome = OutcomeBadAudio
		}
		m.recordOutcome(ctx, outcome)
		s.log.Warn("utterance failed",
			slog.Int("sequence", seq),
			slog.Int("bytes", len(data)),
			slog.String("error", err.Error()))
		s.record(ctx, protocol.Utterance{Sequence: seq, Error: err.Error()})
		return Result{}, err
	}

	m.recordOutcome(ctx, OutcomeOK)
	m.recordResult(ctx, res)
	s.log.Info("utterance transcribed",
		slog.Int("sequence", seq),
		slog.Int("bytes", len(data)),
		slog.Int("tokens", len(res.Tokens)),
		slog.Float64("rtf", res.RTF))
	s.record(ctx, protocol.Utterance{
		Sequence:     seq,
		Text:         res.Text,
		RTF:          res.RTF,
		AudioSeconds: res.AudioSeconds,
		Tokens:       len(res.Tokens),
	})
	return res, nil
}

func (s *Session) record(ctx context.Context, u protocol.Utterance) {
	if s.recorder == nil {
		return
	}
	u.SessionID = s.id
	u.Timestamp = time.Now().UTC()
	if err := s.recorder.RecordUtterance(ctx, u); err != nil {
		s.log.Warn("failed to record utterance", slog.String("error", err.Error()))
	}
}

// Close releases the session. Calling it more than once is a no-op.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.buf = nil
	s.pipeline.open.Add(-1)
}
