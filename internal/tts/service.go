package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-stt/internal/audio"
	"github.com/loqalabs/loqa-stt/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName scopes the tracer and meter of this package.
const InstrumentationName = "github.com/loqalabs/loqa-stt/internal/tts"

var (
	ErrEmptyText = errors.New("text must not be empty")
	ErrNoAudio   = errors.New("no audio was generated")
)

type Service struct {
	cfg    config.TTSConfig
	synth  Synthesizer
	logger *slog.Logger
	tracer trace.Tracer

	requests     metric.Int64Counter
	audioSeconds metric.Float64Histogram
}

// New builds the synthesizer selected by cfg.Mode.
func New(cfg config.TTSConfig, log *slog.Logger) (*Service, error) {
	var synth Synthesizer
	switch cfg.Mode {
	case "mock":
		synth = NewMockSynth(cfg.SampleRate, time.Duration(cfg.ChunkDurationMS)*time.Millisecond)
	case "exec":
		s, err := NewExecSynth(cfg.Command, cfg.SampleRate)
		if err != nil {
			return nil, err
		}
		synth = s
	default:
		return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}
	return NewService(cfg, synth, log)
}

func NewService(cfg config.TTSConfig, synth Synthesizer, log *slog.Logger) (*Service, error) {
	if synth == nil {
		return nil, errors.New("tts service requires a synthesizer")
	}
	s := &Service{
		cfg:    cfg,
		synth:  synth,
		logger: log.With(slog.String("component", "tts-service")),
		tracer: otel.Tracer(InstrumentationName),
	}
	meter := otel.Meter(InstrumentationName)
	var err error
	if s.requests, err = meter.Int64Counter("loqa.tts.requests", metric.WithDescription("Synthesis requests by outcome")); err != nil {
		return nil, err
	}
	if s.audioSeconds, err = meter.Float64Histogram("loqa.tts.audio_seconds", metric.WithDescription("Synthesized audio per request"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) withDefaults(req SynthRequest) SynthRequest {
	if req.Voice == "" {
		req.Voice = s.cfg.Voice
	}
	if req.Speed <= 0 {
		req.Speed = s.cfg.Speed
	}
	if req.Language == "" {
		req.Language = s.cfg.Language
	}
	return req
}

// Stream synthesizes req and hands every chunk to fn in order. It returns
// the number of chunks delivered.
func (s *Service) Stream(ctx context.Context, req SynthRequest, fn func(SynthChunk) error) (int, error) {
	req = s.withDefaults(req)
	ctx, span := s.tracer.Start(ctx, "tts.synthesize", trace.WithAttributes(
		attribute.Int("text.bytes", len(req.Text)),
		attribute.String("voice", req.Voice),
		attribute.String("language", req.Language),
	))
	defer span.End()

	n, seconds, err := s.stream(ctx, req, fn)
	span.SetAttributes(attribute.Int("chunks", n))
	outcome := "ok"
	switch {
	case errors.Is(err, ErrEmptyText):
		outcome = "empty"
	case errors.Is(err, ErrNoAudio):
		outcome = "no_audio"
	case err != nil:
		outcome = "error"
	}
	s.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("tts synthesis failed", slog.String("error", err.Error()), slog.Int("chunks", n))
		return n, err
	}
	s.audioSeconds.Record(ctx, seconds)
	s.logger.Info("tts synthesis completed",
		slog.Int("chunks", n),
		slog.Float64("audio_seconds", seconds),
		slog.String("voice", req.Voice))
	return n, nil
}

func (s *Service) stream(ctx context.Context, req SynthRequest, fn func(SynthChunk) error) (int, float64, error) {
	if strings.TrimSpace(req.Text) == "" {
		return 0, 0, ErrEmptyText
	}
	if s.cfg.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.TimeoutMS)*time.Millisecond)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks, errs := s.synth.Synthesize(ctx, req)
	sequence := 0
	seconds := 0.0
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if len(chunk.Samples) == 0 || chunk.SampleRate <= 0 {
				continue
			}
			chunk.Sequence = sequence
			if err := fn(chunk); err != nil {
				return sequence, seconds, err
			}
			sequence++
			seconds += float64(len(chunk.Samples)) / float64(chunk.SampleRate)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return sequence, seconds, err
			}
		case <-ctx.Done():
			return sequence, seconds, ctx.Err()
		}
	}
	if sequence == 0 {
		return 0, 0, ErrNoAudio
	}
	return sequence, seconds, nil
}

// Render synthesizes req into one waveform at the rate of the first chunk.
func (s *Service) Render(ctx context.Context, req SynthRequest) (audio.PCM, error) {
	var out audio.PCM
	_, err := s.Stream(ctx, req, func(chunk SynthChunk) error {
		pcm := audio.PCM{Samples: chunk.Samples, SampleRate: chunk.SampleRate}
		if out.SampleRate == 0 {
			out.SampleRate = pcm.SampleRate
		}
		if pcm.SampleRate != out.SampleRate {
			var err error
			if pcm, err = audio.Resample(pcm, out.SampleRate, 4); err != nil {
				return err
			}
		}
		out.Samples = append(out.Samples, pcm.Samples...)
		return nil
	})
	if err != nil {
		return audio.PCM{}, err
	}
	return out, nil
}
