package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-stt/internal/audio"
	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/features"
	"github.com/loqalabs/loqa-stt/internal/transducer"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrEmptyUtterance = errors.New("no audio chunks received")
	ErrBadAudio       = errors.New("failed to convert audio chunks")
)

// Result is the outcome of one decoded utterance.
type Result struct {
	Text         string
	RTF          float64
	Tokens       []int
	AudioSeconds float64
}

type Options struct {
	TargetSampleRate int
	TailPadding      time.Duration
	ResampleQuality  int
}

// OptionsFromConfig maps the audio section onto pipeline options.
func OptionsFromConfig(cfg config.AudioConfig) Options {
	return Options{
		TargetSampleRate: cfg.TargetSampleRate,
		TailPadding:      time.Duration(cfg.TailPaddingMS) * time.Millisecond,
		ResampleQuality:  cfg.ResampleQuality,
	}
}

// Pipeline turns a buffered utterance into text. It holds only shared,
// read-only collaborators and is safe for concurrent use by many sessions.
type Pipeline struct {
	model     *transducer.Model
	decoder   audio.Decoder
	extractor *features.Extractor
	opts      Options
	log       *slog.Logger
	tracer    trace.Tracer
	metrics   *metrics
	now       func() time.Time
	open      atomic.Int64
}

func NewPipeline(model *transducer.Model, decoder audio.Decoder, extractor *features.Extractor, opts Options, log *slog.Logger) (*Pipeline, error) {
	if model == nil || decoder == nil || extractor == nil {
		return nil, errors.New("model, decoder and extractor are required")
	}
	if opts.TargetSampleRate <= 0 {
		return nil, fmt.Errorf("invalid target sample rate %d", opts.TargetSampleRate)
	}
	if extractor.Options().SampleRate != opts.TargetSampleRate {
		return nil, fmt.Errorf("feature extractor expects %d Hz, pipeline targets %d Hz",
			extractor.Options().SampleRate, opts.TargetSampleRate)
	}
	if opts.ResampleQuality == 0 {
		opts.ResampleQuality = 4
	}
	p := &Pipeline{
		model:     model,
		decoder:   decoder,
		extractor: extractor,
		opts:      opts,
		log:       log.With(slog.String("component", "stt-pipeline")),
		tracer:    otel.Tracer(InstrumentationName),
		now:       time.Now,
	}
	m, err := newMetrics(otel.Meter(InstrumentationName), p.open.Load)
	if err != nil {
		p.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	} else {
		p.metrics = m
	}
	return p, nil
}

// OpenSessions reports sessions created and not yet closed.
func (p *Pipeline) OpenSessions() int64 { return p.open.Load() }

// Transcribe decodes one complete utterance. Container decoding failures
// wrap ErrBadAudio; the RTF clock starts once PCM is available.
func (p *Pipeline) Transcribe(ctx context.Context, data []byte) (Result, error) {
	ctx, span := p.tracer.Start(ctx, "stt.transcribe",
		trace.WithAttributes(attribute.Int("audio.bytes", len(data))))
	defer span.End()

	if len(data) == 0 {
		span.SetStatus(codes.Error, ErrEmptyUtterance.Error())
		return Result{}, ErrEmptyUtterance
	}

	pcm, err := p.decoder.Decode(ctx, data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode audio")
		return Result{}, fmt.Errorf("%w: %v", ErrBadAudio, err)
	}

	start := p.now()
	res, err := p.decode(span, pcm)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	elapsed := p.now().Sub(start)
	if res.AudioSeconds > 0 {
		res.RTF = elapsed.Seconds() / res.AudioSeconds
	}
	span.SetAttributes(attribute.Int("tokens", len(res.Tokens)))
	return res, nil
}

func (p *Pipeline) decode(span trace.Span, pcm audio.PCM) (Result, error) {
	pcm, err := audio.Resample(pcm, p.opts.TargetSampleRate, p.opts.ResampleQuality)
	if err != nil {
		return Result{}, err
	}
	pcm = audio.PadTail(pcm, p.opts.TailPadding)
	seconds := float64(len(pcm.Samples)) / float64(p.opts.TargetSampleRate)
	span.SetAttributes(attribute.Float64("audio.seconds", seconds))

	feats := p.extractor.Compute(pcm.Samples)
	if len(feats) == 0 {
		return Result{}, fmt.Errorf("no feature frames for %d samples", len(pcm.Samples))
	}
	feats, err = features.Normalize(p.model.Metadata().NormalizeType, feats)
	if err != nil {
		return Result{}, err
	}

	enc, err := p.model.Encoder().Encode(feats)
	if err != nil {
		return Result{}, fmt.Errorf("encode: %w", err)
	}
	span.SetAttributes(attribute.Int("encoder.frames", enc.Len()))

	state, err := transducer.GreedySearch(p.model, enc)
	if err != nil {
		return Result{}, fmt.Errorf("greedy search: %w", err)
	}
	tokens := state.Emitted()
	text, err := p.model.Vocabulary().Detokenize(tokens)
	if err != nil {
		return Result{}, err
	}
	p.log.Debug("utterance decoded",
		slog.Int("feature_frames", len(feats)),
		slog.Int("encoder_frames", enc.Len()),
		slog.Int("tokens", len(tokens)),
		slog.Int("joins", state.Joins))
	return Result{Text: text, Tokens: tokens, AudioSeconds: seconds}, nil
}
