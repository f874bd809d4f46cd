package stt

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// InstrumentationName scopes the tracer and meter of this package.
const InstrumentationName = "github.com/loqalabs/loqa-stt/internal/stt"

// Outcome labels for the utterance counter.
const (
	OutcomeOK       = "ok"
	OutcomeEmpty    = "empty"
	OutcomeBadAudio = "bad_audio"
	OutcomeError    = "error"
)

type metrics struct {
	utterances   metric.Int64Counter
	rtf          metric.Float64Histogram
	audioSeconds metric.Float64Histogram
	tokens       metric.Int64Histogram
	sessions     metric.Int64ObservableGauge
}

func newMetrics(meter metric.Meter, openSessions func() int64) (*metrics, error) {
	m := &metrics{}
	var err error
	if m.utterances, err = meter.Int64Counter("loqa.stt.utterances", metric.WithDescription("Flushed utterances by outcome")); err != nil {
		return nil, err
	}
	if m.rtf, err = meter.Float64Histogram("loqa.stt.rtf", metric.WithDescription("Real-time factor of decoded utterances")); err != nil {
		return nil, err
	}
	if m.audioSeconds, err = meter.Float64Histogram("loqa.stt.audio_seconds", metric.WithDescription("Padded utterance duration"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.tokens, err = meter.Int64Histogram("loqa.stt.tokens", metric.WithDescription("Emitted tokens per utterance")); err != nil {
		return nil, err
	}
	if m.sessions, err = meter.Int64ObservableGauge("loqa.stt.sessions", metric.WithDescription("Open decoding sessions")); err != nil {
		return nil, err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(m.sessions, openSessions())
		return nil
	}, m.sessions)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *metrics) recordOutcome(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.utterances.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *metrics) recordResult(ctx context.Context, r Result) {
	if m == nil {
		return
	}
	m.rtf.Record(ctx, r.RTF)
	m.audioSeconds.Record(ctx, r.AudioSeconds)
	m.tokens.Record(ctx, int64(len(r.Tokens)))
}
