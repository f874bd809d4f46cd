package runtime

import (
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-stt/internal/audio"
	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/features"
	"github.com/loqalabs/loqa-stt/internal/stt"
	"github.com/loqalabs/loqa-stt/internal/transducer"
	"github.com/loqalabs/loqa-stt/internal/transducer/onnx"
)

// LoadModel reads the vocabulary and opens the capability backend selected
// by cfg.Mode. Any failure here is fatal for the process.
func LoadModel(cfg config.ModelConfig, logger *slog.Logger) (*transducer.Model, error) {
	vocab, err := transducer.LoadVocabulary(cfg.Tokens)
	if err != nil {
		return nil, fmt.Errorf("load vocabulary: %w", err)
	}
	switch cfg.Mode {
	case "onnx":
		model, err := onnx.Load(cfg, vocab, logger)
		if err != nil {
			return nil, fmt.Errorf("load onnx model: %w", err)
		}
		return model, nil
	case "mock":
		model, _, err := transducer.NewScriptedModel(vocab, nil)
		if err != nil {
			return nil, err
		}
		logger.Warn("using scripted mock model; transcripts will be empty")
		return model, nil
	default:
		return nil, fmt.Errorf("unknown model mode %q", cfg.Mode)
	}
}

// BuildPipeline wires model, audio decoder and feature extractor. The
// caller owns the returned model and must Close it.
func BuildPipeline(cfg config.Config, logger *slog.Logger) (*stt.Pipeline, *transducer.Model, error) {
	model, err := LoadModel(cfg.Model, logger)
	if err != nil {
		return nil, nil, err
	}
	decoder, err := audio.NewDecoder(cfg.Audio)
	if err != nil {
		_ = model.Close()
		return nil, nil, fmt.Errorf("audio decoder: %w", err)
	}
	opts := features.DefaultOptions()
	opts.SampleRate = cfg.Audio.TargetSampleRate
	extractor, err := features.New(opts)
	if err != nil {
		_ = model.Close()
		return nil, nil, fmt.Errorf("feature extractor: %w", err)
	}
	pipeline, err := stt.NewPipeline(model, decoder, extractor, stt.OptionsFromConfig(cfg.Audio), logger)
	if err != nil {
		_ = model.Close()
		return nil, nil, err
	}
	return pipeline, model, nil
}
