// Package onnx runs the transducer encoder, prediction network and joiner
// on ONNX Runtime.
package onnx

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/transducer"
	ort "github.com/yalue/onnxruntime_go"
)

const (
	keyNormalizeType = "normalize_type"
	keyPredLayers    = "pred_rnn_layers"
	keyPredHidden    = "pred_hidden"
)

var envMu sync.Mutex

// Load checks the model files, initializes the runtime and opens one session
// per network. The returned model owns the sessions; Close releases them.
func Load(cfg config.ModelConfig, vocab *transducer.Vocabulary, log *slog.Logger) (*transducer.Model, error) {
	for _, path := range []string{cfg.Encoder, cfg.Decoder, cfg.Joiner} {
		if err := checkFile(path); err != nil {
			return nil, err
		}
	}
	if err := initEnvironment(cfg.SharedLibrary); err != nil {
		return nil, err
	}

	meta, err := ReadMetadata(cfg.Encoder)
	if err != nil {
		return nil, err
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer opts.Destroy()
	threads := max(cfg.Threads, 1)
	if err := opts.SetIntraOpNumThreads(threads); err != nil {
		return nil, fmt.Errorf("intra-op threads: %w", err)
	}
	if err := opts.SetInterOpNumThreads(threads); err != nil {
		return nil, fmt.Errorf("inter-op threads: %w", err)
	}

	var opened []*ort.DynamicAdvancedSession
	closeAll := func() error {
		var errs []error
		for _, s := range opened {
			errs = append(errs, s.Destroy())
		}
		return errors.Join(errs...)
	}

	enc, err := openSession(cfg.Encoder, 2, 2, []int{0}, opts)
	if err != nil {
		return nil, err
	}
	opened = append(opened, enc.session)
	pred, err := openSession(cfg.Decoder, 4, 4, []int{0, 2, 3}, opts)
	if err != nil {
		_ = closeAll()
		return nil, err
	}
	opened = append(opened, pred.session)
	join, err := openSession(cfg.Joiner, 2, 1, []int{0}, opts)
	if err != nil {
		_ = closeAll()
		return nil, err
	}
	opened = append(opened, join.session)

	model, err := transducer.NewModel(transducer.Components{
		Encoder:    &Encoder{s: enc},
		Predictor:  &Predictor{s: pred},
		Joiner:     &Joiner{s: join},
		Metadata:   meta,
		Vocabulary: vocab,
		Close:      closeAll,
	})
	if err != nil {
		_ = closeAll()
		return nil, err
	}
	log.Info("transducer model loaded",
		slog.String("encoder", cfg.Encoder),
		slog.String("decoder", cfg.Decoder),
		slog.String("joiner", cfg.Joiner),
		slog.String("normalize_type", meta.NormalizeType),
		slog.Int("pred_rnn_layers", meta.PredRNNLayers),
		slog.Int("pred_hidden", meta.PredHidden),
		slog.Int("vocab_size", vocab.Size()))
	return model, nil
}

func checkFile(path string) error {
	if path == "" {
		return errors.New("model path not configured")
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("model file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("model file %s is a directory", path)
	}
	return nil
}

func initEnvironment(sharedLibrary string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if ort.IsInitialized() {
		return nil
	}
	if sharedLibrary != "" {
		ort.SetSharedLibraryPath(sharedLibrary)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnxruntime: %w", err)
	}
	return nil
}

// ReadMetadata reads the normalization mode and predictor state shape from
// the encoder's custom metadata.
func ReadMetadata(encoderPath string) (transducer.Metadata, error) {
	md, err := ort.GetModelMetadata(encoderPath)
	if err != nil {
		return transducer.Metadata{}, fmt.Errorf("read model metadata: %w", err)
	}
	defer md.Destroy()
	return parseMetadata(md.LookupCustomMetadataMap)
}

func parseMetadata(lookup func(key string) (string, bool, error)) (transducer.Metadata, error) {
	get := func(key string) (string, error) {
		v, ok, err := lookup(key)
		if err != nil {
			return "", fmt.Errorf("metadata %s: %w", key, err)
		}
		if !ok {
			return "", fmt.Errorf("metadata %s missing", key)
		}
		return strings.TrimSpace(v), nil
	}
	atoi := func(key string) (int, error) {
		v, err := get(key)
		if err != nil {
			return 0, err
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("metadata %s: %w", key, err)
		}
		return n, nil
	}

	var meta transducer.Metadata
	var err error
	if meta.NormalizeType, err = get(keyNormalizeType); err != nil {
		return meta, err
	}
	if meta.PredRNNLayers, err = atoi(keyPredLayers); err != nil {
		return meta, err
	}
	if meta.PredHidden, err = atoi(keyPredHidden); err != nil {
		return meta, err
	}
	return meta, meta.Validate()
}
