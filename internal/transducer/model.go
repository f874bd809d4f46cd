package transducer

import (
	"errors"
	"fmt"
)

const (
	NormalizeNone       = ""
	NormalizePerFeature = "per_feature"
)

// Embedding is a single encoder time-step or predictor output vector.
type Embedding []float32

// EncoderOutput is the encoded utterance, indexed by time step.
type EncoderOutput struct {
	Frames []Embedding
}

func (e EncoderOutput) Len() int { return len(e.Frames) }

// HiddenState is the recurrent state pair threaded through the predictor.
// Both slices hold Layers*Hidden values. Values are never mutated once
// returned; a predictor produces a fresh state for every step.
type HiddenState struct {
	Layers int
	Hidden int
	H      []float32
	C      []float32
}

// ZeroState returns the all-zero recurrent state for the given shape.
func ZeroState(layers, hidden int) HiddenState {
	n := layers * hidden
	return HiddenState{
		Layers: layers,
		Hidden: hidden,
		H:      make([]float32, n),
		C:      make([]float32, n),
	}
}

// Encoder maps a feature matrix (frames × feature-dim) to encoder embeddings.
type Encoder interface {
	Encode(features [][]float32) (EncoderOutput, error)
}

// Predictor advances the label prediction network by one token.
type Predictor interface {
	Predict(token int, state HiddenState) (Embedding, HiddenState, error)
}

// Joiner scores one encoder step against one predictor output.
type Joiner interface {
	Join(encoder, predictor Embedding) ([]float32, error)
}

// Metadata is the model description stored alongside the encoder.
type Metadata struct {
	NormalizeType string
	PredRNNLayers int
	PredHidden    int
}

func (m Metadata) Validate() error {
	switch m.NormalizeType {
	case NormalizeNone, NormalizePerFeature:
	default:
		return fmt.Errorf("unsupported normalize_type %q", m.NormalizeType)
	}
	if m.PredRNNLayers <= 0 {
		return fmt.Errorf("pred_rnn_layers must be positive, got %d", m.PredRNNLayers)
	}
	if m.PredHidden <= 0 {
		return fmt.Errorf("pred_hidden must be positive, got %d", m.PredHidden)
	}
	return nil
}

// Components groups everything needed to build a Model.
type Components struct {
	Encoder    Encoder
	Predictor  Predictor
	Joiner     Joiner
	Metadata   Metadata
	Vocabulary *Vocabulary
	Close      func() error
}

// Model is the shared, immutable handle every session decodes with.
type Model struct {
	encoder   Encoder
	predictor Predictor
	joiner    Joiner
	meta      Metadata
	vocab     *Vocabulary
	closeFn   func() error
}

func NewModel(c Components) (*Model, error) {
	if c.Encoder == nil || c.Predictor == nil || c.Joiner == nil {
		return nil, errors.New("encoder, predictor and joiner are required")
	}
	if c.Vocabulary == nil {
		return nil, ErrEmptyVocabulary
	}
	if err := c.Metadata.Validate(); err != nil {
		return nil, fmt.Errorf("model metadata: %w", err)
	}
	return &Model{
		encoder:   c.Encoder,
		predictor: c.Predictor,
		joiner:    c.Joiner,
		meta:      c.Metadata,
		vocab:     c.Vocabulary,
		closeFn:   c.Close,
	}, nil
}

func (m *Model) Encoder() Encoder { return m.encoder }
func (m *Model) Metadata() Metadata { return m.meta }
func (m *Model) Vocabulary() *Vocabulary { return m.vocab }
func (m *Model) ZeroState() HiddenState { return ZeroState(m.meta.PredRNNLayers, m.meta.PredHidden) }

// Close releases runtime resources held by the capabilities.
func (m *Model) Close() error {
	if m == nil || m.closeFn == nil {
		return nil
	}
	return m.closeFn()
}
