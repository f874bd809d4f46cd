package transducer

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// ScriptedModel is a deterministic stand-in for the neural capabilities.
// Encoder step t carries its own index and the joiner puts all the score
// mass on Script[t]. Steps past the end of the script score blank.
//
// With a nil Script the encoder emits one step per Subsampling feature
// frames, so the model decodes any input to the empty transcript.
type ScriptedModel struct {
	Script      []int
	Subsampling int
	VocabSize   int

	encodes  atomic.Int64
	predicts atomic.Int64
	joins    atomic.Int64

	mu    sync.Mutex
	seeds []HiddenState
}

var (
	_ Encoder   = (*ScriptedModel)(nil)
	_ Predictor = (*ScriptedModel)(nil)
	_ Joiner    = (*ScriptedModel)(nil)
)

// NewScriptedModel wires a ScriptedModel into a Model handle.
func NewScriptedModel(vocab *Vocabulary, script []int) (*Model, *ScriptedModel, error) {
	s := &ScriptedModel{Script: script, Subsampling: 8, VocabSize: vocab.Size()}
	m, err := NewModel(Components{
		Encoder:    s,
		Predictor:  s,
		Joiner:     s,
		Metadata:   Metadata{NormalizeType: NormalizeNone, PredRNNLayers: 1, PredHidden: 2},
		Vocabulary: vocab,
	})
	if err != nil {
		return nil, nil, err
	}
	return m, s, nil
}

func (s *ScriptedModel) Encode(features [][]float32) (EncoderOutput, error) {
	s.encodes.Add(1)
	steps := len(s.Script)
	if s.Script == nil {
		sub := max(s.Subsampling, 1)
		steps = len(features) / sub
	}
	frames := make([]Embedding, steps)
	for t := range frames {
		frames[t] = Embedding{float32(t)}
	}
	return EncoderOutput{Frames: frames}, nil
}

// Predict embeds the token and counts steps in the first hidden slot.
func (s *ScriptedModel) Predict(token int, state HiddenState) (Embedding, HiddenState, error) {
	s.predicts.Add(1)
	if len(state.H) == 0 {
		return nil, HiddenState{}, fmt.Errorf("empty hidden state")
	}
	if token == s.VocabSize-1 {
		s.mu.Lock()
		s.seeds = append(s.seeds, state)
		s.mu.Unlock()
	}
	next := HiddenState{
		Layers: state.Layers,
		Hidden: state.Hidden,
		H:      append([]float32(nil), state.H...),
		C:      append([]float32(nil), state.C...),
	}
	next.H[0]++
	next.C[0] = float32(token)
	return Embedding{float32(token), next.H[0]}, next, nil
}

func (s *ScriptedModel) Join(encoder, _ Embedding) ([]float32, error) {
	s.joins.Add(1)
	if len(encoder) == 0 {
		return nil, fmt.Errorf("empty encoder step")
	}
	scores := make([]float32, s.VocabSize)
	target := s.VocabSize - 1
	if t := int(encoder[0]); t < len(s.Script) {
		target = s.Script[t]
	}
	if target < 0 || target >= s.VocabSize {
		return nil, fmt.Errorf("scripted token %d outside vocabulary of %d", target, s.VocabSize)
	}
	scores[target] = 1
	return scores, nil
}

func (s *ScriptedModel) Encodes() int64 { return s.encodes.Load() }
func (s *ScriptedModel) Predicts() int64 { return s.predicts.Load() }
func (s *ScriptedModel) Joins() int64 { return s.joins.Load() }

// SeedStates returns the states the predictor received with the blank token.
func (s *ScriptedModel) SeedStates() []HiddenState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]HiddenState(nil), s.seeds...)
}
