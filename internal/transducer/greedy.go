package transducer

import (
	"errors"
	"fmt"
)

// DecodeState is the search state for one utterance. Tokens always starts
// with the seed blank.
type DecodeState struct {
	Tokens       []int
	Hidden       HiddenState
	PredictorOut Embedding
	// Joins counts joiner evaluations.
	Joins int
}

// Emitted returns the decoded token ids without the seed blank.
func (s DecodeState) Emitted() []int {
	if len(s.Tokens) <= 1 {
		return nil
	}
	return append([]int(nil), s.Tokens[1:]...)
}

// GreedySearch runs time-synchronous greedy search over enc. At most one
// non-blank token is emitted per encoder step, so the joiner runs exactly
// enc.Len() times.
func GreedySearch(m *Model, enc EncoderOutput) (DecodeState, error) {
	blank := m.vocab.Blank()
	hidden := m.ZeroState()
	out, hidden, err := m.predictor.Predict(blank, hidden)
	if err != nil {
		return DecodeState{}, fmt.Errorf("seed predictor: %w", err)
	}
	state := DecodeState{
		Tokens:       []int{blank},
		Hidden:       hidden,
		PredictorOut: out,
	}

	for t, frame := range enc.Frames {
		logits, err := m.joiner.Join(frame, state.PredictorOut)
		if err != nil {
			return DecodeState{}, fmt.Errorf("joiner at step %d: %w", t, err)
		}
		state.Joins++
		idx, err := argmax(logits)
		if err != nil {
			return DecodeState{}, fmt.Errorf("joiner at step %d: %w", t, err)
		}
		if idx == blank {
			continue
		}
		state.Tokens = append(state.Tokens, idx)
		out, hidden, err := m.predictor.Predict(idx, state.Hidden)
		if err != nil {
			return DecodeState{}, fmt.Errorf("predictor at step %d: %w", t, err)
		}
		state.Hidden = hidden
		state.PredictorOut = out
	}
	return state, nil
}

// argmax returns the first index holding the maximum score.
func argmax(scores []float32) (int, error) {
	if len(scores) == 0 {
		return 0, errors.New("empty score vector")
	}
	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[best] {
			best = i
		}
	}
	return best, nil
}
