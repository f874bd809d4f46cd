package transducer

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func helloWorldVocab(t *testing.T) *Vocabulary {
	t.Helper()
	vocab, err := ParseVocabulary(strings.NewReader("▁hello 0\n▁world 1\n<blank> 2\n"))
	if err != nil {
		t.Fatalf("parse vocabulary: %v", err)
	}
	return vocab
}

func decode(t *testing.T, m *Model, s *ScriptedModel) (DecodeState, string) {
	t.Helper()
	enc, err := s.Encode(nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	state, err := GreedySearch(m, enc)
	if err != nil {
		t.Fatalf("greedy search: %v", err)
	}
	text, err := m.Vocabulary().Detokenize(state.Emitted())
	if err != nil {
		t.Fatalf("detokenize: %v", err)
	}
	return state, text
}

func TestGreedySearchHelloWorld(t *testing.T) {
	m, s, err := NewScriptedModel(helloWorldVocab(t), []int{2, 0, 2, 1, 2})
	if err != nil {
		t.Fatalf("model: %v", err)
	}
	state, text := decode(t, m, s)
	if text != "hello world" {
		t.Fatalf("expected %q, got %q", "hello world", text)
	}
	if !reflect.DeepEqual(state.Emitted(), []int{0, 1}) {
		t.Fatalf("unexpected tokens %v", state.Emitted())
	}
	if state.Tokens[0] != 2 {
		t.Fatalf("expected seed blank first, got %v", state.Tokens)
	}
}

func TestGreedySearchAllBlank(t *testing.T) {
	m, s, err := NewScriptedModel(helloWorldVocab(t), []int{2, 2, 2, 2})
	if err != nil {
		t.Fatalf("model: %v", err)
	}
	state, text := decode(t, m, s)
	if text != "" {
		t.Fatalf("expected empty text, got %q", text)
	}
	if len(state.Emitted()) != 0 {
		t.Fatalf("expected no tokens, got %v", state.Emitted())
	}
	if s.Predicts() != 1 {
		t.Fatalf("expected only the seed prediction, got %d", s.Predicts())
	}
}

func TestGreedySearchJoinsOncePerStep(t *testing.T) {
	scripts := [][]int{
		{2, 2, 2, 2, 2, 2},
		{0, 0, 0, 0, 0, 0},
		{0, 1, 0, 1, 2, 2},
		{},
	}
	for _, script := range scripts {
		m, s, err := NewScriptedModel(helloWorldVocab(t), script)
		if err != nil {
			t.Fatalf("model: %v", err)
		}
		state, _ := decode(t, m, s)
		if state.Joins != len(script) || s.Joins() != int64(len(script)) {
			t.Fatalf("script %v: expected %d joins, got %d/%d", script, len(script), state.Joins, s.Joins())
		}
		nonBlank := 0
		for _, id := range script {
			if id != 2 {
				nonBlank++
			}
		}
		if s.Predicts() != int64(nonBlank+1) {
			t.Fatalf("script %v: expected %d predictions, got %d", script, nonBlank+1, s.Predicts())
		}
	}
}

func TestGreedySearchNeverEmitsBlank(t *testing.T) {
	m, s, err := NewScriptedModel(helloWorldVocab(t), []int{2, 0, 2, 2, 1, 1, 2, 0})
	if err != nil {
		t.Fatalf("model: %v", err)
	}
	state, _ := decode(t, m, s)
	for _, id := range state.Emitted() {
		if id == m.Vocabulary().Blank() {
			t.Fatalf("blank leaked into emitted tokens %v", state.Emitted())
		}
	}
}

func TestGreedySearchDeterministicAndIsolated(t *testing.T) {
	m, s, err := NewScriptedModel(helloWorldVocab(t), []int{0, 2, 1, 1, 2})
	if err != nil {
		t.Fatalf("model: %v", err)
	}
	first, firstText := decode(t, m, s)
	second, secondText := decode(t, m, s)
	if firstText != secondText || !reflect.DeepEqual(first.Tokens, second.Tokens) {
		t.Fatalf("decodes differ: %q %v vs %q %v", firstText, first.Tokens, secondText, second.Tokens)
	}
	if !reflect.DeepEqual(first.Hidden, second.Hidden) {
		t.Fatalf("final hidden states differ: %+v vs %+v", first.Hidden, second.Hidden)
	}
	seeds := s.SeedStates()
	if len(seeds) != 2 {
		t.Fatalf("expected 2 seed predictions, got %d", len(seeds))
	}
	zero := m.ZeroState()
	for i, seed := range seeds {
		if !reflect.DeepEqual(seed, zero) {
			t.Fatalf("seed %d was not the zero state: %+v", i, seed)
		}
	}
}

type failingJoiner struct{}

func (failingJoiner) Join(Embedding, Embedding) ([]float32, error) {
	return nil, errors.New("joiner exploded")
}

func TestGreedySearchPropagatesJoinerError(t *testing.T) {
	s := &ScriptedModel{Script: []int{0}, VocabSize: 3}
	m, err := NewModel(Components{
		Encoder:    s,
		Predictor:  s,
		Joiner:     failingJoiner{},
		Metadata:   Metadata{PredRNNLayers: 1, PredHidden: 1},
		Vocabulary: helloWorldVocab(t),
	})
	if err != nil {
		t.Fatalf("model: %v", err)
	}
	enc, _ := s.Encode(nil)
	if _, err := GreedySearch(m, enc); err == nil || !strings.Contains(err.Error(), "joiner exploded") {
		t.Fatalf("expected joiner error, got %v", err)
	}
}

func TestArgmaxFirstMaximum(t *testing.T) {
	idx, err := argmax([]float32{0.1, 0.9, 0.9, -1})
	if err != nil || idx != 1 {
		t.Fatalf("expected 1, got %d (%v)", idx, err)
	}
	if _, err := argmax(nil); err == nil {
		t.Fatal("expected error for empty scores")
	}
}

func TestNewModelRejectsBadMetadata(t *testing.T) {
	s := &ScriptedModel{VocabSize: 3}
	_, err := NewModel(Components{
		Encoder:    s,
		Predictor:  s,
		Joiner:     s,
		Metadata:   Metadata{NormalizeType: "global", PredRNNLayers: 1, PredHidden: 1},
		Vocabulary: helloWorldVocab(t),
	})
	if err == nil {
		t.Fatal("expected unsupported normalize_type error")
	}
}
