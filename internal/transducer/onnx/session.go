package onnx

import (
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-stt/internal/transducer"
	ort "github.com/yalue/onnxruntime_go"
)

type session struct {
	path    string
	session *ort.DynamicAdvancedSession
	inputs  []string
	outputs []string
}

// openSession binds the first nIn inputs and the selected outputs by the
// names the graph declares.
func openSession(path string, nIn, minOut int, outIdx []int, opts *ort.SessionOptions) (*session, error) {
	ins, outs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", path, err)
	}
	if len(ins) < nIn || len(outs) < minOut {
		return nil, fmt.Errorf("%s: expected %d inputs and %d outputs, got %d and %d", path, nIn, minOut, len(ins), len(outs))
	}
	inputs := make([]string, nIn)
	for i := range inputs {
		inputs[i] = ins[i].Name
	}
	outputs := make([]string, len(outIdx))
	for i, idx := range outIdx {
		outputs[i] = outs[idx].Name
	}
	s, err := ort.NewDynamicAdvancedSession(path, inputs, outputs, opts)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &session{path: path, session: s, inputs: inputs, outputs: outputs}, nil
}

// run executes the graph and hands every output to fn before releasing it.
func (s *session) run(inputs []ort.Value, fn func(outputs []ort.Value) error) error {
	defer destroyAll(inputs)
	outputs := make([]ort.Value, len(s.outputs))
	if err := s.session.Run(inputs, outputs); err != nil {
		destroyAll(outputs)
		return fmt.Errorf("run %s: %w", s.path, err)
	}
	defer destroyAll(outputs)
	return fn(outputs)
}

func destroyAll(values []ort.Value) {
	for _, v := range values {
		if v != nil {
			_ = v.Destroy()
		}
	}
}

func float32Output(v ort.Value) ([]float32, ort.Shape, error) {
	t, ok := v.(*ort.Tensor[float32])
	if !ok {
		return nil, nil, fmt.Errorf("unexpected output type %T", v)
	}
	return t.GetData(), t.GetShape(), nil
}

// Encoder feeds (1, D, T) features and returns the (1, C, T') output split
// into T' embeddings.
type Encoder struct{ s *session }

func (e *Encoder) Encode(features [][]float32) (transducer.EncoderOutput, error) {
	data, dim, frames, err := transposeFeatures(features)
	if err != nil {
		return transducer.EncoderOutput{}, err
	}
	x, err := ort.NewTensor(ort.NewShape(1, int64(dim), int64(frames)), data)
	if err != nil {
		return transducer.EncoderOutput{}, err
	}
	lens, err := ort.NewTensor(ort.NewShape(1), []int64{int64(frames)})
	if err != nil {
		_ = x.Destroy()
		return transducer.EncoderOutput{}, err
	}

	var out transducer.EncoderOutput
	err = e.s.run([]ort.Value{x, lens}, func(outputs []ort.Value) error {
		data, shape, err := float32Output(outputs[0])
		if err != nil {
			return err
		}
		if len(shape) != 3 || shape[0] != 1 {
			return fmt.Errorf("unexpected encoder output shape %v", shape)
		}
		out.Frames, err = splitFrames(data, int(shape[1]), int(shape[2]))
		return err
	})
	return out, err
}

// Predictor runs one step of the prediction network with int32 targets and
// (L, 1, H) state tensors.
type Predictor struct{ s *session }

func (p *Predictor) Predict(token int, state transducer.HiddenState) (transducer.Embedding, transducer.HiddenState, error) {
	shape := ort.NewShape(int64(state.Layers), 1, int64(state.Hidden))
	var inputs []ort.Value
	add := func(v ort.Value, err error) error {
		if err != nil {
			return err
		}
		inputs = append(inputs, v)
		return nil
	}
	err := errors.Join(
		add(newTensor(ort.NewShape(1, 1), []int32{int32(token)})),
		add(newTensor(ort.NewShape(1), []int32{1})),
		add(newTensor(shape, append([]float32(nil), state.H...))),
		add(newTensor(shape, append([]float32(nil), state.C...))),
	)
	if err != nil {
		destroyAll(inputs)
		return nil, transducer.HiddenState{}, err
	}

	var emb transducer.Embedding
	next := transducer.HiddenState{Layers: state.Layers, Hidden: state.Hidden}
	err = p.s.run(inputs, func(outputs []ort.Value) error {
		out, _, err := float32Output(outputs[0])
		if err != nil {
			return err
		}
		h, _, err := float32Output(outputs[1])
		if err != nil {
			return err
		}
		c, _, err := float32Output(outputs[2])
		if err != nil {
			return err
		}
		if len(h) != len(state.H) || len(c) != len(state.C) {
			return fmt.Errorf("predictor state size changed: %d/%d -> %d/%d", len(state.H), len(state.C), len(h), len(c))
		}
		emb = append(transducer.Embedding(nil), out...)
		next.H = append([]float32(nil), h...)
		next.C = append([]float32(nil), c...)
		return nil
	})
	if err != nil {
		return nil, transducer.HiddenState{}, err
	}
	return emb, next, nil
}

// Joiner scores a (1, C, 1) encoder slice against a (1, P, 1) predictor output.
type Joiner struct{ s *session }

func (j *Joiner) Join(encoder, predictor transducer.Embedding) ([]float32, error) {
	enc, err := ort.NewTensor(ort.NewShape(1, int64(len(encoder)), 1), append([]float32(nil), encoder...))
	if err != nil {
		return nil, err
	}
	pred, err := ort.NewTensor(ort.NewShape(1, int64(len(predictor)), 1), append([]float32(nil), predictor...))
	if err != nil {
		_ = enc.Destroy()
		return nil, err
	}
	var logits []float32
	err = j.s.run([]ort.Value{enc, pred}, func(outputs []ort.Value) error {
		data, _, err := float32Output(outputs[0])
		if err != nil {
			return err
		}
		logits = append([]float32(nil), data...)
		return nil
	})
	return logits, err
}

func newTensor[T ort.TensorData](shape ort.Shape, data []T) (ort.Value, error) {
	t, err := ort.NewTensor(shape, data)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// transposeFeatures flattens frames × dim into the dim-major layout the
// encoder reads.
func transposeFeatures(features [][]float32) ([]float32, int, int, error) {
	frames := len(features)
	if frames == 0 {
		return nil, 0, 0, errors.New("no feature frames")
	}
	dim := len(features[0])
	out := make([]float32, dim*frames)
	for t, f := range features {
		if len(f) != dim {
			return nil, 0, 0, fmt.Errorf("frame %d has %d features, expected %d", t, len(f), dim)
		}
		for d, v := range f {
			out[d*frames+t] = v
		}
	}
	return out, dim, frames, nil
}

// splitFrames reads a channel-major (C, T) block into T embeddings.
func splitFrames(data []float32, channels, steps int) ([]transducer.Embedding, error) {
	if channels*steps != len(data) {
		return nil, fmt.Errorf("encoder output has %d values, expected %d×%d", len(data), channels, steps)
	}
	frames := make([]transducer.Embedding, steps)
	for t := range frames {
		e := make(transducer.Embedding, channels)
		for c := range e {
			e[c] = data[c*steps+t]
		}
		frames[t] = e
	}
	return frames, nil
}
