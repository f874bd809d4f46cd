package tts

import (
	"context"
	"math"
	"strings"
	"time"
)

type mockSynth struct {
	sampleRate int
	chunk      time.Duration
}

// NewMockSynth emits one tone of chunk duration per sentence, shortened
// or stretched by the requested speed.
func NewMockSynth(sampleRate int, chunk time.Duration) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, chunk: chunk}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	sentences := splitSentences(req.Text)
	chunks := make(chan SynthChunk, len(sentences))
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		speed := req.Speed
		if speed <= 0 {
			speed = 1
		}
		n := int(m.chunk.Seconds() * float64(m.sampleRate) / speed)
		for i := range sentences {
			if err := ctx.Err(); err != nil {
				errs <- err
				return
			}
			samples := make([]float32, n)
			freq := 220 * float64(i+1)
			for j := range samples {
				samples[j] = float32(0.2 * math.Sin(2*math.Pi*freq*float64(j)/float64(m.sampleRate)))
			}
			chunks <- SynthChunk{
				Sequence:   i,
				SampleRate: m.sampleRate,
				Samples:    samples,
				Final:      i == len(sentences)-1,
			}
		}
	}()
	return chunks, errs
}

func splitSentences(text string) []string {
	var out []string
	for _, s := range strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	}) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
