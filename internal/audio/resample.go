package audio

import (
	"fmt"

	"github.com/gopxl/beep"
)

// Resample converts p to rate. quality is beep's interpolation window
// (1..64); p is returned as-is when the rates already match.
func Resample(p PCM, rate, quality int) (PCM, error) {
	if p.SampleRate == rate {
		return p, nil
	}
	if p.SampleRate <= 0 || rate <= 0 {
		return PCM{}, fmt.Errorf("invalid resample %d -> %d", p.SampleRate, rate)
	}
	if quality < 1 || quality > 64 {
		return PCM{}, fmt.Errorf("resample quality %d outside 1..64", quality)
	}
	if len(p.Samples) == 0 {
		return PCM{SampleRate: rate}, nil
	}

	src := &monoStreamer{samples: p.Samples}
	r := beep.Resample(quality, beep.SampleRate(p.SampleRate), beep.SampleRate(rate), src)

	expected := int(int64(len(p.Samples)) * int64(rate) / int64(p.SampleRate))
	out := make([]float32, 0, expected)
	buf := make([][2]float64, 512)
	for len(out) < expected {
		n, ok := r.Stream(buf[:min(len(buf), expected-len(out))])
		for _, s := range buf[:n] {
			out = append(out, float32(s[0]))
		}
		if !ok || n == 0 {
			break
		}
	}
	if err := r.Err(); err != nil {
		return PCM{}, fmt.Errorf("resample: %w", err)
	}
	return PCM{Samples: out, SampleRate: rate}, nil
}

// monoStreamer feeds a mono slice to beep on both stereo channels.
type monoStreamer struct {
	samples []float32
	pos     int
}

func (m *monoStreamer) Stream(buf [][2]float64) (int, bool) {
	if m.pos >= len(m.samples) {
		return 0, false
	}
	n := 0
	for n < len(buf) && m.pos < len(m.samples) {
		v := float64(m.samples[m.pos])
		buf[n] = [2]float64{v, v}
		n++
		m.pos++
	}
	return n, true
}

func (m *monoStreamer) Err() error { return nil }
