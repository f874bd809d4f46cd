package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-stt/internal/config"
)

// PCM is a mono waveform scaled to [-1, 1).
type PCM struct {
	Samples    []float32
	SampleRate int
}

func (p PCM) Duration() time.Duration {
	if p.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(len(p.Samples)) / float64(p.SampleRate) * float64(time.Second))
}

// Decoder turns a buffered compressed or containerized utterance into PCM.
type Decoder interface {
	Decode(ctx context.Context, data []byte) (PCM, error)
}

// NewDecoder builds the decoder selected by cfg.Decoder.
func NewDecoder(cfg config.AudioConfig) (Decoder, error) {
	switch cfg.Decoder {
	case "wav":
		return WAVDecoder{}, nil
	case "exec":
		return NewExecDecoder(cfg.Command, cfg.CommandSampleRate)
	default:
		return nil, fmt.Errorf("unknown audio decoder %q", cfg.Decoder)
	}
}

// PadTail appends d of silence.
func PadTail(p PCM, d time.Duration) PCM {
	n := int(d.Seconds() * float64(p.SampleRate))
	if n <= 0 {
		return p
	}
	out := make([]float32, len(p.Samples), len(p.Samples)+n)
	copy(out, p.Samples)
	out = append(out, make([]float32, n)...)
	return PCM{Samples: out, SampleRate: p.SampleRate}
}

// S16LEToFloat converts little-endian signed 16-bit PCM to floats.
func S16LEToFloat(raw []byte) ([]float32, error) {
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned: %d bytes", len(raw))
	}
	out := make([]float32, len(raw)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(raw[i*2:]))) / 32768
	}
	return out, nil
}
