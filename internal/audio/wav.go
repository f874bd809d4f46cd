package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/go-audio/wav"
)

// WAV format tags.
const (
	wavFormatPCM        = 1
	wavFormatIEEEFloat  = 3
	wavFormatExtensible = 0xFFFE
)

// WAVDecoder reads RIFF/WAVE integer PCM or 32-bit IEEE float and keeps
// the first channel.
type WAVDecoder struct{}

func (WAVDecoder) Decode(_ context.Context, data []byte) (PCM, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return PCM{}, errors.New("not a valid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return PCM{}, fmt.Errorf("read wav: %w", err)
	}
	if buf == nil || buf.Format == nil {
		return PCM{}, errors.New("wav file has no format")
	}
	channels := buf.Format.NumChannels
	if channels <= 0 {
		return PCM{}, fmt.Errorf("invalid channel count %d", channels)
	}
	rate := buf.Format.SampleRate
	if rate <= 0 {
		return PCM{}, fmt.Errorf("invalid sample rate %d", rate)
	}
	depth := int(dec.BitDepth)
	frames := len(buf.Data) / channels
	samples := make([]float32, frames)

	switch dec.WavAudioFormat {
	case wavFormatIEEEFloat:
		if depth != 32 {
			return PCM{}, fmt.Errorf("unsupported float bit depth %d", depth)
		}
		for i := range samples {
			// 32-bit samples arrive as sign-extended int32 bit patterns
			samples[i] = math.Float32frombits(uint32(buf.Data[i*channels]))
		}
		return PCM{Samples: samples, SampleRate: rate}, nil
	case wavFormatPCM, wavFormatExtensible:
	default:
		return PCM{}, fmt.Errorf("unsupported wav format tag %d", dec.WavAudioFormat)
	}

	if depth != 8 && depth != 16 && depth != 24 && depth != 32 {
		return PCM{}, fmt.Errorf("unsupported bit depth %d", depth)
	}
	scale := float32(int64(1) << (depth - 1))
	for i := range samples {
		v := buf.Data[i*channels]
		if depth == 8 {
			// 8-bit WAV is unsigned
			v -= 128
		}
		samples[i] = float32(v) / scale
	}
	return PCM{Samples: samples, SampleRate: rate}, nil
}
