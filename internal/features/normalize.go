package features

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

const (
	NormalizeNone       = ""
	NormalizePerFeature = "per_feature"

	normalizeEpsilon = 1e-5
)

// Normalize applies the model's normalization mode to a whole utterance.
// per_feature standardizes every feature dimension with its mean and
// unbiased standard deviation over all frames. The input is not modified.
func Normalize(mode string, frames [][]float32) ([][]float32, error) {
	switch mode {
	case NormalizeNone:
		return frames, nil
	case NormalizePerFeature:
	default:
		return nil, fmt.Errorf("unsupported normalize_type %q", mode)
	}
	if len(frames) == 0 {
		return frames, nil
	}

	dim := len(frames[0])
	out := make([][]float32, len(frames))
	for t, f := range frames {
		if len(f) != dim {
			return nil, fmt.Errorf("frame %d has %d dims, want %d", t, len(f), dim)
		}
		out[t] = make([]float32, dim)
	}

	column := make([]float64, len(frames))
	for d := 0; d < dim; d++ {
		for t, f := range frames {
			column[t] = float64(f[d])
		}
		mean, std := stat.MeanStdDev(column, nil)
		if math.IsNaN(std) {
			std = 0
		}
		denom := std + normalizeEpsilon
		for t := range frames {
			out[t][d] = float32((column[t] - mean) / denom)
		}
	}
	return out, nil
}
