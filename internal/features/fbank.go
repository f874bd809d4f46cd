package features

import (
	"errors"
	"fmt"
	"iter"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// float32Epsilon floors mel energies before the log.
const float32Epsilon = 1.1920928955078125e-07

// Frame is one filterbank vector.
type Frame []float32

// Options describes the analysis window and mel filterbank.
type Options struct {
	SampleRate    int
	FrameLength   int // samples per analysis window
	FrameShift    int // samples between window starts
	NumBins       int
	Preemphasis   float64
	LowFreq       float64
	HighFreq      float64 // <= 0 means Nyquist
	RemoveDC      bool
	EnergyFloor   float64
	RoundToPower2 bool
}

// DefaultOptions matches the acoustic model front end: 25ms Hann windows
// every 10ms at 16kHz with 128 Slaney-scale mel bins.
func DefaultOptions() Options {
	return Options{
		SampleRate:    16000,
		FrameLength:   400,
		FrameShift:    160,
		NumBins:       128,
		Preemphasis:   0.97,
		LowFreq:       0,
		HighFreq:      0,
		EnergyFloor:   float32Epsilon,
		RoundToPower2: true,
	}
}

type melBin struct {
	offset  int
	weights []float64
}

// Extractor holds the window and mel filterbank for one configuration.
// It is immutable and safe for concurrent use; per-waveform state lives in
// Stream.
type Extractor struct {
	opts   Options
	fftLen int
	window []float64
	bins   []melBin
}

func New(opts Options) (*Extractor, error) {
	if opts.SampleRate <= 0 {
		return nil, errors.New("sample rate must be positive")
	}
	if opts.FrameLength <= 1 || opts.FrameShift <= 0 {
		return nil, fmt.Errorf("invalid framing %d/%d", opts.FrameLength, opts.FrameShift)
	}
	if opts.NumBins <= 0 {
		return nil, errors.New("num bins must be positive")
	}
	nyquist := float64(opts.SampleRate) / 2
	high := opts.HighFreq
	if high <= 0 {
		high = nyquist
	}
	if opts.LowFreq < 0 || opts.LowFreq >= high || high > nyquist {
		return nil, fmt.Errorf("invalid mel range [%g, %g]", opts.LowFreq, high)
	}
	if opts.EnergyFloor <= 0 {
		opts.EnergyFloor = float32Epsilon
	}

	fftLen := opts.FrameLength
	if opts.RoundToPower2 {
		fftLen = 1
		for fftLen < opts.FrameLength {
			fftLen <<= 1
		}
	}

	window := make([]float64, opts.FrameLength)
	a := 2 * math.Pi / float64(opts.FrameLength-1)
	for i := range window {
		window[i] = 0.5 - 0.5*math.Cos(a*float64(i))
	}

	return &Extractor{
		opts:   opts,
		fftLen: fftLen,
		window: window,
		bins:   slaneyFilterbank(opts.NumBins, fftLen, float64(opts.SampleRate), opts.LowFreq, high),
	}, nil
}

func (e *Extractor) Options() Options { return e.opts }

func (e *Extractor) Dim() int { return e.opts.NumBins }

// NumFrames is the number of complete windows in n samples.
func (e *Extractor) NumFrames(n int) int {
	if n < e.opts.FrameLength {
		return 0
	}
	return 1 + (n-e.opts.FrameLength)/e.opts.FrameShift
}

// Frames yields the filterbank frames of samples. Each call, and each
// iteration of the returned sequence, starts from fresh stream state.
func (e *Extractor) Frames(samples []float32) iter.Seq[Frame] {
	return func(yield func(Frame) bool) {
		s := e.NewStream()
		s.AcceptWaveform(samples)
		for i := 0; i < s.NumFramesReady(); i++ {
			if !yield(s.Frame(i)) {
				return
			}
		}
	}
}

// Compute collects all frames of samples.
func (e *Extractor) Compute(samples []float32) [][]float32 {
	out := make([][]float32, 0, e.NumFrames(len(samples)))
	for f := range e.Frames(samples) {
		out = append(out, f)
	}
	return out
}

// Stream accumulates a waveform and computes frames as they become ready.
type Stream struct {
	ext      *Extractor
	waveform []float32
	fft      *fourier.FFT
	buf      []float64
	coeffs   []complex128
}

func (e *Extractor) NewStream() *Stream {
	return &Stream{
		ext:    e,
		fft:    fourier.NewFFT(e.fftLen),
		buf:    make([]float64, e.fftLen),
		coeffs: make([]complex128, e.fftLen/2+1),
	}
}

func (s *Stream) AcceptWaveform(samples []float32) {
	s.waveform = append(s.waveform, samples...)
}

func (s *Stream) NumFramesReady() int {
	return s.ext.NumFrames(len(s.waveform))
}

// Frame computes frame i. It panics if i is not ready.
func (s *Stream) Frame(i int) Frame {
	if i < 0 || i >= s.NumFramesReady() {
		panic(fmt.Sprintf("features: frame %d not ready (%d available)", i, s.NumFramesReady()))
	}
	opts := s.ext.opts
	start := i * opts.FrameShift
	win := s.buf[:opts.FrameLength]
	for j := range win {
		win[j] = float64(s.waveform[start+j])
	}
	clear(s.buf[opts.FrameLength:])

	if opts.RemoveDC {
		var mean float64
		for _, v := range win {
			mean += v
		}
		mean /= float64(len(win))
		for j := range win {
			win[j] -= mean
		}
	}
	if p := opts.Preemphasis; p != 0 {
		for j := len(win) - 1; j > 0; j-- {
			win[j] -= p * win[j-1]
		}
		win[0] -= p * win[0]
	}
	for j := range win {
		win[j] *= s.ext.window[j]
	}

	s.coeffs = s.fft.Coefficients(s.coeffs, s.buf)

	out := make(Frame, len(s.ext.bins))
	for m, bin := range s.ext.bins {
		var energy float64
		for k, w := range bin.weights {
			c := s.coeffs[bin.offset+k]
			energy += w * (real(c)*real(c) + imag(c)*imag(c))
		}
		out[m] = float32(math.Log(math.Max(energy, opts.EnergyFloor)))
	}
	return out
}

// Slaney mel scale: linear below 1kHz, logarithmic above.
const (
	melFSp    = 200.0 / 3
	minLogHz  = 1000.0
	minLogMel = minLogHz / melFSp
)

var logStep = math.Log(6.4) / 27

func hzToMel(f float64) float64 {
	if f < minLogHz {
		return f / melFSp
	}
	return minLogMel + math.Log(f/minLogHz)/logStep
}

func melToHz(m float64) float64 {
	if m < minLogMel {
		return m * melFSp
	}
	return minLogHz * math.Exp(logStep*(m-minLogMel))
}

// slaneyFilterbank builds area-normalized triangular filters on the
// Slaney mel scale over FFT bins 0..fftLen/2.
func slaneyFilterbank(numBins, fftLen int, sampleRate, low, high float64) []melBin {
	lowMel, highMel := hzToMel(low), hzToMel(high)
	points := make([]float64, numBins+2)
	for i := range points {
		points[i] = melToHz(lowMel + (highMel-lowMel)*float64(i)/float64(numBins+1))
	}

	numFFT := fftLen/2 + 1
	bins := make([]melBin, numBins)
	for m := range bins {
		left, center, right := points[m], points[m+1], points[m+2]
		norm := 2 / (right - left)
		first, last := -1, -1
		weights := make([]float64, numFFT)
		for k := 0; k < numFFT; k++ {
			f := float64(k) * sampleRate / float64(fftLen)
			lower := (f - left) / (center - left)
			upper := (right - f) / (right - center)
			w := math.Max(0, math.Min(lower, upper)) * norm
			if w > 0 {
				if first < 0 {
					first = k
				}
				last = k
			}
			weights[k] = w
		}
		if first < 0 {
			bins[m] = melBin{}
			continue
		}
		bins[m] = melBin{offset: first, weights: weights[first : last+1]}
	}
	return bins
}
