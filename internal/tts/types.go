package tts

import "context"

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	Text     string  `json:"text"`
	Voice    string  `json:"voice"`
	Speed    float64 `json:"speed"`
	Language string  `json:"language"`
}

// SynthChunk is one mono segment of synthesized speech.
type SynthChunk struct {
	Sequence   int
	SampleRate int
	Samples    []float32
	Final      bool
}

// Synthesizer is the contract for producing audio. Both channels are
// closed when synthesis ends.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// Voice describes one entry of the voice catalog.
type Voice struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Region string `json:"region"`
}

// Voices is the catalog served by GET /api/voices.
var Voices = []Voice{
	{ID: "af_nicole", Name: "Nicole", Region: "African"},
	{ID: "us_tom", Name: "Tom", Region: "US"},
	{ID: "us_mark", Name: "Mark", Region: "US"},
	{ID: "us_nancy", Name: "Nancy", Region: "US"},
	{ID: "gb_emma", Name: "Emma", Region: "UK"},
	{ID: "in_priya", Name: "Priya", Region: "Indian"},
}
