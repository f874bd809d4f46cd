package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-stt/internal/audio"
	"github.com/mattn/go-shellwords"
)

// execSynth runs an external synthesizer once per request. The request is
// written to stdin as JSON and every stdout line carries one chunk of raw
// s16le mono PCM.
type execSynth struct {
	cmd        []string
	sampleRate int
	mu         sync.Mutex
}

type execRequest struct {
	Text       string  `json:"text"`
	Voice      string  `json:"voice"`
	Speed      float64 `json:"speed"`
	Language   string  `json:"language"`
	SampleRate int     `json:"sample_rate"`
}

type execResponse struct {
	PCMBase64  string `json:"pcm_base64"`
	SampleRate int    `json:"sample_rate"`
	Final      bool   `json:"final"`
}

func NewExecSynth(command string, sampleRate int) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid tts sample rate %d", sampleRate)
	}
	return &execSynth{cmd: args, sampleRate: sampleRate}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		// one synthesizer process at a time
		e.mu.Lock()
		defer e.mu.Unlock()
		if err := e.run(ctx, req, chunks); err != nil {
			errs <- err
		}
	}()
	return chunks, errs
}

func (e *execSynth) run(ctx context.Context, req SynthRequest, chunks chan<- SynthChunk) error {
	data, err := json.Marshal(execRequest{
		Text:       req.Text,
		Voice:      req.Voice,
		Speed:      req.Speed,
		Language:   req.Language,
		SampleRate: e.sampleRate,
	})
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start tts command: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	sequence := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		chunk, err := e.parseLine(line)
		if err != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return err
		}
		chunk.Sequence = sequence
		sequence++
		select {
		case chunks <- chunk:
		case <-ctx.Done():
			_ = cmd.Wait()
			return ctx.Err()
		}
	}
	scanErr := scanner.Err()
	if err := cmd.Wait(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("tts command failed: %w: %s", err, msg)
		}
		return fmt.Errorf("tts command failed: %w", err)
	}
	return scanErr
}

func (e *execSynth) parseLine(line []byte) (SynthChunk, error) {
	var resp execResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return SynthChunk{}, fmt.Errorf("decode tts output: %w", err)
	}
	pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
	if err != nil {
		return SynthChunk{}, fmt.Errorf("decode tts pcm: %w", err)
	}
	samples, err := audio.S16LEToFloat(pcm)
	if err != nil {
		return SynthChunk{}, err
	}
	rate := resp.SampleRate
	if rate <= 0 {
		rate = e.sampleRate
	}
	return SynthChunk{SampleRate: rate, Samples: samples, Final: resp.Final}, nil
}
