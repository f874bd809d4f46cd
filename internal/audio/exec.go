package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

// ExecDecoder pipes the buffered audio through an external command (ffmpeg
// by default) which must write raw s16le mono PCM at sampleRate to stdout.
type ExecDecoder struct {
	cmd        []string
	sampleRate int
}

func NewExecDecoder(command string, sampleRate int) (*ExecDecoder, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse audio decode command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("audio decode command is empty")
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid command sample rate %d", sampleRate)
	}
	return &ExecDecoder{cmd: args, sampleRate: sampleRate}, nil
}

func (d *ExecDecoder) Decode(ctx context.Context, data []byte) (PCM, error) {
	command := exec.CommandContext(ctx, d.cmd[0], d.cmd[1:]...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdin = bytes.NewReader(data)
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return PCM{}, fmt.Errorf("%s failed: %w: %s", d.cmd[0], err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() == 0 {
		return PCM{}, fmt.Errorf("%s produced no audio", d.cmd[0])
	}
	samples, err := S16LEToFloat(stdout.Bytes())
	if err != nil {
		return PCM{}, err
	}
	return PCM{Samples: samples, SampleRate: d.sampleRate}, nil
}
