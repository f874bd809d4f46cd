package stt

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-stt/internal/protocol"
)

// Recorder receives the timeline entry of every flushed utterance.
type Recorder interface {
	RecordUtterance(ctx context.Context, u protocol.Utterance) error
}

// Recorders fans an utterance out to every non-nil recorder.
type Recorders []Recorder

func (rs Recorders) RecordUtterance(ctx context.Context, u protocol.Utterance) error {
	var errs []error
	for _, r := range rs {
		if r == nil {
			continue
		}
		if err := r.RecordUtterance(ctx, u); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
