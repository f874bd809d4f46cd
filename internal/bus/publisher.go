package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-stt/internal/protocol"
)

// Publisher broadcasts final transcripts on a subject.
type Publisher struct {
	client  *Client
	subject string
}

func NewPublisher(client *Client, subject string) *Publisher {
	if subject == "" {
		subject = protocol.SubjectTranscriptFinal
	}
	return &Publisher{client: client, subject: subject}
}

// Transcript is the bus payload for one utterance.
type Transcript struct {
	protocol.Utterance
	Final bool `json:"final"`
}

// RecordUtterance publishes u. Failed utterances are published too so
// subscribers can follow the session timeline.
func (p *Publisher) RecordUtterance(ctx context.Context, u protocol.Utterance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(Transcript{Utterance: u, Final: true})
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	if err := p.client.Conn().Publish(p.subject, data); err != nil {
		return fmt.Errorf("publish transcript: %w", err)
	}
	p.client.Logger().Debug("transcript published",
		slog.String("subject", p.subject),
		slog.String("session_id", u.SessionID),
		slog.Int("sequence", u.Sequence))
	return nil
}

func (p *Publisher) Subject() string { return p.subject }
