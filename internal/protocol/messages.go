package protocol

import (
	"encoding/json"
	"time"
)

// InboundKind tags a decoded client message.
type InboundKind int

const (
	// InboundIgnored is valid JSON that is not a recognized control message.
	InboundIgnored InboundKind = iota
	// InboundChunk carries audio bytes for the current utterance.
	InboundChunk
	// InboundStop ends the current utterance.
	InboundStop
)

func (k InboundKind) String() string {
	switch k {
	case InboundChunk:
		return "chunk"
	case InboundStop:
		return "stop"
	default:
		return "ignored"
	}
}

// FrameType is the transport-level framing of a message.
type FrameType int

const (
	FrameText FrameType = iota
	FrameBinary
)

// Inbound is a client message decoded once at the transport boundary.
type Inbound struct {
	Kind  InboundKind
	Audio []byte
	// Fallback is set when a text frame was not JSON and is treated as audio.
	Fallback bool
}

type control struct {
	Type string `json:"type"`
}

const (
	TypeStop         = "stop"
	TypeFullSentence = "fullSentence"
	TypeError        = "error"
)

// DecodeInbound classifies a frame. Binary frames are audio. Text frames
// that parse as {"type":"stop"} end the utterance, other JSON is ignored,
// and text that is not JSON at all is kept as audio bytes.
func DecodeInbound(frame FrameType, payload []byte) Inbound {
	if frame == FrameBinary {
		return Inbound{Kind: InboundChunk, Audio: payload}
	}
	if !json.Valid(payload) {
		return Inbound{Kind: InboundChunk, Audio: payload, Fallback: true}
	}
	var msg control
	if err := json.Unmarshal(payload, &msg); err != nil {
		// valid JSON that is not an object, or a non-string type
		return Inbound{Kind: InboundIgnored}
	}
	if msg.Type == TypeStop {
		return Inbound{Kind: InboundStop}
	}
	return Inbound{Kind: InboundIgnored}
}

// FullSentence is the reply for a decoded utterance.
type FullSentence struct {
	Type string  `json:"type"`
	Text string  `json:"text"`
	RTF  float64 `json:"rtf"`
}

func NewFullSentence(text string, rtf float64) FullSentence {
	return FullSentence{Type: TypeFullSentence, Text: text, RTF: rtf}
}

// Error is the reply for a failed utterance.
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewError(message string) Error {
	return Error{Type: TypeError, Message: message}
}

// Utterance is the timeline record of one flushed utterance, stored in the
// event store and broadcast on the bus.
type Utterance struct {
	SessionID    string    `json:"session_id"`
	Sequence     int       `json:"sequence"`
	Text         string    `json:"text,omitempty"`
	RTF          float64   `json:"rtf,omitempty"`
	AudioSeconds float64   `json:"audio_seconds,omitempty"`
	Tokens       int       `json:"tokens,omitempty"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

func (u Utterance) Failed() bool { return u.Error != "" }

const SubjectTranscriptFinal = "stt.text.final"
