package protocol

import (
	"encoding/json"
	"testing"
)

func TestDecodeInbound(t *testing.T) {
	cases := []struct {
		name     string
		frame    FrameType
		payload  string
		kind     InboundKind
		audio    string
		fallback bool
	}{
		{"binary", FrameBinary, "\x1a\x45\xdf\xa3", InboundChunk, "\x1a\x45\xdf\xa3", false},
		{"binary json", FrameBinary, `{"type":"stop"}`, InboundChunk, `{"type":"stop"}`, false},
		{"stop", FrameText, `{"type":"stop"}`, InboundStop, "", false},
		{"stop extra fields", FrameText, `{"type":"stop","reason":"done"}`, InboundStop, "", false},
		{"other type", FrameText, `{"type":"config"}`, InboundIgnored, "", false},
		{"no type", FrameText, `{}`, InboundIgnored, "", false},
		{"json array", FrameText, `[1,2]`, InboundIgnored, "", false},
		{"numeric type", FrameText, `{"type":5}`, InboundIgnored, "", false},
		{"truncated json", FrameText, `{"type":"stop"`, InboundChunk, `{"type":"stop"`, true},
		{"not json", FrameText, "not json", InboundChunk, "not json", true},
	}
	for _, tc := range cases {
		got := DecodeInbound(tc.frame, []byte(tc.payload))
		if got.Kind != tc.kind {
			t.Fatalf("%s: kind %v, want %v", tc.name, got.Kind, tc.kind)
		}
		if string(got.Audio) != tc.audio {
			t.Fatalf("%s: audio %q, want %q", tc.name, got.Audio, tc.audio)
		}
		if got.Fallback != tc.fallback {
			t.Fatalf("%s: fallback %v, want %v", tc.name, got.Fallback, tc.fallback)
		}
	}
}

func TestOutboundShapes(t *testing.T) {
	data, err := json.Marshal(NewFullSentence("hello world", 0.25))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"type":"fullSentence","text":"hello world","rtf":0.25}` {
		t.Fatalf("unexpected fullSentence json %s", data)
	}
	data, err = json.Marshal(NewFullSentence("", 0))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"type":"fullSentence","text":"","rtf":0}` {
		t.Fatalf("empty text must still be sent, got %s", data)
	}
	data, err = json.Marshal(NewError("no audio chunks received"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"type":"error","message":"no audio chunks received"}` {
		t.Fatalf("unexpected error json %s", data)
	}
}
