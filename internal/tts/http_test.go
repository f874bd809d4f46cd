package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-stt/internal/audio"
)

func newHTTPServer(t *testing.T) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	NewHandler(newMockService(t), newLogger()).Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestVoices(t *testing.T) {
	srv := newHTTPServer(t)
	resp, err := http.Get(srv.URL + "/api/voices")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("unexpected response %d %v", resp.StatusCode, resp.Header)
	}
	var body struct {
		Voices []Voice `json:"voices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Voices) != 6 || body.Voices[0].ID != "af_nicole" {
		t.Fatalf("unexpected voices %+v", body.Voices)
	}
}

func TestSynthesizeReturnsWAV(t *testing.T) {
	srv := newHTTPServer(t)
	resp, err := http.Post(srv.URL+"/api/tts", "application/json", strings.NewReader(`{"text":"Hello. World."}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "audio/wav" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	if !strings.Contains(resp.Header.Get("Content-Disposition"), "tts-audio.wav") {
		t.Fatalf("missing attachment header: %v", resp.Header)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	pcm, err := audio.WAVDecoder{}.Decode(context.Background(), buf.Bytes())
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if pcm.SampleRate != 16000 || len(pcm.Samples) != 3200 {
		t.Fatalf("unexpected audio rate=%d len=%d", pcm.SampleRate, len(pcm.Samples))
	}
}

func TestSynthesizeErrors(t *testing.T) {
	srv := newHTTPServer(t)
	cases := map[string]int{
		`{"text":`:       http.StatusBadRequest,
		`{"text":"  "}`:  http.StatusBadRequest,
		`{"text":"..."}`: http.StatusUnprocessableEntity,
	}
	for body, want := range cases {
		resp, err := http.Post(srv.URL+"/api/tts", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		var msg map[string]string
		_ = json.NewDecoder(resp.Body).Decode(&msg)
		resp.Body.Close()
		if resp.StatusCode != want || msg["error"] == "" {
			t.Fatalf("%s: expected %d with error body, got %d %v", body, want, resp.StatusCode, msg)
		}
	}
}

func TestPreflight(t *testing.T) {
	srv := newHTTPServer(t)
	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/api/tts", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent || resp.Header.Get("Access-Control-Allow-Methods") == "" {
		t.Fatalf("unexpected preflight %d %v", resp.StatusCode, resp.Header)
	}
}

func dialStream(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/stream", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	return ws
}

func TestStreamSendsOneWAVPerChunk(t *testing.T) {
	ws := dialStream(t, newHTTPServer(t))
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"text":"One. Two. Three.","voice":"af_nicole"}`)); err != nil {
		t.Fatal(err)
	}
	var chunks int
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("expected normal close, got %v", err)
			}
			break
		}
		if mt != websocket.BinaryMessage {
			t.Fatalf("unexpected text message %q", data)
		}
		pcm, err := audio.WAVDecoder{}.Decode(context.Background(), data)
		if err != nil || len(pcm.Samples) != 1600 {
			t.Fatalf("chunk %d: bad wav (%v)", chunks, err)
		}
		chunks++
	}
	if chunks != 3 {
		t.Fatalf("expected 3 chunks, got %d", chunks)
	}
}

func TestStreamReportsErrors(t *testing.T) {
	ws := dialStream(t, newHTTPServer(t))
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`not json`)); err != nil {
		t.Fatal(err)
	}
	mt, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if mt != websocket.TextMessage || !strings.HasPrefix(string(data), "Error: ") {
		t.Fatalf("unexpected message %d %q", mt, data)
	}
}
