package tts

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-stt/internal/audio"
)

const maxRequestBytes = 1 << 20

// Handler serves the synthesis endpoints: POST /api/tts returns one WAV
// file, /ws/stream sends one WAV message per synthesized chunk and
// GET /api/voices lists the catalog.
type Handler struct {
	service   *Service
	log       *slog.Logger
	upgrader  websocket.Upgrader
	writeWait time.Duration
	readWait  time.Duration
}

func NewHandler(service *Service, log *slog.Logger) *Handler {
	return &Handler{
		service: service,
		log:     log.With(slog.String("component", "tts-http")),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		writeWait: 10 * time.Second,
		readWait:  30 * time.Second,
	}
}

// Register mounts the endpoints on r behind a permissive CORS policy.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(withCORS)
		r.Get("/api/voices", h.handleVoices)
		r.Post("/api/tts", h.handleSynthesize)
		r.Options("/api/tts", func(http.ResponseWriter, *http.Request) {})
		r.Get("/ws/stream", h.handleStream)
	})
}

func (h *Handler) handleVoices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"voices": Voices})
}

func (h *Handler) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	var req SynthRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request: " + err.Error()})
		return
	}
	pcm, err := h.service.Render(r.Context(), req)
	if err != nil {
		writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
		return
	}
	data, err := audio.EncodeWAV(pcm.Samples, pcm.SampleRate)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", "attachment; filename=tts-audio.wav")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrEmptyText):
		return http.StatusBadRequest
	case errors.Is(err, ErrNoAudio):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// handleStream reads one JSON request, then sends every chunk as a binary
// WAV message and closes normally. Failures are reported as a text
// message prefixed with "Error: ".
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()
	ws.SetReadLimit(maxRequestBytes)

	_ = ws.SetReadDeadline(time.Now().Add(h.readWait))
	_, payload, err := ws.ReadMessage()
	if err != nil {
		h.log.Info("client disconnected before request", slog.String("error", err.Error()))
		return
	}
	var req SynthRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		h.sendError(ws, err)
		return
	}
	_ = ws.SetReadDeadline(time.Time{})

	// The read side only watches for the client going away.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	n, err := h.service.Stream(ctx, req, func(chunk SynthChunk) error {
		data, err := audio.EncodeWAV(chunk.Samples, chunk.SampleRate)
		if err != nil {
			return err
		}
		_ = ws.SetWriteDeadline(time.Now().Add(h.writeWait))
		return ws.WriteMessage(websocket.BinaryMessage, data)
	})
	if err != nil {
		if ctx.Err() == nil {
			h.sendError(ws, err)
		}
		return
	}
	h.log.Debug("tts stream completed", slog.Int("chunks", n))
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(h.writeWait))
}

func (h *Handler) sendError(ws *websocket.Conn, err error) {
	_ = ws.SetWriteDeadline(time.Now().Add(h.writeWait))
	_ = ws.WriteMessage(websocket.TextMessage, []byte("Error: "+err.Error()))
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(h.writeWait))
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
