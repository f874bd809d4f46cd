package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/protocol"
	"github.com/loqalabs/loqa-stt/internal/stt"
)

// Handler upgrades requests to WebSocket and runs one stt.Session per
// connection.
type Handler struct {
	pipeline *stt.Pipeline
	recorder stt.Recorder
	log      *slog.Logger
	upgrader websocket.Upgrader

	pingPeriod time.Duration
	pongWait   time.Duration
	writeWait  time.Duration
	readLimit  int64
}

// NewHandler builds the connection handler. recorder may be nil.
func NewHandler(p *stt.Pipeline, recorder stt.Recorder, cfg config.WebSocketConfig, log *slog.Logger) *Handler {
	writeWait := time.Duration(cfg.WriteTimeoutMS) * time.Millisecond
	if writeWait <= 0 {
		writeWait = 10 * time.Second
	}
	return &Handler{
		pipeline: p,
		recorder: recorder,
		log:      log.With(slog.String("component", "ws")),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		pingPeriod: time.Duration(cfg.PingIntervalMS) * time.Millisecond,
		pongWait:   time.Duration(cfg.PongTimeoutMS) * time.Millisecond,
		writeWait:  writeWait,
		readLimit:  cfg.ReadLimitBytes,
	}
}

type conn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	writeWait time.Duration
}

func (c *conn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.ws.WriteJSON(v)
}

func (c *conn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(c.writeWait))
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &conn{ws: ws, writeWait: h.writeWait}
	defer ws.Close()

	id := uuid.NewString()
	log := h.log.With(slog.String("session_id", id))
	session := stt.NewSession(id, h.pipeline, h.recorder, h.log)
	defer session.Close()
	log.Info("client connected", slog.String("remote", r.RemoteAddr))

	if h.readLimit > 0 {
		ws.SetReadLimit(h.readLimit)
	}
	if h.pongWait > 0 {
		_ = h.extendReadDeadline(ws)
		ws.SetPongHandler(func(string) error {
			return h.extendReadDeadline(ws)
		})
	}

	stopPing := make(chan struct{})
	defer close(stopPing)
	if h.pingPeriod > 0 {
		go h.keepalive(c, stopPing, log)
	}

	// A disconnect is not observed by an in-flight flush.
	ctx := context.WithoutCancel(r.Context())
	for {
		mt, payload, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info("connection closed", slog.String("error", err.Error()))
			} else {
				log.Info("client disconnected")
			}
			return
		}

		frame := protocol.FrameText
		if mt == websocket.BinaryMessage {
			frame = protocol.FrameBinary
		}
		msg := protocol.DecodeInbound(frame, payload)
		switch msg.Kind {
		case protocol.InboundChunk:
			session.Accept(msg.Audio)
			log.Debug("audio chunk received", slog.Int("bytes", len(msg.Audio)), slog.Bool("fallback", msg.Fallback))
		case protocol.InboundStop:
			log.Info("stop received", slog.Int("pending_bytes", session.Pending()))
			if err := h.flush(ctx, c, session); err != nil {
				log.Info("reply failed, closing", slog.String("error", err.Error()))
				return
			}
			// Pongs that arrived while decoding are only read after this
			// point, so the deadline restarts from the reply.
			if err := h.extendReadDeadline(ws); err != nil {
				return
			}
		default:
			log.Debug("ignoring control message", slog.Int("bytes", len(payload)))
		}
	}
}

func (h *Handler) extendReadDeadline(ws *websocket.Conn) error {
	if h.pongWait <= 0 {
		return nil
	}
	return ws.SetReadDeadline(time.Now().Add(h.pongWait))
}

// flush decodes the buffered utterance and replies. Only transport write
// failures are returned.
func (h *Handler) flush(ctx context.Context, c *conn, session *stt.Session) error {
	res, err := session.Flush(ctx)
	if err != nil {
		return c.writeJSON(protocol.NewError(err.Error()))
	}
	return c.writeJSON(protocol.NewFullSentence(res.Text, res.RTF))
}

func (h *Handler) keepalive(c *conn, stop <-chan struct{}, log *slog.Logger) {
	ticker := time.NewTicker(h.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.ping(); err != nil {
				log.Debug("ping failed", slog.String("error", err.Error()))
				return
			}
		case <-stop:
			return
		}
	}
}
