package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/loqalabs/loqa-stt/internal/bus"
	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/eventstore"
	"github.com/loqalabs/loqa-stt/internal/natsserver"
	"github.com/loqalabs/loqa-stt/internal/server"
	"github.com/loqalabs/loqa-stt/internal/stt"
	"github.com/loqalabs/loqa-stt/internal/transducer"
	"github.com/loqalabs/loqa-stt/internal/tts"
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	addr          atomic.Value
	wg            sync.WaitGroup

	model    *transducer.Model
	pipeline *stt.Pipeline
	store    *eventstore.Store
	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start loads the model, opens the timeline sinks and serves until ctx is
// cancelled. Errors returned before serving are fatal startup errors.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.closeAll()

	r.pipeline, r.model, err = BuildPipeline(r.cfg, r.logger)
	if err != nil {
		return err
	}

	recorder, err := r.openRecorders(ctx)
	if err != nil {
		return err
	}

	ws := server.NewHandler(r.pipeline, recorder, r.cfg.WebSocket, r.logger)
	var speech *tts.Handler
	if r.cfg.TTS.Enabled {
		svc, err := tts.New(r.cfg.TTS, r.logger)
		if err != nil {
			return fmt.Errorf("tts service: %w", err)
		}
		speech = tts.NewHandler(svc, r.logger)
		r.logger.Info("tts enabled", slog.String("mode", r.cfg.TTS.Mode), slog.String("voice", r.cfg.TTS.Voice))
	}
	var routerMetrics http.Handler
	if r.cfg.Telemetry.PrometheusBind == "" {
		routerMetrics = metricsHandler
	} else if metricsHandler != nil {
		r.serveMetrics(metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.addr.Store(ln.Addr().String())
	r.httpServer = &http.Server{
		Handler:           r.router(ws, routerMetrics, speech),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", ln.Addr().String()),
		slog.String("websocket_path", r.cfg.WebSocket.Path))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	return nil
}

// Addr reports the bound listener address once the runtime serves.
func (r *Runtime) Addr() string {
	if v, ok := r.addr.Load().(string); ok {
		return v
	}
	return ""
}

func (r *Runtime) Ready() bool { return r.ready.Load() }

func (r *Runtime) openRecorders(ctx context.Context) (stt.Recorder, error) {
	var recorders stt.Recorders

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	r.store = store
	recorders = append(recorders, store)

	if !r.cfg.Bus.Enabled {
		return recorders, nil
	}
	busCfg := r.cfg.Bus
	ns, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return nil, err
	}
	r.nats = ns
	if ns != nil {
		busCfg.Servers = []string{ns.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return nil, err
	}
	r.bus = client
	recorders = append(recorders, bus.NewPublisher(client, busCfg.Subject))
	return recorders, nil
}

func (r *Runtime) serveMetrics(h http.Handler) {
	mux := chi.NewRouter()
	mux.Handle("/metrics", h)
	r.metricsServer = &http.Server{
		Addr:              r.cfg.Telemetry.PrometheusBind,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
	r.logger.Info("metrics listener started", slog.String("addr", r.cfg.Telemetry.PrometheusBind))
}

func (r *Runtime) router(ws, metrics http.Handler, speech *tts.Handler) http.Handler {
	mux := chi.NewRouter()
	mux.Get("/", r.handleIndex(speech != nil, metrics != nil))
	mux.Get("/healthz", r.handleHealth)
	mux.Get("/readyz", r.handleReady)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	mux.Handle(r.cfg.WebSocket.Path, ws)
	if speech != nil {
		speech.Register(mux)
	}
	return mux
}

func (r *Runtime) handleIndex(speech, metrics bool) http.HandlerFunc {
	endpoints := map[string]string{
		"WebSocket " + r.cfg.WebSocket.Path: "Stream audio chunks and receive transcripts",
		"GET /healthz":                      "Liveness",
		"GET /readyz":                       "Readiness",
	}
	if metrics {
		endpoints["GET /metrics"] = "Prometheus metrics"
	}
	if speech {
		endpoints["POST /api/tts"] = "Generate complete audio file from text"
		endpoints["WebSocket /ws/stream"] = "Stream audio chunks as they're generated"
		endpoints["GET /api/voices"] = "List available voices"
	}
	body, _ := json.Marshal(map[string]any{"message": r.cfg.RuntimeName, "endpoints": endpoints})
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}
}

func (r *Runtime) closeAll() {
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.model != nil {
		if err := r.model.Close(); err != nil {
			r.logger.Error("model close error", slog.String("error", err.Error()))
		}
	}
	if r.tracerClose != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.bus == nil || r.bus.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
