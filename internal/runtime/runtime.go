package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-copilot/internal/answer"
	"github.com/loqalabs/loqa-copilot/internal/bus"
	"github.com/loqalabs/loqa-copilot/internal/capture"
	"github.com/loqalabs/loqa-copilot/internal/config"
	"github.com/loqalabs/loqa-copilot/internal/eventstore"
	"github.com/loqalabs/loqa-copilot/internal/natsserver"
	"github.com/loqalabs/loqa-copilot/internal/session"
	"github.com/loqalabs/loqa-copilot/internal/surface"
	"github.com/loqalabs/loqa-copilot/internal/tabs"
	"github.com/loqalabs/loqa-copilot/internal/transcribe"
	"github.com/nats-io/nats.go"
)

const pruneInterval = time.Hour

// Runtime wires copilotd together and owns every long-lived component.
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer    *http.Server
	metricsServer *http.Server
	telemetryStop func(context.Context) error
	addr          atomic.Value
	ready         atomic.Bool
	wg            sync.WaitGroup

	nats      *natsserver.EmbeddedServer
	bus       *bus.Client
	store     *eventstore.Store
	tabs      *tabs.Registry
	ctrl      *session.Controller
	hub       *surface.Hub
	intentSub *nats.Subscription
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start runs until ctx is cancelled, then shuts everything down in
// dependency order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryStop = shutdownTelemetry

	if err := r.startComponents(ctx); err != nil {
		r.shutdown()
		return err
	}

	mux := http.NewServeMux()
	mux.Handle(r.cfg.Surface.WebSocketPath, r.hub)
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		r.shutdown()
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.addr.Store(ln.Addr().String())
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, ln, "http")

	if metricsHandler != nil {
		mln, err := net.Listen("tcp", r.cfg.Telemetry.PrometheusBind)
		if err != nil {
			r.logger.Warn("metrics listener unavailable", slog.String("bind", r.cfg.Telemetry.PrometheusBind), slog.String("error", err.Error()))
		} else {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", metricsHandler)
			r.metricsServer = &http.Server{Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}
			r.serve(r.metricsServer, mln, "metrics")
		}
	}

	r.wg.Add(1)
	go r.pruneLoop(ctx)

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", ln.Addr().String()),
		slog.String("websocket_path", r.cfg.Surface.WebSocketPath),
		slog.String("capture_mode", r.cfg.Capture.Mode),
		slog.String("transcription_mode", r.cfg.Transcription.Mode),
		slog.String("answer_mode", r.cfg.Answer.Mode),
	)

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.shutdown()
	return nil
}

func (r *Runtime) startComponents(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded nats: %w", err)
		}
		r.nats = srv
		busCfg.Servers = []string{srv.ClientURL()}
	}

	busClient, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.bus = busClient

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	r.store = store

	registry, err := tabs.NewRegistry(ctx, r.cfg.Tabs, busClient, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start tab registry: %w", err)
	}
	r.tabs = registry

	capturer, err := capture.New(r.cfg.Capture, busClient, r.logger)
	if err != nil {
		return fmt.Errorf("failed to build capturer: %w", err)
	}
	sources, err := transcribe.NewFactory(r.cfg.Transcription, r.logger)
	if err != nil {
		return fmt.Errorf("failed to build transcription: %w", err)
	}
	provider, err := answer.New(r.cfg.Answer)
	if err != nil {
		return fmt.Errorf("failed to build answer provider: %w", err)
	}

	fanout := &surface.Fanout{}
	r.ctrl = session.NewController(session.Deps{
		Capturer:     capturer,
		Sources:      sources,
		Answerer:     answer.NewFallback(provider, r.cfg.Answer, r.logger),
		Emitter:      fanout,
		Journal:      store,
		Deduper:      answer.NewDeduper(time.Duration(r.cfg.Answer.DedupeWindowMS) * time.Millisecond),
		Logger:       r.logger,
		Gain:         r.cfg.Capture.Gain,
		RestartDelay: time.Duration(r.cfg.Capture.RestartDelayMS) * time.Millisecond,
		Options:      transcribe.OptionsFromConfig(r.cfg.Transcription),
	}, registry, store)

	dispatcher := surface.NewDispatcher(r.ctrl, registry, r.logger)
	r.hub = surface.NewHub(r.cfg.Surface, dispatcher, registry, r.logger)
	fanout.Add(r.hub)
	if r.cfg.Surface.MirrorToBus {
		fanout.Add(surface.NewBusMirror(busClient, r.logger))
	}

	registry.SetOnClosed(func(tabID string) {
		r.ctrl.TabClosed(tabID)
		r.hub.DropTab(tabID)
	})

	sub, err := surface.ServeBusIntents(busClient, dispatcher, 10*time.Second, r.logger)
	if err != nil {
		return err
	}
	r.intentSub = sub
	return nil
}

func (r *Runtime) serve(srv *http.Server, ln net.Listener, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error(name+" server failed", slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

// shutdown tolerates partially started runtimes.
func (r *Runtime) shutdown() {
	r.ready.Store(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if r.intentSub != nil {
		_ = r.intentSub.Drain()
	}
	if r.ctrl != nil {
		r.ctrl.Close()
	}
	if r.hub != nil {
		r.hub.Close()
	}
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.tabs != nil {
		r.tabs.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.nats != nil {
		r.nats.Shutdown()
	}
	if r.telemetryStop != nil {
		if err := r.telemetryStop(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

// Addr is the bound HTTP address once Start has begun serving.
func (r *Runtime) Addr() string {
	addr, _ := r.addr.Load().(string)
	return addr
}

func (r *Runtime) Ready() bool { return r.ready.Load() }

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.store.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
