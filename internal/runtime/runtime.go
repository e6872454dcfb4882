package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/eventstore"
	"github.com/loqalabs/loqa-listen/internal/lookup"
	"github.com/loqalabs/loqa-listen/internal/natsserver"
	"github.com/loqalabs/loqa-listen/internal/protocol"
	"github.com/loqalabs/loqa-listen/internal/router"
	"github.com/loqalabs/loqa-listen/internal/speech"
	"github.com/nats-io/nats.go"
)

type Runtime struct {
	cfg         config.Config
	version     string
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	metrics     http.Handler
	ready       atomic.Bool
	wg          sync.WaitGroup

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *eventstore.Store
	objects  *lookup.ObjectClient
	router   *router.Service
	listener *listener
	dialer   speech.Dialer
}

func New(cfg config.Config, version string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		version: version,
		logger:  logger,
		dialer:  speech.WebsocketDialer{},
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metrics = metricHandler
	defer r.shutdown()

	if err := r.startServices(ctx); err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	return nil
}

func (r *Runtime) startServices(ctx context.Context) error {
	ns, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	r.nats = ns

	busCfg := r.cfg.Bus
	if ns != nil {
		busCfg.Servers = []string{ns.ClientURL()}
	}
	client, err := bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return err
	}
	r.bus = client

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	if r.cfg.Router.Enabled {
		if err := r.startRouter(ctx); err != nil {
			return err
		}
	}

	capture, conv, err := NewCapture(r.cfg.Audio, r.logger)
	if err != nil {
		return fmt.Errorf("open audio device: %w", err)
	}
	r.listener = newListener(ctx, r.cfg, r.version, capture, conv, r.bus, r.store, r.dialer, r.logger)

	if _, err := r.bus.Subscribe(protocol.SubjectListenCommand, r.handleCommand(ctx)); err != nil {
		return fmt.Errorf("subscribe listen commands: %w", err)
	}
	return nil
}

func (r *Runtime) startRouter(ctx context.Context) error {
	endpoint := r.cfg.Search.Endpoint
	if endpoint == "" {
		endpoint = lookup.SearchEndpoint(r.cfg.Search.Service)
	}
	deps := router.Deps{Search: lookup.NewSearchClient(endpoint, r.cfg.Search.Key, nil, r.logger)}
	if r.cfg.Router.UseKeyPhrase {
		deps.Phrases = lookup.NewTextClient(r.cfg.Text.Endpoint, r.cfg.Text.Key, nil)
	}
	if r.cfg.Metadata.Enabled {
		objects, err := lookup.NewObjectClient(lookup.ObjectOptions{
			Endpoint:    r.cfg.Metadata.Endpoint,
			CacheTTL:    time.Duration(r.cfg.Metadata.CacheTTLSeconds) * time.Second,
			Concurrency: r.cfg.Metadata.Concurrency,
		}, r.logger)
		if err != nil {
			return err
		}
		r.objects = objects
		deps.Images = objects
	}
	r.router = router.NewService(ctx, r.cfg.Router, r.cfg.Search.Index, r.bus, deps, r.logger)
	if err := r.router.Start(); err != nil {
		return fmt.Errorf("start router: %w", err)
	}
	return nil
}

func (r *Runtime) handleCommand(ctx context.Context) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var cmd protocol.ListenCommand
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			r.logger.Warn("invalid listen command", slog.String("error", err.Error()))
			return
		}
		switch cmd.Action {
		case "start":
			if err := r.listener.Start(ctx); err != nil {
				r.logger.Warn("listen command failed", slog.String("error", err.Error()))
			}
		case "stop":
			r.listener.Stop()
		default:
			r.logger.Warn("unknown listen command", slog.String("action", cmd.Action))
		}
	}
}

// shutdown releases services in reverse start order.
func (r *Runtime) shutdown() {
	if r.listener != nil {
		r.listener.Close()
	}
	if r.router != nil {
		r.router.Close()
	}
	if r.objects != nil {
		if err := r.objects.Close(); err != nil {
			r.logger.Warn("object cache close error", slog.String("error", err.Error()))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()
	if r.tracerClose != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}
