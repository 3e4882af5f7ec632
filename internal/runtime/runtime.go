package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speak/internal/bus"
	"github.com/loqalabs/loqa-speak/internal/capability"
	"github.com/loqalabs/loqa-speak/internal/config"
	"github.com/loqalabs/loqa-speak/internal/eventstore"
	"github.com/loqalabs/loqa-speak/internal/gateway"
	"github.com/loqalabs/loqa-speak/internal/natsserver"
	"github.com/loqalabs/loqa-speak/internal/tts"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	store       *eventstore.Store
	nats        *natsserver.EmbeddedServer
	bus         *bus.Client
	registry    *capability.Registry
	wg          sync.WaitGroup
	ready       chan string
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
		ready:  make(chan string, 1),
	}
}

// Ready yields the listen address once the HTTP server accepts connections.
func (r *Runtime) Ready() <-chan string {
	return r.ready
}

// Start runs the gateway until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.closeDependencies()

	synth, err := tts.FromConfig(r.cfg.TTS)
	if err != nil {
		return fmt.Errorf("failed to create synthesizer: %w", err)
	}
	if r.cfg.TTS.Mode == "piper" && (r.cfg.TTS.ModelPath == "" || r.cfg.TTS.ConfigPath == "") {
		r.logger.Warn("PIPER_MODEL_PATH and PIPER_CONFIG_PATH are not both set, synthesis requests will fail")
	}

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "event-store")))
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}

	opts := gateway.Options{
		Recorder:       r.store,
		MetricsHandler: metricsHandler,
		CORSOrigins:    r.cfg.HTTP.CORSOrigins,
		MaxBodyBytes:   r.cfg.HTTP.MaxBodySize,
		Checks: []gateway.Check{
			{Name: "event_store", Probe: r.store.Healthy},
		},
	}
	if err := r.connectBus(ctx); err != nil {
		return err
	}
	if r.bus != nil {
		opts.Publisher = r.bus
		opts.Checks = append(opts.Checks, gateway.Check{Name: "bus", Probe: func(context.Context) error {
			if !r.bus.Healthy() {
				return errors.New("disconnected")
			}
			return nil
		}})
		opts.Checks = append(opts.Checks, gateway.Check{Name: "presence", Probe: func(context.Context) error {
			if !r.registry.Healthy() {
				return errors.New("own heartbeat not observed")
			}
			return nil
		}})
	}

	gw := gateway.New(synth, opts, r.logger)

	addr := net.JoinHostPort(r.cfg.HTTP.Bind, strconv.Itoa(r.cfg.HTTP.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.httpServer = &http.Server{
		Handler:           gw.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready <- listener.Addr().String()
	r.logger.Info("runtime started",
		slog.String("addr", listener.Addr().String()),
		slog.String("tts_mode", r.cfg.TTS.Mode))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	return nil
}

func (r *Runtime) connectBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus
	ns, err := natsserver.Start(busCfg, r.cfg.Node.ID, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	r.nats = ns
	if ns != nil {
		busCfg.Servers = []string{ns.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return fmt.Errorf("failed to connect bus: %w", err)
	}
	r.bus = client

	registry, err := capability.NewRegistry(ctx, r.cfg.Node, []capability.Capability{capability.TTSCapability(r.cfg.TTS)}, client.Conn(), r.logger)
	if err != nil {
		return fmt.Errorf("failed to start capability registry: %w", err)
	}
	r.registry = registry
	return nil
}

func (r *Runtime) closeDependencies() {
	r.registry.Close()
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()
	if err := r.store.Close(); err != nil {
		r.logger.Error("event store close error", slog.String("error", err.Error()))
	}
	if r.tracerClose != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}
