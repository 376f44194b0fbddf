package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	nethttp "net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"tabletop/session/internal/config"
	sessionnet "tabletop/session/internal/net"
	"tabletop/session/internal/net/proto"
	"tabletop/session/internal/net/quic"
	"tabletop/session/internal/net/ws"
	"tabletop/session/internal/peer"
	"tabletop/session/internal/sim"
	"tabletop/session/internal/telemetry"
	"tabletop/session/logging"
	loggingSinks "tabletop/session/logging/sinks"
)

const shutdownTimeout = 5 * time.Second

type Config struct {
	Logger   telemetry.Logger
	Settings config.Config
	// Stdout receives console and unpathed JSON log output.
	Stdout io.Writer
	// Ready, when set, is called once the peer is built and its startup
	// mode has been queued.
	Ready func(*peer.Peer)
}

func Run(ctx context.Context, cfg Config) error {
	telemetryLogger := cfg.Logger
	if telemetryLogger == nil {
		telemetryLogger = telemetry.WrapLogger(log.Default())
	}
	stdout := cfg.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	fallbackLogger := log.Default()
	if provider, ok := telemetryLogger.(interface{ StandardLogger() *log.Logger }); ok {
		if candidate := provider.StandardLogger(); candidate != nil {
			fallbackLogger = candidate
		}
	}

	settings := cfg.Settings
	logConfig := settings.Logging.Router()
	sinks, err := loggingSinks.Build(logConfig, stdout)
	if err != nil {
		return fmt.Errorf("failed to construct log sinks: %w", err)
	}
	router := logging.NewRouter(logging.SystemClock{}, logConfig, fallbackLogger, sinks)

	counters := &logging.Metrics{}
	registry := prometheus.NewRegistry()
	metrics := telemetry.Tee(telemetry.WrapMetrics(counters), telemetry.NewPrometheus(registry))

	key, err := settings.Session.TokenKey()
	if err != nil {
		return multierr.Append(err, router.Close(ctx))
	}
	if settings.Session.Key == "" {
		telemetryLogger.Printf("no session key configured; only peers without a key can join")
	}
	player, err := settings.Session.Player()
	if err != nil {
		return multierr.Append(err, router.Close(ctx))
	}

	wsRoute := &webSocketRoute{}
	transports := buildTransports(settings, telemetryLogger, wsRoute)

	clk := clock.New()
	p, err := peer.New(peer.Config{
		Registry:           proto.DefaultRegistry(),
		Compress:           settings.Net.Compress,
		Transports:         transports,
		Publisher:          router,
		Metrics:            metrics,
		Logger:             telemetryLogger,
		Clock:              clk,
		DefaultPort:        settings.Net.Port,
		Key:                key,
		ProtocolID:         settings.Session.ProtocolID,
		TokenTTL:           settings.Session.TokenTTL,
		ClientID:           settings.Session.ClientID,
		MaxClients:         settings.Net.MaxClients,
		Player:             player,
		DefaultTokenImage:  settings.Assets.DefaultTokenImage,
		Decay:              settings.Session.Decay,
		KeyframeInterval:   settings.Session.KeyframeInterval,
		JournalCapacity:    settings.Session.JournalCapacity,
		AssetRetry:         settings.Assets.RetryInterval,
		CommandCapacity:    settings.Loop.CommandCapacity,
		CommandWarningStep: settings.Loop.WarningStep,
		OnCommandDrop: func(reason string, cmd sim.Command) {
			telemetryLogger.Printf("dropped %s command: %s", cmd.Type, reason)
		},
		OnQueueWarning: func(length int) {
			telemetryLogger.Printf("[backpressure] %d commands staged for the next tick", length)
		},
	})
	if err != nil {
		return multierr.Append(fmt.Errorf("failed to construct peer: %w", err), router.Close(ctx))
	}

	loop := sim.NewLoop(p, settings.Loop, sim.Deps{
		Logger:  telemetryLogger,
		Metrics: metrics,
		Clock:   clk,
	}, sim.LoopHooks{
		AfterStep: func(result sim.StepResult) {
			p.Present(result.Delta)
		},
	})

	applyMode(p, settings)
	if cfg.Ready != nil {
		cfg.Ready(p)
	}

	handlerCfg := sessionnet.HTTPHandlerConfig{
		Logger:        telemetryLogger,
		Observability: settings.Observability,
		TickRate:      loop.TickRate(),
		Diagnostics: func() any {
			diag := struct {
				Peer   peer.Snapshot       `json:"peer"`
				Router logging.RouterStats `json:"router"`
				Recent []logging.Event     `json:"recent,omitempty"`
			}{Peer: p.Snapshot(), Router: router.Stats()}
			if recent, ok := router.Sink(logging.SinkMemory).(*loggingSinks.Memory); ok {
				diag.Recent = recent.Events()
			}
			return diag
		},
		Telemetry: counters.Snapshot,
		Metrics:   promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}
	httpAddr := settings.Observability.HTTPAddr
	if settings.Net.Transport == config.TransportWebSocket {
		// Websocket joins share the diagnostics listener on the session port.
		handlerCfg.WebSocket = wsRoute.ServeHTTP
		httpAddr = settings.Net.ListenAddr()
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return loop.Run(groupCtx)
	})
	if httpAddr != "" {
		srv := &nethttp.Server{Addr: httpAddr, Handler: sessionnet.NewHTTPHandler(handlerCfg)}
		group.Go(func() error {
			telemetryLogger.Printf("http listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
				return fmt.Errorf("http server failed: %w", err)
			}
			return nil
		})
		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	runErr := group.Wait()
	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return multierr.Combine(runErr, p.Close(), router.Close(closeCtx))
}

// applyMode queues the commands the configured startup mode implies.
func applyMode(p *peer.Peer, settings config.Config) {
	switch settings.Mode {
	case config.ModeHost:
		p.StartHost()
	case config.ModeClient:
		p.Connect(settings.Session.Connect)
	case config.ModeSelfHost:
		p.StartHost()
		p.Connect("")
	}
}

func buildTransports(settings config.Config, logger telemetry.Logger, route *webSocketRoute) peer.Transports {
	if settings.Net.Transport == config.TransportWebSocket {
		wsCfg := ws.HandlerConfig{
			Logger:           logger,
			HandshakeTimeout: settings.Net.HandshakeTimeout,
		}
		return peer.Transports{
			Server: func(admission *sessionnet.Admission) sessionnet.Server {
				handler := ws.NewHandler(wsCfg, admission)
				route.current.Store(handler)
				return handler
			},
			Client: func() sessionnet.Client { return ws.NewClient(wsCfg) },
		}
	}

	quicCfg := quic.DefaultConfig()
	quicCfg.Addr = settings.Net.ListenAddr()
	quicCfg.HandshakeTimeout = settings.Net.HandshakeTimeout
	quicCfg.IdleTimeout = settings.Net.IdleTimeout
	quicCfg.KeepAlive = settings.Net.KeepAlive
	quicCfg.Logger = logger
	return peer.Transports{
		Server: func(admission *sessionnet.Admission) sessionnet.Server {
			return quic.NewServer(quicCfg, admission)
		},
		Client: func() sessionnet.Client { return quic.NewClient(quicCfg) },
	}
}

// webSocketRoute forwards upgrades to the handler of the current hosting
// session. Each StartHost builds a new handler.
type webSocketRoute struct {
	current atomic.Pointer[ws.Handler]
}

func (r *webSocketRoute) ServeHTTP(w nethttp.ResponseWriter, req *nethttp.Request) {
	handler := r.current.Load()
	if handler == nil {
		nethttp.Error(w, "not hosting", nethttp.StatusServiceUnavailable)
		return
	}
	handler.Handle(w, req)
}
