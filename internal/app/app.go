// Package app assembles the gateway's components into an fx application.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"

	"github.com/drblury/protogate/internal/aggregate"
	"github.com/drblury/protogate/internal/edge"
	"github.com/drblury/protogate/internal/identity"
	"github.com/drblury/protogate/internal/moderation"
	"github.com/drblury/protogate/internal/realtime"
	"github.com/drblury/protogate/internal/rpc"
	"github.com/drblury/protogate/internal/runtime"
	"github.com/drblury/protogate/internal/runtime/config"
	"github.com/drblury/protogate/internal/runtime/logging"
	"github.com/drblury/protogate/transport"
	_ "github.com/drblury/protogate/transport/transports"
)

const shutdownGrace = 10 * time.Second

// Module provides every gateway component. It expects a *config.Config in
// the graph; see LoadConfig.
var Module = fx.Module("protogate",
	fx.Provide(
		NewLogger,
		newRegistry,
		func(r *prometheus.Registry) prometheus.Registerer { return r },
		newTransport,
		func(conf *config.Config) identity.Resolver { return identity.NewJWT(conf.JWTSecret) },
		newRPCClient,
		func(c *rpc.Client) rpc.Caller { return c },
		newAggregator,
		newCompleter,
		newPipeline,
		newRealtime,
		newService,
		newEdge,
		newHTTPServer,
	),
	fx.Invoke(func(*HTTPServer, *runtime.Service) {}),
)

// LoadConfig reads the environment configuration.
func LoadConfig() (*config.Config, error) {
	conf, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &conf, nil
}

// NewLogger logs JSON to stdout. PROTOGATE_LOG_LEVEL=debug lowers the level.
func NewLogger() logging.ServiceLogger {
	level := slog.LevelInfo
	if os.Getenv("PROTOGATE_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	return logging.NewJSONServiceLogger(os.Stdout, level)
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

func newTransport(lc fx.Lifecycle, conf *config.Config, log logging.ServiceLogger) (transport.Transport, error) {
	tr, err := transport.DefaultRegistry.Build(context.Background(), conf, logging.NewWatermillAdapter(log))
	if err != nil {
		return transport.Transport{}, fmt.Errorf("build %s transport: %w", conf.PubSubSystem, err)
	}
	lc.Append(fx.StopHook(tr.Close))
	return tr, nil
}

func newRPCClient(lc fx.Lifecycle, conf *config.Config, tr transport.Transport, log logging.ServiceLogger, reg prometheus.Registerer) (*rpc.Client, error) {
	m, err := rpc.NewMetrics(reg)
	if err != nil {
		return nil, err
	}
	client, err := rpc.New(rpc.Options{
		Publisher:     tr.Publisher,
		Subscriber:    tr.Subscriber,
		Events:        tr.Events,
		Logger:        log,
		Timeout:       conf.RPCTimeout,
		ReplySuffix:   conf.RPCReplySuffix,
		InstanceID:    conf.InstanceID,
		SweepInterval: conf.RPCSweepInterval,
		Metrics:       m,
	})
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(client.Close))
	return client, nil
}

func newAggregator(conf *config.Config, caller rpc.Caller, log logging.ServiceLogger, reg prometheus.Registerer) (*aggregate.Aggregator, error) {
	return aggregate.New(aggregate.Options{
		Caller:     caller,
		Logger:     log,
		Timeout:    conf.RPCTimeout,
		Registerer: reg,
	})
}

func newCompleter(conf *config.Config, caller rpc.Caller) (moderation.Completer, error) {
	switch conf.ModerationBackend {
	case "http":
		client := &http.Client{Timeout: conf.ModerationTimeout}
		return moderation.NewHTTPCompleter(client, conf.ModerationEndpoint, conf.ModerationModel, conf.ModerationAPIKey), nil
	case "", "broker":
		return moderation.NewBrokerCompleter(caller, conf.ModerationTopic, conf.ModerationTimeout)
	default:
		return nil, fmt.Errorf("unknown moderation backend %q", conf.ModerationBackend)
	}
}

type pipelineParams struct {
	fx.In

	Conf       *config.Config
	Completer  moderation.Completer
	Caller     rpc.Caller
	Identity   identity.Resolver
	Transport  transport.Transport
	Logger     logging.ServiceLogger
	Registerer prometheus.Registerer
}

func newPipeline(p pipelineParams) (*moderation.Pipeline, error) {
	return moderation.New(moderation.Options{
		Completer: p.Completer,
		Caller:    p.Caller,
		Identity:  p.Identity,
		Publisher: p.Transport.Publisher,
		Duplicates: moderation.DuplicateConfig{
			TextThreshold:  p.Conf.DuplicateTextThreshold,
			ImageThreshold: p.Conf.DuplicateImageThreshold,
			CandidateLimit: p.Conf.DuplicateCandidateLimit,
			MinTextLength:  p.Conf.DuplicateMinTextLength,
			EventTopic:     p.Conf.DuplicateEventTopic,
		},
		CacheSize:  p.Conf.QueryCacheSize,
		CacheTTL:   p.Conf.QueryCacheTTL,
		Timeout:    p.Conf.RPCTimeout,
		Logger:     p.Logger,
		Registerer: p.Registerer,
	})
}

func newRealtime(conf *config.Config, resolver identity.Resolver, log logging.ServiceLogger, reg prometheus.Registerer) (*realtime.Router, error) {
	return realtime.New(realtime.Options{
		Identity:   resolver,
		Buffer:     conf.StreamBuffer,
		Logger:     log,
		Registerer: reg,
	})
}

// newService hosts the realtime consumers and runs them for the app's lifetime.
func newService(lc fx.Lifecycle, conf *config.Config, log logging.ServiceLogger, tr transport.Transport, rt *realtime.Router, reg prometheus.Registerer) (*runtime.Service, error) {
	svc, err := runtime.NewService(conf, log, tr, runtime.ServiceDependencies{Registerer: reg, DisableSignals: true})
	if err != nil {
		return nil, err
	}
	if err := rt.Consume(svc, conf.EventTopics...); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			go func() { done <- svc.Start(ctx) }()
			select {
			case <-svc.Running():
				return nil
			case err := <-done:
				cancel()
				return fmt.Errorf("start event consumers: %w", err)
			case <-startCtx.Done():
				cancel()
				return startCtx.Err()
			}
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case err := <-done:
				return err
			case <-stopCtx.Done():
				return svc.Close()
			}
		},
	})
	return svc, nil
}

type edgeParams struct {
	fx.In

	Conf       *config.Config
	Caller     rpc.Caller
	Aggregator *aggregate.Aggregator
	Moderation *moderation.Pipeline
	Realtime   *realtime.Router
	Identity   identity.Resolver
	Logger     logging.ServiceLogger
	Registerer prometheus.Registerer
}

func newEdge(p edgeParams) (*edge.Server, error) {
	return edge.New(edge.Options{
		Caller:         p.Caller,
		Aggregator:     p.Aggregator,
		Moderation:     p.Moderation,
		Realtime:       p.Realtime,
		Identity:       p.Identity,
		Timeout:        p.Conf.RPCTimeout,
		RateRPS:        p.Conf.RateRPS,
		RateBurst:      p.Conf.RateBurst,
		AllowedOrigins: p.Conf.CORSOrigins,
		Logger:         p.Logger,
		Registerer:     p.Registerer,
	})
}

// HTTPServer serves the edge routes on the configured address.
type HTTPServer struct {
	srv  *http.Server
	addr net.Addr
}

// Addr returns the bound listen address; it is nil before start.
func (s *HTTPServer) Addr() net.Addr { return s.addr }

func newHTTPServer(lc fx.Lifecycle, conf *config.Config, srv *edge.Server, log logging.ServiceLogger) *HTTPServer {
	hs := &HTTPServer{srv: &http.Server{
		Addr:              conf.HTTPAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", conf.HTTPAddress)
			if err != nil {
				return fmt.Errorf("listen %s: %w", conf.HTTPAddress, err)
			}
			hs.addr = ln.Addr()
			log.Info("Edge server listening", logging.LogFields{"addr": hs.addr.String()})
			go func() {
				if err := hs.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("Edge server stopped", err, nil)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, shutdownGrace)
			defer cancel()
			return hs.srv.Shutdown(ctx)
		},
	})
	return hs
}
