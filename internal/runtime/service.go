package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"github.com/prometheus/client_golang/prometheus"

	configpkg "github.com/drblury/protogate/internal/runtime/config"
	errspkg "github.com/drblury/protogate/internal/runtime/errors"
	loggingpkg "github.com/drblury/protogate/internal/runtime/logging"
	"github.com/drblury/protogate/transport"
)

// ServiceDependencies holds the optional collaborators that the Service can use.
type ServiceDependencies struct {
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	// Registerer receives router and poison queue metrics. Nil falls back to
	// the Prometheus default registerer.
	Registerer prometheus.Registerer
	// DisableSignals leaves SIGINT/SIGTERM handling to the caller.
	DisableSignals bool
}

// Service hosts the event consumers: a Watermill router with the gateway
// middleware chain, bound to one broker transport.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	publisher  message.Publisher
	subscriber message.Subscriber
	router     *message.Router
	registerer prometheus.Registerer
	poison     *PoisonMetrics

	consumers   []string
	consumersMu sync.RWMutex

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
}

// NewService constructs a Service on top of tr. Register consumers on the
// returned Service before calling Start.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, tr transport.Transport, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if tr.Publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if tr.Subscriber == nil {
		return nil, errspkg.ErrSubscriberRequired
	}
	log = loggingpkg.OrNop(log)
	log.Info("Creating event service", loggingpkg.LogFields{
		"pubsub_system": conf.PubSubSystem,
		"config":        conf,
	})

	registerer := deps.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	poison, err := NewPoisonMetrics(registerer)
	if err != nil {
		return nil, err
	}

	router, err := message.NewRouter(message.RouterConfig{}, loggingpkg.NewWatermillAdapter(log))
	if err != nil {
		return nil, err
	}
	if !deps.DisableSignals {
		router.AddPlugin(plugin.SignalsHandler)
	}

	s := &Service{
		Conf:       conf,
		Logger:     log,
		publisher:  tr.Publisher,
		subscriber: tr.Subscriber,
		router:     router,
		registerer: registerer,
		poison:     poison,
	}
	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) Publisher() message.Publisher   { return s.publisher }
func (s *Service) Subscriber() message.Subscriber { return s.subscriber }
func (s *Service) PoisonMetrics() *PoisonMetrics  { return s.poison }

// AddConsumer subscribes handler to topic. The handler's errors run through
// the middleware chain: retryable ones are retried, unroutable ones go to the
// poison queue.
func (s *Service) AddConsumer(name, topic string, handler message.NoPublishHandlerFunc) error {
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}
	if topic == "" {
		return errspkg.ErrTopicRequired
	}
	if name == "" {
		name = topic
	}

	s.router.AddNoPublisherHandler(name, topic, s.subscriber, handler)

	s.consumersMu.Lock()
	s.consumers = append(s.consumers, name)
	s.consumersMu.Unlock()

	s.Logger.Debug("Registered consumer", loggingpkg.LogFields{"handler": name, "topic": topic})
	return nil
}

// Consumers lists registered handler names in registration order.
func (s *Service) Consumers() []string {
	s.consumersMu.RLock()
	defer s.consumersMu.RUnlock()
	return append([]string(nil), s.consumers...)
}

// Start runs the underlying Watermill router until the provided context is cancelled.
func (s *Service) Start(ctx context.Context) error {
	s.startHTTPServers(ctx)
	return s.router.Run(ctx)
}

// Running is closed once every consumer is subscribed.
func (s *Service) Running() chan struct{} {
	return s.router.Running()
}

// Close stops the router and waits for in-flight handlers.
func (s *Service) Close() error {
	return s.router.Close()
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares(s.Conf)
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("failed to register middleware %s: %w", name, err)
		}
	}
	return nil
}

func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers(ctx context.Context) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}
}
