// Package edge is the gateway's HTTP surface: thin gin handlers that parse a
// request, call the aggregator, moderation pipeline or RPC client, and map the
// outcome onto a public response.
package edge

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/drblury/protogate/internal/aggregate"
	"github.com/drblury/protogate/internal/identity"
	"github.com/drblury/protogate/internal/moderation"
	"github.com/drblury/protogate/internal/realtime"
	"github.com/drblury/protogate/internal/rpc"
	"github.com/drblury/protogate/internal/runtime/errors"
	"github.com/drblury/protogate/internal/runtime/logging"
)

const (
	DefaultServiceName = "protogate"
	maxBodyBytes       = 10 << 20

	// Topics the edge calls directly.
	TopicCreate = "entity.create"
	TopicSearch = "entity.search"
)

// Options wires the server to the gateway components. Caller and Aggregator
// are required; Moderation and Realtime mount their routes only when set.
type Options struct {
	Caller     rpc.Caller
	Aggregator *aggregate.Aggregator
	Moderation *moderation.Pipeline
	Realtime   *realtime.Router
	Identity   identity.Resolver

	Timeout time.Duration
	// RateRPS and RateBurst size the per-user token bucket. Zero RateRPS
	// disables limiting.
	RateRPS   float64
	RateBurst int
	// AllowedOrigins lists CORS origins. Empty allows every origin.
	AllowedOrigins []string
	ServiceName    string

	Logger     logging.ServiceLogger
	Registerer prometheus.Registerer
}

// Server is the gin engine with every gateway route mounted.
type Server struct {
	engine     *gin.Engine
	caller     rpc.Caller
	aggregator *aggregate.Aggregator
	moderation *moderation.Pipeline
	timeout    time.Duration
	log        logging.ServiceLogger
}

func New(opts Options) (*Server, error) {
	if opts.Caller == nil {
		return nil, errors.ErrCallerRequired
	}
	if opts.Aggregator == nil {
		return nil, fmt.Errorf("edge: aggregator is required")
	}
	m, err := newHTTPMetrics(opts.Registerer)
	if err != nil {
		return nil, err
	}
	if opts.ServiceName == "" {
		opts.ServiceName = DefaultServiceName
	}

	s := &Server{
		engine:     gin.New(),
		caller:     opts.Caller,
		aggregator: opts.Aggregator,
		moderation: opts.Moderation,
		timeout:    opts.Timeout,
		log:        logging.OrNop(opts.Logger).With(logging.LogFields{"component": "edge"}),
	}

	r := s.engine
	r.HandleMethodNotAllowed = true
	r.Use(otelgin.Middleware(opts.ServiceName))
	r.Use(requestID())
	r.Use(accessLog(s.log))
	r.Use(recovery(s.log))
	r.Use(m.handler())
	r.Use(corsPolicy(opts.AllowedOrigins))
	r.Use(authenticate(opts.Identity))
	if opts.RateRPS > 0 {
		r.Use(NewRateLimiter(opts.RateRPS, opts.RateBurst, KeyByUserOrIP()).Handler())
	}

	r.NoRoute(func(c *gin.Context) {
		c.AbortWithStatusJSON(http.StatusNotFound, errors.PublicError{Reason: "route not found"})
	})
	r.NoMethod(func(c *gin.Context) {
		c.AbortWithStatusJSON(http.StatusMethodNotAllowed, errors.PublicError{Reason: "method not allowed"})
	})
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// Push channels stay uncompressed and unbounded.
	if opts.Realtime != nil {
		r.GET("/events/stream", opts.Realtime.StreamHandler())
		r.GET("/ws", opts.Realtime.SocketHandler())
	}

	api := r.Group("", gzip.Gzip(gzip.DefaultCompression), limitBody(maxBodyBytes))
	api.GET("/products", s.listProducts)
	api.GET("/products/:id", s.getProduct)
	if s.moderation != nil {
		api.POST("/products", requireUser(), s.createProduct)
		api.POST("/search/image", s.searchByImage)
	}
	return s, nil
}

// Handler returns the engine as an http.Handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Routes lists the mounted routes as "METHOD path".
func (s *Server) Routes() []string {
	var out []string
	for _, r := range s.engine.Routes() {
		out = append(out, r.Method+" "+r.Path)
	}
	return out
}

func corsPolicy(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", HeaderRequestID},
		ExposeHeaders: []string{HeaderRequestID, "Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cors.New(cfg)
}

// fail writes err as a public error response.
func fail(c *gin.Context, err error) {
	status, body := errors.ToPublic(err)
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, body)
}
