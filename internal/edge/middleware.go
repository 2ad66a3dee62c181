package edge

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/protogate/internal/identity"
	"github.com/drblury/protogate/internal/runtime/errors"
	"github.com/drblury/protogate/internal/runtime/ids"
	"github.com/drblury/protogate/internal/runtime/logging"
	"github.com/drblury/protogate/internal/runtime/metrics"
)

const (
	HeaderRequestID = "X-Request-ID"

	ctxUserID     = "userID"
	ctxCredential = "credential"
	ctxRequestID  = "requestID"
)

// UserID returns the authenticated user of the request, or "".
func UserID(c *gin.Context) string { return c.GetString(ctxUserID) }

// RequestCredential returns the raw bearer credential of the request, or "".
func RequestCredential(c *gin.Context) string { return c.GetString(ctxCredential) }

// RequestID returns the id assigned by the request id middleware.
func RequestID(c *gin.Context) string { return c.GetString(ctxRequestID) }

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = ids.NewCorrelationID()
		}
		c.Set(ctxRequestID, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

func accessLog(log logging.ServiceLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := logging.LogFields{
			"request_id":  RequestID(c),
			"method":      c.Request.Method,
			"path":        routePath(c),
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		}
		if id := UserID(c); id != "" {
			fields["user_id"] = id
		}
		if err := c.Errors.Last(); err != nil {
			if c.Writer.Status() >= http.StatusInternalServerError {
				log.Error("Request failed", err.Err, fields)
				return
			}
			fields["error"] = err.Error()
		}
		log.Debug("Request served", fields)
	}
}

func recovery(log logging.ServiceLogger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		log.Error("Handler panicked", nil, logging.LogFields{
			"request_id": RequestID(c),
			"panic":      recovered,
		})
		c.AbortWithStatusJSON(http.StatusInternalServerError, errors.PublicError{Reason: "internal error"})
	})
}

// authenticate resolves the bearer credential when one is present. Requests
// without one pass through anonymously; requireUser enforces a user.
func authenticate(resolver identity.Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		credential := c.GetHeader("Authorization")
		if credential == "" || resolver == nil {
			c.Next()
			return
		}
		c.Set(ctxCredential, credential)
		if userID, ok := resolver.ResolveUserID(credential); ok {
			c.Set(ctxUserID, userID)
		}
		c.Next()
	}
}

func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if UserID(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errors.PublicError{Reason: "unauthorized"})
			return
		}
		c.Next()
	}
}

type httpMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	inflight prometheus.Gauge
}

func newHTTPMetrics(reg prometheus.Registerer) (*httpMetrics, error) {
	m := &httpMetrics{
		requests: metrics.CounterVec("http", "requests_total", "HTTP requests by route and status", "method", "path", "status"),
		latency:  metrics.HistogramVec("http", "request_duration_seconds", "HTTP request latency", prometheus.DefBuckets, "method", "path"),
		inflight: metrics.Gauge("http", "requests_inflight", "HTTP requests being served"),
	}
	if err := metrics.Register(reg, m.requests, m.latency, m.inflight); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *httpMetrics) handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		m.inflight.Inc()
		defer m.inflight.Dec()

		c.Next()

		path := routePath(c)
		m.requests.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.latency.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// routePath is the registered route, keeping label cardinality bounded.
func routePath(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return "unmatched"
}

func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
