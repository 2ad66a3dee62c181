package realtime

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/drblury/protogate/internal/runtime/errors"
	"github.com/drblury/protogate/internal/runtime/logging"
)

// Credential returns the bearer credential of a realtime request. Browsers
// cannot set headers on EventSource or WebSocket requests, so the
// access_token query parameter is accepted as well.
func Credential(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		return h
	}
	return c.Query("access_token")
}

// StreamHandler serves the server-push stream. The caller must present a
// credential that resolves to a user.
func (r *Router) StreamHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := r.resolve(Credential(c))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errors.PublicError{Reason: "unauthorized"})
			return
		}

		s := r.streams.Subscribe(userID)
		log := r.log.With(logging.LogFields{"user_id": userID, "transport": TransportStream})
		log.Debug("Push stream attached", nil)

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)
		c.SSEvent("ready", gin.H{"userId": userID})
		c.Writer.Flush()

		heartbeat := time.NewTicker(r.heartbeat)
		defer heartbeat.Stop()

		ctx := c.Request.Context()
		c.Stream(func(w io.Writer) bool {
			select {
			case frame := <-s.Events():
				c.SSEvent("message", string(frame))
				return true
			case <-heartbeat.C:
				_, err := fmt.Fprint(w, ": keepalive\n\n")
				return err == nil
			case <-s.Done():
				return false
			case <-ctx.Done():
				return false
			}
		})

		if s.Closed() {
			log.Debug("Push stream replaced", nil)
			return
		}
		r.streams.Unsubscribe(userID)
		log.Debug("Push stream detached", nil)
	}
}

func (r *Router) resolve(credential string) (string, bool) {
	if r.identity == nil || credential == "" {
		return "", false
	}
	return r.identity.ResolveUserID(credential)
}
