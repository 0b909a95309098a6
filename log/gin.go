package log

import (
	"time"

	"github.com/gin-gonic/gin"
)

// hijackedKey marks a connection as hijacked in Gin's context. net/http exposes
// no Hijacked() check, so websocket handlers record the upgrade themselves and
// the request logger skips the response writer entirely for those requests.
const hijackedKey = "connection_hijacked"

// MarkHijacked records that the handler took over the connection.
// Websocket handlers must call this before upgrading.
func MarkHijacked(c *gin.Context) {
	c.Set(hijackedKey, true)
}

// IsHijacked reports whether the connection was marked as hijacked.
func IsHijacked(c *gin.Context) bool {
	hijacked, exists := c.Get(hijackedKey)
	return exists && hijacked.(bool)
}

// GinLogger returns a Gin middleware that logs requests using zerolog
func GinLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		// Touching c.Writer after a websocket upgrade triggers
		// "http: response.WriteHeader on hijacked connection".
		if IsHijacked(c) {
			return
		}

		latency := time.Since(start)
		status := c.Writer.Status()
		if raw != "" {
			path = path + "?" + raw
		}

		event := Info()
		if status >= 500 {
			event = Error()
		} else if status >= 400 {
			event = Warn()
		}

		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("latency", latency).
			Str("ip", c.ClientIP())

		if errMsg := c.Errors.ByType(gin.ErrorTypePrivate).String(); errMsg != "" {
			event.Str("error", errMsg)
		}

		event.Msg("request")
	}
}
