package logger

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	obscontext "github.com/smallbiznis/memora/internal/observability/context"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const HeaderRequestID = "X-Request-Id"

// MiddlewareConfig controls request logging.
type MiddlewareConfig struct {
	Debug bool
	// ErrorClassifier maps a handler error to the envelope type and a stable code.
	ErrorClassifier func(err error) (string, string)
	// QuietRoutes are served without a request log line.
	QuietRoutes []string
}

var defaultQuietRoutes = []string{"/health", "/metrics"}

// GinMiddleware assigns a request id and writes one http.request line per call.
func GinMiddleware(cfg MiddlewareConfig) gin.HandlerFunc {
	quiet := make(map[string]struct{})
	routes := cfg.QuietRoutes
	if routes == nil {
		routes = defaultQuietRoutes
	}
	for _, route := range routes {
		quiet[route] = struct{}{}
	}

	return func(c *gin.Context) {
		start := time.Now()
		requestID := requestIDFor(c)
		c.Request = c.Request.WithContext(obscontext.WithRequestID(c.Request.Context(), requestID))

		c.Next()

		route := c.FullPath()
		if _, skip := quiet[route]; skip {
			return
		}
		if route == "" {
			route = "unmatched"
		}

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.Int64("bytes_in", max(c.Request.ContentLength, 0)),
			zap.Int("bytes_out", max(c.Writer.Size(), 0)),
		}
		if jobID := c.GetString("job_id"); jobID != "" {
			fields = append(fields, zap.String("job_id", jobID))
		}

		classified := false
		if lastErr := c.Errors.Last(); lastErr != nil && cfg.ErrorClassifier != nil {
			errType, errCode := cfg.ErrorClassifier(lastErr.Err)
			fields = append(fields, zap.String("error_type", errType), zap.String("error_code", errCode))
			classified = true
			if cfg.Debug {
				fields = append(fields, zap.String("error", lastErr.Err.Error()))
			}
		}

		FromContext(c.Request.Context()).Log(requestLevel(status, classified), "http.request", fields...)
	}
}

func requestIDFor(c *gin.Context) string {
	requestID := strings.TrimSpace(c.GetHeader(HeaderRequestID))
	if requestID == "" || len(requestID) > 128 {
		requestID = uuid.NewString()
	}
	c.Header(HeaderRequestID, requestID)
	c.Set("request_id", requestID)
	return requestID
}

func requestLevel(status int, hasError bool) zapcore.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return zap.ErrorLevel
	case status >= http.StatusBadRequest, hasError:
		return zap.WarnLevel
	default:
		return zap.InfoLevel
	}
}
