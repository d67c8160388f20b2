package tdfs

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// LogInit returns a logger tagged with component. With a non-empty dir it appends
// to dir/<component>.log, otherwise it writes human-readable lines to stderr.
func LogInit(dir string, component string) (zerolog.Logger, error) {
	var w io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	if dir != "" {
		if err := CheckPath(dir); err != nil {
			return zerolog.Nop(), err
		}
		f, err := os.OpenFile(filepath.Join(dir, component+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return zerolog.Nop(), err
		}
		w = f
	}
	return zerolog.New(w).With().Timestamp().Str("component", component).Logger(), nil
}

const requestIDHeader = "X-Request-ID"

// requestLogger replaces gin's default text logger with one structured line per request.
func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := c.GetHeader(requestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Header(requestIDHeader, reqID)

		c.Next()

		ev := log.Info()
		if c.Writer.Status() >= http.StatusInternalServerError {
			ev = log.Error()
		} else if c.Writer.Status() >= http.StatusBadRequest {
			ev = log.Warn()
		}
		if user, ok := c.Get(gin.AuthUserKey); ok {
			ev = ev.Interface("user", user)
		}
		if len(c.Errors) > 0 {
			ev = ev.Str("error", c.Errors.String())
		}
		ev.Str("request_id", reqID).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}
