package main

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const requestIDHeader = "X-Request-ID"

// slogGinLogger tags each request with an id and logs it once it completes.
// Console API calls are logged at info, static assets and polling at debug.
func slogGinLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID, _ = gonanoid.New(16)
		}
		c.Header(requestIDHeader, requestID)

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"request_id", requestID,
			"status", status,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"ip", c.ClientIP(),
			"latency_ms", time.Since(start).Milliseconds(),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "errors", c.Errors.String())
		}

		switch {
		case status >= 500:
			logger.Error("http request", attrs...)
		case c.Request.Method != "GET" && strings.HasPrefix(c.Request.URL.Path, "/api/console"):
			logger.Info("http request", attrs...)
		default:
			logger.Debug("http request", attrs...)
		}
	}
}

// newTLSErrorWriter routes http.Server error logs into slog, dropping
// handshake errors for hosts autocert refuses.
func newTLSErrorWriter(logger *slog.Logger) io.Writer {
	return &tlsErrorFilter{next: &slogLineWriter{logger: logger, level: slog.LevelWarn}}
}

type tlsErrorFilter struct {
	next io.Writer
}

func (f *tlsErrorFilter) Write(p []byte) (int, error) {
	line := string(p)
	if strings.Contains(line, "TLS handshake error") && strings.Contains(line, "not configured") {
		return len(p), nil
	}
	return f.next.Write(p)
}

type slogLineWriter struct {
	logger *slog.Logger
	level  slog.Level
}

func (w *slogLineWriter) Write(p []byte) (int, error) {
	if msg := strings.TrimSpace(string(p)); msg != "" {
		w.logger.Log(context.Background(), w.level, "http server", "message", msg)
	}
	return len(p), nil
}
