package httpserver

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-Id"

type requestLoggerKey struct{}

// Probe and scrape endpoints are polled constantly; their access lines go to
// debug.
var quietPaths = map[string]struct{}{
	"/healthz":     {},
	"/readyz":      {},
	"/api/healthz": {},
	"/api/readyz":  {},
	"/metrics":     {},
}

// responseRecorder captures what the access log needs. A hijacked writer
// belongs to a websocket session and reports no HTTP status of its own.
type responseRecorder struct {
	http.ResponseWriter
	status   int
	written  int64
	hijacked bool
}

func (rr *responseRecorder) WriteHeader(status int) {
	if rr.status == 0 {
		rr.status = status
	}
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	n, err := rr.ResponseWriter.Write(b)
	rr.written += int64(n)
	return n, err
}

func (rr *responseRecorder) Flush() {
	if f, ok := rr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack is asserted directly by the websocket upgrader.
func (rr *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("httpserver: response writer does not support hijacking")
	}
	conn, rw, err := hj.Hijack()
	if err == nil {
		rr.hijacked = true
	}
	return conn, rw, err
}

func (rr *responseRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}

func (rr *responseRecorder) statusCode() int {
	if rr.status == 0 {
		return http.StatusOK
	}
	return rr.status
}

// withRequestLogging attaches a request-scoped logger. A valid UUID in
// X-Request-Id from a fronting proxy is reused, otherwise a new one is
// minted; either way it is echoed back.
func (s *Server) withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := requestID(r)
		w.Header().Set(requestIDHeader, reqID)

		logger := s.logger.With("req_id", reqID, "method", r.Method, "path", r.URL.Path)
		if r.RemoteAddr != "" {
			logger = logger.With("remote_addr", r.RemoteAddr)
		}

		rec := &responseRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), requestLoggerKey{}, logger)))
		elapsed := time.Since(start)

		if rec.hijacked {
			logger.Debug("websocket session closed", "duration", elapsed)
			return
		}
		logger.Log(r.Context(), accessLevel(r.URL.Path, rec.statusCode()), "request complete",
			"status", rec.statusCode(),
			"duration", elapsed,
			"bytes", rec.written,
		)
	})
}

func requestID(r *http.Request) string {
	if incoming := r.Header.Get(requestIDHeader); incoming != "" {
		if id, err := uuid.Parse(incoming); err == nil {
			return id.String()
		}
	}
	return uuid.NewString()
}

func accessLevel(path string, status int) slog.Level {
	if status >= http.StatusInternalServerError {
		return slog.LevelWarn
	}
	if _, ok := quietPaths[path]; ok {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func (s *Server) loggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(requestLoggerKey{}).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return s.logger
}
