// Package httpserver exposes the dashboard over HTTP: the snapshot stream on
// /ws, health and state endpoints, optional metrics and profiling, and the
// static frontend.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"sync/atomic"
	"time"

	"github.com/skobkin/sysdash-web/internal/api"
	"github.com/skobkin/sysdash-web/internal/config"
	"github.com/skobkin/sysdash-web/internal/gpu"
	"github.com/skobkin/sysdash-web/internal/stream"
	"github.com/skobkin/sysdash-web/internal/version"
)

const readHeaderTimeout = 5 * time.Second

// Stream is the hub the websocket handler attaches clients to.
type Stream interface {
	Connect(c stream.Client)
	Disconnect(c stream.Client)
	HandleMessage(ctx context.Context, c stream.Client, data []byte) bool
	Latest() (api.Snapshot, bool)
	Stats() stream.Stats
}

// Server wraps the HTTP surface area of the application.
type Server struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	cards      []gpu.Card
	stream     Stream
	static     http.Handler

	// connCtx is cancelled on Shutdown so hijacked websocket connections,
	// which http.Server.Shutdown does not track, close as well.
	connCtx    context.Context
	closeConns context.CancelFunc

	maxWSClients int64
	wsActive     atomic.Int64
	wsTotal      atomic.Uint64
	wsRejected   atomic.Uint64
	wsForbidden  atomic.Uint64
	wsSent       atomic.Uint64
	wsDropped    atomic.Uint64
	wsPingFails  atomic.Uint64
	wsConnIDs    atomic.Uint64
}

// New assembles a Server with its handlers.
func New(cfg config.Config, logger *slog.Logger, cards []gpu.Card, hub Stream) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	static, err := newStaticHandler(cfg.StaticRoot)
	if err != nil {
		return nil, err
	}

	connCtx, closeConns := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		logger:     logger,
		cards:      cards,
		stream:     hub,
		static:     static,
		connCtx:    connCtx,
		closeConns: closeConns,
	}
	if cfg.WS.MaxClients > 0 {
		s.maxWSClients = int64(cfg.WS.MaxClients)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/api/readyz", s.handleReadyz)
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc("/api/version", s.handleVersion)
	mux.HandleFunc("/api/gpus", s.handleGPUs)
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/", s.static)

	if cfg.EnablePrometheus {
		s.registerPrometheus(mux)
	}
	if cfg.EnablePprof {
		registerPprof(mux)
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.withRequestLogging(mux),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s, nil
}

// Handler returns the root handler including middleware.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving HTTP until shutdown is requested.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("listener stopped")
	return nil
}

// Shutdown closes websocket connections and gracefully stops the listener
// within the supplied context.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeConns()
	return s.httpServer.Shutdown(ctx)
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return true
	}
	w.Header().Set("Allow", "GET, HEAD")
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.loggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

type readyResponse struct {
	Status       string `json:"status"`
	StreamState  string `json:"stream_state"`
	Clients      int    `json:"clients"`
	GPUs         int    `json:"gpus"`
	GPUAvailable bool   `json:"gpu_available"`
	Reason       string `json:"reason,omitempty"`
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if s.stream == nil {
		s.writeJSON(w, r, http.StatusServiceUnavailable, readyResponse{Status: "initializing", Reason: "stream_not_configured"})
		return
	}

	stats := s.stream.Stats()
	resp := readyResponse{
		Status:       "ok",
		StreamState:  stats.State,
		Clients:      stats.Clients,
		GPUs:         len(s.cards),
		GPUAvailable: stats.GPUAvailable,
	}
	if len(s.cards) > 0 && !stats.GPUAvailable {
		resp.Status = "degraded"
		resp.Reason = "gpu_sampling_disabled"
	}
	s.writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	s.writeJSON(w, r, http.StatusOK, version.Current())
}

func (s *Server) handleGPUs(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	cards := s.cards
	if cards == nil {
		cards = []gpu.Card{}
	}
	s.writeJSON(w, r, http.StatusOK, cards)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if s.stream == nil {
		http.Error(w, "stream unavailable", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, r, http.StatusOK, s.stream.Stats())
}

func registerPprof(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}
