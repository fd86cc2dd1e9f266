package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/skobkin/sysdash-web/internal/stream"
)

const (
	// Outbound headroom on top of the replay history.
	wsQueueHeadroom = 16
	commandTimeout  = 2 * time.Minute
)

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	reqLogger := s.loggerFromContext(r.Context())
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !originAllowed(r, s.cfg.AllowedOrigins) {
		s.wsForbidden.Add(1)
		reqLogger.Warn("websocket rejected", "reason", "origin", "origin", r.Header.Get("Origin"))
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	if !s.reserveWS() {
		reqLogger.Warn("websocket rejected", "reason", "capacity")
		http.Error(w, "websocket capacity reached", http.StatusServiceUnavailable)
		return
	}
	defer s.releaseWS()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		reqLogger.Warn("websocket accept failed", "err", err)
		return
	}

	client := newWSClient(s.wsConnIDs.Add(1), s.cfg.KeepEvents+wsQueueHeadroom, &s.wsDropped)
	s.wsTotal.Add(1)
	logger := reqLogger.With("ws_id", client.ID())
	logger.Info("websocket connected")

	ctx, cancel := context.WithCancel(r.Context())
	stopOnShutdown := context.AfterFunc(s.connCtx, cancel)

	writerDone := make(chan struct{})
	go s.wsWriter(ctx, conn, client, cancel, logger, writerDone)

	commands := newCommandQueue()
	go s.commandWorker(ctx, client, commands)

	readErrCh := make(chan error, 1)
	go s.readMessages(ctx, conn, commands, readErrCh, logger)

	s.stream.Connect(client)

	defer func() {
		s.stream.Disconnect(client)
		client.close()
		stopOnShutdown()
		cancel()
		<-writerDone
		closeWebsocket(logger, conn)
		logger.Info("websocket disconnected")
	}()

	ticker := time.NewTicker(s.cfg.WS.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-readErrCh:
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				logger.Warn("websocket read error", "err", err)
			}
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.ping(ctx, conn); err != nil {
				if ctx.Err() == nil {
					s.wsPingFails.Add(1)
					logger.Info("websocket liveness probe failed", "err", err)
				}
				return
			}
		}
	}
}

// ping relies on readMessages running concurrently to receive the pong.
func (s *Server) ping(ctx context.Context, conn *websocket.Conn) error {
	pingCtx, cancel := context.WithTimeout(ctx, s.cfg.WS.PingInterval)
	defer cancel()
	return conn.Ping(pingCtx)
}

// readMessages never blocks on command processing so control frames keep
// flowing while a slow workload action runs.
func (s *Server) readMessages(ctx context.Context, conn *websocket.Conn, out *commandQueue, errCh chan<- error, logger *slog.Logger) {
	defer out.close()
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			errCh <- err
			return
		}
		if msgType != websocket.MessageText {
			logger.Debug("ignoring non-text client frame", "type", msgType.String())
			continue
		}
		out.push(data)
	}
}

// commandWorker runs one connection's commands in arrival order. Commands
// received before the client went away still run, each bounded by
// commandTimeout.
func (s *Server) commandWorker(ctx context.Context, client *wsClient, commands *commandQueue) {
	base := context.WithoutCancel(ctx)
	for {
		data, ok := commands.next()
		if !ok {
			return
		}
		cmdCtx, cancel := context.WithTimeout(base, commandTimeout)
		s.stream.HandleMessage(cmdCtx, client, data)
		cancel()
	}
}

// commandQueue is an unbounded FIFO between the reader and the command
// worker. push never blocks.
type commandQueue struct {
	mu     sync.Mutex
	items  [][]byte
	closed bool
	ready  chan struct{}
}

func newCommandQueue() *commandQueue {
	return &commandQueue{ready: make(chan struct{}, 1)}
}

func (q *commandQueue) push(data []byte) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, data)
	q.mu.Unlock()
	q.signal()
}

func (q *commandQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// next blocks until a command is available. It reports false once the queue
// is closed and drained.
func (q *commandQueue) next() ([]byte, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			data := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return data, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()
		<-q.ready
	}
}

func (q *commandQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (s *Server) wsWriter(ctx context.Context, conn *websocket.Conn, client *wsClient, cancel context.CancelFunc, logger *slog.Logger, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.done:
			return
		case msg := <-client.queue:
			if err := s.writeFrame(ctx, conn, msg); err != nil {
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure && ctx.Err() == nil {
					logger.Warn("websocket write failed", "err", err)
				}
				cancel()
				return
			}
			s.wsSent.Add(1)
		}
	}
}

func (s *Server) writeFrame(ctx context.Context, conn *websocket.Conn, data []byte) error {
	if s.cfg.WS.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.WS.WriteTimeout)
		defer cancel()
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func closeWebsocket(logger *slog.Logger, conn *websocket.Conn) {
	if err := conn.Close(websocket.StatusNormalClosure, ""); err != nil {
		var closeErr websocket.CloseError
		if !errors.As(err, &closeErr) {
			logger.Debug("websocket close failed", "err", err)
		}
	}
}

func (s *Server) reserveWS() bool {
	if s.maxWSClients <= 0 {
		s.wsActive.Add(1)
		return true
	}

	for {
		current := s.wsActive.Load()
		if current >= s.maxWSClients {
			s.wsRejected.Add(1)
			return false
		}
		if s.wsActive.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (s *Server) releaseWS() {
	s.wsActive.Add(-1)
}

// originAllowed accepts requests without an Origin header, same-origin
// requests and origins whose host matches one of the path.Match patterns.
func originAllowed(r *http.Request, patterns []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	host := strings.ToLower(u.Host)
	for _, pattern := range patterns {
		if matched, err := path.Match(strings.ToLower(pattern), host); err == nil && matched {
			return true
		}
	}
	return false
}

// wsClient is the hub-facing side of one connection: a bounded queue that
// is drained by wsWriter.
type wsClient struct {
	id    uint64
	queue chan []byte
	done  chan struct{}
	once  sync.Once
	drops *atomic.Uint64
}

func newWSClient(id uint64, size int, drops *atomic.Uint64) *wsClient {
	if size <= 0 {
		size = 1
	}
	return &wsClient{
		id:    id,
		queue: make(chan []byte, size),
		done:  make(chan struct{}),
		drops: drops,
	}
}

func (c *wsClient) ID() uint64 {
	return c.id
}

// Send never blocks. A full queue drops the frame for this client only.
func (c *wsClient) Send(frame []byte) error {
	select {
	case <-c.done:
		return stream.ErrClientClosed
	default:
	}

	select {
	case c.queue <- frame:
		return nil
	default:
		if c.drops != nil {
			c.drops.Add(1)
		}
		return stream.ErrQueueFull
	}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
	})
}
