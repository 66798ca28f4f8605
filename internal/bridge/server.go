package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum inbound message size, on the socket and the HTTP endpoint.
	maxMessageSize = 1 << 20
	// Outbound messages buffered per connection before it is dropped as slow.
	sendBuffer = 64
)

// HealthFunc reports the index's health for /healthz.
type HealthFunc func(ctx context.Context) (report any, healthy bool)

// ServerConfig configures the transport.
type ServerConfig struct {
	ListenAddr string
	// Broadcast sends every reply to every connection instead of only the
	// requester.
	Broadcast   bool
	MetricsPath string
}

// Server carries bridge messages over a websocket and a one-shot HTTP
// endpoint. Each websocket frame holds exactly one message.
type Server struct {
	cfg     ServerConfig
	bridge  *Bridge
	logger  *zap.Logger
	health  HealthFunc
	metrics http.Handler

	upgrader websocket.Upgrader
	router   chi.Router

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu         sync.Mutex
	conns      map[*conn]struct{}
	httpServer *http.Server
	addr       net.Addr
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithHealth serves fn at /healthz.
func WithHealth(fn HealthFunc) ServerOption {
	return func(s *Server) { s.health = fn }
}

// WithMetricsHandler serves h at the configured metrics path.
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(s *Server) { s.metrics = h }
}

// NewServer builds the transport for b.
func NewServer(cfg ServerConfig, b *Bridge, logger *zap.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		bridge:  b,
		logger:  logger.Named("bridge_server"),
		baseCtx: ctx,
		cancel:  cancel,
		conns:   make(map[*conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if !b.Policy().Allowed(origin) {
				s.logger.Warn("Rejected websocket handshake from untrusted origin.", zap.String("origin", origin))
				return false
			}
			return true
		},
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// The socket route stays outside the logging group; its lifetime is the
	// connection's.
	r.Get("/ws/v1/bridge", s.handleWS)

	r.Group(func(r chi.Router) {
		r.Use(requestLogger(s.logger))
		r.Post("/api/v1/message", s.handleMessage)
		r.Get("/healthz", s.handleHealth)
		if s.metrics != nil && s.cfg.MetricsPath != "" {
			r.Handle(s.cfg.MetricsPath, s.metrics)
		}
	})
	return r
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Addr returns the bound address once Serve has been called.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// ListenAndServe binds the configured address and serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	l, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("bridge: listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, l)
}

// Serve accepts connections on l until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	hs := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.baseCtx },
	}
	s.mu.Lock()
	s.httpServer = hs
	s.addr = l.Addr()
	s.mu.Unlock()

	s.logger.Info("Bridge server listening.", zap.String("address", l.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- hs.Serve(l) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := s.Shutdown(shutdownCtx)
		<-errCh
		return err
	}
}

// Shutdown stops accepting requests, closes every websocket and waits for
// their pumps to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	s.mu.Lock()
	hs := s.httpServer
	s.mu.Unlock()

	var err error
	if hs != nil {
		if sErr := hs.Shutdown(ctx); sErr != nil {
			err = fmt.Errorf("bridge: http shutdown: %w", sErr)
		}
	}

	s.mu.Lock()
	for c := range s.conns {
		_ = c.ws.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	return err
}

// Connections returns the number of open websockets.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.baseCtx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the status.
		s.logger.Debug("Websocket upgrade failed.", zap.Error(err))
		return
	}
	c := &conn{
		id:     uuid.NewString(),
		server: s,
		ws:     ws,
		origin: r.Header.Get("Origin"),
		send:   make(chan []byte, sendBuffer),
	}
	if !s.register(c) {
		_ = ws.Close()
		return
	}
	s.logger.Info("Bridge client connected.", zap.String("client_id", c.id), zap.String("origin", c.origin))
	go c.writePump()
	go c.readPump()
}

// register adds c and accounts for its two pumps. It refuses once Shutdown
// has begun, since Shutdown may already have closed the registered sockets.
func (s *Server) register(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.baseCtx.Err() != nil {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(2)
	return true
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageSize))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	reply, ok := s.bridge.Handle(r.Context(), r.Header.Get("Origin"), body)
	if !ok || reply == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(reply)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var (
		report  any = map[string]string{"status": "ok"}
		healthy     = true
	)
	if s.health != nil {
		report, healthy = s.health(r.Context())
	}
	raw, err := json.Marshal(report)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_, _ = w.Write(raw)
}

// deliver routes a reply to its requester, or to every connection in
// broadcast mode. A connection whose buffer is full is dropped.
func (s *Server) deliver(from *conn, msg []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Broadcast {
		s.sendLocked(from, msg)
		return
	}
	for c := range s.conns {
		s.sendLocked(c, msg)
	}
}

func (s *Server) sendLocked(c *conn, msg []byte) {
	if _, ok := s.conns[c]; !ok {
		return
	}
	select {
	case c.send <- msg:
	default:
		s.logger.Warn("Dropping slow bridge client.", zap.String("client_id", c.id))
		s.removeLocked(c)
	}
}

func (s *Server) unregister(c *conn) {
	s.mu.Lock()
	if _, ok := s.conns[c]; ok {
		s.removeLocked(c)
		s.logger.Info("Bridge client disconnected.", zap.String("client_id", c.id))
	}
	s.mu.Unlock()
}

func (s *Server) removeLocked(c *conn) {
	delete(s.conns, c)
	close(c.send)
}

// conn is one websocket peer.
type conn struct {
	id     string
	server *Server
	ws     *websocket.Conn
	origin string
	send   chan []byte
}

// readPump hands each inbound frame to the bridge and queues the reply.
func (c *conn) readPump() {
	defer func() {
		c.server.unregister(c)
		_ = c.ws.Close()
		c.server.wg.Done()
	}()
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error { return c.ws.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.server.logger.Warn("Bridge client read error.", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}
		reply, ok := c.server.bridge.Handle(c.server.baseCtx, c.origin, msg)
		if ok && reply != nil {
			c.server.deliver(c, reply)
		}
	}
}

// writePump drains the send queue, one message per frame, and keeps the
// connection alive with pings.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		c.server.wg.Done()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// requestLogger logs each HTTP request through zap.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("HTTP request.",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
