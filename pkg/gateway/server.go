package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/procd/internal/observability"
	"github.com/harun/procd/internal/tracing"
	"github.com/harun/procd/pkg/engine"
	"github.com/rs/zerolog"
)

const (
	notificationBuffer = 256
	maxRPCBody         = 1 << 20
	drainTimeout       = 5 * time.Second
)

// Server is the procd gateway: REST, SSE, JSON-RPC over HTTP and websocket
// on one listener.
type Server struct {
	addr        string
	heartbeat   time.Duration
	engine      *engine.Engine
	logger      zerolog.Logger
	clients     *ClientRegistry
	router      *RPCRouter
	auth        *AuthHandler
	broadcaster *EventBroadcaster
	upgrader    websocket.Upgrader

	httpServer *http.Server
	listener   net.Listener

	// closing guards notifications: once set nothing is sent on it.
	closingMu     sync.RWMutex
	closing       bool
	notifications chan engine.Notification
	pumpDone      chan struct{}

	requests sync.WaitGroup
	bg       sync.WaitGroup
	stopBG   chan struct{}
	stopOnce sync.Once
}

// Config configures a Server.
type Config struct {
	Host         string
	Port         int
	SharedSecret string
	// TickInterval, when positive, broadcasts a "tick" heartbeat to
	// websocket clients.
	TickInterval time.Duration
	Engine       *engine.Engine
	Logger       zerolog.Logger
}

// NewServer creates a gateway for cfg.Engine. The engine's lifecycle
// notifications are broadcast to websocket clients from then on.
func NewServer(cfg Config) (*Server, error) {
	switch {
	case cfg.Port < 0 || cfg.Port > 65535:
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	case cfg.Engine == nil:
		return nil, errors.New("engine is required")
	}

	logger := cfg.Logger.With().Str("component", "gateway").Logger()
	clients := NewClientRegistry()
	s := &Server{
		addr:          net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		heartbeat:     max(cfg.TickInterval, 0),
		engine:        cfg.Engine,
		logger:        logger,
		clients:       clients,
		router:        NewRPCRouter(),
		auth:          NewAuthHandler(cfg.SharedSecret),
		broadcaster:   NewEventBroadcaster(clients, logger),
		upgrader:      websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		notifications: make(chan engine.Notification, notificationBuffer),
		pumpDone:      make(chan struct{}),
		stopBG:        make(chan struct{}),
	}

	s.registerBuiltinMethods()
	cfg.Engine.OnNotify(s.enqueueNotification)
	go s.pumpNotifications()
	return s, nil
}

// Handler returns the HTTP handler serving every gateway route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", observability.MetricsHandler())
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.Handle("POST /rpc", s.requireSecret(http.HandlerFunc(s.handleRPC)))
	s.registerREST(mux)
	return mux
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener
	s.httpServer = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Starting gateway")
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	if s.heartbeat > 0 {
		s.bg.Add(1)
		go s.runHeartbeat()
	}
	return nil
}

// Addr returns the bound listen address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop waits for in-flight RPCs until ctx ends, says goodbye to websocket
// clients and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.closingMu.Lock()
	s.closing = true
	s.closingMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway")
	s.stopOnce.Do(func() {
		close(s.stopBG)
		close(s.notifications)
	})
	s.bg.Wait()
	<-s.pumpDone

	s.broadcaster.BroadcastTyped(EventMessage{
		Event:  "server.shutdown",
		Stream: StreamTypeLifecycle,
		Data:   map[string]interface{}{"message": "Server is shutting down"},
	})

	if waitGroup(ctx, &s.requests) {
		s.logger.Info().Msg("All in-flight requests completed")
	} else {
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	for _, client := range s.clients.All() {
		_ = client.Conn.Close()
		s.clients.Remove(client.ID)
	}

	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	s.logger.Info().Msg("Gateway stopped")
	return nil
}

// waitGroup waits for wg or ctx, reporting whether wg finished.
func waitGroup(ctx context.Context, wg *sync.WaitGroup) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Server) shuttingDown() bool {
	s.closingMu.RLock()
	defer s.closingMu.RUnlock()
	return s.closing
}

// enqueueNotification is the engine listener. It never blocks the engine;
// when the buffer is full the notification is dropped.
func (s *Server) enqueueNotification(n engine.Notification) {
	s.closingMu.RLock()
	defer s.closingMu.RUnlock()
	if s.closing {
		return
	}

	select {
	case s.notifications <- n:
	default:
		s.logger.Warn().Str("type", n.Type).Str("agent_type", n.AgentType).Str("process_id", n.ProcessID).Msg("Notification buffer full, dropping")
	}
}

func (s *Server) pumpNotifications() {
	defer close(s.pumpDone)
	for n := range s.notifications {
		s.broadcaster.Notify(n)
	}
}

func (s *Server) runHeartbeat() {
	defer s.bg.Done()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopBG:
			return
		case <-ticker.C:
			s.broadcaster.BroadcastTyped(EventMessage{
				Event:  "tick",
				Stream: StreamTypeLifecycle,
				Data:   map[string]interface{}{"status": "alive", "clients": s.clients.Count()},
			})
		}
	}
}

// requireSecret rejects requests without the shared secret.
func (s *Server) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.auth.CheckRequest(r) {
			writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"detail": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleRPC serves one JSON-RPC request per HTTP POST. Protocol errors are
// 400s; method errors travel in the response body with a 200.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRPCBody)).Decode(&raw); err != nil {
		writeJSON(w, http.StatusBadRequest, RPCResponse{JSONRPC: jsonRPCVersion, Error: &RPCError{Code: ParseError, Message: "Parse error", Data: err.Error()}})
		return
	}

	req, err := s.router.ParseRequest(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, RPCResponse{JSONRPC: jsonRPCVersion, Error: asRPCError(err)})
		return
	}

	ctx := s.requestContext(r)
	log := tracing.LoggerFromContext(ctx, s.logger)
	log.Info().Str("request_id", req.ID).Str("method", req.Method).Msg("Gateway received HTTP RPC request")

	s.requests.Add(1)
	defer s.requests.Done()
	writeJSON(w, http.StatusOK, s.router.RouteRequest(withRPCRequestID(ctx, req.ID), req))
}

func asRPCError(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &RPCError{Code: ParseError, Message: err.Error()}
}

// requestContext tags the request context with the caller's trace id, or a
// fresh one.
func (s *Server) requestContext(r *http.Request) context.Context {
	traceID := r.Header.Get("X-Trace-Id")
	if traceID == "" {
		traceID = tracing.NewTraceID()
	}
	return tracing.WithTraceID(r.Context(), traceID)
}

// Broadcast sends an event to every authenticated websocket client.
func (s *Server) Broadcast(event string, data interface{}) {
	s.broadcaster.Broadcast(event, data)
}

// RegisterMethod adds an RPC method.
func (s *Server) RegisterMethod(name string, handler RequestHandler) error {
	return s.router.RegisterMethod(name, handler)
}

// UnregisterMethod removes an RPC method.
func (s *Server) UnregisterMethod(name string) {
	s.router.UnregisterMethod(name)
}

// GetConnectedClients describes the connected websocket clients.
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.Infos(time.Now())
}
