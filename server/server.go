// Package server provides the HTTP and WebSocket control server for the
// handheld agent.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/dotside-studios/handheld-agent/buildinfo"
	"github.com/dotside-studios/handheld-agent/handheld"
	"github.com/dotside-studios/handheld-agent/protocol"
	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Config holds the server configuration
type Config struct {
	Port      int
	APISecret string // Optional API secret for WebSocket connections
	// Advertise registers the server over mDNS.
	Advertise      bool
	ControlTimeout time.Duration
	// Metrics is served on /metrics when set.
	Metrics http.Handler
	Clock   clockwork.Clock

	// CertFile and KeyFile switch the listener to TLS. CAFile, when set, is
	// offered on /api/v1/ca.pem so phones can trust it.
	CertFile string
	KeyFile  string
	CAFile   string
}

// Server manages the HTTP and WebSocket server
type Server struct {
	config     Config
	svc        *handheld.Service
	log        zerolog.Logger
	httpServer *http.Server
	ctx        context.Context
	cancel     context.CancelFunc

	clients  *ClientManager
	sessions *SessionManager
	upgrader websocket.Upgrader

	handlerRegistry *HandlerRegistry

	// mDNS service for auto-discovery
	mdnsServer *zeroconf.Server
}

// New creates a new server instance driving svc.
func New(config Config, svc *handheld.Service, logger zerolog.Logger) *Server {
	if config.Port == 0 {
		config.Port = DefaultPort
	}
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	log := logger.With().Str("component", "server").Logger()
	s := &Server{
		config:   config,
		svc:      svc,
		log:      log,
		clients:  NewClientManager(log),
		sessions: NewSessionManager(config.APISecret, config.ControlTimeout, config.Clock, log),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
		handlerRegistry: NewHandlerRegistry(),
	}

	NewHandheldHandler(svc, s.sessions, log).Register(s)
	return s
}

// Handle implements HandlerServer interface.
func (s *Server) Handle(messageType string, handler HandlerFunc) error {
	return s.handlerRegistry.Handle(messageType, handler)
}

// StartLifecycle implements HandlerServer interface.
func (s *Server) StartLifecycle(start func(ctx context.Context)) {
	s.handlerRegistry.RegisterLifecycle(start)
}

// Broadcast implements HandlerServer interface.
func (s *Server) Broadcast(msg any) {
	s.clients.Broadcast(msg)
}

// enableCORS is a middleware that adds CORS headers to responses
func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", CORSAllowOrigin)
		w.Header().Set("Access-Control-Allow-Methods", CORSAllowMethods)
		w.Header().Set("Access-Control-Allow-Headers", CORSAllowHeaders)

		// Handle preflight OPTIONS requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func getOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	apiV1 := "/api/v1"
	mux.HandleFunc(apiV1+"/health", enableCORS(getOnly(s.handleHealthCheck)))
	mux.HandleFunc(apiV1+"/status", enableCORS(getOnly(s.handleStatus)))
	if s.config.CAFile != "" {
		mux.HandleFunc(apiV1+"/ca.pem", enableCORS(getOnly(s.handleCACert)))
	}
	if s.config.Metrics != nil {
		mux.Handle("/metrics", s.config.Metrics)
	}
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/", enableCORS(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(buildinfo.DisplayName + " Running"))
	}))
	return mux
}

// Start starts the HTTP server and blocks until Stop is called or the
// listener fails.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", s.config.Port, err)
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Subscribe to handheld events before accepting clients
	s.handlerRegistry.StartLifecycleHandlers(s.ctx)

	errCh := make(chan error, 1)
	go func() {
		if s.config.CertFile != "" {
			s.log.Info().Str("addr", ln.Addr().String()).Msg("Starting TLS server")
			errCh <- s.httpServer.ServeTLS(ln, s.config.CertFile, s.config.KeyFile)
			return
		}
		s.log.Info().Str("addr", ln.Addr().String()).Msg("Starting server")
		errCh <- s.httpServer.Serve(ln)
	}()

	if s.config.Advertise {
		if err := s.startMDNS(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to start mDNS service, auto-discovery will not be available")
		}
	}

	select {
	case <-s.ctx.Done():
		s.log.Info().Msg("Server context cancelled, shutting down")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	}
}

// Stop stops the HTTP server gracefully
func (s *Server) Stop() {
	if s.mdnsServer != nil {
		s.mdnsServer.Shutdown()
		s.mdnsServer = nil
		s.log.Info().Msg("mDNS service stopped")
	}

	s.clients.CloseAll()

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Warn().Err(err).Msg("Server shutdown error")
		}
		s.httpServer = nil
	}
	if s.cancel != nil {
		s.cancel()
	}
}

// startMDNS registers the agent as an mDNS service for auto-discovery
func (s *Server) startMDNS() error {
	txtRecords := []string{
		"version=" + buildinfo.Version,
		"protocol=websocket",
		"path=/ws",
		"auth=" + strconv.FormatBool(s.config.APISecret != ""),
		"tls=" + strconv.FormatBool(s.config.CertFile != ""),
	}

	server, err := zeroconf.Register(MDNSServiceName, MDNSServiceType, MDNSDomain, s.config.Port, txtRecords, nil)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}

	s.mdnsServer = server
	s.log.Info().Str("name", MDNSServiceName).Int("port", s.config.Port).Msg("mDNS service registered")
	return nil
}

// handleWebSocket upgrades HTTP connections to WebSocket connections and manages
// the client connection lifecycle
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.sessions.Authorize(r.URL.Query().Get("secret")) {
		s.log.Warn().Str("remote", r.RemoteAddr).Msg("WebSocket connection rejected: invalid API secret")
		http.Error(w, "Unauthorized: Invalid API secret", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("WebSocket upgrade error")
		return
	}

	client := newClient(conn)
	s.clients.Register(client)
	s.log.Info().Str("client", client.shortID()).Str("remote", r.RemoteAddr).Int("total", s.clients.Count()).Msg("Client connected")

	defer func() {
		s.clients.Unregister(client)
		s.sessions.Release(client.ID)
		client.close()
		s.log.Info().Str("client", client.shortID()).Int("total", s.clients.Count()).Msg("Client disconnected")
	}()

	// Send initial status
	if err := client.Send(protocol.WebSocketMessage{
		Type:    protocol.WSTypeStatus,
		Payload: protocol.FromStatus(s.svc.Status()),
	}); err != nil {
		s.log.Warn().Err(err).Msg("Failed to send initial status")
		return
	}

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var req protocol.WebSocketRequest
		if err := json.Unmarshal(message, &req); err != nil {
			s.log.Debug().Err(err).Msg("Failed to parse WebSocket message")
			s.sendErrorResponse(client, "", protocol.ErrCodeParse, "Invalid message format")
			continue
		}

		handler, ok := s.handlerRegistry.Get(req.Type)
		if !ok {
			s.log.Debug().Str("type", req.Type).Msg("Unknown message type")
			s.sendErrorResponse(client, req.ID, protocol.ErrCodeUnknownType, fmt.Sprintf("Unknown message type: %s", req.Type))
			continue
		}

		if err := handler(r.Context(), client, req); err != nil {
			s.log.Warn().Err(err).Str("type", req.Type).Msg("Handler error")
		}
	}
}

// sendErrorResponse sends a structured error response to a WebSocket client
func (s *Server) sendErrorResponse(client *Client, requestID string, errorCode string, message string) {
	response := protocol.WebSocketResponse{
		ID:      requestID,
		Type:    protocol.WSTypeError,
		Success: false,
		Error:   message,
		Payload: protocol.ErrorPayload{Code: errorCode},
	}

	if err := client.Send(response); err != nil {
		s.log.Warn().Err(err).Msg("Failed to send error response")
	}
}

// handleHealthCheck provides a health check endpoint (GET /api/v1/health)
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   buildinfo.FullVersion(),
		"timestamp": s.config.Clock.Now().Format(time.RFC3339),
		"clients":   s.clients.Count(),
		"connected": s.svc.IsConnected(),
	})
}

// handleStatus reports the facade state (GET /api/v1/status)
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.FromStatus(s.svc.Status()))
}

// handleCACert serves the local CA certificate (GET /api/v1/ca.pem)
func (s *Server) handleCACert(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="`+buildinfo.Name+`-ca.pem"`)
	http.ServeFile(w, r, s.config.CAFile)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
