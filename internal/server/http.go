package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/voice-bridge-service/internal/audio"
	"github.com/skypro1111/voice-bridge-service/internal/config"
	"github.com/skypro1111/voice-bridge-service/internal/metrics"
	"github.com/skypro1111/voice-bridge-service/internal/session"
	"github.com/skypro1111/voice-bridge-service/internal/telephony"
)

// Server is the service's HTTP listener: media-stream WebSocket accept,
// provider call-control endpoints, and the monitoring API
type Server struct {
	server     *http.Server
	logger     *slog.Logger
	cfg        *config.Config
	registry   *session.Registry
	dialer     session.AgentDialer
	transcoder *audio.Transcoder
	telClient  *telephony.Client
	metrics    *metrics.Metrics
	upgrader   websocket.Upgrader

	// sessions inherit this context so shutdown drains them
	baseCtx    context.Context
	baseCancel context.CancelFunc

	startTime   time.Time
	lastCallSID string
	mu          sync.RWMutex
}

// New creates the HTTP server with all routes configured
func New(cfg *config.Config, logger *slog.Logger, registry *session.Registry,
	dialer session.AgentDialer, transcoder *audio.Transcoder,
	telClient *telephony.Client, m *metrics.Metrics) *Server {

	baseCtx, baseCancel := context.WithCancel(context.Background())

	s := &Server{
		logger:     logger,
		cfg:        cfg,
		registry:   registry,
		dialer:     dialer,
		transcoder: transcoder,
		telClient:  telClient,
		metrics:    m,
		upgrader:   newUpgrader(),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		startTime:  time.Now(),
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port),
		Handler:     mux,
		IdleTimeout: 60 * time.Second,
		// no read/write timeouts: the media-stream endpoint holds
		// long-lived WebSocket connections
	}

	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes(mux *http.ServeMux) {
	// Media-stream WebSocket endpoint (no metrics wrapper: the handler
	// blocks for the whole call)
	mux.HandleFunc(s.cfg.Server.StreamPath, s.handleMediaStream)

	// Provider call-control endpoints
	mux.HandleFunc("/voice", s.withMetrics("/voice", s.handleVoice))
	mux.HandleFunc("/callback", s.withMetrics("/callback", s.handleCallback))
	mux.HandleFunc("/call/", s.withMetrics("/call/{number}", s.handleCall))

	// Monitoring and management
	mux.HandleFunc("/health", s.withMetrics("/health", s.handleHealth))
	mux.HandleFunc("/sessions", s.withMetrics("/sessions", s.handleSessions))
	mux.HandleFunc("/sessions/", s.withMetrics("/sessions/{id}", s.handleSessionDetail))
	mux.HandleFunc("/stats", s.withMetrics("/stats", s.handleStats))
	mux.HandleFunc("/config", s.withMetrics("/config", s.handleConfig))
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/", s.withMetrics("/", s.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (s *Server) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: 200}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)
		s.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			s.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server",
		slog.String("address", s.server.Addr),
		slog.String("stream_path", s.cfg.Server.StreamPath),
	)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop drains all active sessions and shuts the listener down
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server...")

	s.baseCancel()
	s.registry.CloseAll()

	return s.server.Shutdown(ctx)
}

// LastCallSID returns the identifier of the most recently originated call
func (s *Server) LastCallSID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastCallSID
}

// handleVoice implements the provider's voice webhook: it returns the
// call-control markup that connects the call's media to our stream endpoint
func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	wsURL := fmt.Sprintf("wss://%s%s", s.cfg.Server.PublicHost, s.cfg.Server.StreamPath)
	markup, err := telephony.StreamMarkup(wsURL)
	if err != nil {
		s.logger.Error("failed to render stream markup", slog.String("error", err.Error()))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	s.logger.Debug("voice webhook served", slog.String("stream_url", wsURL))

	w.Header().Set("Content-Type", "application/xml")
	fmt.Fprint(w, markup)
}

// handleCallback implements the provider's call status webhook
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	callSID := r.FormValue("CallSid")
	callStatus := r.FormValue("CallStatus")

	s.logger.Info("call status callback",
		slog.String("call_sid", callSID),
		slog.String("status", callStatus),
	)
	s.metrics.RecordCallStatus(callStatus)

	w.WriteHeader(http.StatusOK)
}

// handleCall implements GET /call/{number}: originate an outbound call whose
// media will be bridged when the provider connects back to the stream
// endpoint
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	number := strings.TrimPrefix(r.URL.Path, "/call/")
	if number == "" {
		http.Error(w, "Phone number required", http.StatusBadRequest)
		return
	}

	voiceURL := fmt.Sprintf("https://%s/voice", s.cfg.Server.PublicHost)
	callbackURL := fmt.Sprintf("https://%s/callback", s.cfg.Server.PublicHost)

	call, err := s.telClient.Originate(r.Context(), number, voiceURL, callbackURL)
	if err != nil {
		s.metrics.RecordCallOriginateError()
		s.logger.Error("call origination failed",
			slog.String("to", number),
			slog.String("error", err.Error()),
		)
		http.Error(w, "Call origination failed", http.StatusBadGateway)
		return
	}

	s.metrics.RecordCallOriginated()

	s.mu.Lock()
	s.lastCallSID = call.SID
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": "calling",
		"sid":    call.SID,
	})
}

// handleHealth implements the /health endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	telStats := s.telClient.GetStats()

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(s.startTime).String(),
		"service": map[string]interface{}{
			"name":    "voice-bridge-service",
			"version": "1.0.0",
		},
		"components": map[string]interface{}{
			"bridge": map[string]interface{}{
				"status":          "running",
				"active_sessions": s.registry.ActiveCount(),
			},
			"telephony_api": map[string]interface{}{
				"status":         "running",
				"total_requests": telStats.TotalRequests,
				"success_rate":   telStats.SuccessRate,
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// handleSessions implements the /sessions endpoint
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessions := s.registry.Sessions()
	infos := make([]session.Info, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.GetInfo())
	}

	response := map[string]interface{}{
		"total_sessions": len(infos),
		"timestamp":      time.Now().UTC(),
		"sessions":       infos,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleSessionDetail implements the /sessions/{stream_sid} endpoint
func (s *Server) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	streamSID := strings.TrimPrefix(r.URL.Path, "/sessions/")
	if streamSID == "" {
		http.Error(w, "Stream ID required", http.StatusBadRequest)
		return
	}

	sess, exists := s.registry.Lookup(streamSID)
	if !exists {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sess.GetInfo())
}

// handleStats implements the /stats endpoint
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]interface{}{
		"uptime":    time.Since(s.startTime).String(),
		"timestamp": time.Now().UTC(),
		"sessions": map[string]interface{}{
			"active_count": s.registry.ActiveCount(),
		},
		"telephony_api": s.telClient.GetStats(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// handleConfig implements the /config endpoint with credentials omitted
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sanitized := map[string]interface{}{
		"server": map[string]interface{}{
			"port":        s.cfg.Server.Port,
			"address":     s.cfg.Server.Address,
			"public_host": s.cfg.Server.PublicHost,
			"stream_path": s.cfg.Server.StreamPath,
		},
		"audio": map[string]interface{}{
			"telephony_sample_rate": s.cfg.Audio.TelephonySampleRate,
			"agent_input_rate":      s.cfg.Audio.AgentInputRate,
			"agent_output_rate":     s.cfg.Audio.AgentOutputRate,
			"min_frame_bytes":       s.cfg.Audio.MinFrameBytes,
		},
		"session": map[string]interface{}{
			"keepalive_interval": s.cfg.Session.KeepaliveInterval,
			"agent_dial_timeout": s.cfg.Session.AgentDialTimeout,
		},
		"agent": map[string]interface{}{
			"url":      s.cfg.Agent.URL,
			"agent_id": s.cfg.Agent.AgentID,
			// API key intentionally omitted
		},
		"telephony": map[string]interface{}{
			"from_number":  s.cfg.Telephony.FromNumber,
			"api_base_url": s.cfg.Telephony.APIBaseURL,
			"timeout":      s.cfg.Telephony.Timeout,
			"max_retries":  s.cfg.Telephony.MaxRetries,
			// account SID and auth token intentionally omitted
		},
		"logging": map[string]interface{}{
			"level":  s.cfg.Logging.Level,
			"format": s.cfg.Logging.Format,
			"output": s.cfg.Logging.Output,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sanitized)
}

// handleRoot implements the / endpoint with API documentation
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "Voice Bridge Service",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"WS " + s.cfg.Server.StreamPath: "Telephony media-stream endpoint",
			"POST /voice":                   "Call-control markup webhook",
			"POST /callback":                "Call status webhook",
			"GET /call/{number}":            "Originate an outbound call",
			"GET /health":                   "Service health check",
			"GET /sessions":                 "List active bridge sessions",
			"GET /sessions/{stream_sid}":    "Get detailed session information",
			"GET /stats":                    "Get service statistics",
			"GET /config":                   "Get service configuration",
			"GET /metrics":                  "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(apiDoc)
}
