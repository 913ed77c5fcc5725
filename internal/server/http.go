package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kkotobuki/realtime-moziokosi/internal/config"
	"github.com/kkotobuki/realtime-moziokosi/internal/diagram"
	"github.com/kkotobuki/realtime-moziokosi/internal/metrics"
	"github.com/kkotobuki/realtime-moziokosi/internal/session"
	"github.com/kkotobuki/realtime-moziokosi/internal/transcription"
)

// HTTPServer provides HTTP API endpoints for monitoring and diagram
// generation
type HTTPServer struct {
	server      *http.Server
	logger      *slog.Logger
	config      *config.Config
	store       *session.Store
	wsServer    *WSServer
	handler     *Handler
	sttClient   *transcription.Client
	diagramGen  *diagram.Client
	httpMetrics *metrics.Metrics

	startTime time.Time
	mu        sync.RWMutex
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, appConfig *config.Config,
	store *session.Store, wsServer *WSServer, handler *Handler,
	sttClient *transcription.Client, diagramGen *diagram.Client, m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:      logger,
		config:      appConfig,
		store:       store,
		wsServer:    wsServer,
		handler:     handler,
		sttClient:   sttClient,
		diagramGen:  diagramGen,
		httpMetrics: m,
		startTime:   time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second, // diagram generation can be slow
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Health check endpoint
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Session monitoring endpoints
	mux.HandleFunc("/sessions", h.withMetrics("/sessions", h.handleSessions))
	mux.HandleFunc("/sessions/", h.withMetrics("/sessions/{key}", h.handleSessionDetail))

	// Configuration endpoint
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	// Statistics endpoint
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Diagram generation from the accumulated transcript
	mux.HandleFunc("/diagram", h.withMetrics("/diagram", h.handleDiagram))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("/metrics", promhttp.Handler())

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: 200}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.httpMetrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.httpMetrics.RecordHTTPError(r.Method, endpoint, errorType)
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
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(h.startTime)
	wsStats := h.wsServer.GetStats()
	storeStats := h.store.GetStats()
	sttStats := h.sttClient.GetStats()

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    uptime.String(),
		"service": map[string]interface{}{
			"name":    "realtime-moziokosi",
			"version": "1.0.0",
		},
		"components": map[string]interface{}{
			"websocket": map[string]interface{}{
				"status":           "running",
				"open_connections": wsStats.OpenConnections,
				"messages_total":   wsStats.MessagesTotal,
				"frames_total":     wsStats.FramesTotal,
				"parse_errors":     wsStats.ParseErrors,
			},
			"sessions": map[string]interface{}{
				"status":          "running",
				"active_sessions": storeStats.ActiveSessions,
			},
			"transcription": map[string]interface{}{
				"status":         "running",
				"total_requests": sttStats.TotalRequests,
				"success_rate":   sttStats.SuccessRate,
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	infos := h.store.GetAllInfo()

	response := map[string]interface{}{
		"total_sessions": len(infos),
		"timestamp":      time.Now().UTC(),
		"sessions":       infos,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleSessionDetail implements the /sessions/{key} endpoint
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	key := r.URL.Path[len("/sessions/"):]
	if key == "" {
		http.Error(w, "Session key required", http.StatusBadRequest)
		return
	}

	info, exists := h.store.GetInfo(key)
	if !exists {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(info)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Return sanitized configuration (remove sensitive data)
	sanitizedConfig := map[string]interface{}{
		"server": map[string]interface{}{
			"port":         h.config.Server.Port,
			"bind_address": h.config.Server.BindAddress,
			"path":         h.config.Server.Path,
			"read_limit":   h.config.Server.ReadLimit,
		},
		"audio": map[string]interface{}{
			"sample_rate": h.config.Audio.SampleRate,
			"channels":    h.config.Audio.Channels,
			"bit_depth":   h.config.Audio.BitDepth,
			"frame_size":  h.config.Audio.FrameSize,
		},
		"session": map[string]interface{}{
			"max_buffer_bytes": h.config.Session.MaxBufferBytes,
			"idle_timeout":     h.config.Session.IdleTimeout,
			"sweep_interval":   h.config.Session.SweepInterval,
			"default_lang":     h.config.Session.DefaultLang,
			"default_mode":     h.config.Session.DefaultMode,
		},
		"vad": map[string]interface{}{
			"threshold":         h.config.VAD.Threshold,
			"peak_factor":       h.config.VAD.PeakFactor,
			"noise_floor_alpha": h.config.VAD.NoiseFloorAlpha,
			"silence_ms":        h.config.VAD.SilenceMs,
		},
		"transcription": map[string]interface{}{
			"endpoint": h.config.Transcription.Endpoint,
			"model":    h.config.Transcription.Model,
			"timeout":  h.config.Transcription.Timeout,
			// Note: API key is intentionally omitted for security
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(h.startTime)

	stats := map[string]interface{}{
		"uptime":        uptime.String(),
		"timestamp":     time.Now().UTC(),
		"websocket":     h.wsServer.GetStats(),
		"sessions":      h.store.GetStats(),
		"transcription": h.sttClient.GetStats(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// diagramRequest is the POST /diagram body
type diagramRequest struct {
	SessionID string `json:"sessionId"`
}

// handleDiagram implements POST /diagram: generate a Mermaid diagram from
// the session's accumulated transcript
func (h *HTTPServer) handleDiagram(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req diagramRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" {
		http.Error(w, "sessionId required", http.StatusBadRequest)
		return
	}

	transcripts := h.handler.Transcripts(req.SessionID)
	if len(transcripts) == 0 {
		http.Error(w, "No transcript for session", http.StatusNotFound)
		return
	}

	sess, _ := h.store.Get(req.SessionID)

	result, err := h.diagramGen.Generate(r.Context(), transcripts, sess.MeetingInput)
	if err != nil {
		h.logger.Error("Diagram generation failed",
			slog.String("session_id", req.SessionID),
			slog.String("error", err.Error()),
		)
		http.Error(w, "Diagram generation failed", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "Realtime Meeting Transcription Service",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /":               "API documentation",
			"GET /health":         "Service health check",
			"GET /sessions":       "List all active sessions",
			"GET /sessions/{key}": "Get detailed session information",
			"GET /config":         "Get service configuration",
			"GET /stats":          "Get service statistics",
			"POST /diagram":       "Generate a Mermaid diagram from a session transcript",
			"GET /metrics":        "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(apiDoc)
}
