package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kkotobuki/realtime-moziokosi/internal/config"
	"github.com/kkotobuki/realtime-moziokosi/internal/metrics"
	"github.com/kkotobuki/realtime-moziokosi/internal/protocol"
)

// WSServer accepts WebSocket connections and feeds parsed messages to the
// protocol handler. Each connection gets one read loop; transcription runs
// in per-utterance goroutines so audio keeps flowing during API calls.
type WSServer struct {
	server   *http.Server
	upgrader websocket.Upgrader
	handler  *Handler
	logger   *slog.Logger
	config   config.ServerConfig
	metrics  *metrics.Metrics

	mu    sync.Mutex
	conns map[*wsConn]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Statistics
	statsMu          sync.RWMutex
	connectionsTotal uint64
	messagesTotal    uint64
	framesTotal      uint64
	parseErrors      uint64
}

// WSStats represents WebSocket server statistics
type WSStats struct {
	OpenConnections  int    `json:"open_connections"`
	ConnectionsTotal uint64 `json:"connections_total"`
	MessagesTotal    uint64 `json:"messages_total"`
	FramesTotal      uint64 `json:"frames_total"`
	ParseErrors      uint64 `json:"parse_errors"`
}

// wsConn wraps one client connection with a write lock; gorilla/websocket
// allows only one concurrent writer per connection
type wsConn struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
}

// Emit marshals the event and writes it as one text frame
func (c *wsConn) Emit(event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// NewWSServer creates the WebSocket server
func NewWSServer(cfg config.ServerConfig, handler *Handler, m *metrics.Metrics, logger *slog.Logger) *WSServer {
	ctx, cancel := context.WithCancel(context.Background())

	s := &WSServer{
		handler: handler,
		logger:  logger,
		config:  cfg,
		metrics: m,
		conns:   make(map[*wsConn]struct{}),
		ctx:     ctx,
		cancel:  cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// Browser clients connect from arbitrary origins
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.handleUpgrade)

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port),
		Handler: mux,
	}

	return s
}

// Start begins accepting WebSocket connections
func (s *WSServer) Start() error {
	s.logger.Info("Starting WebSocket server",
		slog.String("address", s.server.Addr),
		slog.String("path", s.config.Path),
	)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("WebSocket server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop closes the listener and all open connections, then waits for their
// read loops to finish
func (s *WSServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping WebSocket server...")

	s.cancel()

	err := s.server.Shutdown(ctx)

	s.mu.Lock()
	for c := range s.conns {
		c.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

// handleUpgrade upgrades one HTTP request and runs its read loop
func (s *WSServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}

	if s.config.ReadLimit > 0 {
		conn.SetReadLimit(s.config.ReadLimit)
	}

	c := &wsConn{
		conn:         conn,
		writeTimeout: s.config.GetWriteTimeout(),
	}

	s.mu.Lock()
	s.conns[c] = struct{}{}
	open := len(s.conns)
	s.mu.Unlock()

	s.statsMu.Lock()
	s.connectionsTotal++
	s.statsMu.Unlock()
	s.metrics.SetConnections(open)

	s.logger.Info("Client connected",
		slog.String("remote", r.RemoteAddr),
		slog.Int("open_connections", open),
	)

	s.wg.Add(1)
	go s.readLoop(c, r.RemoteAddr)
}

// readLoop consumes frames from one connection until it closes
func (s *WSServer) readLoop(c *wsConn, remote string) {
	defer s.wg.Done()
	defer func() {
		c.conn.Close()

		s.mu.Lock()
		delete(s.conns, c)
		open := len(s.conns)
		s.mu.Unlock()
		s.metrics.SetConnections(open)

		s.logger.Info("Client disconnected",
			slog.String("remote", remote),
			slog.Int("open_connections", open),
		)
	}()

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("Read error",
					slog.String("remote", remote),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		switch msgType {
		case websocket.TextMessage:
			s.handleTextFrame(c, data)
		case websocket.BinaryMessage:
			s.handleBinaryFrame(c, data)
		}
	}
}

func (s *WSServer) handleTextFrame(c *wsConn, data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		s.recordParseError()
		s.logger.Warn("Invalid message", slog.String("error", err.Error()))
		if emitErr := c.Emit(protocol.NewError("", "invalid message")); emitErr != nil {
			s.logger.Warn("Failed to send error event", slog.String("error", emitErr.Error()))
		}
		return
	}

	s.statsMu.Lock()
	s.messagesTotal++
	s.statsMu.Unlock()

	// speech_ended blocks on the transcription API; run it off the read
	// loop so audio for the next utterance keeps flowing
	if msg.Type == protocol.TypeSpeechEnded {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handler.HandleMessage(s.ctx, c, msg)
		}()
		return
	}

	s.handler.HandleMessage(s.ctx, c, msg)
}

func (s *WSServer) handleBinaryFrame(c *wsConn, data []byte) {
	frame, err := protocol.ParseAudioFrame(data)
	if err != nil {
		s.recordParseError()
		s.logger.Warn("Invalid audio frame", slog.String("error", err.Error()))
		return
	}

	s.statsMu.Lock()
	s.framesTotal++
	s.statsMu.Unlock()

	s.handler.HandleAudioFrame(frame)
}

func (s *WSServer) recordParseError() {
	s.metrics.RecordParseError()
	s.statsMu.Lock()
	s.parseErrors++
	s.statsMu.Unlock()
}

// GetStats returns current server statistics
func (s *WSServer) GetStats() WSStats {
	s.mu.Lock()
	open := len(s.conns)
	s.mu.Unlock()

	s.statsMu.RLock()
	defer s.statsMu.RUnlock()

	return WSStats{
		OpenConnections:  open,
		ConnectionsTotal: s.connectionsTotal,
		MessagesTotal:    s.messagesTotal,
		FramesTotal:      s.framesTotal,
		ParseErrors:      s.parseErrors,
	}
}
