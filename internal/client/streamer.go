package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kkotobuki/realtime-moziokosi/internal/protocol"
	"github.com/kkotobuki/realtime-moziokosi/internal/vad"
)

// Config contains streamer configuration
type Config struct {
	ServerURL string
	SessionID string // generated when empty
	Lang      string
	Mode      string
	VAD       vad.Config

	// DialTimeout bounds the WebSocket handshake
	DialTimeout time.Duration
}

// Event is one server-to-client message delivered on the Events channel
type Event struct {
	Type           string  `json:"type"`
	Text           string  `json:"text,omitempty"`
	SessionID      string  `json:"sessionId,omitempty"`
	IsFinal        bool    `json:"isFinal,omitempty"`
	BufferDuration float64 `json:"bufferDuration,omitempty"`
	Confidence     float64 `json:"confidence,omitempty"`
	Source         string  `json:"source,omitempty"`
	Message        string  `json:"message,omitempty"`
	ServerTime     int64   `json:"serverTime,omitempty"`

	// Params is present on session_started events only
	Params *protocol.SessionStartedParams `json:"params,omitempty"`
}

// Streamer connects to the transcription server, runs one voice activity
// detector per audio source, and streams speech as binary frames. Silence
// on a source triggers a speech_ended message automatically.
type Streamer struct {
	config Config
	logger *slog.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu        sync.Mutex
	detectors map[string]*vad.Detector

	events chan Event
	done   chan struct{}
}

// NewStreamer creates a streamer. SessionID is generated when not supplied.
func NewStreamer(config Config, logger *slog.Logger) *Streamer {
	if config.SessionID == "" {
		config.SessionID = "session_" + uuid.New().String()
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 10 * time.Second
	}

	return &Streamer{
		config:    config,
		logger:    logger,
		detectors: make(map[string]*vad.Detector),
		events:    make(chan Event, 64),
		done:      make(chan struct{}),
	}
}

// SessionID returns the session identifier in use
func (s *Streamer) SessionID() string {
	return s.config.SessionID
}

// Events returns the channel of server events. It is closed when the
// connection ends.
func (s *Streamer) Events() <-chan Event {
	return s.events
}

// Connect dials the server and opens the session
func (s *Streamer) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: s.config.DialTimeout}

	conn, _, err := dialer.DialContext(ctx, s.config.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", s.config.ServerURL, err)
	}
	s.conn = conn

	go s.readLoop()

	startMsg := protocol.StartPayload{
		SessionID: s.config.SessionID,
		Lang:      s.config.Lang,
	}
	if s.config.Mode != "" {
		startMsg.Params = &protocol.StartParams{Mode: s.config.Mode}
	}

	if err := s.sendJSON(struct {
		Type string `json:"type"`
		protocol.StartPayload
	}{protocol.TypeStart, startMsg}); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send start: %w", err)
	}

	s.logger.Info("Connected",
		slog.String("server", s.config.ServerURL),
		slog.String("session_id", s.config.SessionID),
	)
	return nil
}

// Process feeds one capture frame from the named source through its voice
// activity detector and streams the PCM. Every frame is forwarded; the
// detector only drives the speech_ended segmentation signal.
func (s *Streamer) Process(source string, frame []float32) error {
	detector, err := s.detector(source)
	if err != nil {
		return err
	}

	pcm := detector.Process(frame)

	data, err := protocol.EncodeAudioFrame(s.config.SessionID, source, pcm)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

// detector returns the per-source detector, creating it on first use
func (s *Streamer) detector(source string) (*vad.Detector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d, ok := s.detectors[source]; ok {
		return d, nil
	}

	d, err := vad.NewDetector(source, s.config.VAD,
		func(ev vad.Event) {
			s.logger.Debug("Speech started", slog.String("source", ev.Source))
		},
		func(ev vad.Event) {
			s.logger.Debug("Speech ended", slog.String("source", ev.Source))
			if err := s.sendSpeechEnded(ev.Source); err != nil {
				s.logger.Warn("Failed to send speech_ended",
					slog.String("source", ev.Source),
					slog.String("error", err.Error()),
				)
			}
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create detector for %s: %w", source, err)
	}

	s.detectors[source] = d
	return d, nil
}

func (s *Streamer) sendSpeechEnded(source string) error {
	return s.sendJSON(struct {
		Type string `json:"type"`
		protocol.SpeechEndedPayload
	}{protocol.TypeSpeechEnded, protocol.SpeechEndedPayload{
		SessionID: s.config.SessionID,
		Source:    source,
		Timestamp: time.Now().UnixMilli(),
	}})
}

// Flush forces speech_ended on every source that is currently speaking,
// used at end of input before closing
func (s *Streamer) Flush() {
	s.mu.Lock()
	detectors := make([]*vad.Detector, 0, len(s.detectors))
	for _, d := range s.detectors {
		detectors = append(detectors, d)
	}
	s.mu.Unlock()

	for _, d := range detectors {
		if d.Speaking() {
			if err := s.sendSpeechEnded(d.Source()); err != nil {
				s.logger.Warn("Failed to flush source",
					slog.String("source", d.Source()),
					slog.String("error", err.Error()),
				)
			}
		}
		d.Close()
	}
}

// Ping sends a liveness check; the server answers with a pong
func (s *Streamer) Ping() error {
	return s.sendJSON(struct {
		Type string `json:"type"`
		protocol.PingPayload
	}{protocol.TypePing, protocol.PingPayload{Timestamp: time.Now().UnixMilli()}})
}

// End closes the logical session on the server
func (s *Streamer) End() error {
	return s.sendJSON(struct {
		Type string `json:"type"`
		protocol.EndPayload
	}{protocol.TypeEnd, protocol.EndPayload{SessionID: s.config.SessionID}})
}

// Close ends the session and tears down the connection
func (s *Streamer) Close() error {
	s.Flush()
	if err := s.End(); err != nil {
		s.logger.Warn("Failed to send end", slog.String("error", err.Error()))
	}

	s.writeMu.Lock()
	s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()

	err := s.conn.Close()
	<-s.done
	return err
}

func (s *Streamer) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop delivers server events until the connection closes
func (s *Streamer) readLoop() {
	defer close(s.done)
	defer close(s.events)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("Connection closed", slog.String("error", err.Error()))
			}
			return
		}

		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			s.logger.Warn("Invalid server event", slog.String("error", err.Error()))
			continue
		}

		select {
		case s.events <- event:
		default:
			s.logger.Warn("Event channel full, dropping event", slog.String("type", event.Type))
		}
	}
}
