package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kkotobuki/realtime-moziokosi/internal/audio"
	"github.com/kkotobuki/realtime-moziokosi/internal/metrics"
	"github.com/kkotobuki/realtime-moziokosi/internal/protocol"
	"github.com/kkotobuki/realtime-moziokosi/internal/session"
	"github.com/kkotobuki/realtime-moziokosi/internal/sheets"
	"github.com/kkotobuki/realtime-moziokosi/internal/transcription"
)

// Emitter sends one server-to-client event. Implementations must be safe
// for concurrent use; transcription results are emitted from worker
// goroutines while the read loop keeps accepting audio.
type Emitter interface {
	Emit(event any) error
}

// HandlerConfig contains the session defaults applied when a start message
// omits them
type HandlerConfig struct {
	DefaultLang   string
	DefaultMode   string
	DefaultMinSec float64

	// AckThreshold is echoed in session_started when the client does not
	// supply its own
	AckThreshold float64
}

// DefaultHandlerConfig returns the stock session defaults
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		DefaultLang:   "ja",
		DefaultMode:   "normal",
		DefaultMinSec: 2.0,
		AckThreshold:  1.6,
	}
}

// Handler implements the session protocol: it owns no transport and is
// driven by a connection loop handing it parsed messages
type Handler struct {
	config      HandlerConfig
	store       *session.Store
	transcriber transcription.Transcriber
	sheets      *sheets.Logger
	metrics     *metrics.Metrics
	logger      *slog.Logger

	// Transcript history per base session, feeds diagram generation
	transcriptMu sync.Mutex
	transcripts  map[string][]string
}

// NewHandler creates a protocol handler
func NewHandler(config HandlerConfig, store *session.Store, transcriber transcription.Transcriber,
	sheetsLogger *sheets.Logger, m *metrics.Metrics, logger *slog.Logger) *Handler {

	if config.DefaultLang == "" {
		config.DefaultLang = "ja"
	}
	if config.DefaultMode == "" {
		config.DefaultMode = "normal"
	}
	if config.DefaultMinSec <= 0 {
		config.DefaultMinSec = 2.0
	}
	if config.AckThreshold <= 0 {
		config.AckThreshold = 1.6
	}

	return &Handler{
		config:      config,
		store:       store,
		transcriber: transcriber,
		sheets:      sheetsLogger,
		metrics:     m,
		logger:      logger,
		transcripts: make(map[string][]string),
	}
}

// HandleMessage dispatches one parsed control message. speech_ended blocks
// on the transcription API, so connection loops should call it from a
// goroutine.
func (h *Handler) HandleMessage(ctx context.Context, emitter Emitter, msg *protocol.Message) {
	h.metrics.RecordMessageReceived()

	switch msg.Type {
	case protocol.TypeStart:
		h.handleStart(emitter, msg.Start)
	case protocol.TypeAudio:
		h.handleAudio(msg.Audio)
	case protocol.TypeSpeechEnded:
		h.handleSpeechEnded(ctx, emitter, msg.SpeechEnded)
	case protocol.TypeEnd:
		h.handleEnd(msg.End)
	case protocol.TypeResetSession:
		h.handleReset(emitter, msg.Reset)
	case protocol.TypePing:
		h.handlePing(emitter, msg.Ping)
	default:
		h.emit(emitter, protocol.NewError("", fmt.Sprintf("unknown message type: %s", msg.Type)))
	}
}

// HandleAudioFrame appends one binary audio frame to its derived session,
// creating the session on first use
func (h *Handler) HandleAudioFrame(frame *protocol.AudioFrame) {
	h.metrics.RecordAudioFrame(len(frame.PCM))
	h.appendAudio(frame.SessionID, frame.Source, frame.PCM)
}

func (h *Handler) handleStart(emitter Emitter, payload *protocol.StartPayload) {
	opts := session.Options{
		Language:                 payload.Lang,
		Mode:                     h.config.DefaultMode,
		MinTranscribeDurationSec: h.config.DefaultMinSec,
	}
	if opts.Language == "" {
		opts.Language = h.config.DefaultLang
	}

	threshold := h.config.AckThreshold
	if payload.Params != nil {
		if payload.Params.Mode != "" {
			opts.Mode = payload.Params.Mode
		}
		if payload.Params.MinTranscribeDurationSec > 0 {
			opts.MinTranscribeDurationSec = payload.Params.MinTranscribeDurationSec
		}
		if payload.Params.Threshold > 0 {
			threshold = payload.Params.Threshold
		}
		opts.MeetingInput = payload.Params.MeetingInput
	}

	h.store.Create(payload.SessionID, opts)
	h.metrics.RecordSessionCreated()

	h.logger.Info("Session started",
		slog.String("session_id", payload.SessionID),
		slog.String("lang", opts.Language),
		slog.String("mode", opts.Mode),
	)

	h.emit(emitter, protocol.NewSessionStarted(payload.SessionID, threshold, opts.MinTranscribeDurationSec))
}

func (h *Handler) handleAudio(payload *protocol.AudioPayload) {
	if payload.SessionID == "" {
		h.logger.Warn("Audio message without session id")
		return
	}
	h.metrics.RecordAudioFrame(len(payload.Buffer))
	h.appendAudio(payload.SessionID, payload.Source, payload.Buffer)
}

// appendAudio routes PCM to the derived per-source session, creating it on
// first use with the base session's configuration
func (h *Handler) appendAudio(sessionID, source string, pcm []byte) {
	if source == "" {
		source = protocol.SourceMicrophone
	}

	key := session.DerivedKey(sessionID, source)
	if !h.store.Exists(key) {
		base, ok := h.store.Get(sessionID)
		if !ok {
			h.logger.Warn("Audio for unknown session",
				slog.String("session_id", sessionID),
				slog.String("source", source),
			)
			return
		}

		h.store.Create(key, session.Options{
			Language:                 base.Language,
			Mode:                     base.Mode,
			MinTranscribeDurationSec: base.MinTranscribeDurationSec,
			MeetingInput:             base.MeetingInput,
		})
		h.metrics.RecordSessionCreated()
	}

	h.store.Append(key, pcm)
	h.metrics.SetActiveSessions(h.store.Len())
}

func (h *Handler) handleSpeechEnded(ctx context.Context, emitter Emitter, payload *protocol.SpeechEndedPayload) {
	source := payload.Source
	if source == "" {
		source = protocol.SourceMicrophone
	}
	key := session.DerivedKey(payload.SessionID, source)

	pcm, ok := h.store.TakeBuffer(key)
	if !ok {
		h.logger.Warn("speech_ended for unknown session", slog.String("key", key))
		return
	}
	if len(pcm) == 0 {
		h.logger.Debug("speech_ended with empty buffer", slog.String("key", key))
		return
	}

	sess, _ := h.store.Get(key)
	bufferDuration := audio.PCMDuration(pcm)
	h.metrics.RecordUtterance(bufferDuration)
	h.metrics.RecordTranscriptionRequest()

	startTime := time.Now()
	result, err := h.transcriber.Transcribe(ctx, pcm, sess.Language)
	if err != nil {
		h.metrics.RecordTranscriptionFailure(time.Since(startTime).Seconds())
		h.logger.Error("Transcription failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		h.emit(emitter, protocol.NewError(payload.SessionID, "transcription failed"))
		return
	}
	h.metrics.RecordTranscriptionSuccess(time.Since(startTime).Seconds())
	if result.Text == "" {
		h.metrics.RecordFilteredResult()
		h.logger.Debug("Transcription filtered, nothing to emit",
			slog.String("key", key),
			slog.Float64("buffer_duration", bufferDuration),
		)
		return
	}

	h.emit(emitter, &protocol.FinalEvent{
		Type:           protocol.TypeFinal,
		Text:           result.Text,
		SessionID:      payload.SessionID,
		IsFinal:        true,
		BufferDuration: bufferDuration,
		Confidence:     result.Confidence,
		Source:         source,
	})

	h.recordTranscript(payload.SessionID, result.Text)
	go h.sheets.UpdateOrAppend(context.Background(), payload.SessionID, result.Text)
}

func (h *Handler) handleEnd(payload *protocol.EndPayload) {
	removed := h.store.DeleteTree(payload.SessionID)
	for i := 0; i < removed; i++ {
		h.metrics.RecordSessionDestroyed()
	}
	h.metrics.SetActiveSessions(h.store.Len())

	h.logger.Info("Session ended",
		slog.String("session_id", payload.SessionID),
		slog.Int("removed", removed),
	)
}

func (h *Handler) handleReset(emitter Emitter, payload *protocol.ResetPayload) {
	h.sheets.ResetSession(payload.SessionID)

	h.store.Update(payload.SessionID, func(sess *session.Session) {
		sess.SheetsRow = 0
		sess.SheetsAccumulatedText = ""
	})

	h.transcriptMu.Lock()
	delete(h.transcripts, payload.SessionID)
	h.transcriptMu.Unlock()

	h.logger.Info("Session reset", slog.String("session_id", payload.SessionID))

	h.emit(emitter, &protocol.SessionResetEvent{
		Type:      protocol.TypeSessionReset,
		SessionID: payload.SessionID,
	})
}

func (h *Handler) handlePing(emitter Emitter, payload *protocol.PingPayload) {
	h.emit(emitter, &protocol.PongEvent{
		Type:       protocol.TypePong,
		Timestamp:  payload.Timestamp,
		ServerTime: time.Now().UnixMilli(),
	})
}

func (h *Handler) recordTranscript(sessionID, text string) {
	h.transcriptMu.Lock()
	defer h.transcriptMu.Unlock()
	h.transcripts[sessionID] = append(h.transcripts[sessionID], text)
}

// Transcripts returns a copy of the accumulated transcript for one session
func (h *Handler) Transcripts(sessionID string) []string {
	h.transcriptMu.Lock()
	defer h.transcriptMu.Unlock()

	entries := h.transcripts[sessionID]
	out := make([]string, len(entries))
	copy(out, entries)
	return out
}

func (h *Handler) emit(emitter Emitter, event any) {
	if err := emitter.Emit(event); err != nil {
		h.logger.Warn("Failed to emit event", slog.String("error", err.Error()))
	}
}
