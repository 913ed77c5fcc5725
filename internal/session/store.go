package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kkotobuki/realtime-moziokosi/internal/audio"
	"github.com/kkotobuki/realtime-moziokosi/internal/protocol"
)

const (
	// DefaultMaxBufferBytes caps one session's utterance buffer at 1 MiB.
	// Appends that would exceed the cap are dropped whole, never truncated.
	DefaultMaxBufferBytes = 1024 * 1024

	// DefaultIdleTimeout is how long a session may stay inactive before the
	// sweep deletes it
	DefaultIdleTimeout = 30 * time.Second

	// DefaultSweepInterval is how often the idle sweep runs
	DefaultSweepInterval = 10 * time.Second
)

// Session holds the buffered audio and transcription configuration for one
// store key. Base sessions are keyed by the client-generated session id;
// derived per-source sessions are keyed by "<sessionId>_<source>" and
// inherit their configuration from the base at creation time.
type Session struct {
	Key             string
	Buffer          []byte
	IsActive        bool
	LastActivity    time.Time
	BufferStartTime time.Time

	// Transcription configuration, immutable after creation
	Language                 string
	Mode                     string
	MinTranscribeDurationSec float64
	MeetingInput             *protocol.MeetingInput

	// Spreadsheet log bookkeeping, cleared by reset_session
	SheetsRow             int
	SheetsAccumulatedText string
}

// Options contains per-session transcription configuration supplied at
// creation
type Options struct {
	Language                 string
	Mode                     string
	MinTranscribeDurationSec float64
	MeetingInput             *protocol.MeetingInput
}

// Info is a read-only snapshot of a session's metadata for monitoring
type Info struct {
	Key                      string    `json:"key"`
	BufferBytes              int       `json:"buffer_bytes"`
	BufferDuration           float64   `json:"buffer_duration_sec"`
	IsActive                 bool      `json:"is_active"`
	LastActivity             time.Time `json:"last_activity"`
	BufferStartTime          time.Time `json:"buffer_start_time"`
	Language                 string    `json:"language"`
	Mode                     string    `json:"mode"`
	MinTranscribeDurationSec float64   `json:"min_transcribe_duration_sec"`
}

// StoreConfig contains store tuning parameters; zero values fall back to
// the defaults above
type StoreConfig struct {
	MaxBufferBytes int
	IdleTimeout    time.Duration
	SweepInterval  time.Duration
}

// Store owns all audio sessions. It is explicitly constructed and carries
// its own sweep lifecycle so tests can run isolated instances without
// shared process state.
//
// All operations are safe for concurrent use; a single RWMutex serializes
// append/clear/read-and-clear per the single-writer-per-key model.
type Store struct {
	config StoreConfig
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	// Sweep lifecycle
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started bool

	// Statistics
	created      uint64
	deleted      uint64
	swept        uint64
	droppedBytes uint64
}

// StoreStats represents store statistics for monitoring
type StoreStats struct {
	ActiveSessions  int    `json:"active_sessions"`
	SessionsCreated uint64 `json:"sessions_created"`
	SessionsDeleted uint64 `json:"sessions_deleted"`
	SessionsSwept   uint64 `json:"sessions_swept"`
	DroppedBytes    uint64 `json:"dropped_bytes"`
}

// DerivedKey builds the store key for one audio source of a logical session
func DerivedKey(sessionID, source string) string {
	return sessionID + "_" + source
}

// NewStore creates a session store. Call Start to begin the idle sweep and
// Stop to shut it down.
func NewStore(config StoreConfig, logger *slog.Logger) *Store {
	if config.MaxBufferBytes <= 0 {
		config.MaxBufferBytes = DefaultMaxBufferBytes
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultSweepInterval
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Store{
		config:   config,
		logger:   logger,
		sessions: make(map[string]*Session),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Start launches the periodic idle sweep
func (s *Store) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go s.sweepLoop()
}

// Stop cancels the sweep and waits for it to finish
func (s *Store) Stop() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	s.cancel()
	if started {
		<-s.done
	}
}

// Create inserts a session with an empty buffer and the current timestamp.
// An existing session under the same key is overwritten, not merged.
func (s *Store) Create(key string, opts Options) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info("Creating session", slog.String("key", key))

	s.sessions[key] = &Session{
		Key:                      key,
		Buffer:                   make([]byte, 0),
		IsActive:                 true,
		LastActivity:             now,
		BufferStartTime:          now,
		Language:                 opts.Language,
		Mode:                     opts.Mode,
		MinTranscribeDurationSec: opts.MinTranscribeDurationSec,
		MeetingInput:             opts.MeetingInput,
	}
	s.created++
}

// Exists reports whether a session is present under the key
func (s *Store) Exists(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.sessions[key]
	return ok
}

// Append concatenates PCM bytes onto the session buffer and refreshes the
// activity timestamp. Unknown keys and appends that would exceed the buffer
// cap are dropped whole with a warning; neither is surfaced to the caller.
func (s *Store) Append(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[key]
	if !ok {
		s.logger.Warn("Append to unknown session", slog.String("key", key))
		return
	}

	if len(session.Buffer)+len(data) > s.config.MaxBufferBytes {
		s.droppedBytes += uint64(len(data))
		s.logger.Warn("Buffer cap exceeded, dropping audio",
			slog.String("key", key),
			slog.Int("buffer_bytes", len(session.Buffer)),
			slog.Int("dropped_bytes", len(data)),
			slog.Int("cap", s.config.MaxBufferBytes),
		)
		return
	}

	session.Buffer = append(session.Buffer, data...)
	session.LastActivity = time.Now()
}

// BufferBytes returns a copy of the session buffer, or nil when the key is
// unknown
func (s *Store) BufferBytes(key string) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[key]
	if !ok {
		return nil
	}

	buf := make([]byte, len(session.Buffer))
	copy(buf, session.Buffer)
	return buf
}

// TakeBuffer atomically returns the buffered bytes and clears the buffer.
// This is the read-and-clear used on speech_ended: audio arriving while the
// utterance is being transcribed accrues to the next utterance instead of
// being discarded by a late clear.
func (s *Store) TakeBuffer(key string) ([]byte, bool) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[key]
	if !ok {
		return nil, false
	}

	buf := session.Buffer
	session.Buffer = make([]byte, 0)
	session.BufferStartTime = now
	session.LastActivity = now

	return buf, true
}

// ClearBuffer empties the session buffer and resets its start time without
// deleting the session
func (s *Store) ClearBuffer(key string) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[key]
	if !ok {
		return
	}

	session.Buffer = make([]byte, 0)
	session.BufferStartTime = now
	session.LastActivity = now
}

// Get returns a snapshot copy of the session. The Buffer field of the copy
// is nil; use BufferBytes or TakeBuffer for audio data.
func (s *Store) Get(key string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[key]
	if !ok {
		return Session{}, false
	}

	snapshot := *session
	snapshot.Buffer = nil
	return snapshot, true
}

// Update applies a partial mutation to the session under the store lock and
// refreshes the activity timestamp. Returns false when the key is unknown.
// The mutator must not retain the *Session.
func (s *Store) Update(key string, apply func(*Session)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[key]
	if !ok {
		return false
	}

	apply(session)
	session.LastActivity = time.Now()
	return true
}

// Delete removes a single session
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[key]; !ok {
		return
	}

	s.logger.Info("Deleting session", slog.String("key", key))
	delete(s.sessions, key)
	s.deleted++
}

// DeleteTree removes the base session and every derived per-source session
// sharing the "<sessionId>_" prefix
func (s *Store) DeleteTree(sessionID string) int {
	prefix := sessionID + "_"

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key := range s.sessions {
		if key == sessionID || strings.HasPrefix(key, prefix) {
			delete(s.sessions, key)
			s.deleted++
			removed++
		}
	}

	if removed > 0 {
		s.logger.Info("Deleted session tree",
			slog.String("session_id", sessionID),
			slog.Int("removed", removed),
		)
	}

	return removed
}

// BufferDuration returns the buffered audio length in seconds, assuming the
// fixed 16 kHz mono 16-bit format. Returns 0 for unknown keys.
func (s *Store) BufferDuration(key string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[key]
	if !ok {
		return 0
	}

	return audio.PCMDuration(session.Buffer)
}

// Len returns the number of sessions currently in the store
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Keys returns all session keys (for monitoring)
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.sessions))
	for key := range s.sessions {
		keys = append(keys, key)
	}
	return keys
}

// GetInfo returns a monitoring snapshot for one session
func (s *Store) GetInfo(key string) (Info, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[key]
	if !ok {
		return Info{}, false
	}

	return Info{
		Key:                      session.Key,
		BufferBytes:              len(session.Buffer),
		BufferDuration:           audio.PCMDuration(session.Buffer),
		IsActive:                 session.IsActive,
		LastActivity:             session.LastActivity,
		BufferStartTime:          session.BufferStartTime,
		Language:                 session.Language,
		Mode:                     session.Mode,
		MinTranscribeDurationSec: session.MinTranscribeDurationSec,
	}, true
}

// GetAllInfo returns monitoring snapshots for every session
func (s *Store) GetAllInfo() []Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]Info, 0, len(s.sessions))
	for _, session := range s.sessions {
		infos = append(infos, Info{
			Key:                      session.Key,
			BufferBytes:              len(session.Buffer),
			BufferDuration:           audio.PCMDuration(session.Buffer),
			IsActive:                 session.IsActive,
			LastActivity:             session.LastActivity,
			BufferStartTime:          session.BufferStartTime,
			Language:                 session.Language,
			Mode:                     session.Mode,
			MinTranscribeDurationSec: session.MinTranscribeDurationSec,
		})
	}
	return infos
}

// GetStats returns current store statistics
func (s *Store) GetStats() StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return StoreStats{
		ActiveSessions:  len(s.sessions),
		SessionsCreated: s.created,
		SessionsDeleted: s.deleted,
		SessionsSwept:   s.swept,
		DroppedBytes:    s.droppedBytes,
	}
}

// sweepLoop runs until Stop, deleting idle sessions on every tick
func (s *Store) sweepLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	s.logger.Info("Session sweep started",
		slog.Duration("idle_timeout", s.config.IdleTimeout),
		slog.Duration("interval", s.config.SweepInterval),
	)

	for {
		select {
		case <-s.ctx.Done():
			s.logger.Info("Session sweep stopping")
			return

		case <-ticker.C:
			s.sweepIdleSessions()
		}
	}
}

// sweepIdleSessions deletes every session idle longer than the timeout
func (s *Store) sweepIdleSessions() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, session := range s.sessions {
		if now.Sub(session.LastActivity) > s.config.IdleTimeout {
			s.logger.Info("Cleaning up inactive session",
				slog.String("key", key),
				slog.Duration("idle", now.Sub(session.LastActivity)),
			)
			delete(s.sessions, key)
			s.deleted++
			s.swept++
		}
	}
}
