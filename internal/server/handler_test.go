package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/kkotobuki/realtime-moziokosi/internal/metrics"
	"github.com/kkotobuki/realtime-moziokosi/internal/protocol"
	"github.com/kkotobuki/realtime-moziokosi/internal/session"
	"github.com/kkotobuki/realtime-moziokosi/internal/sheets"
	"github.com/kkotobuki/realtime-moziokosi/internal/transcription"
)

// Prometheus collectors register globally, so all tests share one instance
var (
	testMetricsOnce sync.Once
	testMetrics     *metrics.Metrics
)

func sharedMetrics() *metrics.Metrics {
	testMetricsOnce.Do(func() {
		testMetrics = metrics.NewMetrics()
	})
	return testMetrics
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// captureEmitter records every emitted event
type captureEmitter struct {
	mu     sync.Mutex
	events []any
}

func (e *captureEmitter) Emit(event any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
	return nil
}

func (e *captureEmitter) all() []any {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]any, len(e.events))
	copy(out, e.events)
	return out
}

// fakeTranscriber returns a fixed result or error and records its inputs
type fakeTranscriber struct {
	mu       sync.Mutex
	result   *transcription.Result
	err      error
	gotPCM   []byte
	gotLang  string
	numCalls int
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, pcm []byte, language string) (*transcription.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.numCalls++
	f.gotPCM = append([]byte(nil), pcm...)
	f.gotLang = language
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func newTestHandler(t *testing.T, transcriber transcription.Transcriber) (*Handler, *session.Store) {
	t.Helper()

	store := session.NewStore(session.StoreConfig{}, testLogger())
	t.Cleanup(store.Stop)

	sheetsLogger := sheets.NewLogger(sheets.Config{}, testLogger())
	handler := NewHandler(DefaultHandlerConfig(), store, transcriber, sheetsLogger, sharedMetrics(), testLogger())
	return handler, store
}

func start(t *testing.T, h *Handler, e Emitter, raw string) {
	t.Helper()
	msg, err := protocol.ParseMessage([]byte(raw))
	if err != nil {
		t.Fatalf("ParseMessage(%q): %v", raw, err)
	}
	h.HandleMessage(context.Background(), e, msg)
}

func TestStartCreatesSessionWithDefaults(t *testing.T) {
	handler, store := newTestHandler(t, &fakeTranscriber{})
	emitter := &captureEmitter{}

	start(t, handler, emitter, `{"type":"start","sessionId":"s1"}`)

	sess, ok := store.Get("s1")
	if !ok {
		t.Fatal("session not created")
	}
	if sess.Language != "ja" || sess.Mode != "normal" || sess.MinTranscribeDurationSec != 2.0 {
		t.Errorf("defaults = %q/%q/%v", sess.Language, sess.Mode, sess.MinTranscribeDurationSec)
	}

	events := emitter.all()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	ack, ok := events[0].(*protocol.SessionStartedEvent)
	if !ok {
		t.Fatalf("event type = %T", events[0])
	}
	if ack.SessionID != "s1" || ack.Params.Threshold != 1.6 {
		t.Errorf("ack = %+v", ack)
	}
	if ack.Params.MinTranscribeDurationSec != 2.0 {
		t.Errorf("ack MinTranscribeDurationSec = %v, want 2.0", ack.Params.MinTranscribeDurationSec)
	}
}

func TestStartHonorsParams(t *testing.T) {
	handler, store := newTestHandler(t, &fakeTranscriber{})
	emitter := &captureEmitter{}

	start(t, handler, emitter, `{
		"type":"start","sessionId":"s1","lang":"en",
		"params":{"threshold":2.5,"mode":"meeting","minTranscribeDurationSec":1.0,
			"meetingInput":{"purpose":"kickoff"}}
	}`)

	sess, _ := store.Get("s1")
	if sess.Language != "en" || sess.Mode != "meeting" || sess.MinTranscribeDurationSec != 1.0 {
		t.Errorf("session = %q/%q/%v", sess.Language, sess.Mode, sess.MinTranscribeDurationSec)
	}
	if sess.MeetingInput == nil || sess.MeetingInput.Purpose != "kickoff" {
		t.Errorf("meeting input = %+v", sess.MeetingInput)
	}

	ack := emitter.all()[0].(*protocol.SessionStartedEvent)
	if ack.Params.Threshold != 2.5 {
		t.Errorf("Threshold = %v, want 2.5", ack.Params.Threshold)
	}
	if ack.Params.MinTranscribeDurationSec != 1.0 {
		t.Errorf("ack MinTranscribeDurationSec = %v, want 1.0", ack.Params.MinTranscribeDurationSec)
	}
}

func TestAudioFrameCreatesDerivedSession(t *testing.T) {
	handler, store := newTestHandler(t, &fakeTranscriber{})
	emitter := &captureEmitter{}

	start(t, handler, emitter, `{"type":"start","sessionId":"s1","lang":"en"}`)

	handler.HandleAudioFrame(&protocol.AudioFrame{
		SessionID: "s1",
		Source:    protocol.SourceSystemAudio,
		PCM:       []byte{1, 2, 3, 4},
	})

	key := session.DerivedKey("s1", protocol.SourceSystemAudio)
	derived, ok := store.Get(key)
	if !ok {
		t.Fatal("derived session not created")
	}
	// Configuration inherited from the base session
	if derived.Language != "en" {
		t.Errorf("derived Language = %q, want en", derived.Language)
	}
	if got := len(store.BufferBytes(key)); got != 4 {
		t.Errorf("derived buffer = %d bytes, want 4", got)
	}
}

func TestAudioForUnknownSessionIsDropped(t *testing.T) {
	handler, store := newTestHandler(t, &fakeTranscriber{})

	handler.HandleAudioFrame(&protocol.AudioFrame{
		SessionID: "ghost",
		Source:    protocol.SourceMicrophone,
		PCM:       []byte{1, 2},
	})

	if store.Len() != 0 {
		t.Errorf("store has %d sessions, want 0", store.Len())
	}
}

func TestSpeechEndedTranscribesAndEmitsFinal(t *testing.T) {
	transcriber := &fakeTranscriber{
		result: &transcription.Result{Text: "こんにちは、会議を始めます", Confidence: 0.8},
	}
	handler, store := newTestHandler(t, transcriber)
	emitter := &captureEmitter{}

	start(t, handler, emitter, `{"type":"start","sessionId":"s1"}`)

	// One second of audio on the microphone source
	handler.HandleAudioFrame(&protocol.AudioFrame{
		SessionID: "s1",
		Source:    protocol.SourceMicrophone,
		PCM:       make([]byte, 32000),
	})

	start(t, handler, emitter, `{"type":"speech_ended","sessionId":"s1","source":"microphone"}`)

	events := emitter.all()
	final, ok := events[len(events)-1].(*protocol.FinalEvent)
	if !ok {
		t.Fatalf("last event type = %T", events[len(events)-1])
	}
	if final.Text != "こんにちは、会議を始めます" || !final.IsFinal {
		t.Errorf("final = %+v", final)
	}
	if final.BufferDuration != 1.0 {
		t.Errorf("BufferDuration = %v, want 1.0", final.BufferDuration)
	}
	if final.Source != protocol.SourceMicrophone || final.SessionID != "s1" {
		t.Errorf("final = %+v", final)
	}

	if transcriber.gotLang != "ja" {
		t.Errorf("language = %q, want ja", transcriber.gotLang)
	}
	if len(transcriber.gotPCM) != 32000 {
		t.Errorf("pcm = %d bytes, want 32000", len(transcriber.gotPCM))
	}

	// Buffer cleared, next utterance starts empty
	key := session.DerivedKey("s1", protocol.SourceMicrophone)
	if got := len(store.BufferBytes(key)); got != 0 {
		t.Errorf("buffer after speech_ended = %d bytes, want 0", got)
	}

	// Transcript history captured for diagram generation
	if got := handler.Transcripts("s1"); len(got) != 1 {
		t.Errorf("transcripts = %v", got)
	}
}

func TestSpeechEndedEmptyBufferIsNoOp(t *testing.T) {
	transcriber := &fakeTranscriber{result: &transcription.Result{Text: "x"}}
	handler, _ := newTestHandler(t, transcriber)
	emitter := &captureEmitter{}

	start(t, handler, emitter, `{"type":"start","sessionId":"s1"}`)
	// Create the derived session, leave its buffer empty
	handler.HandleAudioFrame(&protocol.AudioFrame{SessionID: "s1", Source: protocol.SourceMicrophone})

	before := len(emitter.all())
	start(t, handler, emitter, `{"type":"speech_ended","sessionId":"s1","source":"microphone"}`)

	if transcriber.numCalls != 0 {
		t.Errorf("Transcribe called %d times for empty buffer", transcriber.numCalls)
	}
	if got := len(emitter.all()); got != before {
		t.Errorf("events emitted for empty buffer: %d", got-before)
	}
}

func TestSpeechEndedTranscriptionFailure(t *testing.T) {
	transcriber := &fakeTranscriber{err: errors.New("api down")}
	handler, _ := newTestHandler(t, transcriber)
	emitter := &captureEmitter{}

	start(t, handler, emitter, `{"type":"start","sessionId":"s1"}`)
	handler.HandleAudioFrame(&protocol.AudioFrame{
		SessionID: "s1", Source: protocol.SourceMicrophone, PCM: make([]byte, 1000),
	})
	start(t, handler, emitter, `{"type":"speech_ended","sessionId":"s1","source":"microphone"}`)

	events := emitter.all()
	errEvent, ok := events[len(events)-1].(*protocol.ErrorEvent)
	if !ok {
		t.Fatalf("last event type = %T, want error event", events[len(events)-1])
	}
	if errEvent.SessionID != "s1" {
		t.Errorf("error event = %+v", errEvent)
	}
}

func TestFilteredResultSuppressesFinal(t *testing.T) {
	transcriber := &fakeTranscriber{result: &transcription.Result{Text: "", Confidence: 0}}
	handler, store := newTestHandler(t, transcriber)
	emitter := &captureEmitter{}

	start(t, handler, emitter, `{"type":"start","sessionId":"s1"}`)
	handler.HandleAudioFrame(&protocol.AudioFrame{
		SessionID: "s1", Source: protocol.SourceMicrophone, PCM: make([]byte, 1000),
	})

	before := len(emitter.all())
	start(t, handler, emitter, `{"type":"speech_ended","sessionId":"s1","source":"microphone"}`)

	if transcriber.numCalls != 1 {
		t.Fatalf("Transcribe called %d times, want 1", transcriber.numCalls)
	}
	// Noise results are dropped silently: no final event reaches the client
	if got := len(emitter.all()); got != before {
		t.Errorf("events after filtered result = %d, want %d", got, before)
	}

	// Filtered text stays out of the transcript history
	if got := handler.Transcripts("s1"); len(got) != 0 {
		t.Errorf("transcripts = %v, want empty", got)
	}

	// The utterance is still consumed
	key := session.DerivedKey("s1", protocol.SourceMicrophone)
	if got := len(store.BufferBytes(key)); got != 0 {
		t.Errorf("buffer after filtered result = %d bytes, want 0", got)
	}
}

func TestSpeechEndedConsumesOnlyItsSource(t *testing.T) {
	transcriber := &fakeTranscriber{
		result: &transcription.Result{Text: "マイク側の発言です", Confidence: 0.8},
	}
	handler, store := newTestHandler(t, transcriber)
	emitter := &captureEmitter{}

	start(t, handler, emitter, `{"type":"start","sessionId":"s1"}`)

	micPCM := []byte{1, 1, 1, 1}
	sysPCM := []byte{2, 2, 2, 2, 2, 2}
	handler.HandleAudioFrame(&protocol.AudioFrame{
		SessionID: "s1", Source: protocol.SourceMicrophone, PCM: micPCM,
	})
	handler.HandleAudioFrame(&protocol.AudioFrame{
		SessionID: "s1", Source: protocol.SourceSystemAudio, PCM: sysPCM,
	})

	start(t, handler, emitter, `{"type":"speech_ended","sessionId":"s1","source":"microphone"}`)

	if !bytes.Equal(transcriber.gotPCM, micPCM) {
		t.Errorf("transcribed pcm = %v, want %v", transcriber.gotPCM, micPCM)
	}

	// The other source keeps buffering its own utterance
	sysKey := session.DerivedKey("s1", protocol.SourceSystemAudio)
	if got := store.BufferBytes(sysKey); !bytes.Equal(got, sysPCM) {
		t.Errorf("system-audio buffer = %v, want %v", got, sysPCM)
	}
}

func TestEndDeletesSessionTree(t *testing.T) {
	handler, store := newTestHandler(t, &fakeTranscriber{})
	emitter := &captureEmitter{}

	start(t, handler, emitter, `{"type":"start","sessionId":"s1"}`)
	handler.HandleAudioFrame(&protocol.AudioFrame{SessionID: "s1", Source: protocol.SourceMicrophone})
	handler.HandleAudioFrame(&protocol.AudioFrame{SessionID: "s1", Source: protocol.SourceSystemAudio})

	if store.Len() != 3 {
		t.Fatalf("sessions before end = %d, want 3", store.Len())
	}

	start(t, handler, emitter, `{"type":"end","sessionId":"s1"}`)

	if store.Len() != 0 {
		t.Errorf("sessions after end = %d, want 0", store.Len())
	}
}

func TestResetSessionAcksAndClearsTranscript(t *testing.T) {
	transcriber := &fakeTranscriber{result: &transcription.Result{Text: "発言の内容です", Confidence: 0.8}}
	handler, _ := newTestHandler(t, transcriber)
	emitter := &captureEmitter{}

	start(t, handler, emitter, `{"type":"start","sessionId":"s1"}`)
	handler.HandleAudioFrame(&protocol.AudioFrame{
		SessionID: "s1", Source: protocol.SourceMicrophone, PCM: make([]byte, 1000),
	})
	start(t, handler, emitter, `{"type":"speech_ended","sessionId":"s1","source":"microphone"}`)

	if len(handler.Transcripts("s1")) != 1 {
		t.Fatal("transcript not recorded")
	}

	start(t, handler, emitter, `{"type":"reset_session","sessionId":"s1"}`)

	events := emitter.all()
	ack, ok := events[len(events)-1].(*protocol.SessionResetEvent)
	if !ok {
		t.Fatalf("last event type = %T", events[len(events)-1])
	}
	if ack.SessionID != "s1" {
		t.Errorf("ack = %+v", ack)
	}
	if len(handler.Transcripts("s1")) != 0 {
		t.Error("transcript survived reset")
	}
}

func TestPingPong(t *testing.T) {
	handler, _ := newTestHandler(t, &fakeTranscriber{})
	emitter := &captureEmitter{}

	start(t, handler, emitter, `{"type":"ping","timestamp":12345}`)

	events := emitter.all()
	pong, ok := events[0].(*protocol.PongEvent)
	if !ok {
		t.Fatalf("event type = %T", events[0])
	}
	if pong.Timestamp != 12345 {
		t.Errorf("Timestamp = %d, want 12345", pong.Timestamp)
	}
	if pong.ServerTime == 0 {
		t.Error("ServerTime not set")
	}
}
