package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kkotobuki/realtime-moziokosi/internal/config"
	"github.com/kkotobuki/realtime-moziokosi/internal/protocol"
	"github.com/kkotobuki/realtime-moziokosi/internal/transcription"
)

func dialTestServer(t *testing.T, transcriber transcription.Transcriber) *websocket.Conn {
	t.Helper()

	handler, _ := newTestHandler(t, transcriber)

	ws := NewWSServer(config.ServerConfig{
		Port:         8080,
		BindAddress:  "127.0.0.1",
		Path:         "/",
		ReadLimit:    1 << 20,
		WriteTimeout: 5,
	}, handler, sharedMetrics(), testLogger())

	httpServer := httptest.NewServer(http.HandlerFunc(ws.handleUpgrade))
	t.Cleanup(httpServer.Close)

	url := "ws" + strings.TrimPrefix(httpServer.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var event map[string]any
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return event
}

func TestWebSocketSessionRoundtrip(t *testing.T) {
	transcriber := &fakeTranscriber{
		result: &transcription.Result{Text: "本日の議題は進捗確認です", Confidence: 0.9},
	}
	conn := dialTestServer(t, transcriber)

	// start -> session_started
	if err := conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"start","sessionId":"session_ws"}`)); err != nil {
		t.Fatal(err)
	}
	ack := readEvent(t, conn)
	if ack["type"] != "session_started" || ack["sessionId"] != "session_ws" {
		t.Fatalf("ack = %v", ack)
	}
	ackParams, ok := ack["params"].(map[string]any)
	if !ok {
		t.Fatalf("ack params = %v", ack["params"])
	}
	if ackParams["threshold"] != 1.6 || ackParams["minTranscribeDurationSec"] != 2.0 {
		t.Fatalf("ack params = %v", ackParams)
	}

	// binary audio frame
	frame, err := protocol.EncodeAudioFrame("session_ws", protocol.SourceMicrophone, make([]byte, 32000))
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatal(err)
	}

	// speech_ended -> final
	if err := conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"speech_ended","sessionId":"session_ws","source":"microphone"}`)); err != nil {
		t.Fatal(err)
	}
	final := readEvent(t, conn)
	if final["type"] != "final" {
		t.Fatalf("final = %v", final)
	}
	if final["text"] != "本日の議題は進捗確認です" || final["isFinal"] != true {
		t.Errorf("final = %v", final)
	}
	if final["bufferDuration"] != 1.0 {
		t.Errorf("bufferDuration = %v, want 1", final["bufferDuration"])
	}
}

func TestWebSocketInvalidMessage(t *testing.T) {
	conn := dialTestServer(t, &fakeTranscriber{})

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)); err != nil {
		t.Fatal(err)
	}

	event := readEvent(t, conn)
	if event["type"] != "error" {
		t.Errorf("event = %v, want error", event)
	}
}

func TestWebSocketPing(t *testing.T) {
	conn := dialTestServer(t, &fakeTranscriber{})

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping","timestamp":42}`)); err != nil {
		t.Fatal(err)
	}

	pong := readEvent(t, conn)
	if pong["type"] != "pong" {
		t.Fatalf("event = %v", pong)
	}
	if pong["timestamp"] != 42.0 {
		t.Errorf("timestamp = %v, want 42", pong["timestamp"])
	}
}

func TestWebSocketMalformedBinaryFrameIgnored(t *testing.T) {
	conn := dialTestServer(t, &fakeTranscriber{})

	// Unknown source tag is dropped without closing the connection
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x7f, 0x01, 'x'}); err != nil {
		t.Fatal(err)
	}

	// Connection still works
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatal(err)
	}
	pong := readEvent(t, conn)
	if pong["type"] != "pong" {
		t.Errorf("event = %v", pong)
	}
}
