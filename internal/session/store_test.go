package session

import (
	"bytes"
	"log/slog"
	"sort"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func testStore(t *testing.T, config StoreConfig) *Store {
	t.Helper()
	store := NewStore(config, testLogger())
	t.Cleanup(store.Stop)
	return store
}

func TestDerivedKey(t *testing.T) {
	got := DerivedKey("session_abc", "microphone")
	want := "session_abc_microphone"
	if got != want {
		t.Errorf("DerivedKey() = %q, want %q", got, want)
	}
}

func TestCreateOverwrites(t *testing.T) {
	store := testStore(t, StoreConfig{})

	store.Create("s1", Options{Language: "ja", Mode: "normal"})
	store.Append("s1", []byte{1, 2, 3, 4})

	store.Create("s1", Options{Language: "en", Mode: "meeting"})

	if got := store.BufferBytes("s1"); len(got) != 0 {
		t.Errorf("buffer after re-create = %d bytes, want empty", len(got))
	}
	session, ok := store.Get("s1")
	if !ok {
		t.Fatal("session missing after re-create")
	}
	if session.Language != "en" || session.Mode != "meeting" {
		t.Errorf("session config = %q/%q, want en/meeting", session.Language, session.Mode)
	}
}

func TestAppendAndTake(t *testing.T) {
	store := testStore(t, StoreConfig{})
	store.Create("s1", Options{})

	store.Append("s1", []byte{1, 2})
	store.Append("s1", []byte{3, 4})

	buf, ok := store.TakeBuffer("s1")
	if !ok {
		t.Fatal("TakeBuffer() reported unknown key")
	}
	if !bytes.Equal(buf, []byte{1, 2, 3, 4}) {
		t.Errorf("TakeBuffer() = %v, want [1 2 3 4]", buf)
	}

	// Buffer must be empty after the take, session still present
	buf, ok = store.TakeBuffer("s1")
	if !ok {
		t.Fatal("session gone after TakeBuffer")
	}
	if len(buf) != 0 {
		t.Errorf("second TakeBuffer() = %d bytes, want 0", len(buf))
	}
}

func TestTakeBufferUnknownKey(t *testing.T) {
	store := testStore(t, StoreConfig{})

	if _, ok := store.TakeBuffer("nope"); ok {
		t.Error("TakeBuffer() ok for unknown key")
	}
}

func TestAppendUnknownKeyIsSilent(t *testing.T) {
	store := testStore(t, StoreConfig{})

	// Must not create the session implicitly
	store.Append("ghost", []byte{1, 2})
	if store.Exists("ghost") {
		t.Error("Append created a session for an unknown key")
	}
}

func TestAppendRespectsCap(t *testing.T) {
	store := testStore(t, StoreConfig{MaxBufferBytes: 8})
	store.Create("s1", Options{})

	store.Append("s1", make([]byte, 6))
	store.Append("s1", make([]byte, 6)) // would exceed, dropped whole

	if got := len(store.BufferBytes("s1")); got != 6 {
		t.Errorf("buffer = %d bytes, want 6 (oversized append dropped whole)", got)
	}

	stats := store.GetStats()
	if stats.DroppedBytes != 6 {
		t.Errorf("DroppedBytes = %d, want 6", stats.DroppedBytes)
	}

	// Exact fit is allowed
	store.Append("s1", make([]byte, 2))
	if got := len(store.BufferBytes("s1")); got != 8 {
		t.Errorf("buffer = %d bytes, want 8", got)
	}
}

func TestBufferDuration(t *testing.T) {
	store := testStore(t, StoreConfig{})
	store.Create("s1", Options{})

	// 16000 samples = 32000 bytes = 1 second at 16 kHz mono 16-bit
	store.Append("s1", make([]byte, 32000))

	if got := store.BufferDuration("s1"); got != 1.0 {
		t.Errorf("BufferDuration() = %v, want 1.0", got)
	}
	if got := store.BufferDuration("missing"); got != 0 {
		t.Errorf("BufferDuration(missing) = %v, want 0", got)
	}
}

func TestClearBuffer(t *testing.T) {
	store := testStore(t, StoreConfig{})
	store.Create("s1", Options{})
	store.Append("s1", []byte{1, 2, 3, 4})

	store.ClearBuffer("s1")

	if got := len(store.BufferBytes("s1")); got != 0 {
		t.Errorf("buffer after ClearBuffer = %d bytes, want 0", got)
	}
	if !store.Exists("s1") {
		t.Error("ClearBuffer deleted the session")
	}
}

func TestUpdate(t *testing.T) {
	store := testStore(t, StoreConfig{})
	store.Create("s1", Options{})

	ok := store.Update("s1", func(sess *Session) {
		sess.SheetsRow = 7
		sess.SheetsAccumulatedText = "hello"
	})
	if !ok {
		t.Fatal("Update() reported unknown key")
	}

	session, _ := store.Get("s1")
	if session.SheetsRow != 7 || session.SheetsAccumulatedText != "hello" {
		t.Errorf("update not applied: row=%d text=%q", session.SheetsRow, session.SheetsAccumulatedText)
	}

	if store.Update("missing", func(*Session) {}) {
		t.Error("Update() ok for unknown key")
	}
}

func TestDeleteTree(t *testing.T) {
	store := testStore(t, StoreConfig{})
	store.Create("session_a", Options{})
	store.Create("session_a_microphone", Options{})
	store.Create("session_a_system-audio", Options{})
	store.Create("session_ab", Options{}) // different id, must survive
	store.Create("session_b_microphone", Options{})

	removed := store.DeleteTree("session_a")
	if removed != 3 {
		t.Errorf("DeleteTree() removed %d, want 3", removed)
	}

	want := []string{"session_ab", "session_b_microphone"}
	got := store.Keys()
	sort.Strings(got)
	if len(got) != len(want) {
		t.Fatalf("Keys() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Keys() = %v, want %v", got, want)
		}
	}
}

func TestSweepEvictsIdleSessions(t *testing.T) {
	store := testStore(t, StoreConfig{
		IdleTimeout:   50 * time.Millisecond,
		SweepInterval: 20 * time.Millisecond,
	})
	store.Start()

	store.Create("idle", Options{})

	deadline := time.After(2 * time.Second)
	for store.Exists("idle") {
		select {
		case <-deadline:
			t.Fatal("idle session not evicted within 2s")
		case <-time.After(10 * time.Millisecond):
		}
	}

	stats := store.GetStats()
	if stats.SessionsSwept == 0 {
		t.Error("SessionsSwept = 0 after eviction")
	}
}

func TestSweepKeepsActiveSessions(t *testing.T) {
	store := testStore(t, StoreConfig{
		IdleTimeout:   100 * time.Millisecond,
		SweepInterval: 20 * time.Millisecond,
	})
	store.Start()

	store.Create("busy", Options{})

	// Keep appending so LastActivity stays fresh across several sweeps
	stop := time.After(300 * time.Millisecond)
	for {
		select {
		case <-stop:
			if !store.Exists("busy") {
				t.Error("active session was evicted")
			}
			return
		case <-time.After(30 * time.Millisecond):
			store.Append("busy", []byte{0, 0})
		}
	}
}

func TestGetSnapshotHasNoBuffer(t *testing.T) {
	store := testStore(t, StoreConfig{})
	store.Create("s1", Options{})
	store.Append("s1", []byte{1, 2, 3, 4})

	session, ok := store.Get("s1")
	if !ok {
		t.Fatal("session missing")
	}
	if session.Buffer != nil {
		t.Error("Get() snapshot carries the live buffer")
	}

	info, ok := store.GetInfo("s1")
	if !ok {
		t.Fatal("GetInfo() missing")
	}
	if info.BufferBytes != 4 {
		t.Errorf("Info.BufferBytes = %d, want 4", info.BufferBytes)
	}
}
