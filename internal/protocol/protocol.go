package protocol

import (
	"encoding/json"
	"fmt"
)

// Client-to-server message types
const (
	TypeStart        = "start"
	TypeAudio        = "audio"
	TypeSpeechEnded  = "speech_ended"
	TypeEnd          = "end"
	TypeResetSession = "reset_session"
	TypePing         = "ping"
)

// Server-to-client message types
const (
	TypeSessionStarted = "session_started"
	TypeFinal          = "final"
	TypeError          = "error"
	TypeSessionReset   = "session_reset"
	TypePong           = "pong"
)

// Audio source names. Every session streams at most one of each.
const (
	SourceMicrophone  = "microphone"
	SourceSystemAudio = "system-audio"
)

// MeetingInput carries the user-supplied meeting context forwarded to the
// diagram generator
type MeetingInput struct {
	Purpose string   `json:"purpose,omitempty"`
	Agenda  []string `json:"agenda,omitempty"`
}

// StartParams is the optional tuning block of a start message. Threshold is
// acknowledged back to the client; the remaining knobs are stored with the
// session.
type StartParams struct {
	Threshold                float64       `json:"threshold,omitempty"`
	MinSpeechMs              int           `json:"minSpeechMs,omitempty"`
	HangoverMs               int           `json:"hangoverMs,omitempty"`
	MaxSilenceMs             int           `json:"maxSilenceMs,omitempty"`
	MinTranscribeDurationSec float64       `json:"minTranscribeDurationSec,omitempty"`
	Mode                     string        `json:"mode,omitempty"`
	MeetingInput             *MeetingInput `json:"meetingInput,omitempty"`
}

// StartPayload opens a logical session
type StartPayload struct {
	SessionID string       `json:"sessionId"`
	Lang      string       `json:"lang,omitempty"`
	Params    *StartParams `json:"params,omitempty"`
}

// AudioPayload is the JSON form of an audio chunk with base64-encoded PCM.
// Kept for old clients; new clients send binary frames instead.
type AudioPayload struct {
	Buffer    []byte `json:"buffer"`
	Source    string `json:"source,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// SpeechEndedPayload marks the end of one utterance on one source
type SpeechEndedPayload struct {
	SessionID string `json:"sessionId"`
	Source    string `json:"source,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// EndPayload closes a logical session and all its derived sessions
type EndPayload struct {
	SessionID string `json:"sessionId"`
}

// ResetPayload clears the per-session spreadsheet log bookkeeping
type ResetPayload struct {
	SessionID string `json:"sessionId"`
}

// PingPayload is a client liveness probe; Timestamp is echoed in the pong
type PingPayload struct {
	Timestamp int64 `json:"timestamp,omitempty"`
}

// Message is a fully parsed client message. Exactly one payload pointer is
// set, selected by Type.
type Message struct {
	Type        string
	Start       *StartPayload
	Audio       *AudioPayload
	SpeechEnded *SpeechEndedPayload
	End         *EndPayload
	Reset       *ResetPayload
	Ping        *PingPayload
}

// envelope peels off the type discriminator before the payload is decoded
type envelope struct {
	Type string `json:"type"`
}

// ParseMessage parses one JSON text frame into a typed Message
func ParseMessage(data []byte) (*Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to parse message envelope: %w", err)
	}

	msg := &Message{Type: env.Type}

	switch env.Type {
	case TypeStart:
		payload := &StartPayload{}
		if err := json.Unmarshal(data, payload); err != nil {
			return nil, fmt.Errorf("failed to parse start payload: %w", err)
		}
		if payload.SessionID == "" {
			return nil, fmt.Errorf("start message missing sessionId")
		}
		msg.Start = payload

	case TypeAudio:
		payload := &AudioPayload{}
		if err := json.Unmarshal(data, payload); err != nil {
			return nil, fmt.Errorf("failed to parse audio payload: %w", err)
		}
		msg.Audio = payload

	case TypeSpeechEnded:
		payload := &SpeechEndedPayload{}
		if err := json.Unmarshal(data, payload); err != nil {
			return nil, fmt.Errorf("failed to parse speech_ended payload: %w", err)
		}
		if payload.SessionID == "" {
			return nil, fmt.Errorf("speech_ended message missing sessionId")
		}
		msg.SpeechEnded = payload

	case TypeEnd:
		payload := &EndPayload{}
		if err := json.Unmarshal(data, payload); err != nil {
			return nil, fmt.Errorf("failed to parse end payload: %w", err)
		}
		if payload.SessionID == "" {
			return nil, fmt.Errorf("end message missing sessionId")
		}
		msg.End = payload

	case TypeResetSession:
		payload := &ResetPayload{}
		if err := json.Unmarshal(data, payload); err != nil {
			return nil, fmt.Errorf("failed to parse reset_session payload: %w", err)
		}
		if payload.SessionID == "" {
			return nil, fmt.Errorf("reset_session message missing sessionId")
		}
		msg.Reset = payload

	case TypePing:
		payload := &PingPayload{}
		if err := json.Unmarshal(data, payload); err != nil {
			return nil, fmt.Errorf("failed to parse ping payload: %w", err)
		}
		msg.Ping = payload

	case "":
		return nil, fmt.Errorf("message missing type")

	default:
		return nil, fmt.Errorf("unknown message type: %q", env.Type)
	}

	return msg, nil
}

// SessionStartedParams echoes the effective tuning back to the client
type SessionStartedParams struct {
	Threshold                float64 `json:"threshold"`
	MinTranscribeDurationSec float64 `json:"minTranscribeDurationSec"`
}

// SessionStartedEvent acknowledges a start message
type SessionStartedEvent struct {
	Type      string               `json:"type"`
	SessionID string               `json:"sessionId"`
	Params    SessionStartedParams `json:"params"`
}

// FinalEvent carries one transcription result. Results filtered as noise
// are never delivered, so Text is always non-empty.
type FinalEvent struct {
	Type           string  `json:"type"`
	Text           string  `json:"text"`
	SessionID      string  `json:"sessionId"`
	IsFinal        bool    `json:"isFinal"`
	BufferDuration float64 `json:"bufferDuration"`
	Confidence     float64 `json:"confidence"`
	Source         string  `json:"source,omitempty"`
}

// ErrorEvent reports a server-side failure for one message
type ErrorEvent struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	SessionID string `json:"sessionId,omitempty"`
}

// SessionResetEvent acknowledges a reset_session message
type SessionResetEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// PongEvent answers a ping, echoing the client timestamp
type PongEvent struct {
	Type       string `json:"type"`
	Timestamp  int64  `json:"timestamp,omitempty"`
	ServerTime int64  `json:"serverTime"`
}

// NewSessionStarted builds a session_started acknowledgement
func NewSessionStarted(sessionID string, threshold, minTranscribeDurationSec float64) *SessionStartedEvent {
	return &SessionStartedEvent{
		Type:      TypeSessionStarted,
		SessionID: sessionID,
		Params: SessionStartedParams{
			Threshold:                threshold,
			MinTranscribeDurationSec: minTranscribeDurationSec,
		},
	}
}

// NewError builds an error event
func NewError(sessionID, message string) *ErrorEvent {
	return &ErrorEvent{Type: TypeError, Message: message, SessionID: sessionID}
}

// String returns a human-readable representation of the message
func (m *Message) String() string {
	switch m.Type {
	case TypeStart:
		return fmt.Sprintf("Message{Type:start, SessionID:%s, Lang:%s}", m.Start.SessionID, m.Start.Lang)
	case TypeAudio:
		return fmt.Sprintf("Message{Type:audio, SessionID:%s, Source:%s, Bytes:%d}",
			m.Audio.SessionID, m.Audio.Source, len(m.Audio.Buffer))
	case TypeSpeechEnded:
		return fmt.Sprintf("Message{Type:speech_ended, SessionID:%s, Source:%s}",
			m.SpeechEnded.SessionID, m.SpeechEnded.Source)
	default:
		return fmt.Sprintf("Message{Type:%s}", m.Type)
	}
}
