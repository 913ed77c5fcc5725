package protocol

import (
	"fmt"
)

// Binary audio frame source tags
const (
	FrameSourceMicrophone  = 0x01
	FrameSourceSystemAudio = 0x02

	// FrameHeaderSize is the fixed prefix before the session id
	// Layout: [SourceTag:1][SessionIDLen:1][SessionID:N][PCM:rest]
	FrameHeaderSize = 2

	// MaxSessionIDLen bounds the variable-length session id field
	MaxSessionIDLen = 255
)

// AudioFrame is a parsed binary audio frame. Binary frames carry raw PCM
// without the base64 overhead of the JSON audio message.
type AudioFrame struct {
	Source    string
	SessionID string
	PCM       []byte
}

// EncodeAudioFrame builds a binary audio frame
func EncodeAudioFrame(sessionID, source string, pcm []byte) ([]byte, error) {
	var tag byte
	switch source {
	case SourceMicrophone:
		tag = FrameSourceMicrophone
	case SourceSystemAudio:
		tag = FrameSourceSystemAudio
	default:
		return nil, fmt.Errorf("unknown audio source: %q", source)
	}

	if len(sessionID) == 0 {
		return nil, fmt.Errorf("empty session id")
	}
	if len(sessionID) > MaxSessionIDLen {
		return nil, fmt.Errorf("session id too long: %d bytes (maximum %d)", len(sessionID), MaxSessionIDLen)
	}

	frame := make([]byte, 0, FrameHeaderSize+len(sessionID)+len(pcm))
	frame = append(frame, tag, byte(len(sessionID)))
	frame = append(frame, sessionID...)
	frame = append(frame, pcm...)
	return frame, nil
}

// ParseAudioFrame parses a binary audio frame. The PCM slice aliases the
// input; callers that retain it past the read loop must copy.
func ParseAudioFrame(data []byte) (*AudioFrame, error) {
	if len(data) < FrameHeaderSize {
		return nil, fmt.Errorf("audio frame too short: expected at least %d bytes, got %d", FrameHeaderSize, len(data))
	}

	var source string
	switch data[0] {
	case FrameSourceMicrophone:
		source = SourceMicrophone
	case FrameSourceSystemAudio:
		source = SourceSystemAudio
	default:
		return nil, fmt.Errorf("unknown audio source tag: 0x%02x", data[0])
	}

	idLen := int(data[1])
	if idLen == 0 {
		return nil, fmt.Errorf("audio frame has empty session id")
	}
	if len(data) < FrameHeaderSize+idLen {
		return nil, fmt.Errorf("audio frame truncated: session id needs %d bytes, %d remain",
			idLen, len(data)-FrameHeaderSize)
	}

	return &AudioFrame{
		Source:    source,
		SessionID: string(data[FrameHeaderSize : FrameHeaderSize+idLen]),
		PCM:       data[FrameHeaderSize+idLen:],
	}, nil
}
