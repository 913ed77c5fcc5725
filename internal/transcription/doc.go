// Package transcription wraps the speech-to-text HTTP API: WAV packaging,
// the noise filter for hallucinated Japanese filler phrases, and the
// length-based confidence estimate.
package transcription
