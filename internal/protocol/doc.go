// Package protocol defines the wire contract between clients and the
// transcription server: JSON control messages on text frames and a compact
// binary format for audio chunks.
package protocol
