// Package client implements the capture side of the transcription
// protocol: per-source voice activity detection and audio streaming over
// one WebSocket connection.
package client
