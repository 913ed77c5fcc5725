// Package server hosts the WebSocket transcription endpoint, the session
// protocol handler behind it, and the HTTP monitoring API.
package server
