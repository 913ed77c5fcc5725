// Package vad implements energy-based voice activity detection with an
// adaptive noise floor and a debounced speech-end signal.
package vad
