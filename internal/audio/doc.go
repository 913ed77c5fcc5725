// Package audio provides PCM sample conversion, frame energy helpers and
// WAV container encoding for the fixed 16 kHz mono 16-bit pipeline format.
package audio
