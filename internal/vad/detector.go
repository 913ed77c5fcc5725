package vad

import (
	"fmt"
	"sync"
	"time"

	"github.com/kkotobuki/realtime-moziokosi/internal/audio"
)

// Config contains detector tuning parameters
type Config struct {
	FrameSize         int           // samples per frame (4096 at capture)
	Threshold         float64       // speech threshold as a noise floor multiplier
	PeakFactor        float64       // peak threshold multiplier on top of Threshold
	NoiseFloorAlpha   float64       // EWMA weight of the previous noise floor
	SilenceDuration   time.Duration // hangover before declaring speech ended
	InitialNoiseFloor float64       // floor estimate before any audio is seen
}

// DefaultConfig returns the detector parameters used at capture:
// 4096-sample frames, threshold at 5x the adaptive floor, peak override at
// 1.5x that, and a 1500 ms hangover.
func DefaultConfig() Config {
	return Config{
		FrameSize:         4096,
		Threshold:         5.0,
		PeakFactor:        1.5,
		NoiseFloorAlpha:   0.95,
		SilenceDuration:   1500 * time.Millisecond,
		InitialNoiseFloor: 0.01,
	}
}

// Event is a speech boundary notification tagged with the source it came from
type Event struct {
	Source    string
	Timestamp time.Time
}

// Detector classifies fixed-size audio frames as speech or silence using an
// adaptive noise floor, and reports start/end transitions. Speech end is
// debounced: the detector stays in the Speaking state until SilenceDuration
// of uninterrupted non-speech frames has elapsed, tracked with a cancelable
// timer so any speech frame resets the clock.
//
// One Detector serves one audio source; concurrent sources each get their
// own instance with independent state.
type Detector struct {
	config Config
	source string

	onSpeechStart func(Event)
	onSpeechEnd   func(Event)

	mu           sync.Mutex
	speaking     bool
	noiseFloor   float64
	silenceTimer *time.Timer
	timerGen     uint64

	// Statistics
	framesProcessed uint64
	speechFrames    uint64
	utterances      uint64
}

// DetectorStats represents detector statistics for monitoring
type DetectorStats struct {
	Source          string  `json:"source"`
	Speaking        bool    `json:"speaking"`
	NoiseFloor      float64 `json:"noise_floor"`
	FramesProcessed uint64  `json:"frames_processed"`
	SpeechFrames    uint64  `json:"speech_frames"`
	Utterances      uint64  `json:"utterances"`
}

// NewDetector creates a detector for one audio source. The callbacks are
// invoked outside the detector lock; onSpeechEnd fires from the hangover
// timer goroutine.
func NewDetector(source string, config Config, onSpeechStart, onSpeechEnd func(Event)) (*Detector, error) {
	if source == "" {
		return nil, fmt.Errorf("source cannot be empty")
	}

	if config.FrameSize <= 0 {
		return nil, fmt.Errorf("frame size must be positive, got %d", config.FrameSize)
	}

	if config.Threshold <= 0 {
		return nil, fmt.Errorf("threshold must be positive, got %f", config.Threshold)
	}

	if config.NoiseFloorAlpha <= 0 || config.NoiseFloorAlpha >= 1 {
		return nil, fmt.Errorf("noise floor alpha must be between 0 and 1 (exclusive), got %f", config.NoiseFloorAlpha)
	}

	if config.SilenceDuration <= 0 {
		return nil, fmt.Errorf("silence duration must be positive, got %v", config.SilenceDuration)
	}

	if config.PeakFactor <= 0 {
		config.PeakFactor = 1.5
	}

	return &Detector{
		config:        config,
		source:        source,
		onSpeechStart: onSpeechStart,
		onSpeechEnd:   onSpeechEnd,
		noiseFloor:    config.InitialNoiseFloor,
	}, nil
}

// Process classifies one frame and returns it converted to PCM16LE bytes.
// Every frame is converted and returned regardless of the classification:
// audio streams continuously, only the segmentation signal is gated.
func (d *Detector) Process(frame []float32) []byte {
	pcm := audio.Float32ToPCM16(frame)
	rms := audio.RMS(frame)
	peak := audio.Peak(frame)

	d.mu.Lock()

	// The floor only adapts during silence so it cannot drift up under
	// sustained speech.
	if !d.speaking {
		d.noiseFloor = d.noiseFloor*d.config.NoiseFloorAlpha + rms*(1-d.config.NoiseFloorAlpha)
	}
	threshold := d.noiseFloor * d.config.Threshold

	isSpeech := rms > threshold || peak > threshold*d.config.PeakFactor

	d.framesProcessed++

	started := false
	if isSpeech {
		d.speechFrames++

		if !d.speaking {
			d.speaking = true
			d.utterances++
			started = true
		}

		// Utterance continues: reset the hangover clock
		d.cancelSilenceTimerLocked()
	} else if d.speaking && d.silenceTimer == nil {
		gen := d.timerGen
		d.silenceTimer = time.AfterFunc(d.config.SilenceDuration, func() {
			d.silenceExpired(gen)
		})
	}
	d.mu.Unlock()

	if started && d.onSpeechStart != nil {
		d.onSpeechStart(Event{Source: d.source, Timestamp: time.Now()})
	}

	return pcm
}

// cancelSilenceTimerLocked stops a pending hangover timer. The generation
// counter invalidates a callback that already fired but has not run yet.
func (d *Detector) cancelSilenceTimerLocked() {
	if d.silenceTimer != nil {
		d.silenceTimer.Stop()
		d.silenceTimer = nil
		d.timerGen++
	}
}

// silenceExpired runs when the hangover elapses without an intervening
// speech frame
func (d *Detector) silenceExpired(gen uint64) {
	d.mu.Lock()
	if gen != d.timerGen || !d.speaking {
		d.mu.Unlock()
		return
	}

	d.speaking = false
	d.silenceTimer = nil
	d.timerGen++
	d.mu.Unlock()

	if d.onSpeechEnd != nil {
		d.onSpeechEnd(Event{Source: d.source, Timestamp: time.Now()})
	}
}

// Speaking returns whether the detector is currently in the Speaking state
func (d *Detector) Speaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaking
}

// NoiseFloor returns the current noise floor estimate
func (d *Detector) NoiseFloor() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.noiseFloor
}

// Threshold returns the current effective speech threshold
func (d *Detector) Threshold() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.noiseFloor * d.config.Threshold
}

// Source returns the audio source this detector serves
func (d *Detector) Source() string {
	return d.source
}

// GetStats returns current detector statistics
func (d *Detector) GetStats() DetectorStats {
	d.mu.Lock()
	defer d.mu.Unlock()

	return DetectorStats{
		Source:          d.source,
		Speaking:        d.speaking,
		NoiseFloor:      d.noiseFloor,
		FramesProcessed: d.framesProcessed,
		SpeechFrames:    d.speechFrames,
		Utterances:      d.utterances,
	}
}

// Reset returns the detector to the Silent state and cancels any pending
// hangover timer. The noise floor estimate is kept.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.speaking = false
	d.cancelSilenceTimerLocked()
}

// Close cancels any pending timer. The detector must not be used afterwards.
func (d *Detector) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelSilenceTimerLocked()
}
