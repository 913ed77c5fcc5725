package vad

import (
	"testing"
	"time"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.FrameSize = 1024
	cfg.SilenceDuration = 100 * time.Millisecond
	return cfg
}

func makeFrame(amplitude float32, n int) []float32 {
	frame := make([]float32, n)
	for i := range frame {
		if i%2 == 0 {
			frame[i] = amplitude
		} else {
			frame[i] = -amplitude
		}
	}
	return frame
}

func TestNewDetectorValidation(t *testing.T) {
	tests := []struct {
		name      string
		source    string
		mutate    func(*Config)
		expectErr bool
	}{
		{name: "valid", source: "microphone", mutate: func(c *Config) {}, expectErr: false},
		{name: "empty source", source: "", mutate: func(c *Config) {}, expectErr: true},
		{name: "zero frame size", source: "microphone", mutate: func(c *Config) { c.FrameSize = 0 }, expectErr: true},
		{name: "negative threshold", source: "microphone", mutate: func(c *Config) { c.Threshold = -1 }, expectErr: true},
		{name: "alpha too high", source: "microphone", mutate: func(c *Config) { c.NoiseFloorAlpha = 1.0 }, expectErr: true},
		{name: "zero silence duration", source: "microphone", mutate: func(c *Config) { c.SilenceDuration = 0 }, expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)

			_, err := NewDetector(tt.source, cfg, nil, nil)
			if tt.expectErr && err == nil {
				t.Error("Expected error but got none")
			}
			if !tt.expectErr && err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
		})
	}
}

func TestProcessReturnsPCM(t *testing.T) {
	d, err := NewDetector("microphone", testConfig(), nil, nil)
	if err != nil {
		t.Fatalf("Failed to create detector: %v", err)
	}

	frame := makeFrame(0.5, 1024)
	pcm := d.Process(frame)

	if len(pcm) != len(frame)*2 {
		t.Errorf("Expected %d PCM bytes, got %d", len(frame)*2, len(pcm))
	}
}

func TestSpeechStartTransition(t *testing.T) {
	events := make(chan Event, 8)
	d, err := NewDetector("microphone", testConfig(), func(e Event) { events <- e }, nil)
	if err != nil {
		t.Fatalf("Failed to create detector: %v", err)
	}

	if d.Speaking() {
		t.Error("Detector should start in the Silent state")
	}

	d.Process(makeFrame(0.5, 1024))
	if !d.Speaking() {
		t.Error("Loud frame should transition to Speaking")
	}

	select {
	case e := <-events:
		if e.Source != "microphone" {
			t.Errorf("Expected source microphone, got %s", e.Source)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected speech start event")
	}

	// A second loud frame must not fire another start event
	d.Process(makeFrame(0.5, 1024))
	select {
	case <-events:
		t.Error("Unexpected second speech start event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHangoverFiresAfterSilence(t *testing.T) {
	ends := make(chan Event, 8)
	d, err := NewDetector("microphone", testConfig(), nil, func(e Event) { ends <- e })
	if err != nil {
		t.Fatalf("Failed to create detector: %v", err)
	}

	d.Process(makeFrame(0.5, 1024))
	silenceStart := time.Now()
	d.Process(makeFrame(0.0005, 1024))

	select {
	case e := <-ends:
		elapsed := e.Timestamp.Sub(silenceStart)
		if elapsed < 90*time.Millisecond {
			t.Errorf("Speech end fired too early: %v", elapsed)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected speech end event")
	}

	if d.Speaking() {
		t.Error("Detector should be Silent after hangover")
	}

	// Exactly one end event per utterance
	select {
	case <-ends:
		t.Error("Unexpected second speech end event")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestSpeechBlipResetsHangover(t *testing.T) {
	ends := make(chan Event, 8)
	d, err := NewDetector("microphone", testConfig(), nil, func(e Event) { ends <- e })
	if err != nil {
		t.Fatalf("Failed to create detector: %v", err)
	}

	d.Process(makeFrame(0.5, 1024))
	d.Process(makeFrame(0.0005, 1024)) // hangover timer starts

	time.Sleep(50 * time.Millisecond)

	// A brief loud blip before the hangover expires resets the clock
	d.Process(makeFrame(0.5, 1024))
	blipTime := time.Now()
	d.Process(makeFrame(0.0005, 1024))

	select {
	case e := <-ends:
		elapsed := e.Timestamp.Sub(blipTime)
		if elapsed < 90*time.Millisecond {
			t.Errorf("Speech end fired %v after blip, expected at least the full hangover", elapsed)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected speech end event")
	}

	select {
	case <-ends:
		t.Error("Expected exactly one speech end event")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestRenewedSpeechCancelsHangover(t *testing.T) {
	ends := make(chan Event, 8)
	d, err := NewDetector("microphone", testConfig(), nil, func(e Event) { ends <- e })
	if err != nil {
		t.Fatalf("Failed to create detector: %v", err)
	}

	d.Process(makeFrame(0.5, 1024))
	d.Process(makeFrame(0.0005, 1024))
	time.Sleep(50 * time.Millisecond)
	d.Process(makeFrame(0.5, 1024)) // utterance continues, no trailing silence

	select {
	case <-ends:
		t.Error("Speech end must not fire while the utterance continues")
	case <-time.After(200 * time.Millisecond):
	}

	if !d.Speaking() {
		t.Error("Detector should still be Speaking")
	}
}

func TestNoiseFloorAdaptsOnlyDuringSilence(t *testing.T) {
	d, err := NewDetector("microphone", testConfig(), nil, nil)
	if err != nil {
		t.Fatalf("Failed to create detector: %v", err)
	}

	// Rising ambient noise during silence raises the floor and threshold.
	// Amplitudes stay below 5x the adapting floor so frames classify silent.
	before := d.Threshold()
	for i := 0; i < 50; i++ {
		d.Process(makeFrame(0.012, 1024))
	}
	if d.Speaking() {
		t.Fatal("Ambient noise should not classify as speech")
	}
	if d.Threshold() <= before {
		t.Errorf("Threshold should rise with ambient noise: before=%f after=%f", before, d.Threshold())
	}

	// While speaking the floor is frozen regardless of signal level
	d.Process(makeFrame(0.9, 1024))
	if !d.Speaking() {
		t.Fatal("Loud frame should classify as speech")
	}

	frozen := d.NoiseFloor()
	for i := 0; i < 20; i++ {
		d.Process(makeFrame(0.9, 1024))
	}
	if d.NoiseFloor() != frozen {
		t.Errorf("Noise floor must not adapt while speaking: before=%f after=%f", frozen, d.NoiseFloor())
	}
}

func TestIndependentDetectors(t *testing.T) {
	mic, err := NewDetector("microphone", testConfig(), nil, nil)
	if err != nil {
		t.Fatalf("Failed to create detector: %v", err)
	}
	sys, err := NewDetector("system-audio", testConfig(), nil, nil)
	if err != nil {
		t.Fatalf("Failed to create detector: %v", err)
	}

	mic.Process(makeFrame(0.9, 1024))

	if !mic.Speaking() {
		t.Error("Microphone detector should be Speaking")
	}
	if sys.Speaking() {
		t.Error("System audio detector must not share state")
	}
	if mic.NoiseFloor() == 0 && sys.NoiseFloor() == 0 {
		t.Error("Detectors should have independent noise floors")
	}
}

func TestReset(t *testing.T) {
	d, err := NewDetector("microphone", testConfig(), nil, nil)
	if err != nil {
		t.Fatalf("Failed to create detector: %v", err)
	}

	d.Process(makeFrame(0.5, 1024))
	d.Reset()

	if d.Speaking() {
		t.Error("Reset should return the detector to Silent")
	}
}
