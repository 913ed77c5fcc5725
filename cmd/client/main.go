package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/kkotobuki/realtime-moziokosi/internal/audio"
	"github.com/kkotobuki/realtime-moziokosi/internal/client"
	"github.com/kkotobuki/realtime-moziokosi/internal/protocol"
	"github.com/kkotobuki/realtime-moziokosi/internal/vad"
)

func main() {
	serverURL := flag.String("server", "ws://localhost:8080/", "WebSocket server URL")
	inputPath := flag.String("input", "", "Raw PCM16LE 16kHz mono input file")
	source := flag.String("source", protocol.SourceMicrophone, "Audio source name (microphone or system-audio)")
	lang := flag.String("lang", "ja", "Transcription language")
	mode := flag.String("mode", "", "Session mode")
	realtime := flag.Bool("realtime", true, "Pace playback at real time")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *inputPath == "" {
		fmt.Fprintln(os.Stderr, "-input is required")
		os.Exit(1)
	}

	pcm, err := os.ReadFile(*inputPath)
	if err != nil {
		logger.Error("Failed to read input file", slog.String("error", err.Error()))
		os.Exit(1)
	}

	vadConfig := vad.DefaultConfig()
	streamer := client.NewStreamer(client.Config{
		ServerURL: *serverURL,
		Lang:      *lang,
		Mode:      *mode,
		VAD:       vadConfig,
	}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := streamer.Connect(ctx); err != nil {
		logger.Error("Connect failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Print server events as they arrive
	eventsDone := make(chan struct{})
	go func() {
		defer close(eventsDone)
		for event := range streamer.Events() {
			switch event.Type {
			case protocol.TypeFinal:
				if event.Text != "" {
					fmt.Printf("[%s] %.2f %s\n", event.Source, event.Confidence, event.Text)
				}
			case protocol.TypeError:
				logger.Warn("Server error", slog.String("message", event.Message))
			}
		}
	}()

	samples := audio.PCM16ToFloat32(pcm)
	frameSize := vadConfig.FrameSize
	frameDuration := time.Duration(frameSize) * time.Second / time.Duration(audio.SampleRate)

	logger.Info("Streaming",
		slog.String("session_id", streamer.SessionID()),
		slog.Float64("duration_sec", audio.PCMDuration(pcm)),
		slog.Int("frame_size", frameSize),
	)

	for offset := 0; offset+frameSize <= len(samples); offset += frameSize {
		if err := streamer.Process(*source, samples[offset:offset+frameSize]); err != nil {
			logger.Error("Stream failed", slog.String("error", err.Error()))
			break
		}
		if *realtime {
			time.Sleep(frameDuration)
		}
	}

	// Let the hangover timer fire for trailing speech, then flush and wait
	// briefly for the last transcription results
	time.Sleep(2 * time.Second)
	streamer.Close()
	<-eventsDone
}
