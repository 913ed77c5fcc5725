package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	HTTP          HTTPConfig          `yaml:"http"`
	Audio         AudioConfig         `yaml:"audio"`
	Session       SessionConfig       `yaml:"session"`
	VAD           VADConfig           `yaml:"vad"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Sheets        SheetsConfig        `yaml:"sheets"`
	Diagram       DiagramConfig       `yaml:"diagram"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig contains WebSocket server configuration
type ServerConfig struct {
	Port         int    `yaml:"port"`
	BindAddress  string `yaml:"bind_address"`
	Path         string `yaml:"path"`          // WebSocket endpoint path
	ReadLimit    int64  `yaml:"read_limit"`    // Max incoming frame size in bytes
	WriteTimeout int    `yaml:"write_timeout"` // seconds
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// AudioConfig contains audio format parameters
type AudioConfig struct {
	SampleRate int `yaml:"sample_rate"` // 16000 Hz
	Channels   int `yaml:"channels"`    // 1 (mono)
	BitDepth   int `yaml:"bit_depth"`   // 16
	FrameSize  int `yaml:"frame_size"`  // samples per capture frame
}

// SessionConfig contains session store parameters
type SessionConfig struct {
	MaxBufferBytes int     `yaml:"max_buffer_bytes"` // per-session buffer cap
	IdleTimeout    int     `yaml:"idle_timeout"`     // seconds
	SweepInterval  int     `yaml:"sweep_interval"`   // seconds
	DefaultLang    string  `yaml:"default_lang"`
	DefaultMode    string  `yaml:"default_mode"`
	DefaultMinSec  float64 `yaml:"default_min_transcribe_sec"`
}

// VADConfig contains voice activity detection parameters. The server echoes
// them in the session_started ack; the reference client runs them.
type VADConfig struct {
	Threshold       float64 `yaml:"threshold"`         // noise floor multiplier
	PeakFactor      float64 `yaml:"peak_factor"`       // peak threshold multiplier
	NoiseFloorAlpha float64 `yaml:"noise_floor_alpha"` // EWMA weight of the old floor
	SilenceMs       int     `yaml:"silence_ms"`        // hangover before speech_ended
}

// TranscriptionConfig contains STT backend configuration. The API key is
// read from the STT_API_KEY environment variable, not the config file.
type TranscriptionConfig struct {
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
	Timeout  int    `yaml:"timeout"` // seconds
	APIKey   string `yaml:"-"`
}

// SheetsConfig contains spreadsheet transcript log configuration.
// Credentials come from SHEETS_API_KEY; an empty endpoint disables the log.
type SheetsConfig struct {
	Endpoint      string `yaml:"endpoint"`
	SpreadsheetID string `yaml:"spreadsheet_id"`
	Timeout       int    `yaml:"timeout"` // seconds
	APIKey        string `yaml:"-"`
}

// DiagramConfig contains generative diagram backend configuration.
// Credentials come from DIAGRAM_API_KEY; an empty endpoint disables it.
type DiagramConfig struct {
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
	Timeout  int    `yaml:"timeout"` // seconds
	APIKey   string `yaml:"-"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file, then overlays secrets from
// the environment. A .env file is honored when present.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}
	config.Transcription.APIKey = os.Getenv("STT_API_KEY")
	config.Sheets.APIKey = os.Getenv("SHEETS_API_KEY")
	config.Diagram.APIKey = os.Getenv("DIAGRAM_API_KEY")

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.Path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	if s.ReadLimit < 1024 {
		return fmt.Errorf("read_limit must be at least 1024 bytes, got %d", s.ReadLimit)
	}

	if s.WriteTimeout < 1 {
		return fmt.Errorf("write_timeout must be at least 1 second, got %d", s.WriteTimeout)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate != 16000 {
		return fmt.Errorf("sample_rate must be 16000 Hz, got %d", a.SampleRate)
	}

	if a.Channels != 1 {
		return fmt.Errorf("channels must be 1 (mono), got %d", a.Channels)
	}

	if a.BitDepth != 16 {
		return fmt.Errorf("bit_depth must be 16, got %d", a.BitDepth)
	}

	if a.FrameSize < 256 || a.FrameSize > 16384 {
		return fmt.Errorf("frame_size must be between 256 and 16384 samples, got %d", a.FrameSize)
	}

	return nil
}

// Validate validates session store configuration
func (s *SessionConfig) Validate() error {
	if s.MaxBufferBytes < 1024 {
		return fmt.Errorf("max_buffer_bytes must be at least 1024, got %d", s.MaxBufferBytes)
	}

	if s.IdleTimeout < 1 {
		return fmt.Errorf("idle_timeout must be at least 1 second, got %d", s.IdleTimeout)
	}

	if s.SweepInterval < 1 {
		return fmt.Errorf("sweep_interval must be at least 1 second, got %d", s.SweepInterval)
	}

	if s.DefaultLang == "" {
		return fmt.Errorf("default_lang cannot be empty")
	}

	if s.DefaultMode == "" {
		return fmt.Errorf("default_mode cannot be empty")
	}

	if s.DefaultMinSec <= 0 {
		return fmt.Errorf("default_min_transcribe_sec must be positive, got %f", s.DefaultMinSec)
	}

	return nil
}

// Validate validates VAD configuration
func (v *VADConfig) Validate() error {
	if v.Threshold <= 0 {
		return fmt.Errorf("threshold must be positive, got %f", v.Threshold)
	}

	if v.PeakFactor <= 0 {
		return fmt.Errorf("peak_factor must be positive, got %f", v.PeakFactor)
	}

	if v.NoiseFloorAlpha <= 0 || v.NoiseFloorAlpha >= 1 {
		return fmt.Errorf("noise_floor_alpha must be between 0 and 1 (exclusive), got %f", v.NoiseFloorAlpha)
	}

	if v.SilenceMs < 100 {
		return fmt.Errorf("silence_ms must be at least 100, got %d", v.SilenceMs)
	}

	return nil
}

// Validate validates transcription configuration. A missing API key is not a
// validation error: the service boots with a warning and transcription fails
// per utterance instead.
func (t *TranscriptionConfig) Validate() error {
	if t.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if t.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetIdleTimeout returns the session idle timeout as a time.Duration
func (s *SessionConfig) GetIdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// GetSweepInterval returns the sweep interval as a time.Duration
func (s *SessionConfig) GetSweepInterval() time.Duration {
	return time.Duration(s.SweepInterval) * time.Second
}

// GetSilenceDuration returns the VAD hangover as a time.Duration
func (v *VADConfig) GetSilenceDuration() time.Duration {
	return time.Duration(v.SilenceMs) * time.Millisecond
}

// GetTimeoutDuration returns the transcription timeout as a time.Duration
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// GetTimeoutDuration returns the sheets client timeout as a time.Duration
func (s *SheetsConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}

// GetTimeoutDuration returns the diagram client timeout as a time.Duration
func (d *DiagramConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(d.Timeout) * time.Second
}

// GetWriteTimeout returns the WebSocket write timeout as a time.Duration
func (s *ServerConfig) GetWriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}
