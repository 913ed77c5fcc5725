package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/kkotobuki/realtime-moziokosi/internal/audio"
)

// Result is one transcription outcome. Filtered noise comes back with an
// empty Text and zero Confidence rather than an error; callers decide how
// to handle the suppressed result.
type Result struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Duration   float64 `json:"duration"`
	Language   string  `json:"language,omitempty"`
}

// Transcriber converts a buffered PCM utterance into text
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, language string) (*Result, error)
}

// Config contains transcription client configuration
type Config struct {
	Endpoint string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

// Client calls a Whisper-compatible speech-to-text HTTP API. Each utterance
// is wrapped in a WAV container and sent as one multipart request; there
// are no retries, a failed utterance is reported to the caller and the
// next one starts fresh.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	filteredResults uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	FilteredResults uint64        `json:"filtered_results"`
	SuccessRate     float64       `json:"success_rate"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
}

// Stock phrases Whisper hallucinates on near-silent Japanese audio
var noisePhrases = []*regexp.Regexp{
	regexp.MustCompile(`^ありがとうございました[。.]?$`),
	regexp.MustCompile(`^ありがとうございます[。.]?$`),
	regexp.MustCompile(`^お願いします[。.]?$`),
	regexp.MustCompile(`^すみません[。.]?$`),
}

// NewClient creates a new transcription client. A missing API key is not
// fatal so the service can come up in environments without credentials;
// every Transcribe call will fail until one is configured.
func NewClient(config Config, logger *slog.Logger) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}

	if config.APIKey == "" {
		logger.Warn("Transcription API key not configured, transcription requests will fail")
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Transcribe sends one PCM utterance to the speech-to-text API and applies
// the noise filter and confidence estimate to the response
func (c *Client) Transcribe(ctx context.Context, pcm []byte, language string) (*Result, error) {
	if c.config.APIKey == "" {
		return nil, fmt.Errorf("transcription API key not configured")
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("empty audio buffer")
	}

	requestID := uuid.New().String()
	duration := audio.PCMDuration(pcm)
	startTime := time.Now()
	c.incrementTotalRequests()

	c.logger.Debug("Sending transcription request",
		slog.String("request_id", requestID),
		slog.Float64("duration_sec", duration),
		slog.Int("pcm_bytes", len(pcm)),
	)

	apiResp, err := c.doRequest(ctx, pcm, language)
	if err != nil {
		c.incrementFailedRequests()
		return nil, err
	}

	c.incrementSuccessRequests()
	c.updateAvgResponseTime(time.Since(startTime))

	text := strings.TrimSpace(apiResp.Text)
	if apiResp.Duration > 0 {
		duration = apiResp.Duration
	}

	if isNoise(text, duration) {
		c.incrementFilteredResults()
		c.logger.Debug("Filtered noise result",
			slog.String("request_id", requestID),
			slog.String("text", text),
		)
		return &Result{Text: "", Confidence: 0, Duration: duration, Language: language}, nil
	}

	confidence := calculateConfidence(text, duration)
	if apiResp.Confidence != nil {
		confidence = *apiResp.Confidence
	}

	return &Result{
		Text:       text,
		Confidence: confidence,
		Duration:   duration,
		Language:   language,
	}, nil
}

// apiResponse is the verbose_json response shape of the speech-to-text API.
// Confidence is optional; most Whisper deployments omit it and the client
// falls back to its own estimate.
type apiResponse struct {
	Text       string   `json:"text"`
	Language   string   `json:"language,omitempty"`
	Duration   float64  `json:"duration,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// doRequest performs a single HTTP request to the transcription API
func (c *Client) doRequest(ctx context.Context, pcm []byte, language string) (*apiResponse, error) {
	body, contentType, err := c.createMultipartRequest(pcm, language)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(respBody))
	}

	var apiResp apiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}

	return &apiResp, nil
}

// createMultipartRequest wraps the PCM in a WAV container and builds the
// multipart/form-data body
func (c *Client) createMultipartRequest(pcm []byte, language string) (io.Reader, string, error) {
	wav, err := audio.EncodeWAV(pcm, audio.SampleRate)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode WAV: %w", err)
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fileWriter, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fileWriter.Write(wav); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	fields := map[string]string{
		"model":           c.config.Model,
		"response_format": "verbose_json",
		"temperature":     "0",
	}
	if language != "" {
		fields["language"] = language
	}

	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", key, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

// isNoise reports whether a transcription result should be suppressed:
// empty text, a stock hallucinated phrase, three or fewer characters, or a
// short low-content result (under 2 seconds and at most 10 characters)
func isNoise(text string, duration float64) bool {
	if text == "" {
		return true
	}

	for _, phrase := range noisePhrases {
		if phrase.MatchString(text) {
			return true
		}
	}

	runeLen := utf8.RuneCountInString(text)
	if runeLen <= 3 {
		return true
	}
	if duration < 2.0 && runeLen <= 10 {
		return true
	}

	return false
}

// calculateConfidence estimates result confidence from text length and
// audio duration, since the API reports none
func calculateConfidence(text string, duration float64) float64 {
	runeLen := utf8.RuneCountInString(text)

	switch {
	case runeLen > 20 && duration > 1.0:
		return 0.9
	case runeLen > 10:
		return 0.8
	default:
		return 0.6
	}
}

// Statistics methods
func (c *Client) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) incrementSuccessRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *Client) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *Client) incrementFilteredResults() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filteredResults++
}

func (c *Client) updateAvgResponseTime(responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Simple moving average
	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		FilteredResults: c.filteredResults,
		SuccessRate:     successRate,
		AvgResponseTime: c.avgResponseTime,
	}
}
