package diagram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kkotobuki/realtime-moziokosi/internal/protocol"
)

// maxTranscriptEntries bounds how much transcript history goes into one
// generation prompt
const maxTranscriptEntries = 500

// Config contains diagram generator configuration
type Config struct {
	Endpoint string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

// Result is one generated diagram
type Result struct {
	Type   string `json:"type"`
	Code   string `json:"code"`
	Prompt string `json:"prompt,omitempty"`
}

// Client turns a meeting transcript into a Mermaid diagram via an LLM
// chat-completions HTTP API
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
	enabled    bool
}

// NewClient creates a diagram client. Missing configuration disables it
// instead of failing startup.
func NewClient(config Config, logger *slog.Logger) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	enabled := config.Endpoint != "" && config.APIKey != ""
	if !enabled {
		logger.Warn("Diagram generation disabled, endpoint or API key not configured")
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger,
		enabled:    enabled,
	}
}

// Enabled reports whether diagram generation is configured
func (c *Client) Enabled() bool {
	return c.enabled
}

// chat-completion request and response shapes
type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Generate builds a Mermaid diagram from the transcript and optional
// meeting context. The transcript is truncated to its most recent entries.
func (c *Client) Generate(ctx context.Context, transcripts []string, input *protocol.MeetingInput) (*Result, error) {
	if !c.enabled {
		return nil, fmt.Errorf("diagram generation not configured")
	}
	if len(transcripts) == 0 {
		return nil, fmt.Errorf("empty transcript")
	}

	if len(transcripts) > maxTranscriptEntries {
		transcripts = transcripts[len(transcripts)-maxTranscriptEntries:]
	}

	prompt := buildPrompt(transcripts, input)

	req := chatRequest{
		Model: c.config.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)

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

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("empty model response")
	}

	code := stripFences(chatResp.Choices[0].Message.Content)
	if code == "" {
		return nil, fmt.Errorf("model returned no diagram code")
	}

	return &Result{
		Type: detectDiagramType(code),
		Code: code,
	}, nil
}

const systemPrompt = "あなたは会議の書き起こしからMermaid記法の図を生成するアシスタントです。" +
	"図のコードのみを出力してください。説明文は不要です。"

func buildPrompt(transcripts []string, input *protocol.MeetingInput) string {
	var sb strings.Builder

	if input != nil {
		if input.Purpose != "" {
			sb.WriteString("会議の目的: " + input.Purpose + "\n")
		}
		if len(input.Agenda) > 0 {
			sb.WriteString("アジェンダ:\n")
			for _, item := range input.Agenda {
				sb.WriteString("- " + item + "\n")
			}
		}
		sb.WriteString("\n")
	}

	sb.WriteString("書き起こし:\n")
	for _, line := range transcripts {
		sb.WriteString(line)
		sb.WriteString("\n")
	}

	return sb.String()
}

// stripFences removes a Markdown code fence around the model output,
// including an optional "mermaid" language marker
func stripFences(text string) string {
	text = strings.TrimSpace(text)

	if !strings.HasPrefix(text, "```") {
		return text
	}

	text = strings.TrimPrefix(text, "```")
	text = strings.TrimPrefix(text, "mermaid")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

// detectDiagramType classifies the Mermaid code by its first keyword
func detectDiagramType(code string) string {
	trimmed := strings.TrimSpace(code)

	switch {
	case strings.HasPrefix(trimmed, "sequenceDiagram"):
		return "sequence"
	case strings.HasPrefix(trimmed, "classDiagram"):
		return "class"
	case strings.HasPrefix(trimmed, "stateDiagram"):
		return "state"
	case strings.HasPrefix(trimmed, "gantt"):
		return "gantt"
	case strings.HasPrefix(trimmed, "erDiagram"):
		return "er"
	case strings.HasPrefix(trimmed, "mindmap"):
		return "mindmap"
	case strings.HasPrefix(trimmed, "graph"), strings.HasPrefix(trimmed, "flowchart"):
		return "flowchart"
	default:
		return "unknown"
	}
}
