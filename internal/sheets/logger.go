package sheets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Config contains spreadsheet logger configuration
type Config struct {
	Endpoint string
	APIKey   string
	SheetID  string
	Timeout  time.Duration
}

// Logger appends transcription results to a spreadsheet, one row per
// logical session. The first result of a session appends a row; later
// results rewrite that row with the accumulated text.
//
// When no endpoint or API key is configured the logger is a no-op, so the
// transcription path never depends on spreadsheet availability.
type Logger struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
	enabled    bool

	mu   sync.Mutex
	rows map[string]*sessionRow
}

type sessionRow struct {
	Row  int
	Text string
}

// rowRequest is the JSON body of an append or update call
type rowRequest struct {
	SheetID   string `json:"sheetId,omitempty"`
	Row       int    `json:"row,omitempty"`
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

// rowResponse is the JSON reply carrying the row index of an append
type rowResponse struct {
	Row int `json:"row"`
}

// NewLogger creates a spreadsheet logger. Missing configuration disables
// it with a warning instead of failing startup.
func NewLogger(config Config, logger *slog.Logger) *Logger {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	enabled := config.Endpoint != "" && config.APIKey != ""
	if !enabled {
		logger.Warn("Spreadsheet logging disabled, endpoint or API key not configured")
	}

	return &Logger{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger,
		enabled:    enabled,
		rows:       make(map[string]*sessionRow),
	}
}

// Enabled reports whether the logger will actually write rows
func (l *Logger) Enabled() bool {
	return l.enabled
}

// UpdateOrAppend accumulates text onto the session's row, appending the row
// on first use. Errors are logged and swallowed; the transcript stream must
// not stall on spreadsheet failures.
func (l *Logger) UpdateOrAppend(ctx context.Context, sessionID, text string) {
	if !l.enabled || text == "" {
		return
	}

	l.mu.Lock()
	row, ok := l.rows[sessionID]
	if !ok {
		row = &sessionRow{}
		l.rows[sessionID] = row
	}
	if row.Text == "" {
		row.Text = text
	} else {
		row.Text = row.Text + "\n" + text
	}
	accumulated := row.Text
	rowIndex := row.Row
	l.mu.Unlock()

	req := rowRequest{
		SheetID:   l.config.SheetID,
		Row:       rowIndex,
		SessionID: sessionID,
		Text:      accumulated,
		Timestamp: time.Now().Format(time.RFC3339),
	}

	newRow, err := l.postRow(ctx, req)
	if err != nil {
		l.logger.Warn("Spreadsheet write failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		return
	}

	if rowIndex == 0 && newRow > 0 {
		l.mu.Lock()
		if current, ok := l.rows[sessionID]; ok {
			current.Row = newRow
		}
		l.mu.Unlock()
	}
}

// ResetSession drops the row bookkeeping so the session's next result
// starts a fresh row
func (l *Logger) ResetSession(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.rows, sessionID)
}

// Row returns the spreadsheet row currently assigned to the session, or 0
func (l *Logger) Row(sessionID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if row, ok := l.rows[sessionID]; ok {
		return row.Row
	}
	return 0
}

func (l *Logger) postRow(ctx context.Context, req rowRequest) (int, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return 0, fmt.Errorf("failed to encode row request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, l.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+l.config.APIKey)

	resp, err := l.httpClient.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(respBody))
	}

	var rowResp rowResponse
	if err := json.Unmarshal(respBody, &rowResp); err != nil {
		return 0, fmt.Errorf("failed to parse response JSON: %w", err)
	}

	return rowResp.Row, nil
}
