// Package telegram sends messages through the Telegram Bot API.
package telegram

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

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/time/rate"
)

const defaultBaseURL = "https://api.telegram.org"

// Provider descriptions that mean the recipient can no longer be reached.
var blockedDescriptions = []string{
	"bot was blocked by the user",
	"user is deactivated",
	"chat not found",
}

// APIError is a structured rejection returned by the Bot API.
type APIError struct {
	Description string
	Code        int
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram API error %d: %s", e.Code, e.Description)
}

// Blocked reports whether the recipient blocked the bot or no longer exists.
func (e *APIError) Blocked() bool {
	desc := strings.ToLower(e.Description)
	for _, s := range blockedDescriptions {
		if strings.Contains(desc, s) {
			return true
		}
	}
	return false
}

// Retryable reports whether the same request may succeed later.
func (e *APIError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Config configures the Bot API client.
type Config struct {
	Token   string
	BaseURL string
	// RPS caps outgoing messages per second across all chats.
	RPS        float64
	Timeout    time.Duration
	Attempts   uint
	RetryDelay time.Duration
}

// Client sends messages via the Bot API.
type Client struct {
	client   *http.Client
	limiter  *rate.Limiter
	logger   *slog.Logger
	endpoint string
	attempts uint
	delay    time.Duration
}

// New creates a new Bot API client.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 25
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &Client{
		client:   &http.Client{Timeout: cfg.Timeout},
		limiter:  rate.NewLimiter(rate.Limit(cfg.RPS), 1),
		logger:   logger,
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + "/bot" + cfg.Token + "/sendMessage",
		attempts: cfg.Attempts,
		delay:    cfg.RetryDelay,
	}
}

type sendMessageRequest struct {
	Text               string             `json:"text"`
	ParseMode          string             `json:"parse_mode"`
	LinkPreviewOptions linkPreviewOptions `json:"link_preview_options"`
	ChatID             int64              `json:"chat_id"`
}

type linkPreviewOptions struct {
	IsDisabled bool `json:"is_disabled"`
}

type apiResponse struct {
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
	ErrorCode int  `json:"error_code"`
	OK        bool `json:"ok"`
}

// Send delivers an HTML message to chatID. Network failures, 5xx and 429
// responses are retried; any other rejection is returned immediately as an
// *APIError.
func (c *Client) Send(ctx context.Context, chatID int64, html string) error {
	body, err := json.Marshal(sendMessageRequest{
		ChatID:             chatID,
		Text:               html,
		ParseMode:          "HTML",
		LinkPreviewOptions: linkPreviewOptions{IsDisabled: true},
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	// The last structured response, so callers can classify it.
	var lastAPIErr *APIError
	err = retry.Do(
		func() error {
			lastAPIErr = nil
			if err := c.limiter.Wait(ctx); err != nil {
				return retry.Unrecoverable(fmt.Errorf("rate limiter: %w", err))
			}

			apiErr, err := c.post(ctx, chatID, body)
			if err != nil {
				return err
			}
			if apiErr == nil {
				return nil
			}

			lastAPIErr = apiErr
			if !apiErr.Retryable() {
				return retry.Unrecoverable(apiErr)
			}
			if apiErr.RetryAfter > 0 {
				c.logger.Warn("Telegram rate limited, backing off", "chat_id", chatID, "retry_after", apiErr.RetryAfter.String())
				select {
				case <-ctx.Done():
					return retry.Unrecoverable(ctx.Err())
				case <-time.After(apiErr.RetryAfter):
				}
			}
			return apiErr
		},
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.MaxDelay(time.Minute),
		retry.MaxJitter(c.delay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying Telegram send after error", "attempt", n, "chat_id", chatID, "error", err)
		}),
	)
	if err == nil {
		return nil
	}
	if lastAPIErr != nil {
		return lastAPIErr
	}
	return fmt.Errorf("send message to %d: %w", chatID, err)
}

// post performs one sendMessage call. A nil *APIError and nil error mean the
// message was accepted.
func (c *Client) post(ctx context.Context, chatID int64, body []byte) (*APIError, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("Telegram request failed, will retry",
			"chat_id", chatID,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err)
		return nil, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var out apiResponse
	if err := json.Unmarshal(data, &out); err != nil {
		// No structured body: treat as a transport failure.
		return nil, fmt.Errorf("HTTP %d: decode response: %w", resp.StatusCode, err)
	}
	if out.OK {
		c.logger.Debug("Telegram message sent", "chat_id", chatID, "duration_ms", time.Since(start).Milliseconds())
		return nil, nil
	}

	code := out.ErrorCode
	if code == 0 {
		code = resp.StatusCode
	}
	return &APIError{
		Code:        code,
		Description: out.Description,
		RetryAfter:  time.Duration(out.Parameters.RetryAfter) * time.Second,
	}, nil
}

// Mock logs messages instead of sending them.
type Mock struct {
	logger *slog.Logger
}

// NewMock creates a new mock transport for local development.
func NewMock(logger *slog.Logger) *Mock {
	return &Mock{logger: logger}
}

// Send logs the message instead of sending it.
func (m *Mock) Send(_ context.Context, chatID int64, html string) error {
	m.logger.Info("MOCK TELEGRAM",
		"chat_id", chatID,
		"body_length", len(html),
		"body", html)
	return nil
}
