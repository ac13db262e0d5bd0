// Package suggester produces remediation text for accessibility findings
// through an OpenAI-compatible chat completions endpoint. Callers treat
// every error here as non-fatal: a scan never fails because suggestions
// could not be produced.
package suggester

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/accessprobe/scand/internal/scan"
)

const (
	// DefaultBaseURL targets the public OpenAI API; self-hosted compatible
	// servers override it.
	DefaultBaseURL      = "https://api.openai.com/v1"
	DefaultModel        = "gpt-4o-mini"
	DefaultTimeout      = 30 * time.Second
	defaultMaxTokens    = 1024
	maxResponseBytes    = 1 << 20
	systemPrompt        = "You are a web accessibility remediation assistant. Given WCAG violations found on a page, produce short, concrete HTML fixes a developer can apply. Group fixes by rule and keep the whole answer under 400 words."
	maxViolationsLimit  = 100
	defaultMaxViolation = 20
)

// Config controls the suggestion client.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
	// MaxViolations caps how many findings are included in the prompt.
	MaxViolations int
}

func (c Config) normalized() Config {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxViolations <= 0 {
		c.MaxViolations = defaultMaxViolation
	}
	if c.MaxViolations > maxViolationsLimit {
		c.MaxViolations = maxViolationsLimit
	}
	return c
}

// Client implements scan.Suggester against a chat completions API.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// New constructs a Client. A nil logger disables logging.
func New(cfg Config, logger *zap.Logger) *Client {
	cfg = cfg.normalized()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *apiError `json:"error"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// Suggest asks the model for remediation text covering the given findings.
func (c *Client) Suggest(ctx context.Context, url string, violations []scan.Violation) (string, error) {
	if len(violations) == 0 {
		return "", nil
	}

	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: c.buildPrompt(url, violations)},
		},
		Temperature: 0.2,
		MaxTokens:   defaultMaxTokens,
	})
	if err != nil {
		return "", &scan.SuggesterError{Err: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", &scan.SuggesterError{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &scan.SuggesterError{Err: fmt.Errorf("call model: %w", err)}
	}
	defer resp.Body.Close() //nolint:errcheck // read side only

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", &scan.SuggesterError{Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return "", c.statusError(resp.StatusCode, raw)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", &scan.SuggesterError{Err: fmt.Errorf("decode response: %w", err)}
	}
	if parsed.Error != nil {
		return "", c.apiErrorToErr(resp.StatusCode, parsed.Error)
	}
	if len(parsed.Choices) == 0 {
		return "", &scan.SuggesterError{Err: fmt.Errorf("model returned no choices")}
	}
	text := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if text == "" {
		return "", &scan.SuggesterError{Err: fmt.Errorf("model returned empty content")}
	}
	c.logger.Debug("fix suggestions produced",
		zap.String("url", url),
		zap.Int("violations", len(violations)),
		zap.Int("chars", len(text)),
	)
	return text, nil
}

func (c *Client) buildPrompt(url string, violations []scan.Violation) string {
	// Most severe first, so a capped prompt keeps the findings worth fixing.
	capped := make([]scan.Violation, len(violations))
	copy(capped, violations)
	sort.SliceStable(capped, func(i, j int) bool {
		return scan.ImpactRank(capped[i].Impact) < scan.ImpactRank(capped[j].Impact)
	})

	truncated := 0
	if len(capped) > c.cfg.MaxViolations {
		truncated = len(capped) - c.cfg.MaxViolations
		capped = capped[:c.cfg.MaxViolations]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Page: %s\n\nViolations:\n", url)
	for i, v := range capped {
		fmt.Fprintf(&b, "%d. [%s] %s: %s (%d affected elements)\n", i+1, v.Impact, v.RuleID, v.Description, v.Nodes)
	}
	if truncated > 0 {
		fmt.Fprintf(&b, "...and %d more findings omitted.\n", truncated)
	}
	b.WriteString("\nSuggest fixes.")
	return b.String()
}

func (c *Client) statusError(status int, raw []byte) error {
	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error != nil {
		return c.apiErrorToErr(status, parsed.Error)
	}
	detail := strings.TrimSpace(string(raw))
	if len(detail) > 200 {
		detail = detail[:200]
	}
	return &scan.SuggesterError{
		Quota: status == http.StatusTooManyRequests || status == http.StatusPaymentRequired,
		Err:   fmt.Errorf("status %d: %s", status, detail),
	}
}

func (c *Client) apiErrorToErr(status int, apiErr *apiError) error {
	quota := status == http.StatusTooManyRequests ||
		apiErr.Type == "insufficient_quota" ||
		apiErr.Code == "insufficient_quota"
	return &scan.SuggesterError{
		Quota: quota,
		Err:   fmt.Errorf("model API error (%s): %s", apiErr.Type, apiErr.Message),
	}
}
