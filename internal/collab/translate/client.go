// Package translate provides the client for the translation collaborator.
// The service is idempotent and side-effect free: identical inputs always
// map to identical outputs, which is what makes caching its results safe.
package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/docsight/reader-engine/internal/collab"
)

// Client calls the translation service.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	limiter    *collab.Limiter
}

// Config holds translation client configuration.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Limiter *collab.Limiter
}

// NewClient creates a new translation client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("translation base URL is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}

	limiter := cfg.Limiter
	if limiter == nil {
		limiter = collab.NewLimiter(4, 0)
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		limiter:    limiter,
	}, nil
}

type translateRequest struct {
	Text       string `json:"text"`
	TargetLang string `json:"target_lang"`
}

type translateResponse struct {
	Translated string `json:"translated"`
}

// Translate translates text into the target language.
func (c *Client) Translate(ctx context.Context, text, targetLang string) (string, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		return "", err
	}
	defer c.limiter.Release()

	body, err := json.Marshal(translateRequest{
		Text:       text,
		TargetLang: targetLang,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/translate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if cerr := collab.ClassifyHTTPResult("translate.Translate", err, resp); cerr != nil {
		return "", cerr
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &collab.TransientError{Op: "translate.Translate", Err: err}
	}

	var decoded translateResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", &collab.MalformedResponseError{Op: "translate.Translate", Detail: err.Error()}
	}

	if decoded.Translated == "" {
		return "", &collab.MalformedResponseError{Op: "translate.Translate", Detail: "empty translation"}
	}

	return decoded.Translated, nil
}
