// Package textract provides the client for the text-extraction collaborator.
// The service accepts a page image and streams back the recognized text as
// Server-Sent Events, one chunk per event.
package textract

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/docsight/reader-engine/internal/collab"
)

// Client calls the text-extraction service.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	limiter    *collab.Limiter
}

// Config holds text-extraction client configuration.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Limiter *collab.Limiter
}

// NewClient creates a new text-extraction client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("text-extraction base URL is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
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

type extractRequest struct {
	Image  string `json:"image"` // base64-encoded page image
	Stream bool   `json:"stream"`
}

// StreamPage extracts text from one page image, sending each chunk to the
// channel the moment it is decoded from the stream. The channel is not
// closed by this method.
func (c *Client) StreamPage(ctx context.Context, image []byte, chunks chan<- string) error {
	if err := c.limiter.Acquire(ctx); err != nil {
		return err
	}
	defer c.limiter.Release()

	body, err := json.Marshal(extractRequest{
		Image:  base64.StdEncoding.EncodeToString(image),
		Stream: true,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/extract", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if cerr := collab.ClassifyHTTPResult("textract.StreamPage", err, resp); cerr != nil {
		return cerr
	}
	defer resp.Body.Close()

	parser := NewStreamParser(resp.Body)
	for {
		chunk, err := parser.Next()
		if err != nil {
			return &collab.TransientError{Op: "textract.StreamPage", Err: err}
		}
		if chunk.Text != "" {
			select {
			case chunks <- chunk.Text:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if chunk.Done {
			return nil
		}
	}
}
