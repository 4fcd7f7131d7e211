// Package layout provides the client for the layout-detection collaborator.
// The service accepts a page image and returns the figures, tables,
// citations, and formulas it found as bounding boxes. Zero regions is a
// valid response.
package layout

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/docsight/reader-engine/internal/collab"
)

// Client calls the layout-detection service.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	limiter    *collab.Limiter
}

// Config holds layout-detection client configuration.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Limiter *collab.Limiter
}

// NewClient creates a new layout-detection client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("layout-detection base URL is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	limiter := cfg.Limiter
	if limiter == nil {
		limiter = collab.NewLimiter(3, 0)
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		limiter:    limiter,
	}, nil
}

type detectRequest struct {
	Image string `json:"image"`
}

type detectResponse struct {
	Regions []collab.Region `json:"regions"`
}

// DetectPage runs layout detection on one page image.
func (c *Client) DetectPage(ctx context.Context, image []byte) ([]collab.Region, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	defer c.limiter.Release()

	body, err := json.Marshal(detectRequest{
		Image: base64.StdEncoding.EncodeToString(image),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/detect", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if cerr := collab.ClassifyHTTPResult("layout.DetectPage", err, resp); cerr != nil {
		return nil, cerr
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &collab.TransientError{Op: "layout.DetectPage", Err: err}
	}

	var decoded detectResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, &collab.MalformedResponseError{Op: "layout.DetectPage", Detail: err.Error()}
	}

	for i, region := range decoded.Regions {
		if !collab.ValidRegionLabel(region.Label) {
			return nil, &collab.MalformedResponseError{
				Op:     "layout.DetectPage",
				Detail: fmt.Sprintf("region %d: unknown label %q", i, region.Label),
			}
		}
		if region.W < 0 || region.H < 0 {
			return nil, &collab.MalformedResponseError{
				Op:     "layout.DetectPage",
				Detail: fmt.Sprintf("region %d: negative extent", i),
			}
		}
	}

	return decoded.Regions, nil
}
