// Package llm provides the client for the insight-generation collaborator,
// an LLM service returning structured output with inline citation spans.
package llm

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

const defaultModel = "x-ai/grok-4.1-fast:free"

// Client calls the LLM service.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	limiter    *collab.Limiter
}

// Config holds LLM client configuration.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
	Limiter *collab.Limiter
}

// NewClient creates a new LLM client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("llm base URL is required")
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}

	limiter := cfg.Limiter
	if limiter == nil {
		limiter = collab.NewLimiter(2, 0)
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		model:      model,
		limiter:    limiter,
	}, nil
}

type generateRequest struct {
	Model    string `json:"model"`
	Kind     string `json:"kind"`
	Document string `json:"document"`
	Layout   string `json:"layout,omitempty"`
}

type generateResponse struct {
	Body      string       `json:"body"`
	Citations []collab.Span `json:"citations"`
	Error     *apiError    `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Generate produces one insight of the given kind for the document text.
// layoutSummary is an optional textual description of detected figures
// and tables, used by figure_explanation prompts.
func (c *Client) Generate(ctx context.Context, kind string, document string, layoutSummary string) (*collab.InsightDraft, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	defer c.limiter.Release()

	body, err := json.Marshal(generateRequest{
		Model:    c.model,
		Kind:     kind,
		Document: document,
		Layout:   layoutSummary,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/insights", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if cerr := collab.ClassifyHTTPResult("llm.Generate", err, resp); cerr != nil {
		return nil, cerr
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &collab.TransientError{Op: "llm.Generate", Err: err}
	}

	var decoded generateResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, &collab.MalformedResponseError{Op: "llm.Generate", Detail: err.Error()}
	}

	if decoded.Error != nil {
		return nil, &collab.MalformedResponseError{
			Op:     "llm.Generate",
			Detail: fmt.Sprintf("%s (%s)", decoded.Error.Message, decoded.Error.Type),
		}
	}

	if decoded.Body == "" {
		return nil, &collab.MalformedResponseError{Op: "llm.Generate", Detail: "empty body"}
	}

	for i, span := range decoded.Citations {
		if span.Page < 0 || span.OffsetEnd < span.OffsetStart || span.OffsetStart < 0 {
			return nil, &collab.MalformedResponseError{
				Op:     "llm.Generate",
				Detail: fmt.Sprintf("citation %d: invalid span", i),
			}
		}
	}

	return &collab.InsightDraft{
		Body:      decoded.Body,
		Citations: decoded.Citations,
	}, nil
}

// Model returns the model being used.
func (c *Client) Model() string {
	return c.model
}
