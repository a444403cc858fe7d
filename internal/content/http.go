package content

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPGenerator calls a content generation service over JSON HTTP.
// The service exposes POST /generate and POST /refine.
type HTTPGenerator struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPGenerator creates a new HTTP generator client
func NewHTTPGenerator(baseURL, apiKey string, timeout time.Duration) *HTTPGenerator {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &HTTPGenerator{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Generate requests first-time content
func (g *HTTPGenerator) Generate(ctx context.Context, req GenerateRequest) (*Draft, error) {
	var d Draft
	if err := g.request(ctx, "/generate", req, &d); err != nil {
		return nil, err
	}
	return validDraft(&d)
}

// Refine requests improved content
func (g *HTTPGenerator) Refine(ctx context.Context, req RefineRequest) (*Draft, error) {
	var d Draft
	if err := g.request(ctx, "/refine", req, &d); err != nil {
		return nil, err
	}
	return validDraft(&d)
}

// request performs a JSON POST to the generator
func (g *HTTPGenerator) request(ctx context.Context, path string, body any, result any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func validDraft(d *Draft) (*Draft, error) {
	if strings.TrimSpace(d.Subject) == "" || (strings.TrimSpace(d.Body) == "" && strings.TrimSpace(d.HTML) == "") {
		return nil, fmt.Errorf("generator returned an empty draft")
	}
	return d, nil
}
