package renderer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// Composition is a named video template the render service can produce.
type Composition struct {
	ID               string `json:"id"`
	FPS              int    `json:"fps"`
	Width            int    `json:"width"`
	Height           int    `json:"height"`
	DurationInFrames int    `json:"durationInFrames"`
}

// RenderRequest is the payload sent to the render service.
type RenderRequest struct {
	CompositionID    string         `json:"compositionId"`
	DurationInFrames int            `json:"durationInFrames"`
	InputProps       map[string]any `json:"inputProps"`
}

// Client talks to the external render service. The service is a black box
// that turns (composition, duration, props) into a video file or fails.
type Client interface {
	Compositions(ctx context.Context) ([]Composition, error)
	Render(ctx context.Context, req RenderRequest, outputPath string) error
}

// HTTPClient reaches the render service over plain HTTP.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient builds a client for the service at baseURL. The timeout
// bounds a whole render call, which can run for minutes.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Compositions fetches the set of renderable compositions. The worker caches
// the result process-wide after the first successful call.
func (c *HTTPClient) Compositions(ctx context.Context) ([]Composition, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/compositions", nil)
	if err != nil {
		return nil, fmt.Errorf("build compositions request: %w", err)
	}
	res, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch compositions: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, fmt.Errorf("renderer http %d on compositions", res.StatusCode)
	}

	var payload struct {
		Compositions []Composition `json:"compositions"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode compositions: %w", err)
	}
	return payload.Compositions, nil
}

// Render posts the request and streams the returned video bytes to
// outputPath.
func (c *HTTPClient) Render(ctx context.Context, rr RenderRequest, outputPath string) error {
	body, err := json.Marshal(rr)
	if err != nil {
		return fmt.Errorf("marshal render request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/render", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build render request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("render call: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
		return fmt.Errorf("renderer http %d: %s", res.StatusCode, bytes.TrimSpace(msg))
	}

	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	if _, err := io.Copy(out, res.Body); err != nil {
		out.Close()
		return fmt.Errorf("write video: %w", err)
	}
	return out.Close()
}
