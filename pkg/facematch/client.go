// Package facematch provides a client for a face-match scoring service that
// compares a stored face encoding against a probe image.
package facematch

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Client defines the face-match service operations.
type Client interface {
	// Score returns the similarity of the probe image to the encoding, in [0,1].
	Score(ctx context.Context, req ScoreRequest) (*ScoreResponse, error)
	// Health reports whether the service is reachable and ready.
	Health(ctx context.Context) error
}

// ScoreRequest is one comparison.
type ScoreRequest struct {
	Encoding []byte
	Image    []byte
	// Profile is the probe source, "upload" or "camera". Services may use it
	// to pick a detector tuned for low-resolution frames.
	Profile string
}

// ScoreResponse is the parsed service response.
type ScoreResponse struct {
	Score     float64 `json:"score"`
	FaceFound bool    `json:"face_found"`
	ModelID   string  `json:"model"`
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("facematch: status %d: %s", e.StatusCode, e.Message)
}

type scoreBody struct {
	Encoding string `json:"encoding"`
	Image    string `json:"image"`
	Profile  string `json:"profile,omitempty"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL sets the service base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(url, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		c.http.Timeout = d
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a face-match client. apiKey may be empty for services
// without authentication.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "http://localhost:9000",
		http: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 32,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Score(ctx context.Context, req ScoreRequest) (*ScoreResponse, error) {
	if len(req.Encoding) == 0 {
		return nil, eris.New("facematch: empty encoding")
	}
	if len(req.Image) == 0 {
		return nil, eris.New("facematch: empty image")
	}

	payload, err := json.Marshal(scoreBody{
		Encoding: base64.StdEncoding.EncodeToString(req.Encoding),
		Image:    base64.StdEncoding.EncodeToString(req.Image),
		Profile:  req.Profile,
	})
	if err != nil {
		return nil, eris.Wrap(err, "facematch: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/score", bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "facematch: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	body, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}

	var out ScoreResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, eris.Wrap(err, "facematch: decode response")
	}
	if out.Score < 0 || out.Score > 1 {
		return nil, eris.Errorf("facematch: score %v out of range", out.Score)
	}
	return &out, nil
}

func (c *httpClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return eris.Wrap(err, "facematch: create health request")
	}
	_, err = c.do(req)
	return err
}

func (c *httpClient) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "facematch: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, eris.Wrap(err, "facematch: read body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(body))
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	return body, nil
}
