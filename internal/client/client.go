package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/stop-bath/darkroom/internal/api"
)

// Classification sentinels. Callers map these onto retry behavior with
// errors.Is; all three are retryable.
var (
	// ErrRateLimited means the API asked us to slow down (error code "429"
	// or a "rate limit" message).
	ErrRateLimited = errors.New("rate limited")
	// ErrUpstream covers every other API-level or transport failure.
	ErrUpstream = errors.New("upstream error")
	// ErrBadPayload means the response could not be turned into image bytes.
	ErrBadPayload = errors.New("bad payload")
)

const headerAPIKey = "api-key"

// Result carries whatever came back from one generation call. Body is the
// raw response body, empty when the transport failed before any bytes
// arrived; callers persist it regardless of outcome. Image is set only when
// the payload decoded cleanly.
type Result struct {
	StatusCode int
	Body       []byte
	Image      []byte
}

type Client struct {
	endpoint string
	key      string
	httpc    *http.Client
}

// New returns a client for the generation endpoint. The underlying
// http.Client carries no timeout: generation calls can legitimately take
// minutes, and cancellation comes from ctx.
func New(endpoint, key string) *Client {
	return &Client{endpoint: endpoint, key: key, httpc: &http.Client{}}
}

// Generate performs one generation call for prompt and classifies the
// response. The returned Result is never nil.
func (c *Client) Generate(ctx context.Context, prompt string) (*Result, error) {
	payload, err := json.Marshal(api.NewImageRequest(prompt))
	if err != nil {
		return &Result{}, fmt.Errorf("%w: encode request: %v", ErrUpstream, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return &Result{}, fmt.Errorf("%w: build request: %v", ErrUpstream, err)
	}
	req.Header.Set(headerAPIKey, c.key)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return &Result{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	res := &Result{StatusCode: resp.StatusCode}
	res.Body, err = io.ReadAll(resp.Body)
	if err != nil {
		return res, fmt.Errorf("%w: read body: %v", ErrUpstream, err)
	}

	return res, classify(res)
}

// classify inspects the body shape only; the status code is recorded on the
// Result but never drives classification.
func classify(res *Result) error {
	var parsed api.ImageResponse
	if err := json.Unmarshal(res.Body, &parsed); err != nil {
		return fmt.Errorf("%w: unparseable response: %v", ErrBadPayload, err)
	}

	if e := parsed.Error; e != nil && (e.Code != "" || e.Message != "") {
		if e.Code == "429" || strings.Contains(strings.ToLower(e.Message), "rate limit") {
			return fmt.Errorf("%w: code=%q message=%q", ErrRateLimited, e.Code, e.Message)
		}
		return fmt.Errorf("%w: code=%q message=%q", ErrUpstream, e.Code, e.Message)
	}

	if len(parsed.Data) == 0 || parsed.Data[0].B64JSON == "" {
		return fmt.Errorf("%w: no image payload", ErrBadPayload)
	}

	img, err := base64.StdEncoding.DecodeString(parsed.Data[0].B64JSON)
	if err != nil {
		return fmt.Errorf("%w: base64: %v", ErrBadPayload, err)
	}
	res.Image = img
	return nil
}
