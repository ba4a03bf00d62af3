package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stop-bath/darkroom/internal/api"
)

func TestGenerate_Success(t *testing.T) {
	var gotReq api.ImageRequest
	var gotKey, gotContentType string

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		gotKey = r.Header.Get("api-key")
		gotContentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"data":[{"b64_json":"` + base64.StdEncoding.EncodeToString([]byte("hello")) + `"}]}`))
	}))
	defer ts.Close()

	c := New(ts.URL, "sk-test")
	res, err := c.Generate(context.Background(), "a red balloon")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if gotKey != "sk-test" {
		t.Fatalf("api-key header: %q", gotKey)
	}
	if gotContentType != "application/json" {
		t.Fatalf("content type: %q", gotContentType)
	}
	if gotReq.Prompt != "a red balloon" {
		t.Fatalf("prompt: %q", gotReq.Prompt)
	}
	if gotReq.Model != api.Model || gotReq.Size != api.Size || gotReq.Quality != api.Quality || gotReq.N != api.ImageCount {
		t.Fatalf("fixed parameters not applied: %+v", gotReq)
	}

	if string(res.Image) != "hello" {
		t.Fatalf("image bytes: %q", res.Image)
	}
	if len(res.Body) == 0 {
		t.Fatalf("raw body not preserved")
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", res.StatusCode)
	}
}

func TestGenerate_RateLimited(t *testing.T) {
	bodies := []string{
		`{"error":{"code":"429","message":"too many requests"}}`,
		`{"error":{"code":"throttled","message":"Rate limit exceeded, retry later"}}`,
	}
	for _, body := range bodies {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(body))
		}))
		c := New(ts.URL, "k")
		res, err := c.Generate(context.Background(), "p")
		ts.Close()

		if !errors.Is(err, ErrRateLimited) {
			t.Fatalf("body %s: expected ErrRateLimited, got %v", body, err)
		}
		if string(res.Body) != body {
			t.Fatalf("raw body not preserved: %q", res.Body)
		}
	}
}

func TestGenerate_UpstreamError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":{"code":"content_policy","message":"rejected"}}`))
	}))
	defer ts.Close()

	c := New(ts.URL, "k")
	_, err := c.Generate(context.Background(), "p")
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
	if errors.Is(err, ErrRateLimited) {
		t.Fatalf("should not classify as rate limited: %v", err)
	}
}

func TestGenerate_BadPayload(t *testing.T) {
	bodies := []string{
		`{"data":[]}`,
		`{"data":[{"b64_json":null}]}`,
		`{"data":[{"b64_json":""}]}`,
		`{"data":[{"b64_json":"%%%not-base64%%%"}]}`,
		`<html>bad gateway</html>`,
		``,
	}
	for _, body := range bodies {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(body))
		}))
		c := New(ts.URL, "k")
		res, err := c.Generate(context.Background(), "p")
		ts.Close()

		if !errors.Is(err, ErrBadPayload) {
			t.Fatalf("body %q: expected ErrBadPayload, got %v", body, err)
		}
		if res.Image != nil {
			t.Fatalf("body %q: image should be nil", body)
		}
		if string(res.Body) != body {
			t.Fatalf("body %q: raw body not preserved: %q", body, res.Body)
		}
	}
}

func TestGenerate_TransportError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	ts.Close() // refuse connections

	c := New(ts.URL, "k")
	res, err := c.Generate(context.Background(), "p")
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
	if res == nil {
		t.Fatalf("result must not be nil")
	}
	if len(res.Body) != 0 {
		t.Fatalf("expected empty body, got %q", res.Body)
	}
}

// The source of truth is the payload shape, not the HTTP status: a 500 that
// still carries a valid data payload counts as success, and a 200 carrying
// an error object does not.
func TestGenerate_ClassifiesByBodyNotStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"data":[{"b64_json":"` + base64.StdEncoding.EncodeToString([]byte("ok")) + `"}]}`))
	}))
	defer ts.Close()

	c := New(ts.URL, "k")
	res, err := c.Generate(context.Background(), "p")
	if err != nil {
		t.Fatalf("expected success despite 500 status, got %v", err)
	}
	if string(res.Image) != "ok" {
		t.Fatalf("image bytes: %q", res.Image)
	}
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status not recorded: %d", res.StatusCode)
	}
}
