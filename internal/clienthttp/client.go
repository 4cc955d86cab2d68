// Package clienthttp queries a receiver's status endpoint.
package clienthttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/m-jawhar/conduit/internal/dispatch"
	"github.com/m-jawhar/conduit/internal/partial"
)

const requestTimeout = 5 * time.Second

// Sessions is the body of GET /sessions.
type Sessions struct {
	Stats    dispatch.Stats     `json:"stats"`
	Sessions []dispatch.Session `json:"sessions"`
}

// FetchSessions calls GET /sessions on the status endpoint at baseURL.
func FetchSessions(ctx context.Context, baseURL string) (Sessions, error) {
	var s Sessions
	if err := getJSON(ctx, baseURL, "/sessions", &s); err != nil {
		return Sessions{}, err
	}
	return s, nil
}

// FetchPartials calls GET /partials on the status endpoint at baseURL.
func FetchPartials(ctx context.Context, baseURL string) ([]partial.Pending, error) {
	var p []partial.Pending
	if err := getJSON(ctx, baseURL, "/partials", &p); err != nil {
		return nil, err
	}
	return p, nil
}

// Healthy reports whether GET /health answers ok.
func Healthy(ctx context.Context, baseURL string) error {
	var body struct {
		OK bool `json:"ok"`
	}
	if err := getJSON(ctx, baseURL, "/health", &body); err != nil {
		return err
	}
	if !body.OK {
		return fmt.Errorf("receiver reports not ok")
	}
	return nil
}

func getJSON(ctx context.Context, baseURL, path string, v any) error {
	// Build the URL
	url := strings.TrimSuffix(baseURL, "/") + path
	if !strings.HasPrefix(url, "http") {
		url = "http://" + url
	}

	client := &http.Client{Timeout: requestTimeout}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
