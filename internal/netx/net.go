package netx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Health is the body served by the sync server on /healthz.
type Health struct {
	Status   string `json:"status"`
	Protocol int    `json:"protocol"`
}

var client = &http.Client{Timeout: 5 * time.Second}

// BaseURL turns a listen address such as ":27701" into a URL a local
// client can reach.
func BaseURL(addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port), nil
}

// CheckHealth queries baseURL/healthz.
func CheckHealth(ctx context.Context, baseURL string) (*Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/healthz", nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("health check failed: %s; body: %s", resp.Status, string(b))
	}

	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("health check: %w", err)
	}
	return &h, nil
}
