package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type apiOptions struct {
	server string
	token  string
	apiKey string
}

// credential prefers an explicit token, then an API key, then the
// environment.
func (o apiOptions) credential() string {
	if token := envDefault(o.token, "RELAY_TOKEN"); token != "" {
		return token
	}
	return envDefault(o.apiKey, "RELAY_API_KEY")
}

type apiClient struct {
	baseURL    string
	credential string
	httpClient *http.Client
}

func newAPIClient(opts apiOptions) (*apiClient, error) {
	credential := opts.credential()
	if credential == "" {
		return nil, errors.New("a --token or --api-key is required (or set RELAY_TOKEN / RELAY_API_KEY)")
	}
	return &apiClient{
		baseURL:    strings.TrimRight(opts.server, "/"),
		credential: credential,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

func (c *apiClient) getJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *apiClient) postJSON(ctx context.Context, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *apiClient) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.credential)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if readErr != nil {
			return fmt.Errorf("request %s failed: %s (read body: %w)", path, resp.Status, readErr)
		}
		var apiErr struct {
			Error  string `json:"error"`
			Reason string `json:"reason"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("request %s failed: %s (%s: %s)", path, resp.Status, apiErr.Reason, apiErr.Error)
		}
		if len(data) > 0 {
			return fmt.Errorf("request %s failed: %s (%s)", path, resp.Status, strings.TrimSpace(string(data)))
		}
		return fmt.Errorf("request %s failed: %s", path, resp.Status)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
