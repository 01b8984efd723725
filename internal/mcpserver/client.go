package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to a wallet-guard server.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	Owner  string // Default owner when a tool call omits one (optional)
}

// GuardClient is a pure HTTP client for the wallet-guard API.
type GuardClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewGuardClient creates a new client for the wallet-guard API.
func NewGuardClient(cfg Config) *GuardClient {
	return &GuardClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the server.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the server and returns the response body.
func (c *GuardClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetWhitelist returns owner's trusted spenders.
func (c *GuardClient) GetWhitelist(ctx context.Context, owner string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/whitelist/"+url.PathEscape(owner), nil, nil)
}

// AddSpender adds spender to owner's trusted list.
func (c *GuardClient) AddSpender(ctx context.Context, owner, spender string) (json.RawMessage, error) {
	body := map[string]string{"address": spender}
	return c.doRequest(ctx, http.MethodPost, "/v1/whitelist/"+url.PathEscape(owner), nil, body)
}

// RemoveSpender removes spender from owner's trusted list.
func (c *GuardClient) RemoveSpender(ctx context.Context, owner, spender string) (json.RawMessage, error) {
	path := "/v1/whitelist/" + url.PathEscape(owner) + "/" + url.PathEscape(spender)
	return c.doRequest(ctx, http.MethodDelete, path, nil, nil)
}

// ScanAllowances reads the current allowance of every trusted spender.
func (c *GuardClient) ScanAllowances(ctx context.Context, owner string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/scanner/spenders/"+url.PathEscape(owner), nil, nil)
}

// RecentEvents returns owner's most recent risk events.
func (c *GuardClient) RecentEvents(ctx context.Context, owner string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/events/"+url.PathEscape(owner), q, nil)
}

// Watch starts a monitoring session for owner.
func (c *GuardClient) Watch(ctx context.Context, owner string) (json.RawMessage, error) {
	body := map[string]string{"owner": owner}
	return c.doRequest(ctx, http.MethodPost, "/v1/wallet/owner", nil, body)
}

// Unwatch stops owner's monitoring session.
func (c *GuardClient) Unwatch(ctx context.Context, owner string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodDelete, "/v1/wallet/owner/"+url.PathEscape(owner), nil, nil)
}
