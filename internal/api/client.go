package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goodtune/kbudget/internal/enforcement"
)

// Client talks to a running daemon. It satisfies override.Reconciler so a
// grant made from the command line is applied immediately.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient returns a client for the daemon listening on addr.
func NewClient(addr string) *Client {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		BaseURL: strings.TrimSuffix(base, "/"),
		HTTP:    &http.Client{Timeout: 5 * time.Second},
	}
}

// Reconcile asks the daemon to reconcile one resource.
func (c *Client) Reconcile(ctx context.Context, res string, trigger enforcement.Trigger) (enforcement.Result, error) {
	var result enforcement.Result
	path := "/api/v1/resources/" + url.PathEscape(res) + "/reconcile?trigger=" + url.QueryEscape(string(trigger))
	err := c.do(ctx, http.MethodPost, path, &result)
	return result, err
}

// Foreground asks the daemon to run the foreground check.
func (c *Client) Foreground(ctx context.Context) ([]enforcement.Result, error) {
	var body struct {
		Results []enforcement.Result `json:"results"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/foreground", &body)
	return body.Results, err
}

// Resources lists every resource's state as the daemon sees it.
func (c *Client) Resources(ctx context.Context) ([]enforcement.Status, error) {
	var body struct {
		Resources []enforcement.Status `json:"resources"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/resources", &body)
	return body.Resources, err
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("daemon request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("daemon returned %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode daemon response: %w", err)
	}
	return nil
}
