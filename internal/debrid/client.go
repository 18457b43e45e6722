// Package debrid is the HTTP client for the external bulk-download service.
// All endpoints use bearer-token authentication with one token per account.
package debrid

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// API is the surface the worker needs from the external service. Tests
// substitute fakes; Client is the production implementation.
type API interface {
	ListItems(ctx context.Context) ([]Item, error)
	ListQueued(ctx context.Context) ([]Item, error)
	Control(ctx context.Context, itemID, op string) error
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// ListItems returns the account's current items.
func (c *Client) ListItems(ctx context.Context) ([]Item, error) {
	var items []Item
	if err := c.getJSON(ctx, "/items", &items); err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return items, nil
}

// ListQueued returns items waiting to start.
func (c *Client) ListQueued(ctx context.Context) ([]Item, error) {
	var items []Item
	if err := c.getJSON(ctx, "/queue", &items); err != nil {
		return nil, fmt.Errorf("list queued: %w", err)
	}
	return items, nil
}

// Control issues a control operation (delete, pause, resume) on one item.
func (c *Client) Control(ctx context.Context, itemID, op string) error {
	endpoint := "/items/" + url.PathEscape(itemID) + "/" + url.PathEscape(op)
	req, err := c.newRequest(ctx, http.MethodPost, endpoint)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("control %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return readAPIError(resp)
	}
	return nil
}

// Validate is a cheap authenticated probe used to test a stored token.
func (c *Client) Validate(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/user")
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return readAPIError(resp)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return readAPIError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "Torboard/1.0")
	return req, nil
}

func readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	message := ""
	if json.Unmarshal(body, &payload) == nil {
		message = payload.Message
		if message == "" {
			message = payload.Error
		}
	}

	return &APIError{StatusCode: resp.StatusCode, Message: message}
}

// MergeItems combines the current and queued listings into one list, keyed
// by item ID. Entries from the current listing win on collision.
func MergeItems(current, queued []Item) []Item {
	seen := make(map[string]bool, len(current))
	merged := make([]Item, 0, len(current)+len(queued))

	for _, it := range current {
		seen[it.ID] = true
		merged = append(merged, it)
	}
	for _, it := range queued {
		if seen[it.ID] {
			continue
		}
		merged = append(merged, it)
	}
	return merged
}
