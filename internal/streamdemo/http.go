package streamdemo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Errors returned by the client.
var (
	ErrBackpressure = errors.New("service refused events with backpressure")
	ErrRejected     = errors.New("service rejected events")
	ErrUnhealthy    = errors.New("service is not healthy")
)

const (
	maxResponseBody = 1 << 20
	initialBackoff  = 100 * time.Millisecond
	maxBackoff      = 2 * time.Second
)

// Client talks to the touchpoint HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a client with the given request timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// CheckHealth verifies the service is up.
func (c *Client) CheckHealth(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnhealthy, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrUnhealthy, resp.StatusCode)
	}
	return nil
}

// PostEvents submits one batch. 202 and 200 (all duplicates) are both
// successes; 429 maps to ErrBackpressure.
func (c *Client) PostEvents(ctx context.Context, events []Event) (Ack, error) {
	body, err := json.Marshal(events)
	if err != nil {
		return Ack{}, fmt.Errorf("marshal events: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, "/events", body)
	if err != nil {
		return Ack{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return Ack{}, fmt.Errorf("read response: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusAccepted, http.StatusOK:
		var ack Ack
		if err := json.Unmarshal(data, &ack); err != nil {
			return Ack{}, fmt.Errorf("decode ack: %w", err)
		}
		return ack, nil
	case http.StatusTooManyRequests:
		return Ack{}, fmt.Errorf("%w: %s", ErrBackpressure, bytes.TrimSpace(data))
	default:
		return Ack{}, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, bytes.TrimSpace(data))
	}
}

// PostEventsWithRetry retries batches refused with backpressure, doubling
// the wait each time. It returns the number of retries spent.
func (c *Client) PostEventsWithRetry(ctx context.Context, events []Event, maxRetries int) (Ack, int, error) {
	backoff := initialBackoff
	for attempt := 0; ; attempt++ {
		ack, err := c.PostEvents(ctx, events)
		if err == nil || !errors.Is(err, ErrBackpressure) || attempt >= maxRetries {
			return ack, attempt, err
		}
		select {
		case <-ctx.Done():
			return Ack{}, attempt, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// Refresh triggers a manual refresh. A coalesced trigger counts as success.
func (c *Client) Refresh(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodPost, "/refresh", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("refresh: status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	return nil
}

// View fetches the combined attribution view for a window.
func (c *Client) View(ctx context.Context, days int) (View, error) {
	path := "/view"
	if days > 0 {
		path = fmt.Sprintf("/view?days=%d", days)
	}
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return View{}, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return View{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return View{}, fmt.Errorf("view: status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	var v View
	if err := json.Unmarshal(data, &v); err != nil {
		return View{}, fmt.Errorf("decode view: %w", err)
	}
	return v, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var r io.Reader = http.NoBody
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}
