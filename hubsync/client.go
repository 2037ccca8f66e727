package hubsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// FeedAPI is the part of the backend the poller depends on.
type FeedAPI interface {
	Feed(ctx context.Context, feed string) (FeedReading, error)
	Devices(ctx context.Context) ([]DeviceRecord, error)
}

// Client talks to the energy hub REST API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{},
	}
}

func (c *Client) Feed(ctx context.Context, feed string) (FeedReading, error) {
	var reading FeedReading
	err := c.get(ctx, "/adafruit/data/"+url.PathEscape(feed), &reading)
	return reading, err
}

func (c *Client) Devices(ctx context.Context) ([]DeviceRecord, error) {
	var devices []DeviceRecord
	err := c.get(ctx, "/devices", &devices)
	return devices, err
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Path: path, Code: resp.StatusCode}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
