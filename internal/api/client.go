package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"onemeter/internal/model"
)

// DefaultTimeout bounds a single device fetch.
const DefaultTimeout = 10 * time.Second

// Client is a thin HTTP client for the OneMeter cloud API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// NewClient creates a client for the given base URL (e.g. https://cloud.onemeter.com).
// An empty baseURL selects DefaultBaseURL.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Device fetches the current document for a device.
func (c *Client) Device(ctx context.Context, deviceID string) (model.Snapshot, error) {
	var doc map[string]any
	endpoint := "/api/devices/" + url.PathEscape(deviceID)
	if err := c.getJSON(ctx, endpoint, &doc); err != nil {
		return model.Snapshot{}, err
	}
	if doc == nil {
		return model.Snapshot{}, &FetchError{Kind: model.ErrorKindMalformedResponse, Err: errors.New("empty document")}
	}
	return model.NewSnapshot(doc), nil
}

// Close releases idle pooled connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return &FetchError{Kind: model.ErrorKindFetchTransport, Err: err}
	}
	req.Header.Set("Authorization", c.apiKey)
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return classify(ctx, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		msg := strings.TrimSpace(string(body))
		if msg != "" {
			return &FetchError{Kind: model.ErrorKindFetchTransport, Err: fmt.Errorf("request failed: %s: %s", res.Status, msg)}
		}
		return &FetchError{Kind: model.ErrorKindFetchTransport, Err: fmt.Errorf("request failed: %s", res.Status)}
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return classify(ctx, err)
	}

	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	if err := decoder.Decode(out); err != nil {
		return &FetchError{Kind: model.ErrorKindMalformedResponse, Err: err}
	}
	return nil
}

func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &FetchError{Kind: model.ErrorKindFetchTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &FetchError{Kind: model.ErrorKindFetchTimeout, Err: err}
	}
	return &FetchError{Kind: model.ErrorKindFetchTransport, Err: err}
}

// DeviceFetcher binds a client to one device id. It is the fetch source the
// refresh coordinator owns; closing it releases the client's connections.
type DeviceFetcher struct {
	Client   *Client
	DeviceID string
}

// Fetcher returns a DeviceFetcher for deviceID.
func (c *Client) Fetcher(deviceID string) *DeviceFetcher {
	return &DeviceFetcher{Client: c, DeviceID: deviceID}
}

func (f *DeviceFetcher) Fetch(ctx context.Context) (model.Snapshot, error) {
	return f.Client.Device(ctx, f.DeviceID)
}

func (f *DeviceFetcher) Close() error {
	return f.Client.Close()
}
