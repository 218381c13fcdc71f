package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbocsi/dmxlink/proto"
)

const (
	defaultUserAgent = "dmxlink/0.1"
	requestTimeout   = 5 * time.Second
)

// RESTClient talks to the backend's HTTP API. It is the command path used when
// no websocket sender is registered.
type RESTClient struct {
	baseURL   *url.URL
	http      *http.Client
	token     string
	userAgent string
}

func NewRESTClient(baseURL, token string) (*RESTClient, error) {
	base, err := parseBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	return &RESTClient{
		baseURL:   base,
		http:      &http.Client{Timeout: requestTimeout},
		token:     token,
		userAgent: defaultUserAgent,
	}, nil
}

// BaseURL returns the normalized http(s) base the client talks to.
func (c *RESTClient) BaseURL() string {
	return c.baseURL.String()
}

// PostCommand sends cmd to POST /command and returns the backend's ack.
func (c *RESTClient) PostCommand(ctx context.Context, cmd proto.Command) (proto.Ack, error) {
	body, err := json.Marshal(cmd)
	if err != nil {
		return proto.Ack{}, fmt.Errorf("marshal command: %w", err)
	}
	resp, err := c.doURL(ctx, http.MethodPost, &url.URL{Path: "/command"}, bytes.NewReader(body))
	if err != nil {
		return proto.Ack{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return proto.Ack{}, fmt.Errorf("read response: %w", err)
	}
	ack, err := proto.DecodeAck(data)
	if err != nil {
		return proto.Ack{}, fmt.Errorf("decode ack: %w", err)
	}
	return ack, nil
}

// FetchState returns the backend's current universe state.
func (c *RESTClient) FetchState(ctx context.Context) (proto.StateUpdate, error) {
	resp, err := c.doURL(ctx, http.MethodGet, &url.URL{Path: "/state"}, nil)
	if err != nil {
		return proto.StateUpdate{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	var st proto.StateUpdate
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return proto.StateUpdate{}, fmt.Errorf("decode response: %w", err)
	}
	return st, nil
}

// FetchMetrics returns the raw Prometheus text served at /metrics.
func (c *RESTClient) FetchMetrics(ctx context.Context) ([]byte, error) {
	resp, err := c.doURL(ctx, http.MethodGet, &url.URL{Path: "/metrics"}, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return data, nil
}

func (c *RESTClient) doURL(ctx context.Context, method string, rel *url.URL, body io.Reader) (*http.Response, error) {
	if c.token != "" {
		q := rel.Query()
		q.Set("token", c.token)
		rel.RawQuery = q.Encode()
	}
	reqURL := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("api %s: %w", rel.Path, ErrUnauthorized)
	}
	if resp.StatusCode >= 400 {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("api %s returned status %d", rel.Path, resp.StatusCode)
	}
	return resp, nil
}

func parseBaseURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("base url required")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse base url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}
