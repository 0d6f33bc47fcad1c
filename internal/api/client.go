// Package api is the unary HTTP collaborator of the signaling server: room
// and call lifecycle, rosters, history and push registration.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	HeaderAPIKey        = "X-Api-Key"
	HeaderDeviceID      = "X-Device-Id"
	HeaderPagingOffset  = "X-Paging-Offset"
	HeaderPagingLimit   = "X-Paging-Limit"
	DefaultTimeout      = 10 * time.Second
	maxErrorBodyBytes   = 4096
	maxResponseBodySize = 16 << 20
)

var ErrMissingBaseURL = errors.New("api: missing base url")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("api: %s %s: status %d", e.Method, e.Path, e.Status)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

type Config struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type Client struct {
	base   *url.URL
	apiKey string
	http   *http.Client
	log    *slog.Logger

	mu       sync.RWMutex
	deviceID string
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, ErrMissingBaseURL
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("api: invalid base url %q: %w", cfg.BaseURL, err)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		base:   base,
		apiKey: cfg.APIKey,
		http:   cfg.HTTPClient,
		log:    cfg.Logger,
	}, nil
}

// SetDeviceID records the device id assigned by the server's hello. It is
// sent with every later request.
func (c *Client) SetDeviceID(id string) {
	c.mu.Lock()
	c.deviceID = id
	c.mu.Unlock()
}

func (c *Client) DeviceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deviceID
}

func (c *Client) resolve(path string, query url.Values) *url.URL {
	ref := &url.URL{Path: strings.TrimPrefix(path, "/")}
	u := c.base.ResolveReference(ref)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) (http.Header, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("api: encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.resolve(path, query).String(), body)
	if err != nil {
		return nil, fmt.Errorf("api: build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(HeaderAPIKey, c.apiKey)
	}
	if id := c.DeviceID(); id != "" {
		req.Header.Set(HeaderDeviceID, id)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		c.log.Debug("api request failed", "method", method, "path", path, "status", resp.StatusCode)
		return resp.Header, &StatusError{Method: method, Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.Header, nil
	}
	dec := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBodySize))
	if err := dec.Decode(out); err != nil {
		return resp.Header, fmt.Errorf("api: decode %s %s: %w", method, path, err)
	}
	return resp.Header, nil
}

// Paginated is one page of a history listing.
type Paginated[T any] struct {
	Items  []T
	Offset int
	Limit  int
}

func pagingFromHeader(h http.Header) (offset, limit int) {
	offset, _ = strconv.Atoi(h.Get(HeaderPagingOffset))
	limit, _ = strconv.Atoi(h.Get(HeaderPagingLimit))
	return offset, limit
}

// PushRegister registers pushID for push notifications on this device.
func (c *Client) PushRegister(ctx context.Context, pushID string) error {
	_, err := c.do(ctx, http.MethodPost, "push/register", nil, pushRegistration{PushID: pushID}, nil)
	return err
}

func (c *Client) PushUnregister(ctx context.Context, pushID string) error {
	_, err := c.do(ctx, http.MethodDelete, "push/unregister/"+url.PathEscape(pushID), nil, nil, nil)
	return err
}

type pushRegistration struct {
	PushID string `json:"pushId"`
}
