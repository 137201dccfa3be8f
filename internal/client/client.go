// Package client talks to the geark control API.
package client

import (
	"bytes"
	stdcontext "context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Paintersrp/geark/internal/api"
)

const defaultTimeout = 10 * time.Second

// Error is a failure reported by the control API. It unwraps to the matching
// api sentinel error when the code is known.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("control api returned %d (%s)", e.Status, e.Code)
}

func (e *Error) Unwrap() error {
	switch e.Code {
	case "unknown_task":
		return api.ErrUnknownTask
	case "task_exists":
		return api.ErrTaskExists
	case "invalid_spec":
		return api.ErrInvalidSpec
	case "shutting_down":
		return api.ErrShuttingDown
	default:
		return nil
	}
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// Client is an api.Controller backed by a remote control server.
type Client struct {
	base *url.URL
	http *http.Client
}

var _ api.Controller = (*Client)(nil)

// New constructs a client for server, which is either a host:port pair or an
// http(s) URL.
func New(server string, opts ...Option) (*Client, error) {
	server = strings.TrimSpace(server)
	if server == "" {
		return nil, errors.New("server address is required")
	}
	if !strings.Contains(server, "://") {
		server = "http://" + server
	}
	base, err := url.Parse(server)
	if err != nil {
		return nil, fmt.Errorf("parse server address %q: %w", server, err)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("server address %q has no host", server)
	}
	c := &Client{base: base, http: &http.Client{Timeout: defaultTimeout}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// List fetches every registered task.
func (c *Client) List(ctx stdcontext.Context) (*api.TaskList, error) {
	var out api.TaskList
	if err := c.do(ctx, http.MethodGet, "/api/v1/tasks", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status fetches a single task.
func (c *Client) Status(ctx stdcontext.Context, key string) (*api.TaskReport, error) {
	var out api.TaskReport
	if err := c.do(ctx, http.MethodGet, taskPath(key), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Start asks the server to start a new root task.
func (c *Client) Start(ctx stdcontext.Context, req api.StartRequest) (*api.TaskReport, error) {
	var out struct {
		Task api.TaskReport `json:"task"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/tasks", req, &out); err != nil {
		return nil, err
	}
	return &out.Task, nil
}

// Stop stops key and its descendants.
func (c *Client) Stop(ctx stdcontext.Context, key string) (*api.StopResult, error) {
	var out struct {
		Stop api.StopResult `json:"stop"`
	}
	if err := c.do(ctx, http.MethodDelete, taskPath(key), nil, &out); err != nil {
		return nil, err
	}
	return &out.Stop, nil
}

func taskPath(key string) string {
	return "/api/v1/tasks/" + url.PathEscape(key)
}

func (c *Client) do(ctx stdcontext.Context, method, path string, body, out any) error {
	if ctx == nil {
		ctx = stdcontext.Background()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	target := strings.TrimRight(c.base.String(), "/") + path
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err := json.Unmarshal(data, &body); err != nil {
		body.Message = strings.TrimSpace(string(data))
	}
	return &Error{Status: resp.StatusCode, Code: body.Code, Message: body.Message}
}
