// Package api talks to the console's REST backend, whose responses all use
// the {isOk, result, error} envelope.
package api

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

	"github.com/qcal/livelink/pkg/logging"
)

const defaultTimeout = 10 * time.Second

// maxErrorBody bounds how much of a non-envelope error body is kept.
const maxErrorBody = 512

// ErrorDetail is the envelope's error field, sent either as a bare string
// or as {"detail": "..."}.
type ErrorDetail struct {
	Detail string `json:"detail"`
}

func (d *ErrorDetail) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		d.Detail = s
		return nil
	}
	var obj struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	// FastAPI-style validation errors carry a list here.
	if err := json.Unmarshal(obj.Detail, &s); err == nil {
		d.Detail = s
	} else {
		d.Detail = string(obj.Detail)
	}
	return nil
}

// Result is the uniform response envelope.
type Result[T any] struct {
	IsOk   bool         `json:"isOk"`
	Result T            `json:"result"`
	Error  *ErrorDetail `json:"error,omitempty"`
}

// Error is returned for isOk=false envelopes and non-2xx responses.
type Error struct {
	Status int
	Path   string
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("api: %s: status %d", e.Path, e.Status)
	}
	return fmt.Sprintf("api: %s: status %d: %s", e.Path, e.Status, e.Detail)
}

// IsNotFound reports whether err is an api 404.
func IsNotFound(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// Client is a REST client bound to one base URL.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

// NewClient creates a client. A zero timeout uses 10s.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// WithToken sets a bearer token sent on every request.
func (c *Client) WithToken(token string) *Client {
	c.token = token
	return c
}

// Get fetches path and decodes the envelope's result into out.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("api: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if id := logging.GetRequestID(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("api: GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("api: read %s: %w", path, err)
	}
	logging.DebugContext(ctx, "api response", "path", path, "status", resp.StatusCode,
		"durationMs", time.Since(start).Milliseconds())

	var env Result[json.RawMessage]
	if err := json.Unmarshal(body, &env); err != nil {
		if resp.StatusCode/100 != 2 {
			return &Error{Status: resp.StatusCode, Path: path, Detail: truncate(body)}
		}
		return fmt.Errorf("api: decode %s: %w", path, err)
	}
	if !env.IsOk || resp.StatusCode/100 != 2 {
		apiErr := &Error{Status: resp.StatusCode, Path: path}
		if env.Error != nil {
			apiErr.Detail = env.Error.Detail
		}
		return apiErr
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("api: decode result of %s: %w", path, err)
	}
	return nil
}

// Fetch is Get with a typed result.
func Fetch[T any](ctx context.Context, c *Client, path string) (T, error) {
	var out T
	err := c.Get(ctx, path, &out)
	return out, err
}

func truncate(body []byte) string {
	body = bytes.TrimSpace(body)
	if len(body) > maxErrorBody {
		return string(body[:maxErrorBody]) + "..."
	}
	return string(body)
}
