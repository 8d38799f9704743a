package sync

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

	"go.uber.org/zap"

	"github.com/ThingsIDoForLove/jmnr-hk-app/internal/ledger/record"
)

// DefaultRequestTimeout bounds every request to the server.
const DefaultRequestTimeout = 30 * time.Second

// maxErrorBody caps how much of a failed response is kept in errors.
const maxErrorBody = 4 << 10

// PullQuery is a signed historical pull request.
type PullQuery struct {
	Username  string
	AfterDate string
	Timestamp string
	Signature string
}

// Remote is the server API the orchestrator talks to.
type Remote interface {
	// BulkSave posts a signed bulk-save body for kind. Any non-2xx response
	// rejects the whole batch.
	BulkSave(ctx context.Context, kind record.Kind, body []byte) error

	// Fetch returns the raw JSON array of kind records dated on or after
	// q.AfterDate.
	Fetch(ctx context.Context, kind record.Kind, q PullQuery) ([]byte, error)

	Login(ctx context.Context, username, password string) (*LoginResponse, error)
}

// Client is the HTTP implementation of Remote.
type Client struct {
	base   *url.URL
	http   *http.Client
	logger *zap.Logger
}

// NewClient returns a client for the server at baseURL. A zero timeout uses
// DefaultRequestTimeout.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server URL %q: scheme must be http or https", baseURL)
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:   u,
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}, nil
}

// BaseURL returns the server URL the client talks to.
func (c *Client) BaseURL() string { return c.base.String() }

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// do sends req and returns the body of a 2xx response.
func (c *Client) do(req *http.Request) ([]byte, error) {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("server request",
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &HTTPStatusError{
			Method:     req.Method,
			Path:       req.URL.Path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: failed to read response: %w", req.Method, req.URL.Path, err)
	}
	return body, nil
}

func (c *Client) BulkSave(ctx context.Context, kind record.Kind, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/"+string(kind)+"/bulk-save", nil), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	_, err = c.do(req)
	return err
}

func (c *Client) Fetch(ctx context.Context, kind record.Kind, q PullQuery) ([]byte, error) {
	query := url.Values{}
	query.Set("username", q.Username)
	query.Set("afterDate", q.AfterDate)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/"+string(kind), query), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Timestamp", q.Timestamp)
	req.Header.Set("X-Signature", q.Signature)

	return c.do(req)
}

func (c *Client) Login(ctx context.Context, username, password string) (*LoginResponse, error) {
	payload, err := json.Marshal(LoginRequest{Username: username, Password: password})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/auth/login", nil), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var resp LoginResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode login response: %w", err)
	}
	if resp.SigningKey == "" {
		return nil, fmt.Errorf("login response has no signing key")
	}
	if resp.Username == "" {
		resp.Username = username
	}
	return &resp, nil
}
