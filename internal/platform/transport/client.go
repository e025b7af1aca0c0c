// Package transport provides the authenticated HTTP client shared by every
// workflow. It attaches the session's bearer token, retries a request exactly
// once after refreshing an expired access token, and maps upstream failures
// onto the apierr taxonomy.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/docere/gateway/internal/platform/apierr"
)

// TokenSource supplies bearer tokens and the refresh operation. The session
// manager implements it; refresh de-duplication across concurrent callers is
// the source's responsibility.
type TokenSource interface {
	AccessToken() string
	RefreshAccessToken(ctx context.Context) (string, error)
}

// Client is the upstream API client.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	logger  zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithTimeout sets the default HTTP client's timeout.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.http.Timeout = d }
}

// NewClient creates a Client for the upstream API root (no trailing slash).
func NewClient(baseURL string, tokens TokenSource, logger zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		tokens:  tokens,
		logger:  logger.With().Str("component", "transport").Logger(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Do issues a JSON request. body, when non-nil, is marshalled as the JSON
// payload; out, when non-nil, receives the decoded JSON response. A 401 on a
// bearer-authenticated request triggers one refresh-and-replay; the second
// 401 is final.
func (c *Client) Do(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	contentType := ""
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		contentType = "application/json"
	}
	return c.send(ctx, method, path, payload, contentType, out)
}

func (c *Client) Get(ctx context.Context, path string, out interface{}) error {
	return c.Do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) Post(ctx context.Context, path string, body, out interface{}) error {
	return c.Do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) Put(ctx context.Context, path string, body, out interface{}) error {
	return c.Do(ctx, http.MethodPut, path, body, out)
}

func (c *Client) Patch(ctx context.Context, path string, body, out interface{}) error {
	return c.Do(ctx, http.MethodPatch, path, body, out)
}

func (c *Client) Delete(ctx context.Context, path string) error {
	return c.Do(ctx, http.MethodDelete, path, nil, nil)
}

// PostMultipart uploads a file as multipart form data. The whole body is
// buffered so the refresh-and-replay path can re-send it.
func (c *Client) PostMultipart(ctx context.Context, path, field, filename string, r io.Reader, extra map[string]string, out interface{}) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile(field, filename)
	if err != nil {
		return fmt.Errorf("build multipart body: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return fmt.Errorf("read upload: %w", err)
	}
	for k, v := range extra {
		if err := w.WriteField(k, v); err != nil {
			return fmt.Errorf("build multipart body: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("build multipart body: %w", err)
	}

	return c.send(ctx, http.MethodPost, path, buf.Bytes(), w.FormDataContentType(), out)
}

// send performs the request with the single-retry refresh discipline.
func (c *Client) send(ctx context.Context, method, path string, payload []byte, contentType string, out interface{}) error {
	access := c.tokens.AccessToken()

	resp, err := c.roundTrip(ctx, method, path, payload, contentType, access)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized && access != "" {
		resp.Body.Close()

		// One refresh, one replay. The token source clears the session and
		// returns an auth error when the refresh itself is rejected.
		newAccess, refreshErr := c.tokens.RefreshAccessToken(ctx)
		if refreshErr != nil {
			return refreshErr
		}
		c.logger.Debug().Str("path", path).Msg("access token refreshed, replaying request")

		resp, err = c.roundTrip(ctx, method, path, payload, contentType, newAccess)
		if err != nil {
			return err
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apierr.FromResponse(resp)
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return apierr.Wrap(apierr.KindTransport, err, "decode response from %s", path)
		}
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, payload []byte, contentType, access string) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindTransport, err, "build request %s %s", method, path)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if access != "" {
		req.Header.Set("Authorization", "Bearer "+access)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindTransport, err, "%s %s", method, path)
	}
	return resp, nil
}
