// Package hcloud implements the Hetzner Cloud server provider against
// the public REST API.
package hcloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/stagecraft/stagecraft/pkg/engine"
	"github.com/stagecraft/stagecraft/pkg/telemetry"
)

const (
	defaultBaseURL  = "https://api.hetzner.cloud/v1"
	applicationJSON = "application/json"

	// gracefulShutdownWait bounds the soft shutdown before PowerOff
	// falls back to cutting power.
	gracefulShutdownWait = 30 * time.Second
)

// Client talks to the Hetzner Cloud API. Transient transport failures
// and 5xx responses are retried by the underlying HTTP client; API
// error codes are mapped onto the engine error classes.
type Client struct {
	token   string
	baseURL string
	http    *retryablehttp.Client
	log     *telemetry.Logger
}

// Option adjusts a Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint, used by tests.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// NewClient creates a Hetzner Cloud client with the given API token.
func NewClient(token string, log *telemetry.Logger, opts ...Option) *Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.Logger = nil

	c := &Client{
		token:   token,
		baseURL: defaultBaseURL,
		http:    retryClient,
		log:     log.WithComponent("hcloud"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// apiError is the Hetzner error envelope.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	if c.token == "" {
		return engine.NewError(engine.KindProviderUnavailable,
			"hcloud api token is not set (HCLOUD_TOKEN)", nil)
	}

	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return engine.NewError(engine.KindInternal, "failed to encode hcloud request", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return engine.NewError(engine.KindInternal, "failed to build hcloud request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", applicationJSON)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return engine.NewError(engine.KindProviderUnavailable, "hcloud api is unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.mapError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return engine.NewError(engine.KindProviderUnavailable, "failed to decode hcloud response", err)
	}
	return nil
}

// mapError translates a Hetzner error response into an engine error.
// Quota exhaustion and invalid requests are permanent; everything else
// counts as the provider being unavailable.
func (c *Client) mapError(resp *http.Response) error {
	var envelope errorResponse
	_ = json.NewDecoder(resp.Body).Decode(&envelope)
	apiErr := envelope.Error

	msg := apiErr.Message
	if msg == "" {
		msg = fmt.Sprintf("hcloud api returned %s", resp.Status)
	}

	switch {
	case apiErr.Code == "resource_limit_exceeded" || apiErr.Code == "rate_limit_exceeded":
		return engine.NewError(engine.KindQuotaExceeded, msg, nil)
	case resp.StatusCode == http.StatusNotFound:
		return errServerNotFound
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return engine.NewError(engine.KindInvalidSpec, msg, nil)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return engine.NewError(engine.KindProviderUnavailable, "hcloud rejected the api token: "+msg, nil)
	default:
		return engine.NewError(engine.KindProviderUnavailable, msg, nil)
	}
}

// errServerNotFound marks a 404 so callers can fold it into the
// NotFound status instead of failing.
var errServerNotFound = errors.New("hcloud resource not found")
