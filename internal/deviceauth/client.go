package deviceauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-tunnel/pkg/logging"
)

const (
	// DefaultRequestTimeout bounds one-shot calls (device code, refresh).
	DefaultRequestTimeout = 10 * time.Second

	// DefaultPollTimeout bounds a single token poll.
	DefaultPollTimeout = 5 * time.Second

	// DefaultPollInterval is used when the server does not send an interval.
	DefaultPollInterval = 5 * time.Second

	// slowDownIncrement is added to the poll interval on every slow_down.
	slowDownIncrement = 5 * time.Second

	// GrantTypeDeviceCode is the RFC 8628 grant type.
	GrantTypeDeviceCode = "urn:ietf:params:oauth:grant-type:device_code"
)

// Client talks to the device authorization and token endpoints.
type Client struct {
	clientID   string
	endpoint   oauth2.Endpoint
	httpClient *http.Client
	logger     *slog.Logger

	requestTimeout time.Duration
	pollTimeout    time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// ClientOption configures the device authorization client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client. Its own Timeout, if any, applies in
// addition to the per-call timeouts.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a client for clientID. The endpoint must carry both
// DeviceAuthURL and TokenURL.
func NewClient(clientID string, endpoint oauth2.Endpoint, opts ...ClientOption) *Client {
	c := &Client{
		clientID:       clientID,
		endpoint:       endpoint,
		httpClient:     &http.Client{},
		logger:         logging.For("DeviceAuth"),
		requestTimeout: DefaultRequestTimeout,
		pollTimeout:    DefaultPollTimeout,
		now:            time.Now,
		sleep:          sleepContext,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RequestDeviceCode starts a device authorization.
func (c *Client) RequestDeviceCode(ctx context.Context) (*DeviceAuthorization, error) {
	data := url.Values{
		"client_id": {c.clientID},
	}

	var auth DeviceAuthorization
	if err := c.postForm(ctx, c.requestTimeout, c.endpoint.DeviceAuthURL, data, &auth); err != nil {
		return nil, err
	}
	if auth.DeviceCode == "" || auth.UserCode == "" || auth.VerificationURI == "" {
		return nil, &DeviceFlowError{
			Code:        ErrorUnknown,
			Description: "device authorization response is missing required fields",
			StatusCode:  http.StatusOK,
		}
	}

	c.logger.Debug("Device authorization started",
		"verification_uri", auth.VerificationURI,
		"expires_in", auth.ExpiresIn,
		"interval", auth.Interval)

	return &auth, nil
}

// PollForToken polls the token endpoint until the user completes the
// authorization, the server returns a terminal error, or expiresIn seconds
// have elapsed. Each attempt is preceded by a sleep of the current interval.
func (c *Client) PollForToken(ctx context.Context, deviceCode string, interval, expiresIn int) (*TokenResponse, error) {
	wait := time.Duration(interval) * time.Second
	if wait <= 0 {
		wait = DefaultPollInterval
	}
	deadline := c.now().Add(time.Duration(expiresIn) * time.Second)

	data := url.Values{
		"grant_type":  {GrantTypeDeviceCode},
		"device_code": {deviceCode},
		"client_id":   {c.clientID},
	}

	for attempt := 1; c.now().Before(deadline); attempt++ {
		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}

		var token TokenResponse
		err := c.postForm(ctx, c.pollTimeout, c.endpoint.TokenURL, data, &token)
		if err == nil {
			c.logger.Debug("Device authorization completed", "attempts", attempt)
			return &token, nil
		}

		switch CodeOf(err) {
		case errorAuthorizationPending:
			continue
		case errorSlowDown:
			wait += slowDownIncrement
			c.logger.Debug("Token endpoint asked to slow down", "interval", wait)
			continue
		default:
			return nil, err
		}
	}

	return nil, &DeviceFlowError{
		Code:        ErrorExpiredToken,
		Description: "device code expired before authorization completed",
	}
}

// RefreshToken exchanges a refresh token for a new access token. A rejected
// refresh token is reported as ErrorInvalidGrant, see IsInvalidGrant.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	data := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.clientID},
	}

	var token TokenResponse
	if err := c.postForm(ctx, c.requestTimeout, c.endpoint.TokenURL, data, &token); err != nil {
		return nil, err
	}
	return &token, nil
}

// Login runs the complete device flow. notify is called once the user code is
// known so the caller can show it.
func (c *Client) Login(ctx context.Context, notify func(*DeviceAuthorization)) (*TokenResponse, error) {
	auth, err := c.RequestDeviceCode(ctx)
	if err != nil {
		return nil, err
	}
	if notify != nil {
		notify(auth)
	}
	return c.PollForToken(ctx, auth.DeviceCode, auth.Interval, auth.ExpiresIn)
}

// postForm sends a form-encoded POST bounded by timeout and decodes a 2xx JSON
// body into out. Any failure is returned as *DeviceFlowError, except
// cancellation of the parent context which is returned as is.
func (c *Client) postForm(ctx context.Context, timeout time.Duration, endpoint string, data url.Values, out any) error {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return &DeviceFlowError{Code: ErrorUnknown, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return classifyTransportError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.classifyResponse(resp.StatusCode, body)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &DeviceFlowError{
			Code:       ErrorUnknown,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("failed to parse response: %w", err),
		}
	}
	return nil
}

func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &DeviceFlowError{Code: ErrorTimeout, Description: "request timed out", Err: err}
	}
	return &DeviceFlowError{Code: ErrorNetwork, Description: "could not reach authorization server", Err: err}
}

func (c *Client) classifyResponse(status int, body []byte) error {
	if status >= 500 {
		c.logger.Debug("Authorization server error", "status", status)
		return &DeviceFlowError{
			Code:        ErrorServer,
			Description: fmt.Sprintf("authorization server returned %d", status),
			StatusCode:  status,
		}
	}

	var oerr oauthError
	if err := json.Unmarshal(body, &oerr); err == nil && oerr.Error != "" {
		return &DeviceFlowError{
			Code:        ErrorCode(oerr.Error),
			Description: oerr.ErrorDescription,
			StatusCode:  status,
		}
	}

	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return &DeviceFlowError{
			Code:        ErrorAuthFailed,
			Description: fmt.Sprintf("authorization server rejected the client (%d)", status),
			StatusCode:  status,
		}
	}

	return &DeviceFlowError{
		Code:        ErrorHTTP,
		Description: fmt.Sprintf("unexpected status %d", status),
		StatusCode:  status,
	}
}
