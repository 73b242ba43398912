package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"

	"github.com/giantswarm/mcp-tunnel/internal/credentials"
	"github.com/giantswarm/mcp-tunnel/internal/deviceauth"
	"github.com/giantswarm/mcp-tunnel/pkg/logging"
	"github.com/giantswarm/mcp-tunnel/pkg/protocol"
)

// jitterFactor bounds the random share added to each backoff delay.
const jitterFactor = 0.3

// Client maintains the tunnel connection. It is safe for concurrent use.
type Client struct {
	cfg      Config
	logger   *slog.Logger
	clientID string
	events   chan Event

	refreshGroup singleflight.Group
	writeMu      sync.Mutex

	now    func() time.Time
	jitter func() float64

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	gen       uint64
	tunnelURL string
	attempts  int
	manual    bool
	// connectSeq identifies the connect attempt that owns state and
	// connectCancel. A superseded attempt leaves both alone when it unwinds.
	connectSeq     uint64
	reconnectTimer *time.Timer
	connectCancel  context.CancelFunc
}

// New creates a client. It does not connect.
func New(cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid tunnel configuration: %w", err)
	}
	cfg.setDefaults()

	logger := cfg.Logger
	if logger == nil {
		logger = logging.For("Tunnel")
	}

	return &Client{
		cfg:      cfg,
		logger:   logger,
		clientID: uuid.NewString(),
		events:   make(chan Event, cfg.EventBuffer),
		now:      time.Now,
		jitter:   rand.Float64,
	}, nil
}

// Events returns the channel on which the client reports what happens after
// Connect. The channel is never closed.
func (c *Client) Events() <-chan Event {
	return c.events
}

// ClientID is the instance id sent to the relay.
func (c *Client) ClientID() string {
	return c.clientID
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the tunnel is open.
func (c *Client) IsConnected() bool {
	return c.State() == StateOpen
}

// TunnelURL returns the public URL of the open tunnel, or "".
func (c *Client) TunnelURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tunnelURL
}

// Connect opens the tunnel and returns its public URL once the relay confirmed
// it. An expired credential is refreshed and saved first.
func (c *Client) Connect(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateOpen {
		state := c.state
		c.mu.Unlock()
		return "", newError(CodeAlreadyConnected, "tunnel is already "+state.String(), nil)
	}
	c.manual = false
	c.connectSeq++
	seq := c.connectSeq
	c.state = StateConnecting
	ctx, cancel := context.WithCancel(ctx)
	c.connectCancel = cancel
	c.mu.Unlock()
	defer cancel()

	url, err := c.open(ctx, seq)
	if err != nil {
		c.mu.Lock()
		c.releaseAttemptLocked(seq)
		c.mu.Unlock()
		return "", err
	}
	return url, nil
}

// releaseAttemptLocked returns the client to Idle after attempt seq failed,
// unless a newer attempt has taken over. c.mu must be held.
func (c *Client) releaseAttemptLocked(seq uint64) bool {
	if c.connectSeq != seq {
		return false
	}
	if c.state == StateConnecting || c.state == StateClosing {
		c.state = StateIdle
	}
	c.connectCancel = nil
	return true
}

// Disconnect closes the tunnel with a normal close code and stops any
// reconnection. It is safe to call in any state.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.manual = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	inFlight := c.connectCancel != nil
	if inFlight {
		c.connectCancel()
		c.connectCancel = nil
	}
	conn := c.conn
	c.conn = nil
	c.gen++
	c.tunnelURL = ""
	if conn == nil {
		// A cancelled attempt moves the state to Idle once it has unwound.
		if inFlight {
			c.state = StateClosing
		} else {
			c.state = StateIdle
		}
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	c.mu.Unlock()

	c.writeMu.Lock()
	err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(int(protocol.CloseNormal), "client disconnect"),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		c.logger.Debug("Failed to send close frame", "error", err)
	}
	conn.Close()

	c.mu.Lock()
	if c.state == StateClosing {
		c.state = StateIdle
	}
	c.mu.Unlock()

	c.emit(Event{Type: EventDisconnected, CloseCode: protocol.CloseNormal, Reason: "client disconnect"})
	c.logger.Info("Tunnel disconnected")
	return nil
}

// open runs connection attempt seq: credential, dial, handshake. The caller
// has set the state to Connecting.
func (c *Client) open(ctx context.Context, seq uint64) (string, error) {
	cred := c.cfg.Credentials.Load()
	if cred == nil {
		return "", newError(CodeNoCredentials, "not logged in, run 'mcp-tunnel auth login'", nil)
	}

	if c.cfg.Credentials.IsExpired(cred) {
		c.logger.Info("Access token expired, refreshing before connect")
		refreshed, err := c.refresh(ctx, cred)
		if err != nil {
			return "", err
		}
		cred = refreshed
	}

	conn, err := c.dial(ctx, cred)
	if err != nil {
		return "", err
	}

	url, err := c.handshake(ctx, conn)
	if err != nil {
		conn.Close()
		return "", err
	}

	c.mu.Lock()
	if c.manual || c.connectSeq != seq {
		c.mu.Unlock()
		conn.Close()
		return "", newError(CodeDisconnected, "disconnected while connecting", nil)
	}
	c.gen++
	gen := c.gen
	c.conn = conn
	c.state = StateOpen
	c.tunnelURL = url
	c.attempts = 0
	c.connectCancel = nil
	c.mu.Unlock()

	conn.SetPingHandler(func(data string) error {
		c.extendReadDeadline(conn)
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.cfg.HeartbeatTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	go c.readLoop(conn, gen)

	c.logger.Info("Tunnel established", "url", url)
	c.emit(Event{Type: EventConnected, URL: url})
	return url, nil
}

func (c *Client) dial(ctx context.Context, cred *credentials.Credential) (*websocket.Conn, error) {
	header := c.cfg.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	token := cred.OAuth2Token()
	header.Set("Authorization", token.Type()+" "+token.AccessToken)
	header.Set(protocol.ClientIDHeader, c.clientID)

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	c.logger.Debug("Dialing relay", "url", c.cfg.RelayURL)
	conn, resp, err := c.cfg.Dialer.DialContext(dialCtx, c.cfg.RelayURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err == nil {
		return conn, nil
	}

	if ctx.Err() != nil {
		return nil, newError(CodeConnectionFailed, "connect cancelled", ctx.Err())
	}
	var netErr net.Error
	if errors.Is(dialCtx.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return nil, newError(CodeConnectionTimeout,
			fmt.Sprintf("relay did not accept the connection within %s", c.cfg.ConnectTimeout), err)
	}
	if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		return nil, &Error{
			Code:      CodeUnauthorized,
			Message:   fmt.Sprintf("relay rejected the access token (%d)", resp.StatusCode),
			CloseCode: protocol.CloseUnauthorized,
			Err:       err,
		}
	}
	return nil, newError(CodeConnectionFailed, "could not connect to relay", err)
}

// handshake waits for tunnel_established. A close or error before that
// rejects the connection attempt.
func (c *Client) handshake(ctx context.Context, conn *websocket.Conn) (string, error) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		c.extendReadDeadline(conn)
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return "", newError(CodeConnectionFailed, "connect cancelled", ctx.Err())
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code := protocol.CloseCode(closeErr.Code)
				return "", &Error{
					Code:      CodeConnectionFailed,
					Message:   "relay closed the connection before the tunnel was established: " + code.String(),
					CloseCode: code,
					Err:       err,
				}
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return "", newError(CodeConnectionTimeout, "relay did not establish the tunnel in time", err)
			}
			return "", newError(CodeWebSocketError, "connection failed during handshake", err)
		}

		msg, err := protocol.DecodeServerMessage(data)
		if err != nil {
			c.emit(Event{Type: EventError, Err: newError(CodeParseError, "invalid frame from relay", err)})
			continue
		}

		switch m := msg.(type) {
		case *protocol.TunnelEstablished:
			return m.URL, nil
		case *protocol.Ping:
			c.writeFrame(conn, protocol.NewPongEnvelope(m.Timestamp))
		case *protocol.ErrorMessage:
			c.emit(Event{Type: EventError, Err: relayError(m)})
		default:
			c.logger.Debug("Ignoring frame before handshake", "type", fmt.Sprintf("%T", msg))
		}
	}
}

func (c *Client) extendReadDeadline(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.HeartbeatInterval + c.cfg.HeartbeatTimeout))
}

func (c *Client) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		c.extendReadDeadline(conn)
		_, data, err := conn.ReadMessage()
		if err != nil {
			code := protocol.CloseAbnormal
			reason := err.Error()
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code = protocol.CloseCode(closeErr.Code)
				reason = closeErr.Text
			}
			c.handleClose(conn, gen, code, reason)
			return
		}
		c.dispatch(conn, data)
	}
}

func (c *Client) dispatch(conn *websocket.Conn, data []byte) {
	msg, err := protocol.DecodeServerMessage(data)
	if err != nil {
		c.logger.Warn("Invalid frame from relay", "error", err)
		c.emit(Event{Type: EventError, Err: newError(CodeParseError, "invalid frame from relay", err)})
		return
	}

	switch m := msg.(type) {
	case *protocol.Request:
		req := &Request{
			ID:      m.RequestID,
			Method:  m.Method,
			Path:    m.Path,
			Headers: m.Headers,
			Body:    m.Body,
		}
		c.emit(Event{Type: EventRequest, Request: req})
		go c.serve(conn, req)

	case *protocol.Ping:
		c.writeFrame(conn, protocol.NewPongEnvelope(m.Timestamp))

	case *protocol.ErrorMessage:
		c.logger.Warn("Relay reported an error", "code", m.Code, "message", m.Message)
		c.emit(Event{Type: EventError, Err: relayError(m)})

	case *protocol.URLChanged:
		c.mu.Lock()
		c.tunnelURL = m.NewURL
		c.mu.Unlock()
		c.logger.Info("Tunnel URL changed", "old_url", m.OldURL, "new_url", m.NewURL)
		c.emit(Event{Type: EventURLChanged, URL: m.NewURL, OldURL: m.OldURL})

	case *protocol.TunnelEstablished:
		c.mu.Lock()
		c.tunnelURL = m.URL
		c.mu.Unlock()
	}
}

// serve runs the handler for one forwarded request and writes the response.
func (c *Client) serve(conn *websocket.Conn, req *Request) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()

	resp, err := c.invoke(ctx, req)
	if err != nil {
		c.logger.Warn("Forwarded request failed", "request_id", req.ID, "method", req.Method, "path", req.Path, "error", err)
		c.emit(Event{Type: EventError, Err: newError(CodeMessageError, "handler failed for request "+req.ID, err)})
		resp = internalErrorResponse()
	}

	frame, err := encodeResponse(req.ID, resp)
	if err != nil {
		c.logger.Warn("Failed to encode response", "request_id", req.ID, "error", err)
		c.emit(Event{Type: EventError, Err: newError(CodeMessageError, "could not encode response for request "+req.ID, err)})
		frame, _ = encodeResponse(req.ID, internalErrorResponse())
	}
	c.writeMessage(conn, frame)
}

func internalErrorResponse() *Response {
	return &Response{
		StatusCode: http.StatusInternalServerError,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       []byte(`{"error":"internal error"}`),
	}
}

// encodeResponse builds the response frame for request id. A body that is not
// JSON is sent as a JSON string.
func encodeResponse(id string, resp *Response) ([]byte, error) {
	body := resp.Body
	if len(body) > 0 && !json.Valid(body) {
		quoted, err := json.Marshal(string(body))
		if err != nil {
			return nil, err
		}
		body = quoted
	}
	return json.Marshal(protocol.NewResponseEnvelope(id, resp.StatusCode, resp.Headers, body))
}

func (c *Client) invoke(ctx context.Context, req *Request) (resp *Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	resp, err = c.cfg.Handler.ServeTunnel(ctx, req)
	if err == nil && resp == nil {
		err = errors.New("handler returned no response")
	}
	return resp, err
}

func (c *Client) writeFrame(conn *websocket.Conn, frame protocol.Envelope) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Warn("Failed to encode frame", "event", frame.Event, "error", err)
		return
	}
	c.writeMessage(conn, data)
}

// writeMessage sends one encoded frame. Frames are always complete JSON
// documents; encoding happens before the socket writer is taken.
func (c *Client) writeMessage(conn *websocket.Conn, data []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.HeartbeatTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Debug("Failed to write frame", "error", err)
	}
}

// handleClose runs when the read loop of generation gen ends.
func (c *Client) handleClose(conn *websocket.Conn, gen uint64, code protocol.CloseCode, reason string) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.tunnelURL = ""
	c.state = StateIdle
	manual := c.manual
	c.mu.Unlock()

	conn.Close()

	c.logger.Info("Tunnel connection closed", "code", int(code), "reason", code.String())
	c.emit(Event{Type: EventDisconnected, CloseCode: code, Reason: reason})

	if manual {
		return
	}
	c.scheduleReconnect(code)
}

// backoff returns the delay before reconnect attempt number attempts+1.
func (c *Client) backoff(attempts int) time.Duration {
	delay := c.cfg.ReconnectInitialDelay
	for i := 0; i < attempts && delay < c.cfg.ReconnectMaxDelay; i++ {
		delay *= 2
	}
	if delay > c.cfg.ReconnectMaxDelay {
		delay = c.cfg.ReconnectMaxDelay
	}
	return delay + time.Duration(c.jitter()*jitterFactor*float64(delay))
}

func (c *Client) scheduleReconnect(code protocol.CloseCode) {
	if code.IsPermanent() {
		c.logger.Warn("Tunnel closed permanently, not reconnecting", "code", int(code), "reason", code.String())
		c.emit(Event{Type: EventFatal, CloseCode: code, Err: &Error{
			Code:      CodeConnectionClosed,
			Message:   code.String(),
			CloseCode: code,
		}})
		return
	}

	c.mu.Lock()
	if c.manual {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.cfg.MaxReconnectAttempts {
		attempts := c.attempts
		c.mu.Unlock()
		c.emit(Event{Type: EventFatal, CloseCode: code, Err: newError(CodeMaxReconnectAttempts,
			fmt.Sprintf("giving up after %d reconnect attempts", attempts), nil)})
		return
	}

	delay := c.backoff(c.attempts)
	c.attempts++
	attempt := c.attempts
	c.state = StateConnecting
	c.reconnectTimer = time.AfterFunc(delay, func() { c.reconnect(code) })
	c.mu.Unlock()

	c.logger.Info("Reconnecting", "attempt", attempt, "delay", delay)
	c.emit(Event{Type: EventReconnecting, CloseCode: code, Attempt: attempt, Delay: delay})
}

func (c *Client) reconnect(code protocol.CloseCode) {
	c.mu.Lock()
	if c.manual {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	c.connectSeq++
	seq := c.connectSeq
	ctx, cancel := context.WithCancel(context.Background())
	c.connectCancel = cancel
	c.mu.Unlock()
	defer cancel()

	if code.RequiresRefresh() {
		cred := c.cfg.Credentials.Load()
		if cred == nil {
			c.retryAfterFailure(seq, newError(CodeNoCredentials, "credential was removed", nil), code)
			return
		}
		c.logger.Info("Relay rejected the access token, refreshing", "code", int(code))
		if _, err := c.refresh(ctx, cred); err != nil {
			c.retryAfterFailure(seq, err, code)
			return
		}
	}

	if _, err := c.open(ctx, seq); err != nil {
		next := protocol.CloseAbnormal
		var te *Error
		if errors.As(err, &te) && te.CloseCode != 0 {
			next = te.CloseCode
		}
		c.retryAfterFailure(seq, err, next)
	}
}

// retryAfterFailure reports failed reconnect attempt seq and schedules the
// next one unless the failure is terminal or the attempt was superseded.
func (c *Client) retryAfterFailure(seq uint64, err error, code protocol.CloseCode) {
	c.mu.Lock()
	owner := c.releaseAttemptLocked(seq)
	manual := c.manual
	c.mu.Unlock()
	if !owner || manual {
		return
	}

	switch CodeOf(err) {
	case CodeSessionExpired, CodeNoCredentials:
		c.fail(err)
		return
	}

	c.logger.Warn("Reconnect attempt failed", "error", err)
	c.emit(Event{Type: EventError, Err: &Error{Code: CodeReconnectFailed, Message: "reconnect attempt failed", CloseCode: code, Err: err}})
	c.scheduleReconnect(code)
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	c.state = StateIdle
	c.mu.Unlock()
	c.logger.Error("Tunnel stopped", "error", err)
	c.emit(Event{Type: EventFatal, Err: err})
}

// refresh exchanges the refresh token of cred and saves the result. Concurrent
// callers share one exchange.
func (c *Client) refresh(ctx context.Context, cred *credentials.Credential) (*credentials.Credential, error) {
	v, err, _ := c.refreshGroup.Do("refresh", func() (any, error) {
		if c.cfg.Refresher == nil {
			return nil, newError(CodeRefreshFailed, "no token refresher configured", nil)
		}
		if cred.RefreshToken == "" {
			return nil, c.expireSession(errors.New("credential has no refresh token"))
		}

		token, err := c.cfg.Refresher.RefreshToken(ctx, cred.RefreshToken)
		if err != nil {
			if deviceauth.IsInvalidGrant(err) {
				return nil, c.expireSession(err)
			}
			return nil, newError(CodeRefreshFailed, "could not refresh access token", err)
		}

		next := token.Credential(c.now())
		if next.RefreshToken == "" {
			next.RefreshToken = cred.RefreshToken
		}
		if next.User.ID == "" {
			next.User = cred.User
		}
		if err := c.cfg.Credentials.Save(next); err != nil {
			return nil, newError(CodeRefreshFailed, "could not save refreshed credential", err)
		}

		logging.Audit("Tunnel", logging.AuditEvent{
			Action:  "credential_refreshed",
			Outcome: "success",
			Details: "expires_at=" + next.ExpiresAt.Format(time.RFC3339),
		})
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*credentials.Credential), nil
}

// expireSession clears the stored credential after the refresh token was
// rejected.
func (c *Client) expireSession(cause error) error {
	if err := c.cfg.Credentials.Clear(); err != nil {
		c.logger.Warn("Failed to clear rejected credential", "error", err)
	}
	logging.Audit("Tunnel", logging.AuditEvent{
		Action:  "credential_refresh_rejected",
		Outcome: "failure",
		Err:     cause,
	})
	return newError(CodeSessionExpired, "session expired, please re-authenticate with 'mcp-tunnel auth login'", cause)
}

func relayError(m *protocol.ErrorMessage) error {
	return &Error{Code: CodeRelayError, Message: fmt.Sprintf("%s: %s", m.Code, m.Message)}
}

// emit delivers ev without blocking. When the buffer is full, ordinary events
// are dropped; EventFatal instead displaces the oldest buffered event.
func (c *Client) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = c.now()
	}
	for {
		select {
		case c.events <- ev:
			return
		default:
		}
		if ev.Type != EventFatal {
			c.logger.Warn("Event buffer full, dropping event", "type", ev.Type.String())
			return
		}
		select {
		case dropped := <-c.events:
			c.logger.Warn("Event buffer full, dropping event", "type", dropped.Type.String())
		default:
		}
	}
}
