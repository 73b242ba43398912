package mux

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/giantswarm/mcp-tunnel/pkg/logging"
)

// DefaultTimeout bounds every correlated call.
const DefaultTimeout = 30 * time.Second

var (
	// ErrTransportClosed is returned for calls issued on, or pending when, the
	// multiplexer is closed.
	ErrTransportClosed = errors.New("transport closed")

	// ErrNoHandler is returned when a call is issued before SetHandler.
	ErrNoHandler = errors.New("no message handler registered")

	// ErrRequestTimeout is returned when no response arrived in time.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrDuplicateID is returned when a call reuses the id of a pending call.
	ErrDuplicateID = errors.New("duplicate request id")
)

// Handler consumes one inbound message. Responses are emitted through Send.
type Handler func(ctx context.Context, msg json.RawMessage)

// Option configures a Multiplexer.
type Option func(*Multiplexer)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(m *Multiplexer) {
		m.timeout = d
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Multiplexer) {
		m.logger = logger
	}
}

type result struct {
	msg json.RawMessage
	err error
}

type pendingCall struct {
	done  chan result
	timer *time.Timer
}

// Multiplexer correlates calls with responses. It is safe for concurrent use.
type Multiplexer struct {
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	handler Handler
	onClose func()
	pending map[string]*pendingCall
	closed  bool
}

// New creates a multiplexer.
func New(opts ...Option) *Multiplexer {
	m := &Multiplexer{
		timeout: DefaultTimeout,
		logger:  logging.For("Mux"),
		pending: make(map[string]*pendingCall),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetHandler registers the inbound message handler.
func (m *Multiplexer) SetHandler(h Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// OnClose registers a callback run once when the multiplexer closes.
func (m *Multiplexer) OnClose(fn func()) {
	m.mu.Lock()
	m.onClose = fn
	m.mu.Unlock()
}

// Start exists for symmetry with transports that need explicit activation.
func (m *Multiplexer) Start(ctx context.Context) error {
	return nil
}

// Close fails every pending call with ErrTransportClosed and runs the close
// callback. Calling Close more than once has no further effect.
func (m *Multiplexer) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	pending := m.pending
	m.pending = make(map[string]*pendingCall)
	onClose := m.onClose
	m.mu.Unlock()

	for _, call := range pending {
		call.timer.Stop()
		call.done <- result{err: ErrTransportClosed}
	}

	if onClose != nil {
		onClose()
	}
	return nil
}

// Pending returns the number of unsettled calls.
func (m *Multiplexer) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Send delivers an outbound message to the call waiting for its id. Messages
// nobody waits for are dropped.
func (m *Multiplexer) Send(ctx context.Context, msg json.RawMessage) error {
	key, ok := messageID(msg)
	if !ok {
		m.logger.Warn("Dropping outbound message without id")
		return nil
	}

	m.mu.Lock()
	call, found := m.pending[key]
	if found {
		delete(m.pending, key)
	}
	m.mu.Unlock()

	if !found {
		m.logger.Warn("Dropping response with no pending request", "id", key)
		return nil
	}

	call.timer.Stop()
	call.done <- result{msg: msg}
	return nil
}

// HandleRequest dispatches msg to the handler. Notifications return nil
// immediately. Requests block until the matching response is sent, the
// timeout fires, the multiplexer closes, or ctx is done.
func (m *Multiplexer) HandleRequest(ctx context.Context, msg json.RawMessage) (json.RawMessage, error) {
	key, isRequest := messageID(msg)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrTransportClosed
	}
	handler := m.handler
	if handler == nil {
		m.mu.Unlock()
		return nil, ErrNoHandler
	}

	if !isRequest {
		m.mu.Unlock()
		handler(ctx, msg)
		return nil, nil
	}

	if _, exists := m.pending[key]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, key)
	}

	call := &pendingCall{done: make(chan result, 1)}
	m.pending[key] = call
	call.timer = time.AfterFunc(m.timeout, func() {
		m.settle(key, call, result{err: ErrRequestTimeout})
	})
	m.mu.Unlock()

	handler(ctx, msg)

	select {
	case res := <-call.done:
		return res.msg, res.err
	case <-ctx.Done():
		m.settle(key, call, result{err: ctx.Err()})
		res := <-call.done
		return res.msg, res.err
	}
}

// settle completes call with res unless something else already did.
func (m *Multiplexer) settle(key string, call *pendingCall, res result) {
	m.mu.Lock()
	current, ok := m.pending[key]
	if !ok || current != call {
		m.mu.Unlock()
		return
	}
	delete(m.pending, key)
	m.mu.Unlock()

	call.timer.Stop()
	call.done <- res
}

// messageID returns the JSON-RPC id of msg as a correlation key. A missing or
// null id marks a notification. Numeric ids are normalised so that 1 and 1.0
// correlate.
func messageID(msg json.RawMessage) (string, bool) {
	var envelope struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(msg, &envelope); err != nil {
		return "", false
	}
	id := bytes.TrimSpace(envelope.ID)
	if len(id) == 0 || bytes.Equal(id, []byte("null")) {
		return "", false
	}
	if id[0] != '"' {
		if f, err := strconv.ParseFloat(string(id), 64); err == nil {
			return strconv.FormatFloat(f, 'g', -1, 64), true
		}
	}
	return string(id), true
}
