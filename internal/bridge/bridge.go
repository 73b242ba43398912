package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"golang.org/x/sync/errgroup"

	"github.com/giantswarm/mcp-tunnel/internal/mux"
	"github.com/giantswarm/mcp-tunnel/internal/tunnel"
	"github.com/giantswarm/mcp-tunnel/pkg/logging"
)

// ErrParse is returned by Handle alongside a JSON-RPC parse error response.
var ErrParse = errors.New("malformed JSON-RPC message")

// Capabilities lists the message categories the bridge serves.
type Capabilities struct {
	Tools     bool `json:"tools"`
	Prompts   bool `json:"prompts"`
	Resources bool `json:"resources"`
}

// Option configures a Bridge.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	timeout time.Duration
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithTimeout bounds each JSON-RPC call. Defaults to mux.DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// Bridge adapts an mcp-go server to tunnel requests. It implements
// tunnel.Handler.
type Bridge struct {
	server *server.MCPServer
	mux    *mux.Multiplexer
	logger *slog.Logger

	regMu     sync.Mutex
	tools     map[string]struct{}
	prompts   map[string]struct{}
	resources map[string]struct{}

	capsOnce sync.Once
	caps     Capabilities
}

var _ tunnel.Handler = (*Bridge)(nil)

// New wraps srv.
func New(srv *server.MCPServer, opts ...Option) *Bridge {
	o := options{
		logger:  logging.For("Bridge"),
		timeout: mux.DefaultTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	b := &Bridge{
		server:    srv,
		logger:    o.logger,
		mux:       mux.New(mux.WithTimeout(o.timeout), mux.WithLogger(o.logger)),
		tools:     make(map[string]struct{}),
		prompts:   make(map[string]struct{}),
		resources: make(map[string]struct{}),
	}
	b.mux.SetHandler(b.dispatch)
	b.mux.OnClose(func() {
		b.logger.Debug("Bridge closed")
	})
	return b
}

// dispatch runs one message through the server and hands the result back to
// the multiplexer. It returns immediately so the per-call timeout holds even
// for slow handlers.
func (b *Bridge) dispatch(ctx context.Context, msg json.RawMessage) {
	go func() {
		result := b.server.HandleMessage(ctx, msg)
		if result == nil {
			return
		}
		data, err := json.Marshal(result)
		if err != nil {
			b.logger.Error("Failed to encode JSON-RPC response", "error", err)
			return
		}
		if err := b.mux.Send(ctx, data); err != nil {
			b.logger.Warn("Failed to deliver JSON-RPC response", "error", err)
		}
	}()
}

// AddTool registers a tool on the server.
func (b *Bridge) AddTool(tool mcp.Tool, handler server.ToolHandlerFunc) {
	b.server.AddTool(tool, handler)
	b.regMu.Lock()
	b.tools[tool.Name] = struct{}{}
	b.regMu.Unlock()
}

// AddPrompt registers a prompt on the server.
func (b *Bridge) AddPrompt(prompt mcp.Prompt, handler server.PromptHandlerFunc) {
	b.server.AddPrompt(prompt, handler)
	b.regMu.Lock()
	b.prompts[prompt.Name] = struct{}{}
	b.regMu.Unlock()
}

// AddResource registers a resource on the server.
func (b *Bridge) AddResource(resource mcp.Resource, handler server.ResourceHandlerFunc) {
	b.server.AddResource(resource, handler)
	b.regMu.Lock()
	b.resources[resource.URI] = struct{}{}
	b.regMu.Unlock()
}

// Capabilities returns what the bridge serves. The first call fixes the
// result; later registrations do not change it. Initialize responses
// advertise exactly these categories.
func (b *Bridge) Capabilities() Capabilities {
	b.capsOnce.Do(func() {
		b.regMu.Lock()
		b.caps = Capabilities{
			Tools:     len(b.tools) > 0 || len(b.server.ListTools()) > 0,
			Prompts:   len(b.prompts) > 0,
			Resources: len(b.resources) > 0,
		}
		b.regMu.Unlock()
		b.logger.Debug("Derived capabilities",
			"tools", b.caps.Tools,
			"prompts", b.caps.Prompts,
			"resources", b.caps.Resources)
	})
	return b.caps
}

// Handle processes one JSON-RPC message or batch. It returns nil when there is
// nothing to send back, which happens for notifications. Malformed input
// yields a parse error response together with ErrParse.
func (b *Bridge) Handle(ctx context.Context, body []byte) (json.RawMessage, error) {
	b.Capabilities()

	body = bytes.TrimSpace(body)
	if len(body) == 0 || !json.Valid(body) {
		return errorResponse(nil, mcp.PARSE_ERROR, "Parse error"), ErrParse
	}

	if body[0] != '[' {
		return b.handleOne(ctx, body), nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return errorResponse(nil, mcp.PARSE_ERROR, "Parse error"), ErrParse
	}
	if len(items) == 0 {
		return errorResponse(nil, mcp.INVALID_REQUEST, "Invalid Request: empty batch"), nil
	}

	results := make([]json.RawMessage, len(items))
	var g errgroup.Group
	for i, item := range items {
		g.Go(func() error {
			results[i] = b.handleOne(ctx, item)
			return nil
		})
	}
	_ = g.Wait()

	responses := make([]json.RawMessage, 0, len(results))
	for _, r := range results {
		if r != nil {
			responses = append(responses, r)
		}
	}
	if len(responses) == 0 {
		return nil, nil
	}

	data, err := json.Marshal(responses)
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch response: %w", err)
	}
	return data, nil
}

func (b *Bridge) handleOne(ctx context.Context, msg json.RawMessage) json.RawMessage {
	msg = bytes.TrimSpace(msg)
	if len(msg) == 0 || msg[0] != '{' {
		return errorResponse(nil, mcp.INVALID_REQUEST, "Invalid Request")
	}

	var head struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(msg, &head); err != nil {
		return errorResponse(nil, mcp.INVALID_REQUEST, "Invalid Request")
	}

	// Responses to server-initiated requests have no reply.
	if head.Result != nil || head.Error != nil {
		b.server.HandleMessage(ctx, msg)
		return nil
	}

	resp, err := b.mux.HandleRequest(ctx, msg)
	if err != nil {
		b.logger.Warn("JSON-RPC call failed", "id", string(head.ID), "error", err)
		return errorResponse(head.ID, mcp.INTERNAL_ERROR, err.Error())
	}
	if head.Method == string(mcp.MethodInitialize) {
		return b.advertise(resp)
	}
	return resp
}

// advertise rewrites the capabilities of an initialize response to match
// Capabilities. Anything it cannot decode is returned unchanged.
func (b *Bridge) advertise(resp json.RawMessage) json.RawMessage {
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(resp, &msg); err != nil || msg["result"] == nil {
		return resp
	}
	var result map[string]json.RawMessage
	if err := json.Unmarshal(msg["result"], &result); err != nil {
		return resp
	}
	caps := map[string]json.RawMessage{}
	if raw, ok := result["capabilities"]; ok {
		if err := json.Unmarshal(raw, &caps); err != nil || caps == nil {
			return resp
		}
	}

	derived := b.Capabilities()
	for key, on := range map[string]bool{
		"tools":     derived.Tools,
		"prompts":   derived.Prompts,
		"resources": derived.Resources,
	} {
		if !on {
			delete(caps, key)
		} else if _, ok := caps[key]; !ok {
			caps[key] = json.RawMessage(`{}`)
		}
	}

	var err error
	if result["capabilities"], err = json.Marshal(caps); err != nil {
		return resp
	}
	if msg["result"], err = json.Marshal(result); err != nil {
		return resp
	}
	out, err := json.Marshal(msg)
	if err != nil {
		return resp
	}
	return out
}

// ServeTunnel answers POST requests carrying JSON-RPC bodies.
func (b *Bridge) ServeTunnel(ctx context.Context, req *tunnel.Request) (*tunnel.Response, error) {
	if !strings.EqualFold(req.Method, http.MethodPost) {
		return &tunnel.Response{
			StatusCode: http.StatusMethodNotAllowed,
			Headers:    map[string]string{"Allow": http.MethodPost, "Content-Type": "application/json"},
			Body:       json.RawMessage(`{"error":"method not allowed"}`),
		}, nil
	}

	body := []byte(req.Body)
	// Relays may forward a raw body as a JSON string.
	if len(body) > 0 && body[0] == '"' {
		var s string
		if err := json.Unmarshal(body, &s); err == nil {
			body = []byte(s)
		}
	}

	out, err := b.Handle(ctx, body)
	switch {
	case errors.Is(err, ErrParse):
		return jsonResponse(http.StatusBadRequest, out), nil
	case err != nil:
		return nil, err
	case out == nil:
		return &tunnel.Response{StatusCode: http.StatusAccepted, Headers: map[string]string{}}, nil
	default:
		return jsonResponse(http.StatusOK, out), nil
	}
}

// Close fails all in-flight calls.
func (b *Bridge) Close() error {
	return b.mux.Close()
}

func jsonResponse(status int, body json.RawMessage) *tunnel.Response {
	return &tunnel.Response{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

func errorResponse(rawID json.RawMessage, code int, message string) json.RawMessage {
	var id mcp.RequestId
	if len(rawID) > 0 {
		_ = json.Unmarshal(rawID, &id)
	}
	data, _ := json.Marshal(mcp.JSONRPCError{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      id,
		Error: mcp.JSONRPCErrorDetails{
			Code:    code,
			Message: message,
		},
	})
	return data
}
