package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-tunnel/internal/tunnel"
)

func newTestBridge(t *testing.T, opts ...Option) *Bridge {
	t.Helper()
	srv := server.NewMCPServer("test", "1.0.0")
	b := New(srv, opts...)
	t.Cleanup(func() { _ = b.Close() })

	b.AddTool(
		mcp.NewTool("echo",
			mcp.WithDescription("Echo the message back"),
			mcp.WithString("message", mcp.Required()),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			msg, err := req.RequireString("message")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return mcp.NewToolResultText(msg), nil
		},
	)
	return b
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func TestHandle_Single(t *testing.T) {
	b := newTestBridge(t)

	out, err := b.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"message":"hello"}}}`))
	require.NoError(t, err)

	var resp rpcResponse
	require.NoError(t, json.Unmarshal(out, &resp))
	assert.Equal(t, "1", string(resp.ID))
	assert.Nil(t, resp.Error)
	assert.Contains(t, string(resp.Result), "hello")
}

func TestHandle_ToolsList(t *testing.T) {
	b := newTestBridge(t)

	out, err := b.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":"list","method":"tools/list"}`))
	require.NoError(t, err)

	var resp struct {
		ID     string `json:"id"`
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(out, &resp))
	assert.Equal(t, "list", resp.ID)
	require.Len(t, resp.Result.Tools, 1)
	assert.Equal(t, "echo", resp.Result.Tools[0].Name)
}

func TestHandle_Notification(t *testing.T) {
	b := newTestBridge(t)

	out, err := b.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestHandle_Batch(t *testing.T) {
	b := newTestBridge(t)

	out, err := b.Handle(context.Background(), []byte(`[
		{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"message":"one"}}},
		{"jsonrpc":"2.0","method":"notifications/initialized"},
		{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"message":"two"}}},
		{"jsonrpc":"2.0","id":3,"method":"ping"}
	]`))
	require.NoError(t, err)

	var resps []rpcResponse
	require.NoError(t, json.Unmarshal(out, &resps))
	require.Len(t, resps, 3, "notification results are filtered")

	byID := make(map[string]rpcResponse)
	for _, r := range resps {
		byID[string(r.ID)] = r
	}
	assert.Contains(t, string(byID["1"].Result), "one")
	assert.Contains(t, string(byID["2"].Result), "two")
	assert.Contains(t, byID, "3")
}

func TestHandle_BatchOfNotifications(t *testing.T) {
	b := newTestBridge(t)

	out, err := b.Handle(context.Background(), []byte(`[{"jsonrpc":"2.0","method":"notifications/initialized"}]`))
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestHandle_ParseError(t *testing.T) {
	b := newTestBridge(t)

	for _, body := range []string{``, `{"jsonrpc":`, `not json`} {
		out, err := b.Handle(context.Background(), []byte(body))
		assert.ErrorIs(t, err, ErrParse)

		var resp rpcResponse
		require.NoError(t, json.Unmarshal(out, &resp))
		assert.Equal(t, "null", string(resp.ID))
		require.NotNil(t, resp.Error)
		assert.Equal(t, mcp.PARSE_ERROR, resp.Error.Code)
	}
}

func TestHandle_EmptyBatch(t *testing.T) {
	b := newTestBridge(t)

	out, err := b.Handle(context.Background(), []byte(`[]`))
	require.NoError(t, err)

	var resp rpcResponse
	require.NoError(t, json.Unmarshal(out, &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.INVALID_REQUEST, resp.Error.Code)
}

func TestHandle_TimeoutBecomesInternalError(t *testing.T) {
	b := newTestBridge(t, WithTimeout(50*time.Millisecond))

	release := make(chan struct{})
	defer close(release)
	b.AddTool(mcp.NewTool("slow"), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		<-release
		return mcp.NewToolResultText("late"), nil
	})

	out, err := b.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":9,"method":"tools/call","params":{"name":"slow"}}`))
	require.NoError(t, err)

	var resp rpcResponse
	require.NoError(t, json.Unmarshal(out, &resp))
	assert.Equal(t, "9", string(resp.ID))
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.INTERNAL_ERROR, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "timeout")
}

func TestHandle_AfterClose(t *testing.T) {
	b := newTestBridge(t)
	require.NoError(t, b.Close())

	out, err := b.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	require.NoError(t, err)

	var resp rpcResponse
	require.NoError(t, json.Unmarshal(out, &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.INTERNAL_ERROR, resp.Error.Code)
}

func TestServeTunnel(t *testing.T) {
	b := newTestBridge(t)

	tests := []struct {
		name   string
		req    *tunnel.Request
		status int
	}{
		{
			name:   "request",
			req:    &tunnel.Request{ID: "r1", Method: "POST", Path: "/mcp", Body: json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)},
			status: http.StatusOK,
		},
		{
			name:   "string body",
			req:    &tunnel.Request{ID: "r2", Method: "post", Path: "/mcp", Body: json.RawMessage(`"{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"ping\"}"`)},
			status: http.StatusOK,
		},
		{
			name:   "notification",
			req:    &tunnel.Request{ID: "r3", Method: "POST", Path: "/mcp", Body: json.RawMessage(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)},
			status: http.StatusAccepted,
		},
		{
			name:   "malformed",
			req:    &tunnel.Request{ID: "r4", Method: "POST", Path: "/mcp", Body: json.RawMessage(`"{oops"`)},
			status: http.StatusBadRequest,
		},
		{
			name:   "wrong method",
			req:    &tunnel.Request{ID: "r5", Method: "GET", Path: "/mcp"},
			status: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := b.ServeTunnel(context.Background(), tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestCapabilities(t *testing.T) {
	t.Run("derived from registrations", func(t *testing.T) {
		b := newTestBridge(t)
		b.AddResource(mcp.NewResource("tunnel://info", "info"), func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			return nil, nil
		})

		assert.Equal(t, Capabilities{Tools: true, Resources: true}, b.Capabilities())
	})

	t.Run("fixed at first use", func(t *testing.T) {
		b := newTestBridge(t)
		_, err := b.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
		require.NoError(t, err)

		b.AddPrompt(mcp.NewPrompt("late"), func(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
			return nil, errors.New("unused")
		})
		assert.False(t, b.Capabilities().Prompts)
	})

	t.Run("tools registered directly on the server", func(t *testing.T) {
		srv := server.NewMCPServer("test", "1.0.0")
		srv.AddTool(mcp.NewTool("direct"), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText("ok"), nil
		})
		b := New(srv)
		defer b.Close()

		assert.True(t, b.Capabilities().Tools)
		assert.False(t, b.Capabilities().Prompts)
	})

	t.Run("advertised by initialize", func(t *testing.T) {
		srv := server.NewMCPServer("test", "1.0.0", server.WithToolCapabilities(true))
		b := New(srv)
		defer b.Close()
		b.AddPrompt(mcp.NewPrompt("greet"), func(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
			return nil, errors.New("unused")
		})

		caps := initializeCapabilities(t, b)
		assert.Contains(t, caps, "prompts")
		assert.NotContains(t, caps, "tools")
		assert.NotContains(t, caps, "resources")
		assert.Equal(t, Capabilities{Prompts: true}, b.Capabilities())

		// Registrations after first use stay out of the handshake.
		b.AddResource(mcp.NewResource("tunnel://late", "late"), func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			return nil, nil
		})
		assert.NotContains(t, initializeCapabilities(t, b), "resources")
	})
}

func initializeCapabilities(t *testing.T, b *Bridge) map[string]json.RawMessage {
	t.Helper()
	out, err := b.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","clientInfo":{"name":"test","version":"1.0.0"},"capabilities":{}}}`))
	require.NoError(t, err)

	var resp struct {
		Result struct {
			Capabilities map[string]json.RawMessage `json:"capabilities"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(out, &resp))
	return resp.Result.Capabilities
}

func TestHandle_NonObjectItems(t *testing.T) {
	b := newTestBridge(t)

	t.Run("batch", func(t *testing.T) {
		out, err := b.Handle(context.Background(), []byte(`[null,{"jsonrpc":"2.0","id":2,"method":"ping"},42]`))
		require.NoError(t, err)

		var resps []rpcResponse
		require.NoError(t, json.Unmarshal(out, &resps))
		require.Len(t, resps, 3)

		var invalid int
		for _, r := range resps {
			if r.Error != nil {
				assert.Equal(t, mcp.INVALID_REQUEST, r.Error.Code)
				assert.Equal(t, "null", string(r.ID))
				invalid++
			}
		}
		assert.Equal(t, 2, invalid)
	})

	t.Run("single", func(t *testing.T) {
		out, err := b.Handle(context.Background(), []byte(`"hello"`))
		require.NoError(t, err)

		var resp rpcResponse
		require.NoError(t, json.Unmarshal(out, &resp))
		require.NotNil(t, resp.Error)
		assert.Equal(t, mcp.INVALID_REQUEST, resp.Error.Code)
	})
}
