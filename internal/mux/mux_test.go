package mux

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoHandler answers every request synchronously, from inside the handler.
func echoHandler(m *Multiplexer) Handler {
	return func(ctx context.Context, msg json.RawMessage) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.Unmarshal(msg, &req); err != nil || req.ID == nil {
			return
		}
		resp := fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":{"method":%q}}`, req.ID, req.Method)
		_ = m.Send(ctx, json.RawMessage(resp))
	}
}

func TestHandleRequest_SynchronousResponse(t *testing.T) {
	m := New()
	m.SetHandler(echoHandler(m))

	resp, err := m.HandleRequest(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":{"method":"ping"}}`, string(resp))
	assert.Equal(t, 0, m.Pending())
}

func TestHandleRequest_OutOfOrderResponses(t *testing.T) {
	m := New()

	var mu sync.Mutex
	received := make(map[string]bool)
	m.SetHandler(func(ctx context.Context, msg json.RawMessage) {
		id, _ := messageID(msg)
		mu.Lock()
		received[id] = true
		mu.Unlock()
	})

	type outcome struct {
		id   int
		resp json.RawMessage
		err  error
	}
	results := make(chan outcome, 3)
	for id := 1; id <= 3; id++ {
		go func(id int) {
			resp, err := m.HandleRequest(context.Background(), json.RawMessage(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"m"}`, id)))
			results <- outcome{id: id, resp: resp, err: err}
		}(id)
	}

	require.Eventually(t, func() bool { return m.Pending() == 3 }, time.Second, 5*time.Millisecond)

	for _, id := range []int{3, 1, 2} {
		require.NoError(t, m.Send(context.Background(), json.RawMessage(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%d}`, id, id*10))))
	}

	for i := 0; i < 3; i++ {
		out := <-results
		require.NoError(t, out.err)
		var resp struct {
			ID     int `json:"id"`
			Result int `json:"result"`
		}
		require.NoError(t, json.Unmarshal(out.resp, &resp))
		assert.Equal(t, out.id, resp.ID)
		assert.Equal(t, out.id*10, resp.Result)
	}
	assert.Len(t, received, 3)
}

func TestHandleRequest_Notification(t *testing.T) {
	m := New()
	called := make(chan struct{}, 1)
	m.SetHandler(func(ctx context.Context, msg json.RawMessage) {
		assert.Equal(t, 0, m.Pending(), "notifications never register a pending call")
		called <- struct{}{}
	})

	resp, err := m.HandleRequest(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	require.NoError(t, err)
	assert.Nil(t, resp)
	<-called

	resp, err = m.HandleRequest(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":null,"method":"x"}`))
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestHandleRequest_Timeout(t *testing.T) {
	m := New(WithTimeout(50 * time.Millisecond))
	m.SetHandler(func(ctx context.Context, msg json.RawMessage) {})

	other := make(chan error, 1)
	go func() {
		_, err := m.HandleRequest(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":"slow","method":"m"}`))
		other <- err
	}()

	_, err := m.HandleRequest(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":"a","method":"m"}`))
	assert.ErrorIs(t, err, ErrRequestTimeout)
	assert.ErrorIs(t, <-other, ErrRequestTimeout)
	assert.Equal(t, 0, m.Pending())

	// A late response for a timed-out call is dropped.
	assert.NoError(t, m.Send(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":"a","result":1}`)))
}

func TestHandleRequest_TimeoutLeavesOthersPending(t *testing.T) {
	m := New(WithTimeout(time.Hour))
	m.SetHandler(func(ctx context.Context, msg json.RawMessage) {})

	done := make(chan error, 1)
	go func() {
		_, err := m.HandleRequest(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":"keep","method":"m"}`))
		done <- err
	}()
	require.Eventually(t, func() bool { return m.Pending() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.HandleRequest(ctx, json.RawMessage(`{"jsonrpc":"2.0","id":"drop","method":"m"}`))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, m.Pending())

	require.NoError(t, m.Send(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":"keep","result":true}`)))
	assert.NoError(t, <-done)
}

func TestClose(t *testing.T) {
	m := New()
	m.SetHandler(func(ctx context.Context, msg json.RawMessage) {})

	closed := 0
	m.OnClose(func() { closed++ })

	errs := make(chan error, 2)
	for _, id := range []string{"1", "2"} {
		go func(id string) {
			_, err := m.HandleRequest(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":`+id+`,"method":"m"}`))
			errs <- err
		}(id)
	}
	require.Eventually(t, func() bool { return m.Pending() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Close())
	assert.ErrorIs(t, <-errs, ErrTransportClosed)
	assert.ErrorIs(t, <-errs, ErrTransportClosed)
	assert.Equal(t, 0, m.Pending())

	// Late responses are no-ops, and closing twice runs the callback once.
	assert.NoError(t, m.Send(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":1,"result":1}`)))
	require.NoError(t, m.Close())
	assert.Equal(t, 1, closed)

	_, err := m.HandleRequest(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":3,"method":"m"}`))
	assert.ErrorIs(t, err, ErrTransportClosed)
}

func TestHandleRequest_NoHandler(t *testing.T) {
	m := New()
	_, err := m.HandleRequest(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"m"}`))
	assert.True(t, errors.Is(err, ErrNoHandler))
}

func TestHandleRequest_DuplicateID(t *testing.T) {
	m := New()
	m.SetHandler(func(ctx context.Context, msg json.RawMessage) {})

	go func() {
		_, _ = m.HandleRequest(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":7,"method":"m"}`))
	}()
	require.Eventually(t, func() bool { return m.Pending() == 1 }, time.Second, 5*time.Millisecond)

	_, err := m.HandleRequest(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":7,"method":"m"}`))
	assert.ErrorIs(t, err, ErrDuplicateID)

	require.NoError(t, m.Close())
}

func TestMessageID(t *testing.T) {
	tests := []struct {
		msg   string
		id    string
		hasID bool
	}{
		{`{"id":1}`, "1", true},
		{`{"id":1.0}`, "1", true},
		{`{"id":"abc"}`, `"abc"`, true},
		{`{"id":null}`, "", false},
		{`{"method":"x"}`, "", false},
		{`[1,2]`, "", false},
	}
	for _, tt := range tests {
		id, ok := messageID(json.RawMessage(tt.msg))
		assert.Equal(t, tt.hasID, ok, tt.msg)
		assert.Equal(t, tt.id, id, tt.msg)
	}
}
