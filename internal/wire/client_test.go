package wire

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// testServer is a minimal coordination-service stand-in speaking the frame
// protocol over a real WebSocket.
type testServer struct {
	t        *testing.T
	upgrader websocket.Upgrader
	srv      *httptest.Server

	mu       sync.Mutex
	conns    []*websocket.Conn
	auth     []AuthPayload
	received []serverFrame
	dropNext bool
}

type serverFrame struct {
	Event  string          `json:"event,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Ack    int64           `json:"ack,omitempty"`
	AckFor int64           `json:"ackFor,omitempty"`
}

func newTestServer(t *testing.T) *testServer {
	ts := &testServer{t: t}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/socket.io/", r.URL.Path)
		conn, err := ts.upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		ts.mu.Lock()
		ts.conns = append(ts.conns, conn)
		ts.mu.Unlock()
		go ts.serve(conn)
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) serve(conn *websocket.Conn) {
	for {
		var f serverFrame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		if f.Event == "auth" {
			var auth AuthPayload
			_ = json.Unmarshal(f.Data, &auth)
			ts.mu.Lock()
			ts.auth = append(ts.auth, auth)
			ts.mu.Unlock()
			continue
		}
		ts.mu.Lock()
		ts.received = append(ts.received, f)
		ts.mu.Unlock()
		// Echo an ack for any frame that asks for one, unless the test
		// asked for acks to be withheld.
		if f.Ack != 0 {
			ts.mu.Lock()
			drop := ts.dropNext
			ts.mu.Unlock()
			if drop {
				continue
			}
			reply, _ := json.Marshal(map[string]string{"echo": f.Event})
			_ = conn.WriteJSON(serverFrame{AckFor: f.Ack, Data: reply})
		}
	}
}

func (ts *testServer) url() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func (ts *testServer) send(f serverFrame) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	require.NotEmpty(ts.t, ts.conns)
	require.NoError(ts.t, ts.conns[len(ts.conns)-1].WriteJSON(f))
}

func (ts *testServer) closeConn() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.conns) > 0 {
		ts.conns[len(ts.conns)-1].Close()
	}
}

func (ts *testServer) events() []string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([]string, 0, len(ts.received))
	for _, f := range ts.received {
		out = append(out, f.Event)
	}
	return out
}

func startClient(t *testing.T, ts *testServer, auth AuthPayload) *Client {
	c := New(Config{
		URL:               ts.url(),
		Auth:              auth,
		MinReconnectDelay: 50 * time.Millisecond,
		MaxReconnectDelay: 100 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = c.Run(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	require.NoError(t, c.WaitConnected(waitCtx))
	return c
}

func TestClientSendsAuthOnConnect(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	startClient(t, ts, AuthPayload{Token: "tok", ClientType: ClientTypeMachineScoped, MachineID: "m-1"})

	require.Eventually(t, func() bool {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		return len(ts.auth) == 1
	}, 2*time.Second, 10*time.Millisecond)

	ts.mu.Lock()
	defer ts.mu.Unlock()
	require.Equal(t, "tok", ts.auth[0].Token)
	require.Equal(t, ClientTypeMachineScoped, ts.auth[0].ClientType)
	require.Equal(t, "m-1", ts.auth[0].MachineID)
}

func TestEmitWithAckRoundTrip(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	c := startClient(t, ts, AuthPayload{Token: "t", ClientType: ClientTypeSessionScoped, SessionID: "s"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, err := c.EmitWithAck(ctx, "ping", map[string]string{"sid": "s"})
	require.NoError(t, err)
	require.JSONEq(t, `{"echo":"ping"}`, string(reply))
}

func TestEmitWhileDisconnected(t *testing.T) {
	t.Parallel()

	c := New(Config{URL: "ws://127.0.0.1:1", Auth: AuthPayload{}})
	err := c.Emit("x", nil)
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestInboundEventDispatch(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)

	got := make(chan string, 4)
	c := New(Config{
		URL:               ts.url(),
		Auth:              AuthPayload{Token: "t"},
		MinReconnectDelay: 50 * time.Millisecond,
	})
	c.On("update", func(data json.RawMessage, _ AckFunc) {
		got <- string(data)
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = c.Run(ctx) }()
	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	require.NoError(t, c.WaitConnected(waitCtx))

	ts.send(serverFrame{Event: "update", Data: json.RawMessage(`{"t":"update-machine"}`)})
	ts.send(serverFrame{Event: "update", Data: json.RawMessage(`{"t":"new-message"}`)})

	require.Equal(t, `{"t":"update-machine"}`, <-got)
	require.Equal(t, `{"t":"new-message"}`, <-got)
}

func TestInboundAckReply(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)

	c := New(Config{URL: ts.url(), Auth: AuthPayload{Token: "t"}, MinReconnectDelay: 50 * time.Millisecond})
	c.On("rpc-request", func(_ json.RawMessage, ack AckFunc) {
		ack(map[string]string{"result": "done"})
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = c.Run(ctx) }()
	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	require.NoError(t, c.WaitConnected(waitCtx))

	ts.send(serverFrame{Event: "rpc-request", Data: json.RawMessage(`{"method":"x"}`), Ack: 42})

	require.Eventually(t, func() bool {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		for _, f := range ts.received {
			if f.AckFor == 42 {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReconnectFiresCallbacks(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)

	var mu sync.Mutex
	var connects, disconnects int
	c := New(Config{URL: ts.url(), Auth: AuthPayload{Token: "t"}, MinReconnectDelay: 50 * time.Millisecond})
	c.OnConnect(func() {
		mu.Lock()
		connects++
		mu.Unlock()
	})
	c.OnDisconnect(func() {
		mu.Lock()
		disconnects++
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = c.Run(ctx) }()
	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	require.NoError(t, c.WaitConnected(waitCtx))
	waitCancel()

	ts.closeConn()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return connects >= 2 && disconnects >= 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestPendingAckFailsOnDisconnect(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	ts.mu.Lock()
	ts.dropNext = true
	ts.mu.Unlock()

	// A server that never acks: close the connection under the waiter.
	c := New(Config{URL: ts.url(), Auth: AuthPayload{Token: "t"}, MinReconnectDelay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = c.Run(ctx) }()
	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	require.NoError(t, c.WaitConnected(waitCtx))
	waitCancel()

	done := make(chan error, 1)
	go func() {
		ackCtx, ackCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer ackCancel()
		_, err := c.EmitWithAck(ackCtx, "never-acked", nil)
		done <- err
	}()

	time.Sleep(100 * time.Millisecond)
	ts.closeConn()

	require.ErrorIs(t, <-done, ErrNotConnected)
}
