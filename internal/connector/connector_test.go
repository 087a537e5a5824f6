package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/happyhq/happy-daemon/internal/permissions"
	"github.com/happyhq/happy-daemon/internal/rpc"
	"github.com/happyhq/happy-daemon/internal/types"
	"github.com/happyhq/happy-daemon/internal/wire"
)

type frame struct {
	Event  string          `json:"event,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Ack    int64           `json:"ack,omitempty"`
	AckFor int64           `json:"ackFor,omitempty"`
}

// fakeCoordinator speaks the /cli frame protocol and implements the
// versioned-update ack contract for every slot.
type fakeCoordinator struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	conns    []*websocket.Conn
	auth     []wire.AuthPayload
	frames   []frame
	versions map[string]int64 // event -> version counter
	values   map[string]json.RawMessage
}

func newFakeCoordinator(t *testing.T) *fakeCoordinator {
	fc := &fakeCoordinator{
		t:        t,
		versions: make(map[string]int64),
		values:   make(map[string]json.RawMessage),
	}
	upgrader := websocket.Upgrader{}
	fc.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		fc.mu.Lock()
		fc.conns = append(fc.conns, conn)
		fc.mu.Unlock()
		go fc.serve(conn)
	}))
	t.Cleanup(fc.srv.Close)
	return fc
}

func (fc *fakeCoordinator) url() string {
	return "ws" + strings.TrimPrefix(fc.srv.URL, "http")
}

// slotKeyForEvent maps an update channel to its ack value key.
func slotKeyForEvent(event string) string {
	switch event {
	case "machine-update-metadata", "update-metadata":
		return "metadata"
	case "machine-update-state":
		return "daemonState"
	case "update-state":
		return "agentState"
	}
	return ""
}

func (fc *fakeCoordinator) serve(conn *websocket.Conn) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		if f.Event == "auth" {
			var auth wire.AuthPayload
			_ = json.Unmarshal(f.Data, &auth)
			fc.mu.Lock()
			fc.auth = append(fc.auth, auth)
			fc.mu.Unlock()
			continue
		}

		fc.mu.Lock()
		fc.frames = append(fc.frames, f)
		fc.mu.Unlock()

		if f.Ack == 0 {
			continue
		}

		switch {
		case slotKeyForEvent(f.Event) != "":
			fc.ackUpdate(conn, f)
		case f.Event == "ping":
			_ = conn.WriteJSON(frame{AckFor: f.Ack, Data: json.RawMessage(`{}`)})
		default:
			_ = conn.WriteJSON(frame{AckFor: f.Ack, Data: json.RawMessage(`{}`)})
		}
	}
}

func (fc *fakeCoordinator) ackUpdate(conn *websocket.Conn, f frame) {
	var payload struct {
		ExpectedVersion int64           `json:"expectedVersion"`
		Value           json.RawMessage `json:"value"`
	}
	require.NoError(fc.t, json.Unmarshal(f.Data, &payload))

	key := slotKeyForEvent(f.Event)
	fc.mu.Lock()
	current := fc.versions[f.Event]
	var ack string
	if payload.ExpectedVersion == current {
		fc.versions[f.Event] = current + 1
		fc.values[f.Event] = payload.Value
		ack = fmt.Sprintf(`{"result":"success","version":%d,%q:%s}`, current+1, key, payload.Value)
	} else {
		ack = fmt.Sprintf(`{"result":"version-mismatch","version":%d,%q:%s}`, current, key, fc.values[f.Event])
	}
	fc.mu.Unlock()

	_ = conn.WriteJSON(frame{AckFor: f.Ack, Data: json.RawMessage(ack)})
}

func (fc *fakeCoordinator) send(f frame) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	require.NotEmpty(fc.t, fc.conns)
	require.NoError(fc.t, fc.conns[len(fc.conns)-1].WriteJSON(f))
}

func (fc *fakeCoordinator) closeConn() {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if len(fc.conns) > 0 {
		fc.conns[len(fc.conns)-1].Close()
	}
}

func (fc *fakeCoordinator) framesNamed(event string) []frame {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	var out []frame
	for _, f := range fc.frames {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

func testMachineRecord() *types.Machine {
	return &types.Machine{
		ID:                 "m-1",
		Metadata:           json.RawMessage(`{"host":"box","platform":"linux","homeDir":"/home/u","happyHomeDir":"/home/u/.happy"}`),
		MetadataVersion:    1,
		DaemonState:        json.RawMessage(`{"status":"offline","httpPort":8099}`),
		DaemonStateVersion: 2,
	}
}

func startMachine(t *testing.T, fc *fakeCoordinator, cfg MachineConfig) *Machine {
	cfg.WebSocketURL = fc.url()
	cfg.Token = "tok"
	if cfg.Machine == nil {
		cfg.Machine = testMachineRecord()
	}
	cfg.ReconnectMinDelay = 50 * time.Millisecond
	cfg.ReconnectMaxDelay = 100 * time.Millisecond
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = 2 * time.Second
	}

	m := NewMachine(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = m.Run(ctx) }()
	return m
}

func TestMachineConnectMarksDaemonRunning(t *testing.T) {
	t.Parallel()

	fc := newFakeCoordinator(t)
	fc.versions["machine-update-state"] = 2
	fc.values["machine-update-state"] = json.RawMessage(`{"status":"offline","httpPort":8099}`)

	m := startMachine(t, fc, MachineConfig{HeartbeatInterval: time.Hour})

	require.Eventually(t, func() bool {
		return len(fc.framesNamed("machine-update-state")) >= 1
	}, 5*time.Second, 20*time.Millisecond)

	// The slot converges on the acked state: running, pid set, port kept.
	require.Eventually(t, func() bool {
		state, err := types.ParseDaemonState(m.daemonState.Value())
		if err != nil {
			return false
		}
		return state.Status == types.DaemonStatusRunning && state.PID > 0 && state.HTTPPort == 8099
	}, 5*time.Second, 20*time.Millisecond)
	require.EqualValues(t, 3, m.daemonState.Version())
}

func TestMachineHeartbeat(t *testing.T) {
	t.Parallel()

	fc := newFakeCoordinator(t)
	startMachine(t, fc, MachineConfig{HeartbeatInterval: 100 * time.Millisecond})

	require.Eventually(t, func() bool {
		return len(fc.framesNamed("machine-alive")) >= 2
	}, 5*time.Second, 20*time.Millisecond)

	var payload alivePayload
	require.NoError(t, json.Unmarshal(fc.framesNamed("machine-alive")[0].Data, &payload))
	require.Equal(t, "m-1", payload.MachineID)
	require.Positive(t, payload.Time)
}

func TestMachineReassertsRPCOnReconnect(t *testing.T) {
	t.Parallel()

	fc := newFakeCoordinator(t)
	m := startMachine(t, fc, MachineConfig{HeartbeatInterval: time.Hour})
	m.RPC().Register("list", func(_ context.Context, _ json.RawMessage) (any, error) { return nil, nil })

	countRegistrations := func(method string) int {
		n := 0
		for _, f := range fc.framesNamed("rpc-register") {
			var reg struct {
				Method string `json:"method"`
			}
			_ = json.Unmarshal(f.Data, &reg)
			if reg.Method == method {
				n++
			}
		}
		return n
	}

	require.Eventually(t, func() bool {
		return countRegistrations("m-1:list") == 1
	}, 5*time.Second, 20*time.Millisecond)

	fc.closeConn()

	// Exactly one re-registration per method on the new connection.
	require.Eventually(t, func() bool {
		return countRegistrations("m-1:list") == 2
	}, 5*time.Second, 20*time.Millisecond)
}

func TestMachineRPCRequestRouting(t *testing.T) {
	t.Parallel()

	fc := newFakeCoordinator(t)
	m := startMachine(t, fc, MachineConfig{HeartbeatInterval: time.Hour})
	m.RPC().Register("echo", func(_ context.Context, params json.RawMessage) (any, error) {
		return json.RawMessage(params), nil
	})

	require.Eventually(t, func() bool {
		fc.mu.Lock()
		defer fc.mu.Unlock()
		return len(fc.conns) > 0 && len(fc.auth) > 0
	}, 5*time.Second, 20*time.Millisecond)

	req, _ := json.Marshal(rpc.Request{Method: "m-1:echo", Params: json.RawMessage(`{"x":1}`)})
	fc.send(frame{Event: "rpc-request", Data: req, Ack: 77})

	// The client's reply is itself a frame: ackFor 77 carrying the result.
	require.Eventually(t, func() bool {
		fc.mu.Lock()
		defer fc.mu.Unlock()
		for _, f := range fc.frames {
			if f.AckFor == 77 {
				var resp rpc.Response
				require.NoError(t, json.Unmarshal(f.Data, &resp))
				require.Empty(t, resp.Error)
				require.JSONEq(t, `{"x":1}`, string(resp.Result))
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	// Unknown methods answer in-band.
	req, _ = json.Marshal(rpc.Request{Method: "m-1:missing"})
	fc.send(frame{Event: "rpc-request", Data: req, Ack: 78})
	require.Eventually(t, func() bool {
		fc.mu.Lock()
		defer fc.mu.Unlock()
		for _, f := range fc.frames {
			if f.AckFor == 78 {
				var resp rpc.Response
				require.NoError(t, json.Unmarshal(f.Data, &resp))
				require.Equal(t, "Method not found", resp.Error)
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
}

func TestMachineUpdateBroadcast(t *testing.T) {
	t.Parallel()

	fc := newFakeCoordinator(t)
	m := startMachine(t, fc, MachineConfig{HeartbeatInterval: time.Hour})

	require.Eventually(t, func() bool {
		fc.mu.Lock()
		defer fc.mu.Unlock()
		return len(fc.conns) > 0
	}, 5*time.Second, 20*time.Millisecond)

	body, _ := json.Marshal(map[string]any{
		"t":         updateMachine,
		"machineId": "m-1",
		"metadata": map[string]any{
			"version": 9,
			"value":   json.RawMessage(`{"host":"renamed","platform":"linux","homeDir":"/home/u","happyHomeDir":"/home/u/.happy"}`),
		},
	})
	fc.send(frame{Event: "update", Data: body})

	require.Eventually(t, func() bool {
		return m.metadata.Version() == 9
	}, 5*time.Second, 20*time.Millisecond)
	meta, err := types.ParseMachineMetadata(m.metadata.Value())
	require.NoError(t, err)
	require.Equal(t, "renamed", meta.Host)

	// Broadcasts for other machines are ignored.
	body, _ = json.Marshal(map[string]any{
		"t":         updateMachine,
		"machineId": "other",
		"metadata":  map[string]any{"version": 50, "value": json.RawMessage(`{}`)},
	})
	fc.send(frame{Event: "update", Data: body})
	time.Sleep(200 * time.Millisecond)
	require.EqualValues(t, 9, m.metadata.Version())
}

func testSessionRecord() *types.Session {
	return &types.Session{
		ID:                "s-1",
		Metadata:          json.RawMessage(`{"path":"/work","host":"box"}`),
		MetadataVersion:   3,
		AgentState:        json.RawMessage(`{}`),
		AgentStateVersion: 0,
	}
}

func startSession(t *testing.T, fc *fakeCoordinator) *Session {
	s := NewSession(SessionConfig{
		WebSocketURL:      fc.url(),
		Token:             "tok",
		Session:           testSessionRecord(),
		WorkDir:           t.TempDir(),
		KeepAliveInterval: time.Hour,
		AckTimeout:        2 * time.Second,
		FlushTimeout:      2 * time.Second,
		ReconnectMinDelay: 50 * time.Millisecond,
		ReconnectMaxDelay: 100 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = s.Run(ctx) }()
	return s
}

func waitConnected(t *testing.T, fc *fakeCoordinator) {
	require.Eventually(t, func() bool {
		fc.mu.Lock()
		defer fc.mu.Unlock()
		return len(fc.conns) > 0 && len(fc.auth) > 0
	}, 5*time.Second, 20*time.Millisecond)
}

func newMessageFrame(t *testing.T, message any) frame {
	raw, err := json.Marshal(message)
	require.NoError(t, err)
	body, err := json.Marshal(map[string]any{"t": updateNewMessage, "sid": "s-1", "message": json.RawMessage(raw)})
	require.NoError(t, err)
	return frame{Event: "update", Data: body}
}

func TestSessionQueuesUserMessagesUntilConsumer(t *testing.T) {
	t.Parallel()

	fc := newFakeCoordinator(t)
	s := startSession(t, fc)
	waitConnected(t, fc)

	fc.send(newMessageFrame(t, map[string]any{"role": "user", "content": map[string]string{"type": "text", "text": "first"}}))
	fc.send(newMessageFrame(t, map[string]any{"role": "user", "content": map[string]string{"type": "text", "text": "second"}}))

	// Give the dispatch loop time to queue both.
	time.Sleep(200 * time.Millisecond)

	var mu sync.Mutex
	var texts []string
	s.OnUserMessage(func(msg UserMessage) {
		var content struct {
			Text string `json:"text"`
		}
		require.NoError(t, json.Unmarshal(msg.Content, &content))
		mu.Lock()
		texts = append(texts, content.Text)
		mu.Unlock()
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(texts) == 2
	}, 2*time.Second, 20*time.Millisecond)
	mu.Lock()
	require.Equal(t, []string{"first", "second"}, texts)
	mu.Unlock()

	// A consumer registered: later messages are delivered directly.
	fc.send(newMessageFrame(t, map[string]any{"role": "user", "content": map[string]string{"type": "text", "text": "third"}}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(texts) == 3
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSessionRoutesNonUserPayloadToAgentEvents(t *testing.T) {
	t.Parallel()

	fc := newFakeCoordinator(t)
	s := startSession(t, fc)

	got := make(chan json.RawMessage, 1)
	s.OnAgentEvent(func(raw json.RawMessage) { got <- raw })
	s.OnUserMessage(func(UserMessage) { t.Error("non-user payload delivered as user message") })

	waitConnected(t, fc)
	fc.send(newMessageFrame(t, map[string]any{"type": "control", "action": "abort"}))

	select {
	case raw := <-got:
		require.Contains(t, string(raw), "abort")
	case <-time.After(2 * time.Second):
		t.Fatal("agent event not delivered")
	}
}

func TestSessionUpdateBroadcastDropsStaleVersions(t *testing.T) {
	t.Parallel()

	fc := newFakeCoordinator(t)
	s := startSession(t, fc)
	waitConnected(t, fc)

	// Stale (== local) version is dropped entirely.
	body, _ := json.Marshal(map[string]any{
		"t":   updateSession,
		"sid": "s-1",
		"metadata": map[string]any{
			"version": 3,
			"value":   json.RawMessage(`{"path":"/stale","host":"box"}`),
		},
	})
	fc.send(frame{Event: "update", Data: body})
	time.Sleep(200 * time.Millisecond)
	require.EqualValues(t, 3, s.metadata.Version())
	meta, err := types.ParseSessionMetadata(s.metadata.Value())
	require.NoError(t, err)
	require.Equal(t, "/work", meta.Path)

	body, _ = json.Marshal(map[string]any{
		"t":   updateSession,
		"sid": "s-1",
		"metadata": map[string]any{
			"version": 4,
			"value":   json.RawMessage(`{"path":"/fresh","host":"box"}`),
		},
	})
	fc.send(frame{Event: "update", Data: body})
	require.Eventually(t, func() bool {
		return s.metadata.Version() == 4
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSessionFlush(t *testing.T) {
	t.Parallel()

	fc := newFakeCoordinator(t)
	fc.versions["update-metadata"] = 3
	s := startSession(t, fc)
	waitConnected(t, fc)

	require.NoError(t, s.UpdateMetadata(context.Background(), func(meta *types.SessionMetadata) {
		meta.Name = "renamed"
	}))
	require.NoError(t, s.Flush(2*time.Second))
	require.NotEmpty(t, fc.framesNamed("ping"))
}

func TestSessionPermissionRPC(t *testing.T) {
	t.Parallel()

	fc := newFakeCoordinator(t)
	s := startSession(t, fc)
	waitConnected(t, fc)

	resolved := make(chan permissions.Response, 1)
	require.NoError(t, s.Permissions().Add(context.Background(), "req-1", "Bash", nil,
		func(r permissions.Response) { resolved <- r }, nil))

	req, _ := json.Marshal(rpc.Request{
		Method: "s-1:permission",
		Params: json.RawMessage(`{"id":"req-1","approved":true,"decision":"approved"}`),
	})
	fc.send(frame{Event: "rpc-request", Data: req, Ack: 9})

	select {
	case r := <-resolved:
		require.True(t, r.Approved)
	case <-time.After(2 * time.Second):
		t.Fatal("permission response not delivered")
	}
	require.Equal(t, 0, s.Permissions().PendingCount())
}

func TestSessionSummarySideEffect(t *testing.T) {
	t.Parallel()

	fc := newFakeCoordinator(t)
	fc.versions["update-metadata"] = 3
	s := startSession(t, fc)
	waitConnected(t, fc)

	require.NoError(t, s.SendAgentOutput(json.RawMessage(`{"type":"summary","text":"built the thing"}`)))

	require.Eventually(t, func() bool {
		meta, err := types.ParseSessionMetadata(s.metadata.Value())
		return err == nil && meta.Summary != nil && meta.Summary.Text == "built the thing"
	}, 5*time.Second, 20*time.Millisecond)

	// The message itself was relayed too.
	require.NotEmpty(t, fc.framesNamed("message"))
}
