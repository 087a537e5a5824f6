package permissions

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/happyhq/happy-daemon/internal/types"
)

// memoryState applies mutations to an in-memory AgentState, standing in for
// the session connector's versioned slot.
type memoryState struct {
	mu    sync.Mutex
	state types.AgentState
}

func (m *memoryState) updater() StateUpdater {
	return func(_ context.Context, mutate func(*types.AgentState)) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		mutate(&m.state)
		return nil
	}
}

func (m *memoryState) snapshot() types.AgentState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func TestAddMirrorsIntoState(t *testing.T) {
	t.Parallel()

	ms := &memoryState{}
	c := New(ms.updater(), nil)

	err := c.Add(context.Background(), "r1", "Bash", json.RawMessage(`{"command":"ls"}`), nil, nil)
	require.NoError(t, err)

	st := ms.snapshot()
	require.Contains(t, st.Requests, "r1")
	require.Equal(t, "Bash", st.Requests["r1"].Tool)
	require.Equal(t, 1, c.PendingCount())
}

func TestHandleResponseApproves(t *testing.T) {
	t.Parallel()

	ms := &memoryState{}
	c := New(ms.updater(), nil)

	var got Response
	require.NoError(t, c.Add(context.Background(), "r1", "Bash", nil, func(r Response) { got = r }, nil))

	err := c.HandleResponse(context.Background(), Response{ID: "r1", Approved: true, Decision: types.DecisionApproved})
	require.NoError(t, err)
	require.True(t, got.Approved)

	st := ms.snapshot()
	require.NotContains(t, st.Requests, "r1")
	require.Equal(t, "approved", st.CompletedRequests["r1"].Status)
	require.Equal(t, types.DecisionApproved, st.CompletedRequests["r1"].Decision)
	require.Equal(t, 0, c.PendingCount())
}

func TestHandleResponseUnknownIDIsIgnored(t *testing.T) {
	t.Parallel()

	ms := &memoryState{}
	var missed []string
	c := New(ms.updater(), nil, WithMissingResponseHook(func(id string) { missed = append(missed, id) }))

	require.NoError(t, c.Add(context.Background(), "r1", "Bash", nil, nil, nil))
	before := ms.snapshot()

	require.NoError(t, c.HandleResponse(context.Background(), Response{ID: "ghost", Approved: true}))

	after := ms.snapshot()
	require.Equal(t, before.Requests, after.Requests)
	require.Empty(t, after.CompletedRequests)
	require.Equal(t, []string{"ghost"}, missed)
	require.Equal(t, 1, c.PendingCount())
}

func TestCancelFinalizesEverything(t *testing.T) {
	t.Parallel()

	ms := &memoryState{}
	c := New(ms.updater(), nil)

	errs := make(map[string]error)
	var errsMu sync.Mutex
	rejector := func(id string) func(error) {
		return func(err error) {
			errsMu.Lock()
			defer errsMu.Unlock()
			errs[id] = err
		}
	}

	require.NoError(t, c.Add(context.Background(), "r1", "Bash", nil, nil, rejector("r1")))
	require.NoError(t, c.Add(context.Background(), "r2", "Write", nil, nil, rejector("r2")))

	err := c.Cancel(context.Background(), CancelOptions{
		CompletedReason: "session ended",
		RejectMessage:   "canceled",
		Decision:        types.DecisionAbort,
	})
	require.NoError(t, err)
	require.Equal(t, 0, c.PendingCount())

	for _, id := range []string{"r1", "r2"} {
		require.EqualError(t, errs[id], "canceled")
		rec := ms.snapshot().CompletedRequests[id]
		require.Equal(t, "canceled", rec.Status)
		require.Equal(t, "session ended", rec.Reason)
		require.Equal(t, types.DecisionAbort, rec.Decision)
	}
	require.Empty(t, ms.snapshot().Requests)
}

func TestCancelWithNothingPendingIsNoop(t *testing.T) {
	t.Parallel()

	ms := &memoryState{}
	c := New(ms.updater(), nil)
	require.NoError(t, c.Cancel(context.Background(), CancelOptions{RejectMessage: "x"}))
	require.Empty(t, ms.snapshot().CompletedRequests)
}

func TestResolveAutoApproval(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		mode       string
		tool       string
		toolCallID string
		overrides  *Hints
		want       string
	}{
		{name: "yolo", mode: ModeYolo, tool: "Bash", want: "approved_for_session"},
		{name: "safe yolo", mode: ModeSafeYolo, tool: "Bash", want: "approved"},
		{name: "read-only read tool", mode: ModeReadOnly, tool: "Read", want: "approved"},
		{name: "read-only unknown tool", mode: ModeReadOnly, tool: "Bash", want: ""},
		{name: "default always tool", mode: ModeDefault, tool: "TodoWrite", want: "approved"},
		{name: "default unknown tool", mode: ModeDefault, tool: "Bash", want: ""},
		{
			name: "default id hint",
			mode: ModeDefault, tool: "Bash", toolCallID: "call-trusted-123",
			overrides: &Hints{AlwaysToolIDs: []string{"trusted"}},
			want:      "approved",
		},
		{
			name: "override always names",
			mode: ModeDefault, tool: "Deploy",
			overrides: &Hints{AlwaysToolNames: []string{"Deploy"}},
			want:      "approved",
		},
		{
			name: "write hint suppresses read-only",
			mode: ModeReadOnly, tool: "Read",
			overrides: &Hints{WriteToolNames: []string{"Read"}},
			want:      "",
		},
		{name: "unknown mode asks", mode: "plan", tool: "Read", want: ""},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := ResolveAutoApproval(tc.mode, tc.tool, tc.toolCallID, tc.overrides)
			require.Equal(t, tc.want, got)
			// Pure: same inputs, same output.
			require.Equal(t, got, ResolveAutoApproval(tc.mode, tc.tool, tc.toolCallID, tc.overrides))
		})
	}
}
