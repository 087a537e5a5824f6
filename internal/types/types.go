// Package types defines the wire-level data model shared between the daemon
// and the coordination service: machines, sessions, their independently
// versioned metadata/state slots, and permission request records.
//
// All ids are opaque strings. All timestamps are milliseconds since epoch.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// NowMillis returns the current time in milliseconds since epoch.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Machine is the server-side record for one registered machine.
type Machine struct {
	ID                 string          `json:"id"`
	Seq                int64           `json:"seq"`
	CreatedAt          int64           `json:"createdAt"`
	UpdatedAt          int64           `json:"updatedAt"`
	Active             bool            `json:"active"`
	ActiveAt           int64           `json:"activeAt"`
	Metadata           json.RawMessage `json:"metadata"`
	MetadataVersion    int64           `json:"metadataVersion"`
	DaemonState        json.RawMessage `json:"daemonState"`
	DaemonStateVersion int64           `json:"daemonStateVersion"`
}

// Session is the server-side record for one agent session.
type Session struct {
	ID                string          `json:"id"`
	Seq               int64           `json:"seq"`
	CreatedAt         int64           `json:"createdAt"`
	UpdatedAt         int64           `json:"updatedAt"`
	Active            bool            `json:"active"`
	ActiveAt          int64           `json:"activeAt"`
	Metadata          json.RawMessage `json:"metadata"`
	MetadataVersion   int64           `json:"metadataVersion"`
	AgentState        json.RawMessage `json:"agentState"`
	AgentStateVersion int64           `json:"agentStateVersion"`
	Thinking          *bool           `json:"thinking,omitempty"`
	PermissionMode    string          `json:"permissionMode,omitempty"`
	ModelMode         string          `json:"modelMode,omitempty"`
}

// MachineMetadata describes the host a daemon runs on.
type MachineMetadata struct {
	Host          string `json:"host"`
	Platform      string `json:"platform"`
	Arch          string `json:"arch,omitempty"`
	Username      string `json:"username,omitempty"`
	DaemonVersion string `json:"daemonVersion,omitempty"`
	HomeDir       string `json:"homeDir"`
	HappyHomeDir  string `json:"happyHomeDir"`
	HappyLibDir   string `json:"happyLibDir,omitempty"`
	DefaultShell  string `json:"defaultShell,omitempty"`
}

// Daemon status values carried in DaemonState.Status.
const (
	DaemonStatusRunning      = "running"
	DaemonStatusShuttingDown = "shutting-down"
	DaemonStatusOffline      = "offline"
)

// DaemonState is the machine-scoped daemon liveness slot.
type DaemonState struct {
	Status              string `json:"status"`
	PID                 int    `json:"pid,omitempty"`
	HTTPPort            int    `json:"httpPort,omitempty"`
	StartedAt           int64  `json:"startedAt,omitempty"`
	ShutdownRequestedAt int64  `json:"shutdownRequestedAt,omitempty"`
	ShutdownSource      string `json:"shutdownSource,omitempty"`
}

// SessionSummary is embedded in SessionMetadata when the agent emits a summary.
type SessionSummary struct {
	Text      string `json:"text"`
	UpdatedAt int64  `json:"updatedAt"`
}

// SessionMetadata describes one hosted agent session.
type SessionMetadata struct {
	Path              string          `json:"path"`
	Host              string          `json:"host"`
	MachineID         string          `json:"machineId,omitempty"`
	Name              string          `json:"name,omitempty"`
	Flavor            string          `json:"flavor,omitempty"` // claude, codex, gemini
	Summary           *SessionSummary `json:"summary,omitempty"`
	Tools             []string        `json:"tools,omitempty"`
	SlashCommands     []string        `json:"slashCommands,omitempty"`
	StartedFromDaemon bool            `json:"startedFromDaemon,omitempty"`
	HostPID           int             `json:"hostPid,omitempty"`
	StartedAt         int64           `json:"startedAt,omitempty"`
	ArchivedAt        int64           `json:"archivedAt,omitempty"`
}

// Permission request decisions.
const (
	DecisionApproved           = "approved"
	DecisionApprovedForSession = "approved_for_session"
	DecisionDenied             = "denied"
	DecisionAbort              = "abort"
)

// PermissionRequest is a pending permission prompt mirrored into
// AgentState.Requests while it awaits a response.
type PermissionRequest struct {
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	CreatedAt int64           `json:"createdAt"`
}

// CompletedRequest is the terminal record of a permission prompt.
type CompletedRequest struct {
	Tool        string            `json:"tool"`
	Arguments   json.RawMessage   `json:"arguments,omitempty"`
	CreatedAt   int64             `json:"createdAt"`
	CompletedAt int64             `json:"completedAt"`
	Status      string            `json:"status"` // approved, denied, canceled
	Reason      string            `json:"reason,omitempty"`
	Mode        string            `json:"mode,omitempty"`
	Decision    string            `json:"decision,omitempty"`
	AllowTools  []string          `json:"allowTools,omitempty"`
	Answers     map[string]string `json:"answers,omitempty"`
}

// AgentState is the session-scoped slot mirroring agent-side control state.
type AgentState struct {
	ControlledByUser  *bool                        `json:"controlledByUser,omitempty"`
	Requests          map[string]PermissionRequest `json:"requests,omitempty"`
	CompletedRequests map[string]CompletedRequest  `json:"completedRequests,omitempty"`
}

// ParseMachineMetadata decodes and validates a machine metadata payload.
func ParseMachineMetadata(raw json.RawMessage) (*MachineMetadata, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("machine metadata is null")
	}
	var m MachineMetadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode machine metadata: %w", err)
	}
	if m.Host == "" {
		return nil, fmt.Errorf("machine metadata: host is required")
	}
	if m.Platform == "" {
		return nil, fmt.Errorf("machine metadata: platform is required")
	}
	return &m, nil
}

// ParseDaemonState decodes and validates a daemon state payload.
func ParseDaemonState(raw json.RawMessage) (*DaemonState, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("daemon state is null")
	}
	var d DaemonState
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decode daemon state: %w", err)
	}
	switch d.Status {
	case DaemonStatusRunning, DaemonStatusShuttingDown, DaemonStatusOffline, "":
	default:
		return nil, fmt.Errorf("daemon state: unknown status %q", d.Status)
	}
	return &d, nil
}

// ParseSessionMetadata decodes and validates a session metadata payload.
func ParseSessionMetadata(raw json.RawMessage) (*SessionMetadata, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("session metadata is null")
	}
	var m SessionMetadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode session metadata: %w", err)
	}
	if m.Path == "" {
		return nil, fmt.Errorf("session metadata: path is required")
	}
	return &m, nil
}

// ParseAgentState decodes and validates an agent state payload.
func ParseAgentState(raw json.RawMessage) (*AgentState, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("agent state is null")
	}
	var a AgentState
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decode agent state: %w", err)
	}
	for id := range a.Requests {
		if _, dup := a.CompletedRequests[id]; dup {
			return nil, fmt.Errorf("agent state: request %s is both pending and completed", id)
		}
	}
	return &a, nil
}

// MarshalOrNull marshals v, returning the JSON null literal on a nil value or
// marshal failure. Used when embedding optional slots in outbound payloads.
func MarshalOrNull(v any) json.RawMessage {
	if v == nil {
		return json.RawMessage("null")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return raw
}
