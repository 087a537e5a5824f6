// Package connector implements the two long-lived WebSocket clients of the
// daemon: the machine-scoped connector (heartbeat, daemon lifecycle RPCs,
// machine state slots) and the session-scoped connector (user messages,
// agent output, terminals, permission prompts, session state slots).
package connector

import "encoding/json"

// Inbound `update` event bodies are discriminated by the `t` field.
const (
	updateNewMessage = "new-message"
	updateSession    = "update-session"
	updateMachine    = "update-machine"
)

// versionedValue is one changed slot inside an update broadcast.
type versionedValue struct {
	Version int64           `json:"version"`
	Value   json.RawMessage `json:"value"`
}

// updateEnvelope is the body of an inbound `update` event. Which fields are
// populated depends on the discriminator.
type updateEnvelope struct {
	T         string `json:"t"`
	SessionID string `json:"sid,omitempty"`
	MachineID string `json:"machineId,omitempty"`

	// update-session (metadata is also carried by update-machine)
	Metadata   *versionedValue `json:"metadata,omitempty"`
	AgentState *versionedValue `json:"agentState,omitempty"`

	// update-machine
	DaemonState *versionedValue `json:"daemonState,omitempty"`

	// new-message
	Message json.RawMessage `json:"message,omitempty"`
}

// alivePayload is the body of machine-alive / session-alive events.
type alivePayload struct {
	MachineID string `json:"machineId,omitempty"`
	SessionID string `json:"sid,omitempty"`
	Time      int64  `json:"time"`
	Thinking  *bool  `json:"thinking,omitempty"`
	Mode      string `json:"mode,omitempty"`
}
