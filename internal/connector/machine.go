package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/happyhq/happy-daemon/internal/rpc"
	"github.com/happyhq/happy-daemon/internal/types"
	"github.com/happyhq/happy-daemon/internal/vstate"
	"github.com/happyhq/happy-daemon/internal/wire"
)

// SpawnRequest is the spawn-happy-session RPC payload.
type SpawnRequest struct {
	Directory                    string `json:"directory"`
	Agent                        string `json:"agent,omitempty"`
	ApprovedNewDirectoryCreation bool   `json:"approvedNewDirectoryCreation,omitempty"`
}

// Spawn result discriminators.
const (
	SpawnResultSuccess          = "success"
	SpawnResultApproveDirectory = "requestToApproveDirectoryCreation"
)

// SpawnResult is the spawn-happy-session RPC reply.
type SpawnResult struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Directory string `json:"directory,omitempty"`
}

// SessionSpawner starts and stops hosted agent sessions on this machine.
// The daemon orchestrator implements it.
type SessionSpawner interface {
	SpawnSession(ctx context.Context, req SpawnRequest) (SpawnResult, error)
	StopSession(sessionID string) error
}

// MachineConfig configures a machine connector.
type MachineConfig struct {
	// WebSocketURL is the server's WS endpoint (wss://host).
	WebSocketURL string
	Token        string
	Machine      *types.Machine

	Spawner SessionSpawner
	// RequestShutdown is invoked when the peer asks the daemon to stop.
	RequestShutdown func(source string)

	HeartbeatInterval time.Duration
	AckTimeout        time.Duration
	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration

	Logger *slog.Logger
}

// Machine is the machine-scoped connector: one persistent WebSocket carrying
// the daemon's heartbeat, lifecycle RPCs, and machine state slots.
type Machine struct {
	cfg    MachineConfig
	logger *slog.Logger

	machineID string
	client    *wire.Client
	rpc       *rpc.Registry

	metadata    *vstate.Slot
	daemonState *vstate.Slot

	startedAt int64

	hbMu   sync.Mutex
	hbStop chan struct{}
}

// NewMachine creates a machine connector for the bootstrapped machine
// record. Call Run to connect.
func NewMachine(cfg MachineConfig) *Machine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 20 * time.Second
	}

	machineID := cfg.Machine.ID
	logger = logger.With("machineId", machineID)

	client := wire.New(wire.Config{
		URL: cfg.WebSocketURL,
		Auth: wire.AuthPayload{
			Token:      cfg.Token,
			ClientType: wire.ClientTypeMachineScoped,
			MachineID:  machineID,
		},
		MinReconnectDelay: cfg.ReconnectMinDelay,
		MaxReconnectDelay: cfg.ReconnectMaxDelay,
		Logger:            logger,
	})

	m := &Machine{
		cfg:       cfg,
		logger:    logger,
		machineID: machineID,
		client:    client,
		rpc:       rpc.NewRegistry(machineID, logger),
		startedAt: types.NowMillis(),
	}

	m.metadata = vstate.NewSlot(vstate.SlotConfig{
		Name:      "metadata",
		Event:     "machine-update-metadata",
		MachineID: machineID,
		Validate: func(raw json.RawMessage) error {
			_, err := types.ParseMachineMetadata(raw)
			return err
		},
		Emitter:    client,
		AckTimeout: cfg.AckTimeout,
		Logger:     logger,
	}, cfg.Machine.Metadata, cfg.Machine.MetadataVersion)

	m.daemonState = vstate.NewSlot(vstate.SlotConfig{
		Name:      "daemonState",
		Event:     "machine-update-state",
		MachineID: machineID,
		Validate: func(raw json.RawMessage) error {
			_, err := types.ParseDaemonState(raw)
			return err
		},
		Emitter:    client,
		AckTimeout: cfg.AckTimeout,
		Logger:     logger,
	}, cfg.Machine.DaemonState, cfg.Machine.DaemonStateVersion)

	client.On("update", m.handleUpdate)
	client.On("rpc-request", m.handleRPCRequest)
	client.On("error", func(data json.RawMessage, _ wire.AckFunc) {
		m.logger.Warn("server error event", "body", string(data))
	})
	client.OnConnect(m.onConnect)
	client.OnDisconnect(m.onDisconnect)

	m.registerLifecycleRPCs()
	return m
}

// Run connects and serves until ctx is cancelled.
func (m *Machine) Run(ctx context.Context) error {
	return m.client.Run(ctx)
}

// RPC exposes the connector's registry so the owner can install the
// sandboxed handler set.
func (m *Machine) RPC() *rpc.Registry {
	return m.rpc
}

// MachineID returns the connected machine's id.
func (m *Machine) MachineID() string {
	return m.machineID
}

// Metadata returns the machine metadata slot mirror.
func (m *Machine) Metadata() *vstate.Slot {
	return m.metadata
}

// UpdateDaemonState mutates the daemon state slot through the versioned
// update protocol.
func (m *Machine) UpdateDaemonState(ctx context.Context, mutate func(*types.DaemonState)) error {
	return m.daemonState.Update(ctx, func(current json.RawMessage) (json.RawMessage, error) {
		state, err := types.ParseDaemonState(current)
		if err != nil {
			state = &types.DaemonState{}
		}
		mutate(state)
		return json.Marshal(state)
	})
}

// UpdateMetadata mutates the machine metadata slot through the versioned
// update protocol.
func (m *Machine) UpdateMetadata(ctx context.Context, mutate func(*types.MachineMetadata)) error {
	return m.metadata.Update(ctx, func(current json.RawMessage) (json.RawMessage, error) {
		meta, err := types.ParseMachineMetadata(current)
		if err != nil {
			meta = &types.MachineMetadata{}
		}
		mutate(meta)
		return json.Marshal(meta)
	})
}

// onConnect runs after every successful handshake: RPC registrations are
// reasserted, the daemon state is marked running, and the heartbeat starts.
func (m *Machine) onConnect() {
	m.rpc.OnConnect(m.client)

	// The running-state update awaits acks; it must not block the
	// connection's read loop, and its failure is logged and ignored.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := m.UpdateDaemonState(ctx, func(state *types.DaemonState) {
			// Preserve httpPort; everything else reflects this process.
			state.Status = types.DaemonStatusRunning
			state.PID = os.Getpid()
			state.StartedAt = m.startedAt
		})
		if err != nil {
			m.logger.Warn("mark daemon running", "error", err)
		}
	}()

	m.startHeartbeat()
}

func (m *Machine) onDisconnect() {
	m.stopHeartbeat()
	m.rpc.OnDisconnect()
}

func (m *Machine) startHeartbeat() {
	m.hbMu.Lock()
	defer m.hbMu.Unlock()
	if m.hbStop != nil {
		return
	}
	stop := make(chan struct{})
	m.hbStop = stop

	go func() {
		ticker := time.NewTicker(m.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				err := m.client.Emit("machine-alive", alivePayload{
					MachineID: m.machineID,
					Time:      types.NowMillis(),
				})
				if err != nil {
					// Best-effort; skipped ticks are expected while offline.
					m.logger.Debug("heartbeat skipped", "error", err)
				}
			}
		}
	}()
}

func (m *Machine) stopHeartbeat() {
	m.hbMu.Lock()
	defer m.hbMu.Unlock()
	if m.hbStop != nil {
		close(m.hbStop)
		m.hbStop = nil
	}
}

func (m *Machine) registerLifecycleRPCs() {
	m.rpc.Register("spawn-happy-session", func(ctx context.Context, params json.RawMessage) (any, error) {
		if m.cfg.Spawner == nil {
			return nil, fmt.Errorf("no session spawner configured")
		}
		var req SpawnRequest
		if len(params) > 0 {
			if err := json.Unmarshal(params, &req); err != nil {
				return nil, fmt.Errorf("invalid spawn request: %w", err)
			}
		}
		if req.Directory == "" {
			return nil, fmt.Errorf("directory is required")
		}
		return m.cfg.Spawner.SpawnSession(ctx, req)
	})

	m.rpc.Register("stop-session", func(_ context.Context, params json.RawMessage) (any, error) {
		if m.cfg.Spawner == nil {
			return nil, fmt.Errorf("no session spawner configured")
		}
		var req struct {
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(params, &req); err != nil || req.SessionID == "" {
			return nil, fmt.Errorf("sessionId is required")
		}
		if err := m.cfg.Spawner.StopSession(req.SessionID); err != nil {
			return nil, err
		}
		return map[string]bool{"success": true}, nil
	})

	m.rpc.Register("stop-daemon", func(_ context.Context, params json.RawMessage) (any, error) {
		var req struct {
			Source string `json:"source"`
		}
		if len(params) > 0 {
			_ = json.Unmarshal(params, &req)
		}
		source := req.Source
		if source == "" {
			source = "remote"
		}

		// Delay the actual shutdown so this ack reaches the peer first.
		time.AfterFunc(time.Second, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := m.UpdateDaemonState(ctx, func(state *types.DaemonState) {
				state.Status = types.DaemonStatusShuttingDown
				state.ShutdownRequestedAt = types.NowMillis()
				state.ShutdownSource = source
			}); err != nil {
				m.logger.Warn("record shutdown request", "error", err)
			}
			if m.cfg.RequestShutdown != nil {
				m.cfg.RequestShutdown(source)
			}
		})
		return map[string]string{"message": "Daemon shutdown scheduled"}, nil
	})
}

// handleUpdate feeds an inbound update broadcast into the machine slots.
func (m *Machine) handleUpdate(data json.RawMessage, _ wire.AckFunc) {
	var env updateEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		m.logger.Warn("malformed update event", "error", err)
		return
	}
	if env.T != updateMachine || env.MachineID != m.machineID {
		return
	}
	if env.Metadata != nil {
		m.metadata.ApplyRemote(env.Metadata.Version, env.Metadata.Value)
	}
	if env.DaemonState != nil {
		m.daemonState.ApplyRemote(env.DaemonState.Version, env.DaemonState.Value)
	}
}

func (m *Machine) handleRPCRequest(data json.RawMessage, ack wire.AckFunc) {
	var req rpc.Request
	if err := json.Unmarshal(data, &req); err != nil {
		ack(rpc.Response{Error: "malformed request"})
		return
	}
	// Handlers may spawn subprocesses and block for their full timeout.
	// Serve each request on its own goroutine so update broadcasts and
	// other requests keep flowing while one handler is in flight.
	go func() {
		ack(m.rpc.HandleRequest(context.Background(), req))
	}()
}
