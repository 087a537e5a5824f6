package connector

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/happyhq/happy-daemon/internal/permissions"
	"github.com/happyhq/happy-daemon/internal/rpc"
	"github.com/happyhq/happy-daemon/internal/terminal"
	"github.com/happyhq/happy-daemon/internal/types"
	"github.com/happyhq/happy-daemon/internal/vstate"
	"github.com/happyhq/happy-daemon/internal/wire"
)

// userMessageQueueCap bounds the buffer of user messages that arrive before
// a consumer registers. Overflow drops the message and logs loudly rather
// than growing without bound.
const userMessageQueueCap = 1024

// UserMessage is the user-facing message schema delivered to the agent.
type UserMessage struct {
	ID      string          `json:"id,omitempty"`
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// SessionEvent is an outbound lifecycle event of a session.
type SessionEvent struct {
	Type string          `json:"type"` // ready, switch, permission-mode-changed, message
	Data json.RawMessage `json:"data,omitempty"`
}

// SessionConfig configures a session connector.
type SessionConfig struct {
	WebSocketURL string
	Token        string
	Session      *types.Session

	// WorkDir roots the session's terminals. Derived from session metadata
	// when empty.
	WorkDir string
	Shell   string

	KeepAliveInterval time.Duration
	AckTimeout        time.Duration
	FlushTimeout      time.Duration
	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration

	Logger *slog.Logger
}

// Session is the session-scoped connector: one persistent WebSocket carrying
// user messages in, agent output and events out, terminal traffic, the
// permission RPC, and the session's two state slots.
type Session struct {
	cfg    SessionConfig
	logger *slog.Logger

	sessionID string
	client    *wire.Client
	rpc       *rpc.Registry

	metadata   *vstate.Slot
	agentState *vstate.Slot

	perms     *permissions.Coordinator
	terminals *terminal.Multiplexer

	msgMu         sync.Mutex
	queued        []UserMessage
	onUserMessage func(UserMessage)
	onAgentEvent  func(json.RawMessage)

	stateMu  sync.Mutex
	thinking bool
	mode     string

	kaMu   sync.Mutex
	kaStop chan struct{}
}

// NewSession creates a session connector for the bootstrapped session
// record. The owner installs handlers and callbacks, then calls Run; the
// connector never dials before that.
func NewSession(cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = 2 * time.Second
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 5 * time.Second
	}

	sessionID := cfg.Session.ID
	logger = logger.With("sessionId", sessionID)

	client := wire.New(wire.Config{
		URL: cfg.WebSocketURL,
		Auth: wire.AuthPayload{
			Token:      cfg.Token,
			ClientType: wire.ClientTypeSessionScoped,
			SessionID:  sessionID,
		},
		MinReconnectDelay: cfg.ReconnectMinDelay,
		MaxReconnectDelay: cfg.ReconnectMaxDelay,
		Logger:            logger,
	})

	s := &Session{
		cfg:       cfg,
		logger:    logger,
		sessionID: sessionID,
		client:    client,
		rpc:       rpc.NewRegistry(sessionID, logger),
	}

	s.metadata = vstate.NewSlot(vstate.SlotConfig{
		Name:      "metadata",
		Event:     "update-metadata",
		SessionID: sessionID,
		Validate: func(raw json.RawMessage) error {
			_, err := types.ParseSessionMetadata(raw)
			return err
		},
		Emitter:    client,
		AckTimeout: cfg.AckTimeout,
		Logger:     logger,
	}, cfg.Session.Metadata, cfg.Session.MetadataVersion)

	s.agentState = vstate.NewSlot(vstate.SlotConfig{
		Name:      "agentState",
		Event:     "update-state",
		SessionID: sessionID,
		Validate: func(raw json.RawMessage) error {
			_, err := types.ParseAgentState(raw)
			return err
		},
		Emitter:    client,
		AckTimeout: cfg.AckTimeout,
		Logger:     logger,
	}, cfg.Session.AgentState, cfg.Session.AgentStateVersion)

	s.perms = permissions.New(s.UpdateAgentState, logger)

	workDir := cfg.WorkDir
	if workDir == "" {
		if meta, err := types.ParseSessionMetadata(cfg.Session.Metadata); err == nil {
			workDir = meta.Path
		}
	}
	s.terminals = terminal.NewMultiplexer(terminal.Config{
		WorkDir: workDir,
		Shell:   cfg.Shell,
		Events: terminal.Events{
			Ready: func(id string) {
				s.emitTerminal("terminal:ready", id, nil)
			},
			Output: func(id string, data []byte) {
				s.emitTerminal("terminal:output", id, map[string]string{
					"data": base64.StdEncoding.EncodeToString(data),
				})
			},
			Exit: func(id string, code int) {
				s.emitTerminal("terminal:exit", id, map[string]int{"exitCode": code})
			},
			Error: func(id string, message string) {
				s.emitTerminal("terminal:error", id, map[string]string{"message": message})
			},
		},
		Logger: logger,
	})

	client.On("update", s.handleUpdate)
	client.On("rpc-request", s.handleRPCRequest)
	client.On("terminal:open", s.handleTerminalOpen)
	client.On("terminal:write", s.handleTerminalWrite)
	client.On("terminal:resize", s.handleTerminalResize)
	client.On("terminal:close", s.handleTerminalClose)
	client.On("error", func(data json.RawMessage, _ wire.AckFunc) {
		s.logger.Warn("server error event", "body", string(data))
	})
	client.OnConnect(s.onConnect)
	client.OnDisconnect(s.onDisconnect)

	s.rpc.Register("permission", func(ctx context.Context, params json.RawMessage) (any, error) {
		var resp permissions.Response
		if err := json.Unmarshal(params, &resp); err != nil || resp.ID == "" {
			return nil, fmt.Errorf("invalid permission response")
		}
		if err := s.perms.HandleResponse(ctx, resp); err != nil {
			return nil, err
		}
		return map[string]bool{"success": true}, nil
	})

	return s
}

// Run connects and serves until ctx is cancelled. Session reconnection is
// unbounded: the connector keeps retrying for the life of the process.
func (s *Session) Run(ctx context.Context) error {
	defer s.terminals.CloseAll()
	return s.client.Run(ctx)
}

// SessionID returns the connected session's id.
func (s *Session) SessionID() string {
	return s.sessionID
}

// RPC exposes the connector's registry so the owner can install the
// sandboxed handler set.
func (s *Session) RPC() *rpc.Registry {
	return s.rpc
}

// Permissions exposes the session's permission coordinator.
func (s *Session) Permissions() *permissions.Coordinator {
	return s.perms
}

// Metadata returns the session metadata slot mirror.
func (s *Session) Metadata() *vstate.Slot {
	return s.metadata
}

// AgentState returns the agent state slot mirror.
func (s *Session) AgentState() *vstate.Slot {
	return s.agentState
}

// OnUserMessage registers the single consumer of inbound user messages.
// Messages that arrived earlier are delivered immediately, in order.
func (s *Session) OnUserMessage(fn func(UserMessage)) {
	s.msgMu.Lock()
	s.onUserMessage = fn
	queued := s.queued
	s.queued = nil
	s.msgMu.Unlock()

	for _, msg := range queued {
		fn(msg)
	}
}

// OnAgentEvent registers the consumer for non-user inbound payloads (agent
// adapters use this for control traffic).
func (s *Session) OnAgentEvent(fn func(json.RawMessage)) {
	s.msgMu.Lock()
	defer s.msgMu.Unlock()
	s.onAgentEvent = fn
}

// SetThinking updates the keep-alive thinking flag.
func (s *Session) SetThinking(thinking bool) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.thinking = thinking
}

// SetMode updates the keep-alive mode string (e.g. permission mode).
func (s *Session) SetMode(mode string) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.mode = mode
}

// UpdateMetadata mutates the session metadata slot through the versioned
// update protocol.
func (s *Session) UpdateMetadata(ctx context.Context, mutate func(*types.SessionMetadata)) error {
	return s.metadata.Update(ctx, func(current json.RawMessage) (json.RawMessage, error) {
		meta, err := types.ParseSessionMetadata(current)
		if err != nil {
			meta = &types.SessionMetadata{}
		}
		mutate(meta)
		return json.Marshal(meta)
	})
}

// UpdateAgentState mutates the agent state slot through the versioned
// update protocol.
func (s *Session) UpdateAgentState(ctx context.Context, mutate func(*types.AgentState)) error {
	return s.agentState.Update(ctx, func(current json.RawMessage) (json.RawMessage, error) {
		state, err := types.ParseAgentState(current)
		if err != nil {
			state = &types.AgentState{}
		}
		mutate(state)
		return json.Marshal(state)
	})
}

// messagePayload is the outbound message envelope.
type messagePayload struct {
	SessionID string          `json:"sid"`
	Message   json.RawMessage `json:"message"`
}

// SendUserText sends a user-authored text message into the session stream.
func (s *Session) SendUserText(text string) error {
	content, _ := json.Marshal(map[string]string{"type": "text", "text": text})
	msg, _ := json.Marshal(UserMessage{Role: "user", Content: content})
	return s.client.Emit("message", messagePayload{SessionID: s.sessionID, Message: msg})
}

// SendAgentOutput relays raw agent output. Summary messages opportunistically
// update the session metadata as a side-effect.
func (s *Session) SendAgentOutput(content json.RawMessage) error {
	s.maybeCaptureSummary(content)
	msg, err := json.Marshal(map[string]any{"role": "agent", "content": content})
	if err != nil {
		return fmt.Errorf("marshal agent output: %w", err)
	}
	return s.client.Emit("message", messagePayload{SessionID: s.sessionID, Message: msg})
}

// SendCodexOutput relays a codex-flavored payload.
func (s *Session) SendCodexOutput(payload json.RawMessage) error {
	content, err := json.Marshal(map[string]any{"type": "codex", "data": payload})
	if err != nil {
		return fmt.Errorf("marshal codex output: %w", err)
	}
	return s.SendAgentOutput(content)
}

// SendSessionEvent relays a session lifecycle event (ready, switch,
// permission-mode-changed, message).
func (s *Session) SendSessionEvent(event SessionEvent) error {
	content, err := json.Marshal(map[string]any{"type": "event", "event": event})
	if err != nil {
		return fmt.Errorf("marshal session event: %w", err)
	}
	msg, _ := json.Marshal(map[string]any{"role": "agent", "content": json.RawMessage(content)})
	return s.client.Emit("message", messagePayload{SessionID: s.sessionID, Message: msg})
}

// SendSessionEnd announces a deliberate session shutdown.
func (s *Session) SendSessionEnd() error {
	return s.client.Emit("session-end", alivePayload{
		SessionID: s.sessionID,
		Time:      types.NowMillis(),
	})
}

// Flush waits, within timeout, for in-flight state updates to drain, the
// connection to be up, and a ping round-trip to complete. Each step spends
// only what remains of the deadline.
func (s *Session) Flush(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.cfg.FlushTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.metadata.Drain(ctx); err != nil {
		return fmt.Errorf("flush: drain metadata: %w", err)
	}
	if err := s.agentState.Drain(ctx); err != nil {
		return fmt.Errorf("flush: drain agent state: %w", err)
	}
	if err := s.client.WaitConnected(ctx); err != nil {
		return fmt.Errorf("flush: not connected: %w", err)
	}
	if _, err := s.client.EmitWithAck(ctx, "ping", map[string]string{"sid": s.sessionID}); err != nil {
		return fmt.Errorf("flush: ping: %w", err)
	}
	return nil
}

// maybeCaptureSummary mirrors agent summary messages into the metadata
// slot. Best-effort: failures are logged, never surfaced.
func (s *Session) maybeCaptureSummary(content json.RawMessage) {
	var probe struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(content, &probe); err != nil || probe.Type != "summary" || probe.Text == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := s.UpdateMetadata(ctx, func(meta *types.SessionMetadata) {
			meta.Summary = &types.SessionSummary{Text: probe.Text, UpdatedAt: types.NowMillis()}
		})
		if err != nil {
			s.logger.Warn("update session summary", "error", err)
		}
	}()
}

func (s *Session) onConnect() {
	s.rpc.OnConnect(s.client)
	s.startKeepAlive()
}

func (s *Session) onDisconnect() {
	s.stopKeepAlive()
	s.rpc.OnDisconnect()
	s.terminals.CloseAll()
}

func (s *Session) startKeepAlive() {
	s.kaMu.Lock()
	defer s.kaMu.Unlock()
	if s.kaStop != nil {
		return
	}
	stop := make(chan struct{})
	s.kaStop = stop

	go func() {
		ticker := time.NewTicker(s.cfg.KeepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.stateMu.Lock()
				thinking := s.thinking
				mode := s.mode
				s.stateMu.Unlock()
				// Best-effort broadcast; skipped while disconnected.
				_ = s.client.Emit("session-alive", alivePayload{
					SessionID: s.sessionID,
					Time:      types.NowMillis(),
					Thinking:  &thinking,
					Mode:      mode,
				})
			}
		}
	}()
}

func (s *Session) stopKeepAlive() {
	s.kaMu.Lock()
	defer s.kaMu.Unlock()
	if s.kaStop != nil {
		close(s.kaStop)
		s.kaStop = nil
	}
}

// handleUpdate routes new-message and update-session bodies.
func (s *Session) handleUpdate(data json.RawMessage, _ wire.AckFunc) {
	var env updateEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.Warn("malformed update event", "error", err)
		return
	}

	switch env.T {
	case updateNewMessage:
		s.handleNewMessage(env.Message)
	case updateSession:
		if env.SessionID != "" && env.SessionID != s.sessionID {
			return
		}
		if env.Metadata != nil {
			s.metadata.ApplyRemote(env.Metadata.Version, env.Metadata.Value)
		}
		if env.AgentState != nil {
			s.agentState.ApplyRemote(env.AgentState.Version, env.AgentState.Value)
		}
	}
}

// handleNewMessage delivers a user-facing message to the registered
// consumer, queueing (bounded) when none is registered yet. Payloads that
// do not match the user message schema go to the agent-event consumer.
func (s *Session) handleNewMessage(payload json.RawMessage) {
	var msg UserMessage
	if err := json.Unmarshal(payload, &msg); err == nil && msg.Role == "user" && len(msg.Content) > 0 {
		s.msgMu.Lock()
		if s.onUserMessage != nil {
			fn := s.onUserMessage
			s.msgMu.Unlock()
			fn(msg)
			return
		}
		if len(s.queued) >= userMessageQueueCap {
			s.msgMu.Unlock()
			s.logger.Error("user message queue full, dropping message", "cap", userMessageQueueCap)
			return
		}
		s.queued = append(s.queued, msg)
		s.msgMu.Unlock()
		return
	}

	s.msgMu.Lock()
	fn := s.onAgentEvent
	s.msgMu.Unlock()
	if fn != nil {
		fn(payload)
	} else {
		s.logger.Debug("dropping non-user message without consumer")
	}
}

func (s *Session) handleRPCRequest(data json.RawMessage, ack wire.AckFunc) {
	var req rpc.Request
	if err := json.Unmarshal(data, &req); err != nil {
		ack(rpc.Response{Error: "malformed request"})
		return
	}
	// Handlers may spawn subprocesses and block for their full timeout.
	// Serve each request on its own goroutine so terminal traffic, state
	// broadcasts, and other requests keep flowing; in-flight requests
	// overlap and handlers tolerate interleaving.
	go func() {
		ack(s.rpc.HandleRequest(context.Background(), req))
	}()
}

// terminalEnvelope is the inbound payload of terminal:* events.
type terminalEnvelope struct {
	SessionID  string `json:"sid"`
	TerminalID string `json:"terminalId"`
	Cols       int    `json:"cols,omitempty"`
	Rows       int    `json:"rows,omitempty"`
	Data       string `json:"data,omitempty"` // base64
}

func (s *Session) decodeTerminalEvent(data json.RawMessage) (*terminalEnvelope, bool) {
	var env terminalEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.TerminalID == "" {
		s.logger.Warn("malformed terminal event")
		return nil, false
	}
	if env.SessionID != s.sessionID {
		s.logger.Warn("terminal event for wrong session", "sid", env.SessionID)
		return nil, false
	}
	return &env, true
}

func (s *Session) handleTerminalOpen(data json.RawMessage, _ wire.AckFunc) {
	env, ok := s.decodeTerminalEvent(data)
	if !ok {
		return
	}
	if err := s.terminals.Open(env.TerminalID, env.Cols, env.Rows); err != nil {
		s.emitTerminal("terminal:error", env.TerminalID, map[string]string{"message": err.Error()})
	}
}

func (s *Session) handleTerminalWrite(data json.RawMessage, _ wire.AckFunc) {
	env, ok := s.decodeTerminalEvent(data)
	if !ok {
		return
	}
	raw, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		s.emitTerminal("terminal:error", env.TerminalID, map[string]string{"message": "invalid terminal data"})
		return
	}
	if err := s.terminals.Write(env.TerminalID, raw); err != nil {
		s.emitTerminal("terminal:error", env.TerminalID, map[string]string{"message": err.Error()})
	}
}

func (s *Session) handleTerminalResize(data json.RawMessage, _ wire.AckFunc) {
	env, ok := s.decodeTerminalEvent(data)
	if !ok {
		return
	}
	if err := s.terminals.Resize(env.TerminalID, env.Cols, env.Rows); err != nil {
		s.emitTerminal("terminal:error", env.TerminalID, map[string]string{"message": err.Error()})
	}
}

func (s *Session) handleTerminalClose(data json.RawMessage, _ wire.AckFunc) {
	env, ok := s.decodeTerminalEvent(data)
	if !ok {
		return
	}
	if err := s.terminals.Close(env.TerminalID); err != nil {
		s.logger.Debug("close terminal", "terminalId", env.TerminalID, "error", err)
	}
}

// emitTerminal sends one terminal lifecycle event back to the peer.
func (s *Session) emitTerminal(event, terminalID string, extra any) {
	payload := map[string]any{
		"sid":        s.sessionID,
		"terminalId": terminalID,
	}
	if extra != nil {
		raw, err := json.Marshal(extra)
		if err == nil {
			var fields map[string]any
			if json.Unmarshal(raw, &fields) == nil {
				for k, v := range fields {
					payload[k] = v
				}
			}
		}
	}
	if err := s.client.Emit(event, payload); err != nil {
		s.logger.Debug("terminal event not delivered", "event", event, "error", err)
	}
}
