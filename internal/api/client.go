// Package api implements the HTTP bootstrap calls against the coordination
// service: get-or-create for sessions and machines.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/happyhq/happy-daemon/internal/types"
)

// ErrInvalidResponse marks a bootstrap response whose envelope fails schema
// validation. Callers treat this as fatal and abort startup.
var ErrInvalidResponse = errors.New("invalid bootstrap response")

const requestTimeout = 60 * time.Second

// Client talks to the coordination service's HTTP surface.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// New creates a Client for the given server URL and bearer token.
func New(baseURL, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: requestTimeout},
		logger:  logger,
	}
}

// GetOrCreateSessionRequest is the POST /cli/sessions body.
type GetOrCreateSessionRequest struct {
	Tag        string          `json:"tag"`
	Metadata   json.RawMessage `json:"metadata"`
	AgentState json.RawMessage `json:"agentState"`
}

// GetOrCreateMachineRequest is the POST /cli/machines body.
type GetOrCreateMachineRequest struct {
	ID          string          `json:"id"`
	Metadata    json.RawMessage `json:"metadata"`
	DaemonState json.RawMessage `json:"daemonState"`
}

// GetOrCreateSession registers (or fetches) a session by tag. The call is
// idempotent on the server: an existing tag returns the existing session.
func (c *Client) GetOrCreateSession(ctx context.Context, req GetOrCreateSessionRequest) (*types.Session, error) {
	var envelope struct {
		Session *types.Session `json:"session"`
	}
	if err := c.post(ctx, "/cli/sessions", req, &envelope); err != nil {
		return nil, err
	}
	sess := envelope.Session
	if sess == nil || sess.ID == "" {
		return nil, fmt.Errorf("%w: missing session", ErrInvalidResponse)
	}
	if sess.MetadataVersion < 0 || sess.AgentStateVersion < 0 {
		return nil, fmt.Errorf("%w: negative version", ErrInvalidResponse)
	}

	// Invalid metadata/state inside an otherwise valid envelope is
	// tolerated: surface the field as null rather than failing bootstrap.
	if _, err := types.ParseSessionMetadata(sess.Metadata); err != nil {
		c.logger.Warn("session metadata failed validation, dropping", "sessionId", sess.ID, "error", err)
		sess.Metadata = nil
	}
	if _, err := types.ParseAgentState(sess.AgentState); err != nil {
		c.logger.Warn("session agent state failed validation, dropping", "sessionId", sess.ID, "error", err)
		sess.AgentState = nil
	}
	return sess, nil
}

// GetOrCreateMachine registers (or fetches) this machine by id.
func (c *Client) GetOrCreateMachine(ctx context.Context, req GetOrCreateMachineRequest) (*types.Machine, error) {
	var envelope struct {
		Machine *types.Machine `json:"machine"`
	}
	if err := c.post(ctx, "/cli/machines", req, &envelope); err != nil {
		return nil, err
	}
	machine := envelope.Machine
	if machine == nil || machine.ID == "" {
		return nil, fmt.Errorf("%w: missing machine", ErrInvalidResponse)
	}
	if machine.MetadataVersion < 0 || machine.DaemonStateVersion < 0 {
		return nil, fmt.Errorf("%w: negative version", ErrInvalidResponse)
	}

	if _, err := types.ParseMachineMetadata(machine.Metadata); err != nil {
		c.logger.Warn("machine metadata failed validation, dropping", "machineId", machine.ID, "error", err)
		machine.Metadata = nil
	}
	if len(machine.DaemonState) > 0 && string(machine.DaemonState) != "null" {
		if _, err := types.ParseDaemonState(machine.DaemonState); err != nil {
			c.logger.Warn("daemon state failed validation, dropping", "machineId", machine.ID, "error", err)
			machine.DaemonState = nil
		}
	}
	return machine, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("POST %s: status %d, body: %s", path, resp.StatusCode, truncate(data, 512))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
