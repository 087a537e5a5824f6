// Package permissions tracks pending permission prompts for one agent
// session and mirrors them into the session's versioned agent state.
//
// The in-memory pending map is always a subset of agentState.requests; a
// request moves to agentState.completedRequests exactly once, on finalize.
package permissions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/happyhq/happy-daemon/internal/types"
)

// StateUpdater mutates the session's agent state through the versioned
// update protocol. The session connector provides it.
type StateUpdater func(ctx context.Context, mutate func(*types.AgentState)) error

// Response is the peer's answer to a pending request (the `permission` RPC
// payload).
type Response struct {
	ID         string            `json:"id"`
	Approved   bool              `json:"approved"`
	Reason     string            `json:"reason,omitempty"`
	Mode       string            `json:"mode,omitempty"`
	Decision   string            `json:"decision,omitempty"`
	AllowTools []string          `json:"allowTools,omitempty"`
	Answers    map[string]string `json:"answers,omitempty"`
}

// Completion describes how a request terminated.
type Completion struct {
	Status     string // approved, denied, canceled
	Reason     string
	Mode       string
	Decision   string
	AllowTools []string
	Answers    map[string]string
}

// CancelOptions configures a bulk cancellation of every pending request.
type CancelOptions struct {
	CompletedReason string
	RejectMessage   string
	Decision        string
}

type pendingRequest struct {
	toolName  string
	input     json.RawMessage
	createdAt int64
	resolve   func(Response)
	reject    func(error)
}

// Coordinator owns the pending permission requests of one session.
type Coordinator struct {
	update  StateUpdater
	logger  *slog.Logger
	missing func(id string)

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMissingResponseHook installs a diagnostics hook invoked when the peer
// answers a request id that is no longer pending.
func WithMissingResponseHook(fn func(id string)) Option {
	return func(c *Coordinator) { c.missing = fn }
}

// New creates a Coordinator that mirrors state through update.
func New(update StateUpdater, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		update:  update,
		logger:  logger,
		pending: make(map[string]*pendingRequest),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Add registers a pending request and mirrors it into agentState.requests.
func (c *Coordinator) Add(ctx context.Context, id, toolName string, input json.RawMessage, resolve func(Response), reject func(error)) error {
	createdAt := types.NowMillis()

	c.mu.Lock()
	if _, exists := c.pending[id]; exists {
		c.mu.Unlock()
		return fmt.Errorf("permission request %s already pending", id)
	}
	c.pending[id] = &pendingRequest{
		toolName:  toolName,
		input:     input,
		createdAt: createdAt,
		resolve:   resolve,
		reject:    reject,
	}
	c.mu.Unlock()

	return c.update(ctx, func(state *types.AgentState) {
		if state.Requests == nil {
			state.Requests = make(map[string]types.PermissionRequest)
		}
		state.Requests[id] = types.PermissionRequest{
			Tool:      toolName,
			Arguments: input,
			CreatedAt: createdAt,
		}
	})
}

// Finalize removes the request from memory and from agentState.requests and
// appends its terminal record to agentState.completedRequests.
func (c *Coordinator) Finalize(ctx context.Context, id string, comp Completion) error {
	c.mu.Lock()
	req, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	var tool string
	var input json.RawMessage
	var createdAt int64
	if ok {
		tool = req.toolName
		input = req.input
		createdAt = req.createdAt
	}

	return c.update(ctx, func(state *types.AgentState) {
		record := types.CompletedRequest{
			Tool:        tool,
			Arguments:   input,
			CreatedAt:   createdAt,
			CompletedAt: types.NowMillis(),
			Status:      comp.Status,
			Reason:      comp.Reason,
			Mode:        comp.Mode,
			Decision:    comp.Decision,
			AllowTools:  comp.AllowTools,
			Answers:     comp.Answers,
		}
		if !ok {
			// Keep whatever the state mirror knows about the request.
			if prior, mirrored := state.Requests[id]; mirrored {
				record.Tool = prior.Tool
				record.Arguments = prior.Arguments
				record.CreatedAt = prior.CreatedAt
			}
		}
		delete(state.Requests, id)
		if state.CompletedRequests == nil {
			state.CompletedRequests = make(map[string]types.CompletedRequest)
		}
		state.CompletedRequests[id] = record
	})
}

// Cancel bulk-finalizes every pending request: the awaited callbacks reject
// with RejectMessage and every completed record carries status "canceled"
// with the given reason and decision.
func (c *Coordinator) Cancel(ctx context.Context, opts CancelOptions) error {
	c.mu.Lock()
	canceled := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	if len(canceled) == 0 {
		return nil
	}

	rejectErr := errors.New(opts.RejectMessage)
	for _, req := range canceled {
		if req.reject != nil {
			req.reject(rejectErr)
		}
	}

	completedAt := types.NowMillis()
	return c.update(ctx, func(state *types.AgentState) {
		for id, req := range canceled {
			delete(state.Requests, id)
			if state.CompletedRequests == nil {
				state.CompletedRequests = make(map[string]types.CompletedRequest)
			}
			state.CompletedRequests[id] = types.CompletedRequest{
				Tool:        req.toolName,
				Arguments:   req.input,
				CreatedAt:   req.createdAt,
				CompletedAt: completedAt,
				Status:      "canceled",
				Reason:      opts.CompletedReason,
				Decision:    opts.Decision,
			}
		}
	})
}

// HandleResponse serves the `permission` RPC. Unknown ids are reported to
// the missing-response hook and otherwise ignored; no pending request
// changes state for them.
func (c *Coordinator) HandleResponse(ctx context.Context, resp Response) error {
	c.mu.Lock()
	req, ok := c.pending[resp.ID]
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("permission response for unknown request", "id", resp.ID)
		if c.missing != nil {
			c.missing(resp.ID)
		}
		return nil
	}

	if req.resolve != nil {
		req.resolve(resp)
	}

	status := "denied"
	if resp.Approved {
		status = "approved"
	}
	return c.Finalize(ctx, resp.ID, Completion{
		Status:     status,
		Reason:     resp.Reason,
		Mode:       resp.Mode,
		Decision:   resp.Decision,
		AllowTools: resp.AllowTools,
		Answers:    resp.Answers,
	})
}

// PendingCount returns the number of requests awaiting a response.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// PendingIDs returns the ids of all pending requests.
func (c *Coordinator) PendingIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	return ids
}
