// Package rpc implements the scoped RPC registration and dispatch fabric
// shared by the machine and session connectors.
//
// Method names are namespaced by the owning entity id ("<scope>:<name>").
// Registrations are announced to the peer with rpc-register events, and
// reasserted in bulk after every reconnect; the peer maintains the
// method-to-transport routing table and sends rpc-request events back.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Transport is the outbound half a Registry needs: the connector's wire
// client while connected, nil otherwise.
type Transport interface {
	Emit(event string, v any) error
}

// HandlerFunc serves one RPC. The params payload has already been checked
// for JSON validity (malformed input arrives as nil). The returned value is
// serialized as the result; a returned error is serialized as {error}.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Request is the inbound rpc-request payload.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Response is the ack payload for an rpc-request.
type Response struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type registration struct {
	Method string `json:"method"`
}

// Registry holds the scoped handler table for one connector.
type Registry struct {
	scope  string
	logger *slog.Logger

	mu        sync.Mutex
	handlers  map[string]HandlerFunc
	transport Transport
}

// NewRegistry creates a Registry whose methods are prefixed with scope.
func NewRegistry(scope string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		scope:    scope,
		logger:   logger,
		handlers: make(map[string]HandlerFunc),
	}
}

// Scope returns the scope prefix (machine id or session id).
func (r *Registry) Scope() string {
	return r.scope
}

// ScopedMethod returns the fully qualified method name for a local name.
func (r *Registry) ScopedMethod(name string) string {
	return r.scope + ":" + name
}

// Register stores handler under the scoped method name, announcing it to the
// peer if currently connected. Re-registration overwrites.
func (r *Registry) Register(name string, handler HandlerFunc) {
	method := r.ScopedMethod(name)

	r.mu.Lock()
	r.handlers[method] = handler
	t := r.transport
	r.mu.Unlock()

	if t != nil {
		if err := t.Emit("rpc-register", registration{Method: method}); err != nil {
			r.logger.Warn("announce rpc method", "method", method, "error", err)
		}
	}
}

// Unregister removes a handler, announcing the removal to the peer if
// currently connected. Unknown names are a no-op.
func (r *Registry) Unregister(name string) {
	method := r.ScopedMethod(name)

	r.mu.Lock()
	_, existed := r.handlers[method]
	delete(r.handlers, method)
	t := r.transport
	r.mu.Unlock()

	if existed && t != nil {
		if err := t.Emit("rpc-unregister", registration{Method: method}); err != nil {
			r.logger.Warn("announce rpc method removal", "method", method, "error", err)
		}
	}
}

// HandleRequest routes one inbound rpc-request and returns the ack payload.
// Unknown methods and handler failures are reported in-band; this never
// panics the connector.
func (r *Registry) HandleRequest(ctx context.Context, req Request) Response {
	r.mu.Lock()
	handler := r.handlers[req.Method]
	r.mu.Unlock()

	if handler == nil {
		return Response{Error: "Method not found"}
	}

	params := req.Params
	if len(params) > 0 && !json.Valid(params) {
		// Tolerate malformed params by treating them as null.
		params = nil
	}

	result, err := r.invoke(ctx, req.Method, handler, params)
	if err != nil {
		return Response{Error: err.Error()}
	}

	raw, err := json.Marshal(result)
	if err != nil {
		r.logger.Error("marshal rpc result", "method", req.Method, "error", err)
		return Response{Error: fmt.Sprintf("marshal result: %v", err)}
	}
	return Response{Result: raw}
}

// invoke runs the handler, converting panics into serialized errors.
func (r *Registry) invoke(ctx context.Context, method string, handler HandlerFunc, params json.RawMessage) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("rpc handler panic", "method", method, "panic", rec)
			err = fmt.Errorf("internal error: %v", rec)
		}
	}()
	return handler(ctx, params)
}

// OnConnect remembers the transport and reasserts every stored registration.
func (r *Registry) OnConnect(t Transport) {
	r.mu.Lock()
	r.transport = t
	methods := make([]string, 0, len(r.handlers))
	for method := range r.handlers {
		methods = append(methods, method)
	}
	r.mu.Unlock()

	sort.Strings(methods)
	for _, method := range methods {
		if err := t.Emit("rpc-register", registration{Method: method}); err != nil {
			r.logger.Warn("reassert rpc method", "method", method, "error", err)
		}
	}
}

// OnDisconnect forgets the transport. The handler table stays intact for the
// next reconnect.
func (r *Registry) OnDisconnect() {
	r.mu.Lock()
	r.transport = nil
	r.mu.Unlock()
}
