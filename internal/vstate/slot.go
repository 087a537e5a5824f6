// Package vstate implements the optimistic-concurrency update protocol for
// the versioned state slots (session metadata, session agent-state, machine
// metadata, machine daemon-state).
//
// Each slot mirrors a server-owned (value, version) pair. Outbound mutations
// are compare-and-swap against the server version inside an exponential
// backoff loop; concurrent mutations of one slot serialize FIFO while
// different slots proceed independently. Inbound broadcasts adopt the server
// version unconditionally once it is newer, and the value only when it passes
// the slot's schema check, so a corrupt broadcast can never wedge the next
// outbound mutation into a guaranteed version mismatch.
package vstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Ack result discriminators from the server.
const (
	ackSuccess         = "success"
	ackVersionMismatch = "version-mismatch"
	ackError           = "error"
)

// ErrRejected is returned when the server answers an update with a terminal
// error (or an ack that matches no known shape).
var ErrRejected = errors.New("update rejected by server")

// errVersionMismatch is retriable: the slot has already adopted the server's
// authoritative state, so the next attempt mutates fresh data.
var errVersionMismatch = errors.New("version mismatch")

// Validator checks a value payload against the slot's schema.
type Validator func(raw json.RawMessage) error

// Emitter is the transport half a slot needs.
type Emitter interface {
	EmitWithAck(ctx context.Context, event string, v any) (json.RawMessage, error)
}

// SlotConfig configures one versioned slot.
type SlotConfig struct {
	// Name is the slot's value key in server payloads, e.g. "metadata",
	// "agentState", "daemonState".
	Name string
	// Event is the outbound update channel, e.g. "update-state".
	Event string
	// MachineID / SessionID scope the outbound payload; exactly one is set.
	MachineID string
	SessionID string

	Validate Validator
	Emitter  Emitter

	// AckTimeout bounds each individual update attempt (default 15s).
	AckTimeout time.Duration
	// MaxElapsed bounds the whole backoff loop (default 1 minute).
	MaxElapsed time.Duration

	Logger *slog.Logger
}

// Slot is the in-memory mirror of one versioned state object.
type Slot struct {
	cfg    SlotConfig
	logger *slog.Logger

	update fifoMutex // serializes outbound mutations FIFO

	stateMu sync.Mutex
	value   json.RawMessage
	version int64
}

// NewSlot creates a slot seeded with the given server state.
func NewSlot(cfg SlotConfig, value json.RawMessage, version int64) *Slot {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 15 * time.Second
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Slot{
		cfg:     cfg,
		logger:  logger.With("slot", cfg.Name),
		value:   value,
		version: version,
	}
}

// Value returns the current local value payload.
func (s *Slot) Value() json.RawMessage {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.value
}

// Version returns the current local version.
func (s *Slot) Version() int64 {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.version
}

type updatePayload struct {
	MachineID       string          `json:"machineId,omitempty"`
	SessionID       string          `json:"sid,omitempty"`
	ExpectedVersion int64           `json:"expectedVersion"`
	Value           json.RawMessage `json:"value"`
}

// Update applies mutate to the current value and pushes the result with
// compare-and-swap semantics. Transport failures and version mismatches are
// retried with exponential backoff (a mismatch first adopts the server's
// authoritative state, so the retry mutates fresh data); terminal server
// errors and mutate failures stop immediately.
//
// Concurrent Update calls on the same slot execute in strict FIFO order.
func (s *Slot) Update(ctx context.Context, mutate func(current json.RawMessage) (json.RawMessage, error)) error {
	if err := s.update.Lock(ctx); err != nil {
		return err
	}
	defer s.update.Unlock()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = s.cfg.MaxElapsed

	return backoff.Retry(func() error {
		return s.attempt(ctx, mutate)
	}, backoff.WithContext(bo, ctx))
}

func (s *Slot) attempt(ctx context.Context, mutate func(current json.RawMessage) (json.RawMessage, error)) error {
	s.stateMu.Lock()
	current := s.value
	expected := s.version
	s.stateMu.Unlock()

	newValue, err := mutate(current)
	if err != nil {
		return backoff.Permanent(err)
	}

	ackCtx, cancel := context.WithTimeout(ctx, s.cfg.AckTimeout)
	defer cancel()

	raw, err := s.cfg.Emitter.EmitWithAck(ackCtx, s.cfg.Event, updatePayload{
		MachineID:       s.cfg.MachineID,
		SessionID:       s.cfg.SessionID,
		ExpectedVersion: expected,
		Value:           newValue,
	})
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return fmt.Errorf("send update: %w", err)
	}

	result, version, value, err := s.parseAck(raw)
	if err != nil {
		return backoff.Permanent(err)
	}

	switch result {
	case ackSuccess:
		s.adopt(version, value)
		return nil
	case ackVersionMismatch:
		// The mismatch ack is authoritative regardless of ordering; adopt
		// its (value, version) even when the version equals ours.
		s.adopt(version, value)
		return errVersionMismatch
	default:
		return backoff.Permanent(ErrRejected)
	}
}

// parseAck matches the ack shape {result, version?, <slotName>?}.
func (s *Slot) parseAck(raw json.RawMessage) (result string, version int64, value json.RawMessage, err error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", 0, nil, fmt.Errorf("%w: malformed ack", ErrRejected)
	}
	if err := json.Unmarshal(fields["result"], &result); err != nil {
		return "", 0, nil, fmt.Errorf("%w: ack missing result", ErrRejected)
	}
	switch result {
	case ackSuccess, ackVersionMismatch:
		if rawVersion, ok := fields["version"]; !ok || json.Unmarshal(rawVersion, &version) != nil {
			return "", 0, nil, fmt.Errorf("%w: %s ack missing version", ErrRejected, result)
		}
		return result, version, fields[s.cfg.Name], nil
	case ackError:
		return result, 0, nil, nil
	default:
		return "", 0, nil, fmt.Errorf("%w: unknown ack result %q", ErrRejected, result)
	}
}

// adopt installs the server's version, and its value when schema-valid.
func (s *Slot) adopt(version int64, value json.RawMessage) {
	valid := len(value) > 0
	if valid && s.cfg.Validate != nil {
		if err := s.cfg.Validate(value); err != nil {
			s.logger.Warn("server value failed validation, adopting version only", "version", version, "error", err)
			valid = false
		}
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.version = version
	if valid {
		s.value = value
	}
}

// ApplyRemote feeds an inbound broadcast for this slot. Only versions newer
// than the local one are applied: the version is adopted unconditionally, the
// value only when it passes validation. Reports whether anything was adopted.
func (s *Slot) ApplyRemote(version int64, value json.RawMessage) bool {
	valid := len(value) > 0
	if valid && s.cfg.Validate != nil {
		if err := s.cfg.Validate(value); err != nil {
			s.logger.Warn("broadcast value failed validation, adopting version only", "version", version, "error", err)
			valid = false
		}
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if version <= s.version {
		return false
	}
	s.version = version
	if valid {
		s.value = value
	}
	return true
}

// Drain waits until every in-flight Update for this slot has completed.
func (s *Slot) Drain(ctx context.Context) error {
	if err := s.update.Lock(ctx); err != nil {
		return err
	}
	s.update.Unlock()
	return nil
}
