// Package terminal multiplexes pseudo-terminal sessions for one agent
// session: inbound terminal:* events fan out to per-terminal PTYs and their
// output fans back through lifecycle callbacks.
package terminal

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

// Events carries the lifecycle callbacks back to the connector. Callbacks
// may be invoked from the terminal's reader goroutine.
type Events struct {
	Ready  func(terminalID string)
	Output func(terminalID string, data []byte)
	Exit   func(terminalID string, exitCode int)
	Error  func(terminalID string, message string)
}

// Config configures a Multiplexer.
type Config struct {
	// WorkDir roots every spawned shell, when known.
	WorkDir string
	Shell   string
	Rows    int
	Cols    int
	Events  Events
	Logger  *slog.Logger
}

// Multiplexer owns the terminals of one session, keyed by terminal id.
type Multiplexer struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	terminals map[string]*terminal
}

type terminal struct {
	id   string
	cmd  *exec.Cmd
	ptmx *os.File

	closeOnce sync.Once
	waitOnce  sync.Once
	exitCode  int
}

// NewMultiplexer creates an empty Multiplexer.
func NewMultiplexer(cfg Config) *Multiplexer {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/bash"
	}
	if cfg.Rows <= 0 {
		cfg.Rows = 24
	}
	if cfg.Cols <= 0 {
		cfg.Cols = 80
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Multiplexer{
		cfg:       cfg,
		logger:    logger,
		terminals: make(map[string]*terminal),
	}
}

// Open allocates a pseudo-terminal running the configured shell.
func (m *Multiplexer) Open(terminalID string, cols, rows int) error {
	if terminalID == "" {
		return fmt.Errorf("terminal id is required")
	}
	if rows <= 0 {
		rows = m.cfg.Rows
	}
	if cols <= 0 {
		cols = m.cfg.Cols
	}

	m.mu.Lock()
	if _, exists := m.terminals[terminalID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("terminal already open: %s", terminalID)
	}
	m.mu.Unlock()

	cmd := exec.Command(m.cfg.Shell)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	if m.cfg.WorkDir != "" {
		cmd.Dir = m.cfg.WorkDir
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
	if err != nil {
		return fmt.Errorf("start terminal: %w", err)
	}

	t := &terminal{id: terminalID, cmd: cmd, ptmx: ptmx}

	m.mu.Lock()
	m.terminals[terminalID] = t
	m.mu.Unlock()

	go m.readLoop(t)

	if m.cfg.Events.Ready != nil {
		m.cfg.Events.Ready(terminalID)
	}
	return nil
}

// Write forwards bytes to the terminal's input.
func (m *Multiplexer) Write(terminalID string, data []byte) error {
	t := m.get(terminalID)
	if t == nil {
		return fmt.Errorf("terminal not found: %s", terminalID)
	}
	if _, err := t.ptmx.Write(data); err != nil {
		return fmt.Errorf("write terminal %s: %w", terminalID, err)
	}
	return nil
}

// Resize forwards a new window size to the terminal.
func (m *Multiplexer) Resize(terminalID string, cols, rows int) error {
	t := m.get(terminalID)
	if t == nil {
		return fmt.Errorf("terminal not found: %s", terminalID)
	}
	return pty.Setsize(t.ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

// Close tears one terminal down.
func (m *Multiplexer) Close(terminalID string) error {
	m.mu.Lock()
	t, ok := m.terminals[terminalID]
	delete(m.terminals, terminalID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("terminal not found: %s", terminalID)
	}
	t.close()
	return nil
}

// CloseAll tears every terminal down. Called on connector disconnect.
func (m *Multiplexer) CloseAll() {
	m.mu.Lock()
	terminals := make([]*terminal, 0, len(m.terminals))
	for _, t := range m.terminals {
		terminals = append(terminals, t)
	}
	m.terminals = make(map[string]*terminal)
	m.mu.Unlock()

	for _, t := range terminals {
		t.close()
	}
}

// Count returns the number of open terminals.
func (m *Multiplexer) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.terminals)
}

func (m *Multiplexer) get(terminalID string) *terminal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminals[terminalID]
}

// readLoop pumps PTY output into the Output callback until the process
// exits or the terminal is closed.
func (m *Multiplexer) readLoop(t *terminal) {
	buf := make([]byte, 4096)
	for {
		n, err := t.ptmx.Read(buf)
		if n > 0 && m.cfg.Events.Output != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			m.cfg.Events.Output(t.id, chunk)
		}
		if err != nil {
			m.mu.Lock()
			_, stillOpen := m.terminals[t.id]
			delete(m.terminals, t.id)
			m.mu.Unlock()

			// A read error on the ptmx normally just means the child
			// exited; only surface it when no exit code could be reaped.
			exitCode := t.wait()
			if stillOpen {
				if exitCode < 0 && err != io.EOF && m.cfg.Events.Error != nil {
					m.cfg.Events.Error(t.id, err.Error())
				}
				if m.cfg.Events.Exit != nil {
					m.cfg.Events.Exit(t.id, exitCode)
				}
			}
			t.close()
			return
		}
	}
}

func (t *terminal) close() {
	t.closeOnce.Do(func() {
		_ = t.ptmx.Close()
		if t.cmd.Process != nil {
			_ = t.cmd.Process.Kill()
		}
	})
	_ = t.wait()
}

// wait reaps the child exactly once and caches its exit code; -1 means the
// process never started or could not be reaped.
func (t *terminal) wait() int {
	t.waitOnce.Do(func() {
		t.exitCode = -1
		if t.cmd.Process == nil {
			return
		}
		state, err := t.cmd.Process.Wait()
		switch {
		case err == nil:
			t.exitCode = state.ExitCode()
		case t.cmd.ProcessState != nil:
			t.exitCode = t.cmd.ProcessState.ExitCode()
		}
	})
	return t.exitCode
}
