// Package daemon orchestrates the daemon process: machine bootstrap, the
// machine connector, hosted session connectors, and the shared upload
// staging area.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/happyhq/happy-daemon/internal/api"
	"github.com/happyhq/happy-daemon/internal/config"
	"github.com/happyhq/happy-daemon/internal/connector"
	"github.com/happyhq/happy-daemon/internal/handlers"
	"github.com/happyhq/happy-daemon/internal/permissions"
	"github.com/happyhq/happy-daemon/internal/persistence"
	"github.com/happyhq/happy-daemon/internal/sysinfo"
	"github.com/happyhq/happy-daemon/internal/types"
	"github.com/happyhq/happy-daemon/internal/uploads"
)

// Version is stamped at build time.
var Version = "dev"

// permissionsCancelOnStop is the terminal outcome written to every pending
// permission request when its session stops.
var permissionsCancelOnStop = permissions.CancelOptions{
	CompletedReason: "session ended",
	RejectMessage:   "canceled",
	Decision:        types.DecisionAbort,
}

// Launcher starts the agent process for a hosted session. Agent-specific
// launchers live outside the daemon core; a nil Launcher hosts the session
// without a local agent process.
type Launcher interface {
	Launch(ctx context.Context, session *connector.Session, flavor, directory string) error
}

// Daemon is the process orchestrator.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	api      *api.Client
	launcher Launcher

	ledger  *persistence.Ledger
	uploads *uploads.Manager

	machine *connector.Machine

	mu       sync.Mutex
	sessions map[string]*hostedSession

	shutdownOnce sync.Once
	shutdownCh   chan string
}

type hostedSession struct {
	conn   *connector.Session
	cancel context.CancelFunc
	dir    string
}

// New builds a Daemon. Bootstrap happens in Run.
func New(cfg *config.Config, launcher Launcher, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.HappyHomeDir, 0o700); err != nil {
		return nil, fmt.Errorf("create happy home dir: %w", err)
	}

	ledger, err := persistence.Open(cfg.LedgerPath)
	if err != nil {
		// The ledger only powers crash cleanup; run without it.
		logger.Warn("open upload ledger", "error", err)
		ledger = nil
	}

	d := &Daemon{
		cfg:        cfg,
		logger:     logger,
		api:        api.New(cfg.ServerURL, cfg.Token, logger),
		launcher:   launcher,
		ledger:     ledger,
		uploads:    uploads.NewManager(cfg.BlobsDir, ledger, logger),
		sessions:   make(map[string]*hostedSession),
		shutdownCh: make(chan string, 1),
	}
	return d, nil
}

// ShutdownRequested delivers the source of a remote or local stop request.
func (d *Daemon) ShutdownRequested() <-chan string {
	return d.shutdownCh
}

// RequestShutdown asks the daemon to stop. Safe to call more than once.
func (d *Daemon) RequestShutdown(source string) {
	d.shutdownOnce.Do(func() {
		d.shutdownCh <- source
	})
}

// Run bootstraps the machine and serves the machine connector until ctx is
// cancelled, then tears down sessions and the staging area.
func (d *Daemon) Run(ctx context.Context) error {
	d.uploads.SweepOrphans()

	machine, err := d.bootstrapMachine(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap machine: %w", err)
	}
	d.logger.Info("machine registered", "machineId", machine.ID, "seq", machine.Seq)

	d.machine = connector.NewMachine(connector.MachineConfig{
		WebSocketURL:      d.cfg.WebSocketURL(),
		Token:             d.cfg.Token,
		Machine:           machine,
		Spawner:           d,
		RequestShutdown:   d.RequestShutdown,
		HeartbeatInterval: d.cfg.MachineHeartbeatInterval,
		AckTimeout:        d.cfg.AckTimeout,
		ReconnectMinDelay: d.cfg.ReconnectMinDelay,
		ReconnectMaxDelay: d.cfg.ReconnectMaxDelay,
		Logger:            d.logger,
	})

	// Machine-level handlers are sandboxed to the user's home directory.
	handlers.New(handlers.Config{
		WorkingDir:  d.cfg.HomeDir,
		HomeDir:     d.cfg.HomeDir,
		Uploads:     d.uploads,
		BashTimeout: d.cfg.BashTimeout,
		GitTimeout:  d.cfg.GitTimeout,
		ToolTimeout: d.cfg.ToolTimeout,
		Logger:      d.logger,
	}).RegisterAll(d.machine.RPC())

	err = d.machine.Run(ctx)

	d.stopAllSessions()
	d.uploads.CleanupAll()
	if d.ledger != nil {
		_ = d.ledger.Close()
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// bootstrapMachine registers this machine with the coordination service,
// retrying transient failures. Schema-invalid responses abort startup.
func (d *Daemon) bootstrapMachine(ctx context.Context) (*types.Machine, error) {
	machineID := d.cfg.MachineID
	if machineID == "" {
		machineID = uuid.NewString()
	}

	host := sysinfo.Collect()
	metadata := types.MachineMetadata{
		Host:          host.Hostname,
		Platform:      host.Platform,
		Arch:          host.Arch,
		Username:      host.Username,
		DaemonVersion: Version,
		HomeDir:       d.cfg.HomeDir,
		HappyHomeDir:  d.cfg.HappyHomeDir,
		DefaultShell:  host.Shell,
	}
	daemonState := types.DaemonState{
		Status:    types.DaemonStatusRunning,
		PID:       os.Getpid(),
		StartedAt: types.NowMillis(),
	}

	req := api.GetOrCreateMachineRequest{
		ID:          machineID,
		Metadata:    types.MarshalOrNull(metadata),
		DaemonState: types.MarshalOrNull(daemonState),
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = d.cfg.BootstrapTimeout

	var machine *types.Machine
	err := backoff.Retry(func() error {
		var err error
		machine, err = d.api.GetOrCreateMachine(ctx, req)
		if errors.Is(err, api.ErrInvalidResponse) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return nil, err
	}
	return machine, nil
}

// SpawnSession implements connector.SessionSpawner: it bootstraps a session
// record, opens a session connector with the sandboxed handler set, and
// hands the session to the agent launcher.
func (d *Daemon) SpawnSession(ctx context.Context, req connector.SpawnRequest) (connector.SpawnResult, error) {
	directory, pending, err := d.resolveSpawnDirectory(req)
	if err != nil {
		return connector.SpawnResult{}, err
	}
	if pending != nil {
		return *pending, nil
	}

	flavor := req.Agent
	if flavor == "" {
		flavor = "claude"
	}

	host := sysinfo.Collect()
	metadata := types.SessionMetadata{
		Path:              directory,
		Host:              host.Hostname,
		MachineID:         d.machine.MachineID(),
		Flavor:            flavor,
		StartedFromDaemon: true,
		HostPID:           os.Getpid(),
		StartedAt:         types.NowMillis(),
	}

	record, err := d.api.GetOrCreateSession(ctx, api.GetOrCreateSessionRequest{
		Tag:        uuid.NewString(),
		Metadata:   types.MarshalOrNull(metadata),
		AgentState: types.MarshalOrNull(types.AgentState{}),
	})
	if err != nil {
		return connector.SpawnResult{}, fmt.Errorf("bootstrap session: %w", err)
	}

	sess := connector.NewSession(connector.SessionConfig{
		WebSocketURL:      d.cfg.WebSocketURL(),
		Token:             d.cfg.Token,
		Session:           record,
		WorkDir:           directory,
		Shell:             d.cfg.DefaultShell,
		KeepAliveInterval: d.cfg.SessionKeepAliveInterval,
		AckTimeout:        d.cfg.AckTimeout,
		FlushTimeout:      d.cfg.FlushTimeout,
		ReconnectMinDelay: d.cfg.ReconnectMinDelay,
		ReconnectMaxDelay: d.cfg.ReconnectMaxDelay,
		Logger:            d.logger,
	})

	// Session-level handlers are sandboxed to the session's working path.
	handlers.New(handlers.Config{
		WorkingDir:  directory,
		HomeDir:     d.cfg.HomeDir,
		Uploads:     d.uploads,
		BashTimeout: d.cfg.BashTimeout,
		GitTimeout:  d.cfg.GitTimeout,
		ToolTimeout: d.cfg.ToolTimeout,
		Logger:      d.logger,
	}).RegisterAll(sess.RPC())

	runCtx, cancel := context.WithCancel(context.Background())

	d.mu.Lock()
	d.sessions[record.ID] = &hostedSession{conn: sess, cancel: cancel, dir: directory}
	d.mu.Unlock()

	go func() {
		if err := sess.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Warn("session connector stopped", "sessionId", record.ID, "error", err)
		}
	}()

	if d.launcher != nil {
		if err := d.launcher.Launch(runCtx, sess, flavor, directory); err != nil {
			d.logger.Error("launch agent", "sessionId", record.ID, "flavor", flavor, "error", err)
			_ = d.StopSession(record.ID)
			return connector.SpawnResult{}, fmt.Errorf("launch agent: %w", err)
		}
	} else {
		d.logger.Warn("no agent launcher configured, hosting session without agent", "sessionId", record.ID)
	}

	_ = sess.SendSessionEvent(connector.SessionEvent{Type: "ready"})

	return connector.SpawnResult{
		Type:      connector.SpawnResultSuccess,
		SessionID: record.ID,
		Directory: directory,
	}, nil
}

// resolveSpawnDirectory normalizes the requested working directory. A
// missing directory without prior approval yields a
// requestToApproveDirectoryCreation result; the peer retries with
// approvedNewDirectoryCreation set once the user confirms.
func (d *Daemon) resolveSpawnDirectory(req connector.SpawnRequest) (string, *connector.SpawnResult, error) {
	directory := req.Directory
	if !filepath.IsAbs(directory) {
		directory = filepath.Join(d.cfg.HomeDir, directory)
	}
	directory = filepath.Clean(directory)

	info, err := os.Stat(directory)
	switch {
	case err == nil:
		if !info.IsDir() {
			return "", nil, fmt.Errorf("not a directory: %s", directory)
		}
	case os.IsNotExist(err):
		if !req.ApprovedNewDirectoryCreation {
			return "", &connector.SpawnResult{
				Type:      connector.SpawnResultApproveDirectory,
				Directory: directory,
			}, nil
		}
		if err := os.MkdirAll(directory, 0o755); err != nil {
			return "", nil, fmt.Errorf("create directory: %w", err)
		}
	default:
		return "", nil, fmt.Errorf("stat directory: %w", err)
	}
	return directory, nil, nil
}

// StopSession implements connector.SessionSpawner.
func (d *Daemon) StopSession(sessionID string) error {
	d.mu.Lock()
	hosted, ok := d.sessions[sessionID]
	delete(d.sessions, sessionID)
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	d.stopHosted(sessionID, hosted)
	return nil
}

func (d *Daemon) stopAllSessions() {
	d.mu.Lock()
	sessions := d.sessions
	d.sessions = make(map[string]*hostedSession)
	d.mu.Unlock()

	for id, hosted := range sessions {
		d.stopHosted(id, hosted)
	}
}

// stopHosted cancels pending permissions, announces the end of the session,
// and tears the connector down.
func (d *Daemon) stopHosted(sessionID string, hosted *hostedSession) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := hosted.conn.Permissions().Cancel(ctx, permissionsCancelOnStop)
	if err != nil {
		d.logger.Warn("cancel pending permissions", "sessionId", sessionID, "error", err)
	}
	if err := hosted.conn.SendSessionEnd(); err != nil {
		d.logger.Debug("session-end not delivered", "sessionId", sessionID, "error", err)
	}
	if err := hosted.conn.Flush(0); err != nil {
		d.logger.Debug("session flush incomplete", "sessionId", sessionID, "error", err)
	}

	hosted.cancel()
	d.uploads.CleanupSession(sessionID)
	d.logger.Info("session stopped", "sessionId", sessionID)
}

// MarshalSessions returns a JSON summary of hosted sessions (diagnostics).
func (d *Daemon) MarshalSessions() json.RawMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	summary := make(map[string]string, len(d.sessions))
	for id, hosted := range d.sessions {
		summary[id] = hosted.dir
	}
	raw, _ := json.Marshal(summary)
	return raw
}
