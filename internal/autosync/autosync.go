// Package autosync deploys the bundled FTP server into a container and
// writes the matching local SFTP client config, so a local editor can
// treat the remote workspace as local. Failures downgrade to warnings;
// the connection stays successful as long as the shell is live.
package autosync

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"remote-terminal-go/internal/assets"
	"remote-terminal-go/internal/config"
	"remote-terminal-go/internal/detect"
	"remote-terminal-go/internal/tmux"
)

const (
	tarballName = ".rt-ftp-server.tar.gz"
	// Assembled remotely by the probe command; spelling it out in the
	// command line would let the tmux echo of the command match itself.
	markerPortOpen = "rt-port-open"
)

// SFTPClientConfig is the JSON blob written to
// <local_workspace>/.vscode/sftp.json.
type SFTPClientConfig struct {
	Host         string   `json:"host"`
	Port         int      `json:"port"`
	Username     string   `json:"username"`
	Password     string   `json:"password"`
	RemotePath   string   `json:"remotePath"`
	UploadOnSave bool     `json:"uploadOnSave"`
	Ignore       []string `json:"ignore,omitempty"`
}

// Manager deploys the sync service into a live container pane.
type Manager struct {
	pane   tmux.Manager
	logger *zap.Logger

	// SettleDelay paces command output capture; tests shrink it.
	SettleDelay time.Duration
	// ProbeAttempts and ProbeInterval bound the port-readiness poll.
	ProbeAttempts int
	ProbeInterval time.Duration
}

// New returns a Manager with production pacing.
func New(pane tmux.Manager, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		pane:          pane,
		logger:        logger,
		SettleDelay:   time.Second,
		ProbeAttempts: 10,
		ProbeInterval: time.Second,
	}
}

// Deploy transfers, unpacks and starts the FTP server, then writes the
// local client config. The returned warnings are appended to the connect
// result; an empty slice means full success.
func (m *Manager) Deploy(ctx context.Context, session string, sc *config.SyncConfig) []string {
	var warnings []string
	if sc == nil || !sc.Enabled {
		return warnings
	}
	workspace := sc.RemoteWorkspace
	if workspace == "" {
		return append(warnings, "sync enabled but remote_workspace is empty")
	}

	tarPath := workspace + "/" + tarballName
	if err := m.pane.SendKeys(ctx, session, "mkdir -p "+workspace, true); err != nil {
		return append(warnings, fmt.Sprintf("prepare workspace: %v", err))
	}
	if err := tmux.TransferFile(ctx, m.pane, session, assets.FTPServerTarball(), tarPath); err != nil {
		return append(warnings, fmt.Sprintf("transfer ftp server: %v", err))
	}

	unpack := fmt.Sprintf("cd %s && tar xzf %s && rm -f %s", workspace, tarballName, tarballName)
	if err := m.pane.SendKeys(ctx, session, unpack, true); err != nil {
		return append(warnings, fmt.Sprintf("unpack ftp server: %v", err))
	}
	m.sleep(m.SettleDelay)

	start := fmt.Sprintf("cd %s && sh init.sh && RT_FTP_PORT=%d RT_FTP_USER=%s RT_FTP_PASSWORD=%s sh start.sh",
		workspace, sc.FTPPort, sc.FTPUser, sc.FTPPassword)
	if err := m.pane.SendKeys(ctx, session, start, true); err != nil {
		return append(warnings, fmt.Sprintf("start ftp server: %v", err))
	}

	if !m.probePort(ctx, session, sc.FTPPort) {
		warnings = append(warnings, fmt.Sprintf("ftp server did not open port %d", sc.FTPPort))
	}

	if sc.LocalWorkspace != "" {
		if err := WriteClientConfig(sc); err != nil {
			warnings = append(warnings, fmt.Sprintf("write sftp client config: %v", err))
		}
	} else {
		warnings = append(warnings, "sync enabled but local_workspace is empty; client config not written")
	}
	return warnings
}

// probePort polls the container-local port through the pane until it
// opens or attempts run out.
func (m *Manager) probePort(ctx context.Context, session string, port int) bool {
	probe := fmt.Sprintf("echo rt-port-$( (echo > /dev/tcp/127.0.0.1/%d) >/dev/null 2>&1 && echo open || echo closed)", port)
	for attempt := 0; attempt < m.ProbeAttempts; attempt++ {
		if err := m.pane.SendKeys(ctx, session, probe, true); err != nil {
			return false
		}
		m.sleep(m.ProbeInterval)
		captured, err := m.pane.Capture(ctx, session, detect.TailLines)
		if err != nil {
			return false
		}
		if strings.Contains(captured, markerPortOpen) {
			return true
		}
	}
	return false
}

// WriteClientConfig emits <local_workspace>/.vscode/sftp.json pointing
// at the deployed server.
func WriteClientConfig(sc *config.SyncConfig) error {
	dir := filepath.Join(sc.LocalWorkspace, ".vscode")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create .vscode directory: %w", err)
	}
	cfg := SFTPClientConfig{
		Host:         "localhost",
		Port:         sc.FTPPort,
		Username:     sc.FTPUser,
		Password:     sc.FTPPassword,
		RemotePath:   sc.RemoteWorkspace,
		UploadOnSave: true,
		Ignore:       sc.ExcludePatterns,
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sftp config: %w", err)
	}
	path := filepath.Join(dir, "sftp.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (m *Manager) sleep(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}
