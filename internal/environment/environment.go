// Package environment lands a container pane in the user's preferred
// shell: verifies or installs zsh, copies the rc template set in, and
// switches over. Every failure is a warning, never an error; the parent
// connection stays usable on bash.
package environment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"remote-terminal-go/internal/assets"
	"remote-terminal-go/internal/detect"
	"remote-terminal-go/internal/tmux"
)

// Marker strings echoed by probe commands so capture scanning stays a
// substring test. Probes assemble the marker on the remote side
// ("echo rt-zsh-$(...)"): tmux captures include the echoed command
// line, so a marker spelled out in the command would match itself.
const (
	markerZshPresent = "rt-zsh-present"
	markerRCPrefix   = "rt-rc-ok-"
)

// themeWizardBanner shows up when zsh starts with an unconfigured
// Powerlevel10k theme.
const themeWizardBanner = "Powerlevel10k configuration wizard"

// Manager drives shell setup inside an existing container pane.
type Manager struct {
	pane   tmux.Manager
	logger *zap.Logger

	// SettleDelay is how long a sent command gets before its output is
	// captured. Tests shrink it to zero.
	SettleDelay time.Duration
	// InstallWait bounds the best-effort package-manager install.
	InstallWait time.Duration
}

// New returns a Manager with production pacing.
func New(pane tmux.Manager, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		pane:        pane,
		logger:      logger,
		SettleDelay: time.Second,
		InstallWait: 60 * time.Second,
	}
}

// Setup configures zsh in the container pane. The returned warnings are
// appended to the connect result; an empty slice means full success.
func (m *Manager) Setup(ctx context.Context, session string, autoConfigureShell bool) []string {
	var warnings []string

	hasZsh, err := m.zshAvailable(ctx, session)
	if err != nil {
		return append(warnings, fmt.Sprintf("shell setup skipped: %v", err))
	}
	if !hasZsh {
		if !autoConfigureShell {
			return append(warnings, "zsh not installed in container; staying on bash")
		}
		m.logger.Info("installing zsh in container", zap.String("session", session))
		if err := m.installZsh(ctx, session); err != nil {
			warnings = append(warnings, fmt.Sprintf("zsh install failed: %v", err))
		}
		hasZsh, err = m.zshAvailable(ctx, session)
		if err != nil || !hasZsh {
			return append(warnings, "zsh unavailable after install attempt; staying on bash")
		}
	}

	warnings = append(warnings, m.copyRCFiles(ctx, session)...)

	if err := m.switchToZsh(ctx, session); err != nil {
		warnings = append(warnings, fmt.Sprintf("switch to zsh failed: %v", err))
	}
	return warnings
}

func (m *Manager) zshAvailable(ctx context.Context, session string) (bool, error) {
	probe := "echo rt-zsh-$(which zsh >/dev/null 2>&1 && echo present || echo missing)"
	captured, err := m.probe(ctx, session, probe)
	if err != nil {
		return false, err
	}
	return strings.Contains(captured, markerZshPresent), nil
}

func (m *Manager) installZsh(ctx context.Context, session string) error {
	cmd := "apt-get install -y zsh || yum install -y zsh"
	if err := m.pane.SendKeys(ctx, session, cmd, true); err != nil {
		return err
	}
	m.sleep(m.InstallWait)
	return nil
}

// copyRCFiles installs each missing rc template. The target is removed
// first: the transfer would otherwise land next to a silently renamed
// collision instead of replacing it.
func (m *Manager) copyRCFiles(ctx context.Context, session string) []string {
	var warnings []string
	for _, name := range assets.RCFileNames() {
		target := "/root/" + name
		probe := fmt.Sprintf("echo rt-rc-$(test -f %s && echo present || echo missing)-%s", target, name)
		captured, err := m.probe(ctx, session, probe)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("check %s: %v", name, err))
			continue
		}
		if strings.Contains(captured, "rt-rc-present-"+name) {
			continue
		}

		data, err := assets.RCFile(name)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("template %s: %v", name, err))
			continue
		}
		if err := m.pane.SendKeys(ctx, session, "rm -f "+target, true); err != nil {
			warnings = append(warnings, fmt.Sprintf("clear %s: %v", name, err))
			continue
		}
		if err := tmux.TransferFile(ctx, m.pane, session, data, target); err != nil {
			warnings = append(warnings, fmt.Sprintf("copy %s: %v", name, err))
			continue
		}

		verify := fmt.Sprintf("echo rt-rc-$(ls %s >/dev/null 2>&1 && echo ok || echo gone)-%s", target, name)
		captured, err = m.probe(ctx, session, verify)
		if err != nil || !strings.Contains(captured, markerRCPrefix+name) {
			warnings = append(warnings, fmt.Sprintf("%s missing after copy", name))
		}
	}
	return warnings
}

func (m *Manager) switchToZsh(ctx context.Context, session string) error {
	if err := m.pane.SendKeys(ctx, session, "exec zsh", true); err != nil {
		return err
	}
	m.sleep(m.SettleDelay)
	captured, err := m.pane.Capture(ctx, session, detect.TailLines)
	if err != nil {
		return err
	}
	if strings.Contains(captured, themeWizardBanner) {
		// A single q dismisses the first-run wizard.
		if err := m.pane.SendKeys(ctx, session, "q", false); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) probe(ctx context.Context, session, command string) (string, error) {
	if err := m.pane.SendKeys(ctx, session, command, true); err != nil {
		return "", err
	}
	m.sleep(m.SettleDelay)
	return m.pane.Capture(ctx, session, detect.TailLines)
}

func (m *Manager) sleep(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}
