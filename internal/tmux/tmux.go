// Package tmux wraps the external terminal multiplexer behind a small
// pane-manager interface. The rest of the code never assumes more than
// the operations listed on Manager.
package tmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"remote-terminal-go/internal/detect"
)

// Manager is the pane-manager contract: session lifecycle, keystroke
// injection and output capture.
type Manager interface {
	Exists(ctx context.Context, session string) (bool, error)
	Create(ctx context.Context, session, initialCommand string) error
	// Kill is idempotent; killing an absent session is not an error.
	Kill(ctx context.Context, session string) error
	SendKeys(ctx context.Context, session, text string, pressEnter bool) error
	Capture(ctx context.Context, session string, tailLines int) (string, error)
	List(ctx context.Context) ([]string, error)
}

// Client drives the tmux binary.
type Client struct {
	bin    string
	logger *zap.Logger

	// run is swapped out in tests.
	run func(ctx context.Context, args ...string) (string, error)
}

// NewClient returns a Client using the tmux binary on PATH.
func NewClient(logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{bin: "tmux", logger: logger}
	c.run = c.runTmux
	return c
}

func (c *Client) runTmux(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.bin, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}

// Exists reports whether the named session is alive.
func (c *Client) Exists(ctx context.Context, session string) (bool, error) {
	_, err := c.run(ctx, "has-session", "-t", "="+session)
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	return false, fmt.Errorf("tmux has-session: %w", err)
}

// Create starts a fresh detached session and optionally runs an initial
// command in it.
func (c *Client) Create(ctx context.Context, session, initialCommand string) error {
	if _, err := c.run(ctx, "new-session", "-d", "-s", session); err != nil {
		return fmt.Errorf("tmux new-session %s: %w", session, err)
	}
	c.logger.Debug("created pane session", zap.String("session", session))
	if initialCommand != "" {
		return c.SendKeys(ctx, session, initialCommand, true)
	}
	return nil
}

// Kill terminates the session; an already-absent session is fine.
func (c *Client) Kill(ctx context.Context, session string) error {
	out, err := c.run(ctx, "kill-session", "-t", "="+session)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			c.logger.Debug("kill-session on absent session",
				zap.String("session", session), zap.String("output", strings.TrimSpace(out)))
			return nil
		}
		return fmt.Errorf("tmux kill-session %s: %w", session, err)
	}
	return nil
}

// SendKeys types text into the session, literally, then optionally
// presses Enter.
func (c *Client) SendKeys(ctx context.Context, session, text string, pressEnter bool) error {
	if _, err := c.run(ctx, "send-keys", "-t", session, "-l", "--", text); err != nil {
		return fmt.Errorf("tmux send-keys %s: %w", session, err)
	}
	if pressEnter {
		if _, err := c.run(ctx, "send-keys", "-t", session, "Enter"); err != nil {
			return fmt.Errorf("tmux send-keys Enter %s: %w", session, err)
		}
	}
	return nil
}

// Capture returns the last tailLines lines of the session's pane.
func (c *Client) Capture(ctx context.Context, session string, tailLines int) (string, error) {
	if tailLines <= 0 {
		tailLines = detect.TailLines
	}
	out, err := c.run(ctx, "capture-pane", "-p", "-t", session, "-S", fmt.Sprintf("-%d", tailLines))
	if err != nil {
		return "", fmt.Errorf("tmux capture-pane %s: %w", session, err)
	}
	return detect.Tail(out, tailLines), nil
}

// List returns all session names known to the multiplexer. No running
// server means no sessions.
func (c *Client) List(ctx context.Context) ([]string, error) {
	out, err := c.run(ctx, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, nil
		}
		return nil, fmt.Errorf("tmux list-sessions: %w", err)
	}
	var sessions []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			sessions = append(sessions, line)
		}
	}
	return sessions, nil
}
