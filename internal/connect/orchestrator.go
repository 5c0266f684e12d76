// Package connect drives one user-level "connect" operation: it rebuilds
// the pane session, walks the SSH/relay sequence, optionally enters or
// creates a Docker container, then hands off to shell setup and sync
// deployment. Connection failures are errors; post-shell setup failures
// are warnings.
package connect

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"remote-terminal-go/internal/autosync"
	"remote-terminal-go/internal/config"
	"remote-terminal-go/internal/detect"
	"remote-terminal-go/internal/environment"
	"remote-terminal-go/internal/tmux"
)

const (
	// DefaultConnectTimeout bounds the whole connect flow.
	DefaultConnectTimeout = 120 * time.Second
	// DefaultExecuteTimeout bounds one execute_command call.
	DefaultExecuteTimeout = 30 * time.Second

	relayAuthHint = "relay login did not complete; you may need to finish interactive authentication (QR code / fingerprint / code) in the session"
)

// Orchestrator composes the pane manager, readiness detector and the
// post-shell managers into the connect state machine.
type Orchestrator struct {
	pane   tmux.Manager
	logger *zap.Logger

	// Env and Sync are exported so callers (and tests) can tune pacing.
	Env  *environment.Manager
	Sync *autosync.Manager

	RelayCommand   string
	RelayTimeout   time.Duration
	RelayInterval  time.Duration
	PollInterval   time.Duration
	SettleDelay    time.Duration
	ProbeTimeout   time.Duration
	ConnectTimeout time.Duration
}

// New wires an orchestrator with production pacing.
func New(pane tmux.Manager, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		pane:           pane,
		logger:         logger,
		Env:            environment.New(pane, logger),
		Sync:           autosync.New(pane, logger),
		RelayCommand:   "relay-cli",
		RelayTimeout:   120 * time.Second,
		RelayInterval:  5 * time.Second,
		PollInterval:   2 * time.Second,
		SettleDelay:    500 * time.Millisecond,
		ProbeTimeout:   15 * time.Second,
		ConnectTimeout: DefaultConnectTimeout,
	}
}

// Result is a successful connect.
type Result struct {
	SessionName string
	Prompt      string
	Warnings    []string
}

// Connect runs the full state machine for one server. The pane session
// is rebuilt from scratch: reusing a stale session proved strictly more
// bug-prone than paying for a fresh one.
func (o *Orchestrator) Connect(ctx context.Context, cfg *config.ServerConfig, timeout time.Duration) (*Result, error) {
	cfg.Normalize()
	session := cfg.SessionName()
	if timeout <= 0 {
		timeout = o.ConnectTimeout
	}

	o.logger.Info("connecting",
		zap.String("server", cfg.Name),
		zap.String("type", cfg.ConnectionType),
		zap.String("session", session))

	if err := o.pane.Kill(ctx, session); err != nil {
		return nil, fmt.Errorf("kill stale session: %w", err)
	}
	if err := o.pane.Create(ctx, session, ""); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	switch cfg.ConnectionType {
	case config.ConnectionRelay:
		if err := o.connectRelay(ctx, session, cfg); err != nil {
			return nil, err
		}
	default:
		if err := o.connectSSH(ctx, session, cfg, timeout); err != nil {
			return nil, err
		}
	}

	var warnings []string
	if cfg.Docker != nil && cfg.Docker.ContainerName != "" {
		if err := o.enterContainer(ctx, session, cfg.Docker, timeout); err != nil {
			return nil, err
		}
		if cfg.Docker.Shell == "zsh" {
			warnings = append(warnings, o.Env.Setup(ctx, session, true)...)
		}
	}
	if cfg.Sync != nil && cfg.Sync.Enabled {
		warnings = append(warnings, o.Sync.Deploy(ctx, session, cfg.Sync)...)
	}

	prompt, err := o.pane.Capture(ctx, session, detect.TailLines)
	if err != nil {
		prompt = ""
	}
	o.logger.Info("connected", zap.String("server", cfg.Name), zap.Int("warnings", len(warnings)))
	return &Result{SessionName: session, Prompt: lastLine(prompt), Warnings: warnings}, nil
}

func (o *Orchestrator) connectSSH(ctx context.Context, session string, cfg *config.ServerConfig, timeout time.Duration) error {
	cmd := fmt.Sprintf("ssh -p %d %s@%s", cfg.Port, cfg.Username, cfg.Host)
	if err := o.pane.SendKeys(ctx, session, cmd, true); err != nil {
		return fmt.Errorf("send ssh command: %w", err)
	}
	_, err := o.waitFor(ctx, session, timeout, o.PollInterval, detect.ShellReady, "ssh login")
	return err
}

func (o *Orchestrator) connectRelay(ctx context.Context, session string, cfg *config.ServerConfig) error {
	if err := o.pane.SendKeys(ctx, session, o.RelayCommand, true); err != nil {
		return fmt.Errorf("start relay: %w", err)
	}
	if _, err := o.waitFor(ctx, session, o.RelayTimeout, o.RelayInterval, detect.RelayReady, "relay login"); err != nil {
		var te *TimeoutError
		if errors.As(err, &te) {
			te.Hint = relayAuthHint
		}
		return err
	}

	if jh := cfg.JumpHost; jh != nil && jh.Host != "" {
		port := jh.Port
		if port == 0 {
			port = config.DefaultPort
		}
		cmd := fmt.Sprintf("ssh -p %d %s@%s", port, jh.Username, jh.Host)
		if err := o.pane.SendKeys(ctx, session, cmd, true); err != nil {
			return fmt.Errorf("send jump-host ssh: %w", err)
		}
		if jh.Password != "" {
			// The password is sent exactly once, before the target hop.
			o.sleep(o.SettleDelay)
			if err := o.pane.SendKeys(ctx, session, jh.Password, true); err != nil {
				return fmt.Errorf("send jump-host password: %w", err)
			}
		}
		if _, err := o.waitFor(ctx, session, o.RelayTimeout, o.RelayInterval, detect.ShellReady, "jump-host login"); err != nil {
			return err
		}
	}

	cmd := fmt.Sprintf("ssh -p %d %s@%s", cfg.Port, cfg.Username, cfg.Host)
	if err := o.pane.SendKeys(ctx, session, cmd, true); err != nil {
		return fmt.Errorf("send target ssh: %w", err)
	}
	_, err := o.waitFor(ctx, session, o.RelayTimeout, o.RelayInterval, detect.ShellReady, "target login")
	return err
}

// enterContainer inspects, optionally creates or starts, then execs into
// the configured container.
func (o *Orchestrator) enterContainer(ctx context.Context, session string, d *config.DockerConfig, timeout time.Duration) error {
	state, err := o.containerState(ctx, session, d.ContainerName, 0)
	if err != nil {
		return err
	}

	switch state {
	case "missing":
		if !d.AutoCreate {
			return fmt.Errorf("container %q does not exist and auto_create is disabled", d.ContainerName)
		}
		if err := o.pane.SendKeys(ctx, session, dockerRunCommand(d), true); err != nil {
			return fmt.Errorf("send docker run: %w", err)
		}
		if err := o.waitContainerRunning(ctx, session, d.ContainerName, timeout); err != nil {
			return err
		}
	case "stopped":
		if err := o.pane.SendKeys(ctx, session, "docker start "+d.ContainerName, true); err != nil {
			return fmt.Errorf("send docker start: %w", err)
		}
		if err := o.waitContainerRunning(ctx, session, d.ContainerName, timeout); err != nil {
			return err
		}
	}

	if err := o.pane.SendKeys(ctx, session, fmt.Sprintf("docker exec -it %s bash", d.ContainerName), true); err != nil {
		return fmt.Errorf("send docker exec: %w", err)
	}
	_, err = o.waitFor(ctx, session, timeout, o.PollInterval, func(captured string) bool {
		return detect.InContainer(captured, d.ContainerName)
	}, "container shell")
	return err
}

// containerState probes docker through the pane. The attempt number is
// baked into the marker so stale output from earlier probes in the
// capture tail cannot satisfy a later check, and the marker itself is
// assembled remotely: the capture includes the echoed command line, so
// a marker spelled out in the command would match itself. The capture
// is polled until a marker for this attempt shows up instead of
// trusting a single fixed delay.
func (o *Orchestrator) containerState(ctx context.Context, session, name string, attempt int) (string, error) {
	probe := fmt.Sprintf("echo rt-docker-%d-$(docker inspect -f '{{.State.Running}}' %s 2>/dev/null || echo missing)",
		attempt, name)
	if err := o.pane.SendKeys(ctx, session, probe, true); err != nil {
		return "", fmt.Errorf("send docker inspect: %w", err)
	}
	prefix := fmt.Sprintf("rt-docker-%d-", attempt)
	deadline := time.Now().Add(o.ProbeTimeout)
	for {
		captured, err := o.pane.Capture(ctx, session, detect.TailLines)
		if err != nil {
			return "", fmt.Errorf("capture docker inspect: %w", err)
		}
		switch {
		case strings.Contains(captured, prefix+"true"):
			return "running", nil
		case strings.Contains(captured, prefix+"false"):
			return "stopped", nil
		case strings.Contains(captured, prefix+"missing"):
			return "missing", nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("could not determine state of container %q", name)
		}
		o.sleep(o.SettleDelay)
	}
}

func (o *Orchestrator) waitContainerRunning(ctx context.Context, session, name string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for attempt := 1; ; attempt++ {
		state, err := o.containerState(ctx, session, name, attempt)
		if err == nil && state == "running" {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("container %q did not reach running state", name)
		}
		o.sleep(o.PollInterval)
	}
}

func dockerRunCommand(d *config.DockerConfig) string {
	parts := []string{"docker", "run", "-d", "--name", d.ContainerName}
	for _, p := range d.Ports {
		parts = append(parts, "-p", p)
	}
	for _, v := range d.Volumes {
		parts = append(parts, "-v", v)
	}
	if d.RunOptions != "" {
		parts = append(parts, d.RunOptions)
	}
	parts = append(parts, d.Image, "tail", "-f", "/dev/null")
	return strings.Join(parts, " ")
}

// Disconnect kills the pane session. It is idempotent.
func (o *Orchestrator) Disconnect(ctx context.Context, cfg *config.ServerConfig) error {
	return o.pane.Kill(ctx, cfg.SessionName())
}

// Status reports whether the pane session exists and the tail of its
// output.
func (o *Orchestrator) Status(ctx context.Context, cfg *config.ServerConfig) (bool, string, error) {
	session := cfg.SessionName()
	exists, err := o.pane.Exists(ctx, session)
	if err != nil || !exists {
		return false, "", err
	}
	tail, err := o.pane.Capture(ctx, session, detect.TailLines)
	if err != nil {
		return true, "", err
	}
	return true, tail, nil
}

// OwnedSessions lists the pane sessions this tool created, recognized
// by the session-name suffix. Foreign tmux sessions are not reported.
func (o *Orchestrator) OwnedSessions(ctx context.Context) ([]string, error) {
	names, err := o.pane.List(ctx)
	if err != nil {
		return nil, err
	}
	var owned []string
	for _, name := range names {
		if strings.HasSuffix(name, config.SessionSuffix) {
			owned = append(owned, name)
		}
	}
	sort.Strings(owned)
	return owned, nil
}

// AlreadyConnected reports whether the session exists and sits at a
// ready shell prompt.
func (o *Orchestrator) AlreadyConnected(ctx context.Context, cfg *config.ServerConfig) bool {
	exists, tail, err := o.Status(ctx, cfg)
	return err == nil && exists && detect.ShellReady(tail)
}

// Execute sends a command into the live session and returns the new
// output once the prompt returns. On timeout the pane is left alone so
// the user can inspect it.
func (o *Orchestrator) Execute(ctx context.Context, cfg *config.ServerConfig, command string, timeout time.Duration) (string, error) {
	session := cfg.SessionName()
	if timeout <= 0 {
		timeout = DefaultExecuteTimeout
	}
	exists, err := o.pane.Exists(ctx, session)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", fmt.Errorf("no active session for %q; run connect_server first", cfg.Name)
	}

	before, err := o.pane.Capture(ctx, session, detect.TailLines)
	if err != nil {
		return "", fmt.Errorf("capture before execute: %w", err)
	}
	if err := o.pane.SendKeys(ctx, session, command, true); err != nil {
		return "", fmt.Errorf("send command: %w", err)
	}

	after, err := o.waitFor(ctx, session, timeout, o.PollInterval, func(captured string) bool {
		return captured != before && detect.ShellReady(captured)
	}, "command completion")
	if err != nil {
		return "", err
	}
	return extractNewOutput(after, command), nil
}

// extractNewOutput trims everything up to and including the echoed
// command line, leaving the command's own output plus the new prompt.
func extractNewOutput(captured, command string) string {
	if idx := strings.LastIndex(captured, command); idx >= 0 {
		return strings.TrimLeft(captured[idx+len(command):], "\r\n")
	}
	return captured
}

// TimeoutError carries the pane tail and an optional hint for the user.
type TimeoutError struct {
	Stage string
	Tail  string
	Hint  string
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("timed out waiting for %s", e.Stage)
	if e.Hint != "" {
		msg += "; " + e.Hint
	}
	if e.Tail != "" {
		msg += "\n--- last pane output ---\n" + e.Tail
	}
	return msg
}

// FatalConnError is a known unrecoverable phrase seen in the pane.
type FatalConnError struct {
	Phrase string
	Tail   string
}

func (e *FatalConnError) Error() string {
	return fmt.Sprintf("connection failed: %s\n--- last pane output ---\n%s", e.Phrase, e.Tail)
}

// waitFor polls the pane until the predicate holds, a fatal phrase
// appears, or the timeout passes. The loop is an explicit poll with
// sleeps so a parent timeout is always honorable.
func (o *Orchestrator) waitFor(ctx context.Context, session string, timeout, interval time.Duration, ready func(string) bool, stage string) (string, error) {
	deadline := time.Now().Add(timeout)
	var captured string
	for {
		var err error
		captured, err = o.pane.Capture(ctx, session, detect.TailLines)
		if err != nil {
			return "", fmt.Errorf("capture during %s: %w", stage, err)
		}
		if phrase, fatal := detect.FatalError(captured); fatal {
			// The pane stays alive for diagnosis.
			return captured, &FatalConnError{Phrase: phrase, Tail: captured}
		}
		if ready(captured) {
			return captured, nil
		}
		if ctx.Err() != nil {
			return captured, ctx.Err()
		}
		if time.Now().After(deadline) {
			return captured, &TimeoutError{Stage: stage, Tail: captured}
		}
		o.sleep(interval)
	}
}

func (o *Orchestrator) sleep(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}

func lastLine(text string) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
