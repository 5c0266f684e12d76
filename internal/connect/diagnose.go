package connect

import (
	"context"
	"fmt"
	"strings"
	"time"

	"remote-terminal-go/internal/config"
	"remote-terminal-go/internal/detect"
	"remote-terminal-go/internal/localcmd"
)

// pingFunc is swapped out in tests to avoid real network traffic.
var pingFunc = func(ctx context.Context, host string) (bool, string) {
	res, err := localcmd.Run(ctx, fmt.Sprintf("ping -c 1 -W 2 %s", host), 5*time.Second)
	if err != nil {
		return false, err.Error()
	}
	if res.TimedOut || res.ExitCode != 0 {
		return false, strings.TrimSpace(res.Stdout + res.Stderr)
	}
	return true, ""
}

// Diagnose produces a best-effort report: pane state, host reachability
// and config-completeness advice. It never fails; problems become lines
// in the report.
func (o *Orchestrator) Diagnose(ctx context.Context, cfg *config.ServerConfig) string {
	cfg.Normalize()
	var b strings.Builder
	fmt.Fprintf(&b, "Diagnosis for %s (%s@%s:%d, %s)\n",
		cfg.Name, cfg.Username, cfg.Host, cfg.Port, cfg.ConnectionType)

	exists, tail, err := o.Status(ctx, cfg)
	switch {
	case err != nil:
		fmt.Fprintf(&b, "- pane session: could not inspect (%v)\n", err)
	case !exists:
		fmt.Fprintf(&b, "- pane session %s: not running; connect_server will create it\n", cfg.SessionName())
	default:
		fmt.Fprintf(&b, "- pane session %s: running\n", cfg.SessionName())
		if phrase, fatal := detect.FatalError(tail); fatal {
			fmt.Fprintf(&b, "- pane shows a fatal error: %q\n", phrase)
		} else if detect.ShellReady(tail) {
			b.WriteString("- pane is at a shell prompt\n")
		} else {
			b.WriteString("- pane is not at a shell prompt; it may be mid-login\n")
		}
		if last := lastLine(tail); last != "" {
			fmt.Fprintf(&b, "- last pane line: %s\n", last)
		}
	}

	if ok, detail := pingFunc(ctx, cfg.Host); ok {
		fmt.Fprintf(&b, "- host %s is reachable (ping)\n", cfg.Host)
	} else {
		fmt.Fprintf(&b, "- host %s did not answer ping: %s\n", cfg.Host, detail)
		b.WriteString("  advice: check VPN/network, or the host may drop ICMP\n")
	}

	if cfg.ConnectionType == config.ConnectionRelay && cfg.JumpHost == nil {
		b.WriteString("- relay connection without jump_host: the target must be reachable from the relay directly\n")
	}
	if cfg.Docker != nil {
		if cfg.Docker.ContainerName == "" {
			b.WriteString("- docker section has no container_name; container entry will be skipped\n")
		} else if !cfg.Docker.AutoCreate && cfg.Docker.Image == "" {
			b.WriteString("- docker auto_create is off; connect fails if the container is missing\n")
		}
	}
	if cfg.Sync != nil && cfg.Sync.Enabled {
		if cfg.Sync.RemoteWorkspace == "" {
			b.WriteString("- sync enabled but remote_workspace is empty\n")
		}
		if cfg.Sync.LocalWorkspace == "" {
			b.WriteString("- sync enabled but local_workspace is empty; no client config will be written\n")
		}
	}
	return b.String()
}
