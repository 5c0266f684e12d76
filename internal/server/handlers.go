package server

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"remote-terminal-go/internal/config"
	"remote-terminal-go/internal/connect"
	"remote-terminal-go/internal/localcmd"
)

// loadServer re-reads the registry and resolves one server. Every tool
// call re-reads the file; there is no cache to go stale.
func (s *Server) loadServer(name string) (*config.ServerConfig, *mcp.CallToolResult) {
	cfg, found, err := s.store.Get(name)
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("read config: %v", err))
	}
	if !found {
		return nil, mcp.NewToolResultError(fmt.Sprintf("server %q is not registered; call list_servers to see what is", name))
	}
	cfg.Normalize()
	return cfg, nil
}

func jsonText(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("serialize result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleListServers(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	reg, err := s.store.Load()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("read config: %v", err)), nil
	}

	type summary struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		Type        string `json:"type"`
		Host        string `json:"host"`
		Username    string `json:"username"`
	}
	servers := make([]summary, 0, len(reg.Servers))
	for _, cfg := range reg.Servers {
		cfg.Normalize()
		servers = append(servers, summary{
			Name:        cfg.Name,
			Description: cfg.Description,
			Type:        cfg.ConnectionType,
			Host:        cfg.Host,
			Username:    cfg.Username,
		})
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Name < servers[j].Name })

	return jsonText(map[string]interface{}{
		"servers": servers,
		"total":   len(servers),
	})
}

func (s *Server) handleGetServerInfo(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing required parameter 'name': %v", err)), nil
	}
	cfg, fail := s.loadServer(name)
	if fail != nil {
		return fail, nil
	}
	return jsonText(cfg.Redacted())
}

func (s *Server) handleGetServerStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing required parameter 'name': %v", err)), nil
	}
	cfg, fail := s.loadServer(name)
	if fail != nil {
		return fail, nil
	}

	exists, tail, err := s.orch.Status(ctx, cfg)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("inspect session: %v", err)), nil
	}
	status := map[string]interface{}{
		"session_name":     cfg.SessionName(),
		"exists":           exists,
		"last_output_tail": tail,
	}
	if !exists {
		if owned, err := s.orch.OwnedSessions(ctx); err == nil {
			status["owned_sessions"] = owned
		}
	}
	return jsonText(status)
}

func (s *Server) handleConnectServer(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing required parameter 'name': %v", err)), nil
	}
	forceRecreate := request.GetBool("force_recreate", true)

	cfg, fail := s.loadServer(name)
	if fail != nil {
		return fail, nil
	}

	if !forceRecreate && s.orch.AlreadyConnected(ctx, cfg) {
		return mcp.NewToolResultText(fmt.Sprintf(
			"Already connected: session %s is at a shell prompt. Use execute_command to run commands, or force_recreate=true to rebuild.",
			cfg.SessionName())), nil
	}

	result, err := s.orch.Connect(ctx, cfg, connect.DefaultConnectTimeout)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("connect %s: %v", name, err)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Connected to %s (session %s).\n", name, result.SessionName)
	if result.Prompt != "" {
		fmt.Fprintf(&b, "Prompt: %s\n", result.Prompt)
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(&b, "Warning: %s\n", w)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) handleDisconnectServer(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing required parameter 'name': %v", err)), nil
	}
	cfg, fail := s.loadServer(name)
	if fail != nil {
		return fail, nil
	}
	if err := s.orch.Disconnect(ctx, cfg); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("disconnect %s: %v", name, err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Session %s terminated.", cfg.SessionName())), nil
}

func (s *Server) handleExecuteCommand(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing required parameter 'name': %v", err)), nil
	}
	command, err := request.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing required parameter 'command': %v", err)), nil
	}
	timeout := time.Duration(request.GetFloat("timeout_sec", 30)) * time.Second

	cfg, fail := s.loadServer(name)
	if fail != nil {
		return fail, nil
	}

	output, err := s.orch.Execute(ctx, cfg, command, timeout)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("execute on %s: %v", name, err)), nil
	}
	if output == "" {
		output = "(no output)"
	}
	return mcp.NewToolResultText(output), nil
}

func (s *Server) handleRunLocalCommand(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	command, err := request.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing required parameter 'command': %v", err)), nil
	}
	timeout := time.Duration(request.GetFloat("timeout_sec", 30)) * time.Second

	res, err := localcmd.Run(ctx, command, timeout)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run local command: %v", err)), nil
	}
	return jsonText(map[string]interface{}{
		"stdout":    res.Stdout,
		"stderr":    res.Stderr,
		"exit_code": res.ExitCode,
		"timed_out": res.TimedOut,
	})
}

func (s *Server) handleCreateServerConfig(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	interactive := request.GetBool("interactive", true)
	cursorInteractive := request.GetBool("cursor_interactive", true)

	if !interactive {
		return s.createDirect(request)
	}
	if !cursorInteractive {
		return s.spawnExternalConfigurator()
	}

	session := s.sessions.Start(nil)
	s.logger.Info("wizard session started", zap.String("session", session.ID))
	return mcp.NewToolResultText(session.Render()), nil
}

// createDirect validates and saves a server from the call arguments in
// one shot.
func (s *Server) createDirect(request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cfg := &config.ServerConfig{
		Name:           request.GetString("name", ""),
		Host:           request.GetString("host", ""),
		Username:       request.GetString("username", ""),
		Port:           int(request.GetFloat("port", 0)),
		ConnectionType: request.GetString("connection_type", ""),
		Description:    request.GetString("description", ""),
	}
	if container := request.GetString("docker_container", ""); container != "" {
		image := request.GetString("docker_image", "")
		cfg.Docker = &config.DockerConfig{
			ContainerName: container,
			Image:         image,
			AutoCreate:    image != "",
		}
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("validation failed: %v", err)), nil
	}

	if err := s.saveServer(cfg); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("save config: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Server %q saved. Connect with connect_server.", cfg.Name)), nil
}

// spawnExternalConfigurator opens the terminal-mode wizard in a local
// window and returns immediately; the external process persists the
// config when it finishes.
func (s *Server) spawnExternalConfigurator() (*mcp.CallToolResult, error) {
	exe, err := os.Executable()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("locate executable: %v", err)), nil
	}

	switch runtime.GOOS {
	case "darwin":
		script := fmt.Sprintf(`tell application "Terminal" to do script "%s setup"`, exe)
		err = localcmd.Start("osascript", "-e", script)
	case "windows":
		err = localcmd.Start("cmd", "/C", "start", exe, "setup")
	default:
		err = localcmd.Start("x-terminal-emulator", "-e", exe, "setup")
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("open terminal window: %v (run %q setup manually)", err, exe)), nil
	}
	return mcp.NewToolResultText("A terminal window with the interactive configurator has been opened. The server is saved when you finish there."), nil
}

func (s *Server) handleContinueConfigSession(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing required parameter 'session_id': %v", err)), nil
	}
	fieldName, err := request.RequireString("field_name")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing required parameter 'field_name': %v", err)), nil
	}
	fieldValue := request.GetString("field_value", "")

	session, ok := s.sessions.Get(sessionID)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("no wizard session %q; it may have completed or the server restarted. Start over with create_server_config.", sessionID)), nil
	}

	if err := session.Apply(fieldName, fieldValue); err != nil {
		// Refusals carry the rule in the message; state is untouched.
		return mcp.NewToolResultText(err.Error() + "\n\n" + session.Render()), nil
	}

	if !session.Done() {
		return mcp.NewToolResultText(session.Render()), nil
	}

	cfg, err := session.Materialize()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("finalize config: %v", err)), nil
	}
	if err := cfg.Validate(); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("finalize config: %v", err)), nil
	}
	if err := s.saveServer(cfg); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("save config: %v", err)), nil
	}
	s.sessions.Remove(sessionID)
	s.logger.Info("wizard session completed", zap.String("session", sessionID), zap.String("server", cfg.Name))

	return mcp.NewToolResultText(fmt.Sprintf(
		"Server %q saved.\n\n%sConnect with connect_server {name: %q}.", cfg.Name, session.Render(), cfg.Name)), nil
}

func (s *Server) handleUpdateServerConfig(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing required parameter 'name': %v", err)), nil
	}
	interactive := request.GetBool("interactive", true)

	cfg, fail := s.loadServer(name)
	if fail != nil {
		return fail, nil
	}

	if interactive {
		session := s.sessions.Start(wizardSeed(cfg))
		s.logger.Info("update wizard started", zap.String("session", session.ID), zap.String("server", name))
		return mcp.NewToolResultText(session.Render()), nil
	}

	// Partial merge: only fields present in the call change.
	if host := request.GetString("host", ""); host != "" {
		cfg.Host = host
	}
	if username := request.GetString("username", ""); username != "" {
		cfg.Username = username
	}
	if port := int(request.GetFloat("port", 0)); port != 0 {
		cfg.Port = port
	}
	if ct := request.GetString("connection_type", ""); ct != "" {
		cfg.ConnectionType = strings.ToLower(ct)
	}
	if desc := request.GetString("description", ""); desc != "" {
		cfg.Description = desc
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("validation failed: %v", err)), nil
	}
	if err := s.saveServer(cfg); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("save config: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Server %q updated.", name)), nil
}

func (s *Server) handleDeleteServerConfig(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing required parameter 'name': %v", err)), nil
	}

	existed, err := s.store.Delete(name)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("delete %s: %v", name, err)), nil
	}
	if !existed {
		return mcp.NewToolResultText(fmt.Sprintf("Server %q was not registered; nothing to delete.", name)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Server %q deleted. Any running session was left untouched; use disconnect_server to end it.", name)), nil
}

func (s *Server) handleDiagnoseConnection(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing required parameter 'name': %v", err)), nil
	}
	cfg, fail := s.loadServer(name)
	if fail != nil {
		return fail, nil
	}
	return mcp.NewToolResultText(s.orch.Diagnose(ctx, cfg)), nil
}

// saveServer writes one complete record through the store's merge path.
func (s *Server) saveServer(cfg *config.ServerConfig) error {
	if err := s.store.EnsureExists(); err != nil {
		return err
	}
	reg := config.NewRegistry()
	reg.Servers[cfg.Name] = cfg
	return s.store.Save(reg, true)
}

// wizardSeed turns an existing record into wizard defaults for the
// merge-update flow.
func wizardSeed(cfg *config.ServerConfig) map[string]string {
	seed := map[string]string{
		"name":            cfg.Name,
		"host":            cfg.Host,
		"username":        cfg.Username,
		"port":            fmt.Sprintf("%d", cfg.Port),
		"connection_type": cfg.ConnectionType,
		"docker_enabled":  "false",
		"sync_enabled":    "false",
	}
	if cfg.Docker != nil && cfg.Docker.ContainerName != "" {
		seed["docker_enabled"] = "true"
		seed["docker_container"] = cfg.Docker.ContainerName
		seed["docker_image"] = cfg.Docker.Image
	}
	if cfg.Sync != nil && cfg.Sync.Enabled {
		seed["sync_enabled"] = "true"
		seed["sync_ftp_port"] = fmt.Sprintf("%d", cfg.Sync.FTPPort)
		seed["sync_ftp_user"] = cfg.Sync.FTPUser
		seed["sync_ftp_password"] = cfg.Sync.FTPPassword
	}
	return seed
}
