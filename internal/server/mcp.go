// Package server is the MCP surface: a line-delimited JSON-RPC loop on
// stdio, the static tool catalog, and the tool handlers that bridge to
// the config store, the pane orchestrator and the wizard registry.
package server

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"remote-terminal-go/internal/config"
	"remote-terminal-go/internal/connect"
	"remote-terminal-go/internal/wizard"
)

// ServerName identifies this server in the initialize handshake.
const ServerName = "remote-terminal"

type toolHandler func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)

type toolEntry struct {
	tool    mcp.Tool
	handler toolHandler
}

// Server holds everything a tool call can reach.
type Server struct {
	logger   *zap.Logger
	store    *config.Store
	orch     *connect.Orchestrator
	sessions *wizard.Registry
	version  string

	tools     []toolEntry
	toolIndex map[string]toolHandler
}

// New wires a server; version goes into the initialize response.
func New(store *config.Store, orch *connect.Orchestrator, logger *zap.Logger, version string) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		logger:   logger,
		store:    store,
		orch:     orch,
		sessions: wizard.NewRegistry(),
		version:  version,
	}
	s.registerTools()
	return s
}

func (s *Server) addTool(tool mcp.Tool, handler toolHandler) {
	s.tools = append(s.tools, toolEntry{tool: tool, handler: handler})
	if s.toolIndex == nil {
		s.toolIndex = map[string]toolHandler{}
	}
	s.toolIndex[tool.Name] = handler
}

func (s *Server) registerTools() {
	listServersTool := mcp.NewTool("list_servers",
		mcp.WithDescription("List all registered remote servers with a one-line summary each. Start here to see what is configured."),
	)
	s.addTool(listServersTool, s.handleListServers)

	getServerInfoTool := mcp.NewTool("get_server_info",
		mcp.WithDescription("Show the full configuration record of one server. Passwords are redacted."),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Registered server name (see list_servers)."),
		),
	)
	s.addTool(getServerInfoTool, s.handleGetServerInfo)

	getServerStatusTool := mcp.NewTool("get_server_status",
		mcp.WithDescription("Report whether the server's terminal session exists and show the tail of its output."),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Registered server name."),
		),
	)
	s.addTool(getServerStatusTool, s.handleGetServerStatus)

	connectServerTool := mcp.NewTool("connect_server",
		mcp.WithDescription("Establish the full connection to a server: SSH or relay login, optional Docker container entry, shell setup and file-sync deployment. Returns the final prompt."),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Registered server name."),
		),
		mcp.WithBoolean("force_recreate",
			mcp.Description("Rebuild the session even if one is already connected (default: true)."),
		),
	)
	s.addTool(connectServerTool, s.handleConnectServer)

	disconnectServerTool := mcp.NewTool("disconnect_server",
		mcp.WithDescription("Kill the server's terminal session. Safe to call when no session exists."),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Registered server name."),
		),
	)
	s.addTool(disconnectServerTool, s.handleDisconnectServer)

	executeCommandTool := mcp.NewTool("execute_command",
		mcp.WithDescription("Run a shell command inside the server's connected terminal session and return its output. Requires connect_server first."),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Registered server name."),
		),
		mcp.WithString("command",
			mcp.Required(),
			mcp.Description("Shell command to run in the remote session."),
		),
		mcp.WithNumber("timeout_sec",
			mcp.Description("Seconds to wait for the prompt to return (default: 30)."),
		),
	)
	s.addTool(executeCommandTool, s.handleExecuteCommand)

	runLocalCommandTool := mcp.NewTool("run_local_command",
		mcp.WithDescription("Run a command on the local machine (not in any remote session) and return stdout, stderr and the exit code."),
		mcp.WithString("command",
			mcp.Required(),
			mcp.Description("Command line to run through the local shell."),
		),
		mcp.WithNumber("timeout_sec",
			mcp.Description("Seconds before the command is killed (default: 30)."),
		),
	)
	s.addTool(runLocalCommandTool, s.handleRunLocalCommand)

	createServerConfigTool := mcp.NewTool("create_server_config",
		mcp.WithDescription("Register a new server. By default starts an in-chat wizard that collects one field per continue_config_session call; with interactive=false all required fields must be given directly."),
		mcp.WithBoolean("interactive",
			mcp.Description("false: validate the given fields and save immediately (default: true)."),
		),
		mcp.WithBoolean("cursor_interactive",
			mcp.Description("true: in-chat wizard (default); false: open the configurator in a local terminal window."),
		),
		mcp.WithString("name", mcp.Description("Server name (direct mode).")),
		mcp.WithString("host", mcp.Description("Host address (direct mode).")),
		mcp.WithString("username", mcp.Description("Login username (direct mode).")),
		mcp.WithNumber("port", mcp.Description("SSH port (direct mode, default: 22).")),
		mcp.WithString("connection_type", mcp.Description("ssh or relay (direct mode, default: ssh).")),
		mcp.WithString("description", mcp.Description("Free-form description (direct mode).")),
		mcp.WithString("docker_container", mcp.Description("Docker container to enter after login (direct mode).")),
		mcp.WithString("docker_image", mcp.Description("Image for container auto-create (direct mode).")),
	)
	s.addTool(createServerConfigTool, s.handleCreateServerConfig)

	continueConfigSessionTool := mcp.NewTool("continue_config_session",
		mcp.WithDescription("Supply the next field of an in-chat configuration wizard started by create_server_config or update_server_config."),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Wizard session id from the previous step (config_<millis>)."),
		),
		mcp.WithString("field_name",
			mcp.Required(),
			mcp.Description("Name of the field being answered; must match the current step."),
		),
		mcp.WithString("field_value",
			mcp.Description("Value for the field; empty accepts the shown default."),
		),
	)
	s.addTool(continueConfigSessionTool, s.handleContinueConfigSession)

	updateServerConfigTool := mcp.NewTool("update_server_config",
		mcp.WithDescription("Update an existing server. By default starts the wizard pre-filled with current values; with interactive=false only the given fields are changed."),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Registered server name."),
		),
		mcp.WithBoolean("interactive",
			mcp.Description("false: merge the given fields and save immediately (default: true)."),
		),
		mcp.WithString("host", mcp.Description("New host address.")),
		mcp.WithString("username", mcp.Description("New login username.")),
		mcp.WithNumber("port", mcp.Description("New SSH port.")),
		mcp.WithString("connection_type", mcp.Description("New connection type: ssh or relay.")),
		mcp.WithString("description", mcp.Description("New description.")),
	)
	s.addTool(updateServerConfigTool, s.handleUpdateServerConfig)

	deleteServerConfigTool := mcp.NewTool("delete_server_config",
		mcp.WithDescription("Remove a server from the registry. The config file is rewritten atomically; a running session is left alone."),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Registered server name."),
		),
	)
	s.addTool(deleteServerConfigTool, s.handleDeleteServerConfig)

	diagnoseConnectionTool := mcp.NewTool("diagnose_connection",
		mcp.WithDescription("Inspect a server's session state, check host reachability and report configuration problems with advice."),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Registered server name."),
		),
	)
	s.addTool(diagnoseConnectionTool, s.handleDiagnoseConnection)
}

// Tools returns the static catalog for tools/list.
func (s *Server) Tools() []mcp.Tool {
	out := make([]mcp.Tool, 0, len(s.tools))
	for _, e := range s.tools {
		out = append(out, e.tool)
	}
	return out
}
