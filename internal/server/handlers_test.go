package server

import (
	"context"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"remote-terminal-go/internal/config"
	"remote-terminal-go/internal/connect"
	"remote-terminal-go/internal/testutil"
)

func newTestServer(t *testing.T) (*Server, *testutil.FakePane, *config.Store) {
	t.Helper()
	store := config.NewStore(filepath.Join(t.TempDir(), "config.yaml"), zap.NewNop())

	pane := testutil.NewFakePane()
	orch := connect.New(pane, zap.NewNop())
	orch.PollInterval = 0
	orch.RelayInterval = 0
	orch.SettleDelay = 0
	orch.Env.SettleDelay = 0
	orch.Env.InstallWait = 0
	orch.Sync.SettleDelay = 0
	orch.Sync.ProbeInterval = 0

	return New(store, orch, zap.NewNop(), "test"), pane, store
}

func callTool(t *testing.T, s *Server, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	handler, ok := s.toolIndex[name]
	require.True(t, ok, "tool %s not registered", name)
	request := mcp.CallToolRequest{}
	request.Params.Name = name
	request.Params.Arguments = args
	return s.callTool(context.Background(), name, handler, request)
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	text, ok := mcp.AsTextContent(res.Content[0])
	require.True(t, ok, "first content block is not text")
	return text.Text
}

func seedServer(t *testing.T, store *config.Store, cfg *config.ServerConfig) {
	t.Helper()
	require.NoError(t, store.EnsureExists())
	reg := config.NewRegistry()
	reg.Servers[cfg.Name] = cfg
	require.NoError(t, store.Save(reg, true))
}

func TestCatalogHasAllTools(t *testing.T) {
	s, _, _ := newTestServer(t)
	names := map[string]bool{}
	for _, tool := range s.Tools() {
		names[tool.Name] = true
	}
	for _, want := range []string{
		"list_servers", "get_server_info", "get_server_status",
		"connect_server", "disconnect_server", "execute_command",
		"run_local_command", "create_server_config", "continue_config_session",
		"update_server_config", "delete_server_config", "diagnose_connection",
	} {
		assert.True(t, names[want], "missing tool %s", want)
	}
	assert.Len(t, s.Tools(), 12)
}

func TestListServersSeedsExampleOnFirstRun(t *testing.T) {
	s, _, store := newTestServer(t)
	require.NoError(t, store.EnsureExists())

	res := callTool(t, s, "list_servers", nil)
	text := resultText(t, res)
	assert.Contains(t, text, config.ExampleServerName)
	assert.Contains(t, text, `"total": 1`)
}

func TestGetServerInfoRedactsPasswords(t *testing.T) {
	s, _, store := newTestServer(t)
	seedServer(t, store, &config.ServerConfig{
		Name: "alpha", Host: "10.0.0.1", Username: "bob", Password: "topsecret",
		Sync: &config.SyncConfig{Enabled: true, FTPPassword: "alsosecret"},
	})

	text := resultText(t, callTool(t, s, "get_server_info", map[string]interface{}{"name": "alpha"}))
	assert.NotContains(t, text, "topsecret")
	assert.NotContains(t, text, "alsosecret")
	assert.Contains(t, text, config.Mask)
	assert.Contains(t, text, "10.0.0.1")
}

func TestUnknownServerIsInBandError(t *testing.T) {
	s, _, store := newTestServer(t)
	require.NoError(t, store.EnsureExists())

	res := callTool(t, s, "get_server_info", map[string]interface{}{"name": "nope"})
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "not registered")
}

func TestConnectDisconnectCycle(t *testing.T) {
	s, pane, store := newTestServer(t)
	seedServer(t, store, &config.ServerConfig{Name: "alpha", Host: "10.0.0.1", Username: "bob"})
	pane.QueueCapture("bob@target:~$ ")

	text := resultText(t, callTool(t, s, "connect_server", map[string]interface{}{"name": "alpha"}))
	assert.Contains(t, text, "alpha_session")
	assert.Contains(t, text, "bob@target:~$")

	text = resultText(t, callTool(t, s, "disconnect_server", map[string]interface{}{"name": "alpha"}))
	assert.Contains(t, text, "terminated")
	alive, _ := pane.Exists(context.Background(), "alpha_session")
	assert.False(t, alive)

	// Reconnect after an explicit disconnect starts clean.
	res := callTool(t, s, "connect_server", map[string]interface{}{"name": "alpha"})
	assert.False(t, res.IsError)
	assert.Equal(t, []string{"alpha_session", "alpha_session", "alpha_session"}, pane.KillCalls,
		"each connect and the disconnect kill the session")
}

func TestConnectWithoutForceReusesLiveSession(t *testing.T) {
	s, pane, store := newTestServer(t)
	seedServer(t, store, &config.ServerConfig{Name: "alpha", Host: "10.0.0.1", Username: "bob"})
	require.NoError(t, pane.Create(context.Background(), "alpha_session", ""))
	pane.QueueCapture("bob@target:~$ ")

	text := resultText(t, callTool(t, s, "connect_server",
		map[string]interface{}{"name": "alpha", "force_recreate": false}))
	assert.Contains(t, text, "Already connected")
	assert.Empty(t, pane.KillCalls)
}

func TestGetServerStatus(t *testing.T) {
	s, pane, store := newTestServer(t)
	seedServer(t, store, &config.ServerConfig{Name: "alpha", Host: "h", Username: "bob"})

	require.NoError(t, pane.Create(context.Background(), "beta_session", ""))
	text := resultText(t, callTool(t, s, "get_server_status", map[string]interface{}{"name": "alpha"}))
	assert.Contains(t, text, `"exists": false`)
	assert.Contains(t, text, "beta_session", "absent session lists the ones this tool owns")

	require.NoError(t, pane.Create(context.Background(), "alpha_session", ""))
	pane.QueueCapture("some output\nbob@target:~$ ")
	text = resultText(t, callTool(t, s, "get_server_status", map[string]interface{}{"name": "alpha"}))
	assert.Contains(t, text, `"exists": true`)
	assert.Contains(t, text, "some output")
}

func TestExecuteCommandRequiresSession(t *testing.T) {
	s, _, store := newTestServer(t)
	seedServer(t, store, &config.ServerConfig{Name: "alpha", Host: "h", Username: "bob"})

	res := callTool(t, s, "execute_command", map[string]interface{}{"name": "alpha", "command": "ls"})
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "connect_server")
}

func TestRunLocalCommand(t *testing.T) {
	s, _, _ := newTestServer(t)
	text := resultText(t, callTool(t, s, "run_local_command",
		map[string]interface{}{"command": "echo hello-local"}))
	assert.Contains(t, text, "hello-local")
	assert.Contains(t, text, `"exit_code": 0`)
}

func TestCreateServerConfigDirectMode(t *testing.T) {
	s, _, store := newTestServer(t)

	res := callTool(t, s, "create_server_config", map[string]interface{}{
		"interactive": false,
		"name":        "my-svr",
		"host":        "10.0.0.1",
		"username":    "bob",
	})
	assert.False(t, res.IsError)
	assert.Contains(t, resultText(t, res), "my-svr")

	cfg, found, err := store.Get("my-svr")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 22, cfg.Port, "port defaults to 22")
	assert.Equal(t, config.ConnectionSSH, cfg.ConnectionType)
}

func TestCreateServerConfigDirectModeValidates(t *testing.T) {
	s, _, _ := newTestServer(t)
	res := callTool(t, s, "create_server_config", map[string]interface{}{
		"interactive": false,
		"name":        "my-svr",
		"username":    "bob",
	})
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "host")
}

var sessionIDRe = regexp.MustCompile(`config_\d+`)

func TestWizardFlowThroughTools(t *testing.T) {
	s, _, store := newTestServer(t)

	text := resultText(t, callTool(t, s, "create_server_config", nil))
	assert.Contains(t, text, "step 1/7")
	sessionID := sessionIDRe.FindString(text)
	require.NotEmpty(t, sessionID)

	cont := func(field, value string) string {
		return resultText(t, callTool(t, s, "continue_config_session", map[string]interface{}{
			"session_id":  sessionID,
			"field_name":  field,
			"field_value": value,
		}))
	}

	text = cont("name", "my-svr")
	assert.Contains(t, text, "host")

	// Validator refusal keeps the session where it was.
	cont("host", "10.0.0.1")
	cont("username", "bob")
	text = cont("port", "99999")
	assert.Contains(t, text, "validation")
	text = cont("port", "22")
	assert.Contains(t, text, "connection_type")

	cont("connection_type", "ssh")
	cont("docker_enabled", "no")
	text = cont("sync_enabled", "no")
	assert.Contains(t, text, "saved")

	cfg, found, err := store.Get("my-svr")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "10.0.0.1", cfg.Host)

	// The session is gone once materialized.
	res := callTool(t, s, "continue_config_session", map[string]interface{}{
		"session_id": sessionID, "field_name": "name", "field_value": "x",
	})
	assert.True(t, res.IsError)
}

func TestUpdateServerConfigPartialMerge(t *testing.T) {
	s, _, store := newTestServer(t)
	seedServer(t, store, &config.ServerConfig{
		Name: "alpha", Host: "old.host", Username: "bob", Port: 22,
		Description: "keep me",
	})

	res := callTool(t, s, "update_server_config", map[string]interface{}{
		"name":        "alpha",
		"interactive": false,
		"host":        "new.host",
	})
	assert.False(t, res.IsError)

	cfg, _, err := store.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, "new.host", cfg.Host)
	assert.Equal(t, "bob", cfg.Username)
	assert.Equal(t, "keep me", cfg.Description)
}

func TestUpdateServerConfigInteractiveSeedsWizard(t *testing.T) {
	s, _, store := newTestServer(t)
	seedServer(t, store, &config.ServerConfig{Name: "alpha", Host: "old.host", Username: "bob"})

	text := resultText(t, callTool(t, s, "update_server_config", map[string]interface{}{"name": "alpha"}))
	assert.Contains(t, text, "alpha", "existing name shows as the default")
	assert.NotEmpty(t, sessionIDRe.FindString(text))
}

func TestDeleteServerConfigIdempotent(t *testing.T) {
	s, _, store := newTestServer(t)
	seedServer(t, store, &config.ServerConfig{Name: "alpha", Host: "h", Username: "bob"})

	text := resultText(t, callTool(t, s, "delete_server_config", map[string]interface{}{"name": "alpha"}))
	assert.Contains(t, text, "deleted")

	_, found, err := store.Get("alpha")
	require.NoError(t, err)
	assert.False(t, found)

	text = resultText(t, callTool(t, s, "delete_server_config", map[string]interface{}{"name": "alpha"}))
	assert.Contains(t, text, "nothing to delete")
}

func TestDiagnoseConnectionTool(t *testing.T) {
	s, pane, store := newTestServer(t)
	seedServer(t, store, &config.ServerConfig{Name: "alpha", Host: "203.0.113.7", Username: "bob"})
	require.NoError(t, pane.Create(context.Background(), "alpha_session", ""))
	pane.QueueCapture("bob@target:~$ ")

	text := resultText(t, callTool(t, s, "diagnose_connection", map[string]interface{}{"name": "alpha"}))
	assert.Contains(t, text, "alpha_session")
	assert.Contains(t, text, "shell prompt")
}

func TestMissingRequiredParameterIsInBand(t *testing.T) {
	s, _, _ := newTestServer(t)
	res := callTool(t, s, "get_server_info", nil)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "name")
}

func TestHandlerPanicIsContained(t *testing.T) {
	s, _, _ := newTestServer(t)
	panicking := func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		panic("boom")
	}
	res := s.callTool(context.Background(), "exploding_tool", panicking, mcp.CallToolRequest{})
	require.NotNil(t, res)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "internal error")
}
