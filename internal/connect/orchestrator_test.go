package connect

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"remote-terminal-go/internal/config"
	"remote-terminal-go/internal/testutil"
	"remote-terminal-go/internal/tmux"
)

func newTestOrchestrator(pane *testutil.FakePane) *Orchestrator {
	o := New(pane, zap.NewNop())
	o.PollInterval = 0
	o.RelayInterval = 0
	o.SettleDelay = 0
	o.Env.SettleDelay = 0
	o.Env.InstallWait = 0
	o.Sync.SettleDelay = 0
	o.Sync.ProbeInterval = 0
	return o
}

func sshServer() *config.ServerConfig {
	cfg := &config.ServerConfig{Name: "alpha", Host: "10.0.0.1", Username: "bob"}
	cfg.Normalize()
	return cfg
}

func TestConnectSSHSuccess(t *testing.T) {
	pane := testutil.NewFakePane()
	pane.QueueCapture("Last login: Mon\nbob@target:~$ ")

	res, err := newTestOrchestrator(pane).Connect(context.Background(), sshServer(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "alpha_session", res.SessionName)
	assert.Equal(t, "bob@target:~$", res.Prompt)
	assert.Empty(t, res.Warnings)

	// Kill-then-create, unconditionally.
	assert.Equal(t, []string{"alpha_session"}, pane.KillCalls)
	assert.Equal(t, []string{"alpha_session"}, pane.CreateCalls)
	sent := pane.Sent("alpha_session")
	require.NotEmpty(t, sent)
	assert.Equal(t, "ssh -p 22 bob@10.0.0.1", sent[0])
}

func TestConnectRebuildsSessionEachTime(t *testing.T) {
	pane := testutil.NewFakePane()
	pane.QueueCapture("bob@target:~$ ")
	o := newTestOrchestrator(pane)

	_, err := o.Connect(context.Background(), sshServer(), time.Second)
	require.NoError(t, err)
	_, err = o.Connect(context.Background(), sshServer(), time.Second)
	require.NoError(t, err)

	assert.Equal(t, []string{"alpha_session", "alpha_session"}, pane.KillCalls)
	assert.Equal(t, []string{"alpha_session", "alpha_session"}, pane.CreateCalls)
	alive, err := pane.Exists(context.Background(), "alpha_session")
	require.NoError(t, err)
	assert.True(t, alive)
}

func TestConnectSSHFatalPreservesPane(t *testing.T) {
	pane := testutil.NewFakePane()
	pane.QueueCapture("bob@10.0.0.1: Permission denied (publickey).")

	_, err := newTestOrchestrator(pane).Connect(context.Background(), sshServer(), time.Second)
	require.Error(t, err)
	var fatal *FatalConnError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, "Permission denied", fatal.Phrase)

	// Only the initial rebuild kill; the failed pane stays for diagnosis.
	assert.Equal(t, []string{"alpha_session"}, pane.KillCalls)
	alive, _ := pane.Exists(context.Background(), "alpha_session")
	assert.True(t, alive)
}

func TestConnectRelayWithJumpHost(t *testing.T) {
	pane := testutil.NewFakePane()
	pane.QueueCapture(
		"-bash-baidu-ssl$ ",          // relay ready
		"bob@jump:~$ ",               // jump-host shell
		"Last login\nbob@target:~$ ", // target shell
	)

	cfg := &config.ServerConfig{
		Name:           "beta",
		Host:           "target.internal",
		Username:       "bob",
		ConnectionType: config.ConnectionRelay,
		JumpHost: &config.JumpHostConfig{
			Host:     "jump.internal",
			Username: "ops",
			Port:     2222,
			Password: "jumppw",
		},
	}
	cfg.Normalize()

	res, err := newTestOrchestrator(pane).Connect(context.Background(), cfg, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "beta_session", res.SessionName)

	sent := pane.Sent("beta_session")
	require.GreaterOrEqual(t, len(sent), 4)
	assert.Equal(t, "relay-cli", sent[0])
	assert.Equal(t, "ssh -p 2222 ops@jump.internal", sent[1])
	assert.Equal(t, "jumppw", sent[2], "jump password sent once, before the target hop")
	assert.Equal(t, "ssh -p 22 bob@target.internal", sent[3])
	assert.Equal(t, 1, strings.Count(strings.Join(sent, "\n"), "jumppw"))
}

func TestConnectRelayTimeoutHintsInteractiveAuth(t *testing.T) {
	pane := testutil.NewFakePane()
	pane.QueueCapture("please scan the QR code")

	cfg := &config.ServerConfig{Name: "beta", Host: "t", Username: "bob", ConnectionType: config.ConnectionRelay}
	cfg.Normalize()

	o := newTestOrchestrator(pane)
	o.RelayTimeout = time.Millisecond
	_, err := o.Connect(context.Background(), cfg, time.Second)
	require.Error(t, err)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Contains(t, te.Error(), "interactive authentication")
	assert.Contains(t, te.Error(), "QR code")
}

func TestConnectEntersRunningContainer(t *testing.T) {
	pane := testutil.NewFakePane()
	pane.QueueCapture(
		"bob@target:~$ ",     // ssh shell
		"rt-docker-0-true",   // inspect: running
		"root@dev-box:/# ",   // inside container
	)

	cfg := sshServer()
	cfg.Docker = &config.DockerConfig{ContainerName: "dev-box", Image: "ubuntu:20.04"}

	res, err := newTestOrchestrator(pane).Connect(context.Background(), cfg, time.Second)
	require.NoError(t, err)
	assert.Contains(t, res.Prompt, "dev-box")

	sent := strings.Join(pane.Sent("alpha_session"), "\n")
	assert.Contains(t, sent, "docker exec -it dev-box bash")
	assert.NotContains(t, sent, "docker run")
	assert.NotContains(t, sent, "docker start")
}

func TestConnectAutoCreatesContainer(t *testing.T) {
	pane := testutil.NewFakePane()
	pane.QueueCapture(
		"bob@target:~$ ",      // ssh shell
		"rt-docker-0-missing", // inspect: absent
		"rt-docker-1-true",    // running after docker run
		"root@dev-box:/# ",    // inside container
	)

	cfg := sshServer()
	cfg.Docker = &config.DockerConfig{
		ContainerName: "dev-box",
		Image:         "ubuntu:20.04",
		AutoCreate:    true,
		Ports:         []string{"8080:80"},
		Volumes:       []string{"/data:/data"},
		RunOptions:    "--gpus all",
	}

	_, err := newTestOrchestrator(pane).Connect(context.Background(), cfg, time.Second)
	require.NoError(t, err)

	sent := strings.Join(pane.Sent("alpha_session"), "\n")
	assert.Contains(t, sent, "docker run -d --name dev-box -p 8080:80 -v /data:/data --gpus all ubuntu:20.04 tail -f /dev/null")
}

func TestConnectMissingContainerWithoutAutoCreateFails(t *testing.T) {
	pane := testutil.NewFakePane()
	pane.QueueCapture(
		"bob@target:~$ ",
		"rt-docker-0-missing",
	)

	cfg := sshServer()
	cfg.Docker = &config.DockerConfig{ContainerName: "dev-box"}

	_, err := newTestOrchestrator(pane).Connect(context.Background(), cfg, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auto_create is disabled")
}

// With the fake echoing sent commands into captures, as tmux does, the
// container check must classify on real inspect output, never on the
// echoed check command itself.
func TestConnectContainerCheckDespiteCommandEcho(t *testing.T) {
	pane := testutil.NewFakePane()
	pane.EchoSent = true
	pane.QueueCapture(
		"bob@target:~$ ",
		"rt-docker-0-true",
		"root@dev-box:/# ",
	)

	cfg := sshServer()
	cfg.Docker = &config.DockerConfig{ContainerName: "dev-box"}

	_, err := newTestOrchestrator(pane).Connect(context.Background(), cfg, time.Second)
	require.NoError(t, err)

	sent := strings.Join(pane.Sent("alpha_session"), "\n")
	assert.Contains(t, sent, "docker exec -it dev-box bash")
	assert.NotContains(t, sent, "docker run")
	assert.NotContains(t, sent, "docker start")
}

// Inspect output may land a beat after the command is sent; the check
// keeps capturing until the attempt's marker shows up.
func TestConnectContainerCheckOutlastsSlowInspect(t *testing.T) {
	pane := testutil.NewFakePane()
	pane.QueueCapture(
		"bob@target:~$ ",
		"bob@target:~$ ", // inspect output not on screen yet
		"rt-docker-0-true",
		"root@dev-box:/# ",
	)

	cfg := sshServer()
	cfg.Docker = &config.DockerConfig{ContainerName: "dev-box"}

	res, err := newTestOrchestrator(pane).Connect(context.Background(), cfg, time.Second)
	require.NoError(t, err)
	assert.Contains(t, res.Prompt, "dev-box")
}

func TestConnectStartsStoppedContainer(t *testing.T) {
	pane := testutil.NewFakePane()
	pane.QueueCapture(
		"bob@target:~$ ",
		"rt-docker-0-false",
		"rt-docker-1-true",
		"root@dev-box:/# ",
	)

	cfg := sshServer()
	cfg.Docker = &config.DockerConfig{ContainerName: "dev-box"}

	_, err := newTestOrchestrator(pane).Connect(context.Background(), cfg, time.Second)
	require.NoError(t, err)
	assert.Contains(t, strings.Join(pane.Sent("alpha_session"), "\n"), "docker start dev-box")
}

func TestExecuteReturnsNewOutput(t *testing.T) {
	pane := testutil.NewFakePane()
	require.NoError(t, pane.Create(context.Background(), "alpha_session", ""))
	pane.QueueCapture(
		"bob@target:~$ ",                        // before snapshot
		"bob@target:~$ ls\nfile1\nfile2\nbob@target:~$ ", // after
	)

	out, err := newTestOrchestrator(pane).Execute(context.Background(), sshServer(), "ls", time.Second)
	require.NoError(t, err)
	assert.Contains(t, out, "file1")
	assert.Contains(t, out, "file2")
	assert.NotContains(t, out, "ls\n")
}

func TestExecuteWithoutSessionFails(t *testing.T) {
	pane := testutil.NewFakePane()
	_, err := newTestOrchestrator(pane).Execute(context.Background(), sshServer(), "ls", time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect_server")
}

func TestExecuteTimeoutPreservesPane(t *testing.T) {
	pane := testutil.NewFakePane()
	require.NoError(t, pane.Create(context.Background(), "alpha_session", ""))
	pane.QueueCapture("bob@target:~$ ") // output never changes

	_, err := newTestOrchestrator(pane).Execute(context.Background(), sshServer(), "sleep 999", 10*time.Millisecond)
	require.Error(t, err)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)

	alive, _ := pane.Exists(context.Background(), "alpha_session")
	assert.True(t, alive)
	assert.Empty(t, pane.KillCalls)
}

func TestDisconnectIdempotent(t *testing.T) {
	pane := testutil.NewFakePane()
	o := newTestOrchestrator(pane)
	cfg := sshServer()

	require.NoError(t, o.Disconnect(context.Background(), cfg))
	require.NoError(t, o.Disconnect(context.Background(), cfg))
	assert.Equal(t, []string{"alpha_session", "alpha_session"}, pane.KillCalls)
}

func TestStatusAndAlreadyConnected(t *testing.T) {
	pane := testutil.NewFakePane()
	o := newTestOrchestrator(pane)
	cfg := sshServer()

	exists, _, err := o.Status(context.Background(), cfg)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.False(t, o.AlreadyConnected(context.Background(), cfg))

	require.NoError(t, pane.Create(context.Background(), "alpha_session", ""))
	pane.QueueCapture("bob@target:~$ ")
	assert.True(t, o.AlreadyConnected(context.Background(), cfg))
}

func TestOwnedSessionsFiltersForeignSessions(t *testing.T) {
	pane := testutil.NewFakePane()
	require.NoError(t, pane.Create(context.Background(), "alpha_session", ""))
	require.NoError(t, pane.Create(context.Background(), "beta_session", ""))
	require.NoError(t, pane.Create(context.Background(), "someone-elses-tmux", ""))

	owned, err := newTestOrchestrator(pane).OwnedSessions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha_session", "beta_session"}, owned)
}

func TestDiagnoseReportsPaneAndConfig(t *testing.T) {
	oldPing := pingFunc
	pingFunc = func(_ context.Context, _ string) (bool, string) { return false, "100% packet loss" }
	defer func() { pingFunc = oldPing }()

	pane := testutil.NewFakePane()
	require.NoError(t, pane.Create(context.Background(), "alpha_session", ""))
	pane.QueueCapture("ssh: connect to host 10.0.0.1 port 22: Connection refused")

	cfg := sshServer()
	cfg.Sync = &config.SyncConfig{Enabled: true}

	report := newTestOrchestrator(pane).Diagnose(context.Background(), cfg)
	assert.Contains(t, report, "alpha_session: running")
	assert.Contains(t, report, "Connection refused")
	assert.Contains(t, report, "did not answer ping")
	assert.Contains(t, report, "remote_workspace is empty")
	assert.Contains(t, report, "local_workspace is empty")
}

func TestConnectRunsEnvironmentAndSync(t *testing.T) {
	old := tmux.TransferDelay
	tmux.TransferDelay = 0
	defer func() { tmux.TransferDelay = old }()

	pane := testutil.NewFakePane()
	pane.QueueCapture(
		"bob@target:~$ ",   // ssh shell
		"rt-docker-0-true", // container running
		"root@dev-box:/# ", // inside container
		"rt-zsh-present", // zsh check
		"rt-rc-present-.zshrc",
		"rt-rc-present-.p10k.zsh",
		"rt-rc-present-.zsh_history",
		"root@dev-box:/# ", // after exec zsh
		"rt-port-open",     // ftp port probe
	)

	cfg := sshServer()
	cfg.Docker = &config.DockerConfig{ContainerName: "dev-box", Shell: "zsh"}
	cfg.Sync = &config.SyncConfig{
		Enabled:         true,
		RemoteWorkspace: "/workspace",
		LocalWorkspace:  t.TempDir(),
		FTPPort:         8021,
		FTPUser:         "ftpuser",
		FTPPassword:     "pw",
	}

	res, err := newTestOrchestrator(pane).Connect(context.Background(), cfg, time.Second)
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)

	sent := strings.Join(pane.Sent("alpha_session"), "\n")
	assert.Contains(t, sent, "exec zsh")
	assert.Contains(t, sent, "sh start.sh")
}
