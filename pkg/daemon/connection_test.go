package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cernvm/webapid/pkg/hypervisor"
	"github.com/cernvm/webapid/pkg/hypervisor/hvfake"
	"github.com/cernvm/webapid/pkg/telemetry"
	"github.com/cernvm/webapid/pkg/wire"
)

func TestHandshake(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	env.conn.HandleAction("r1", "handshake", actionParams(t, `{"version":"1.0"}`))

	replies := env.sender.replies()
	require.Len(t, replies, 1)
	assert.Equal(t, "r1", replies[0].ID)
	assert.Equal(t, map[string]any{"version": Version}, replies[0].Data)

	priv := env.sender.events(wire.EventPrivileged)
	require.Len(t, priv, 1)
	assert.Equal(t, []any{false}, priv[0].Data)
	assert.False(t, env.conn.Privileged())
}

func TestHandshakeAuthKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		auth       string
		privileged bool
	}{
		{name: "valid key grants privilege", auth: "letmein", privileged: true},
		{name: "wrong key stays unprivileged", auth: "nope", privileged: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t)
			env.ks.authKey = "letmein"

			env.conn.HandleAction("r1", "handshake", actionParams(t, `{"auth":"`+tt.auth+`"}`))
			assert.Equal(t, tt.privileged, env.conn.Privileged())

			priv := env.sender.events(wire.EventPrivileged)
			require.Len(t, priv, 1)
			assert.Equal(t, []any{tt.privileged}, priv[0].Data)
		})
	}
}

func TestRequestSessionMissingVMCP(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	env.conn.HandleAction("r1", "requestSession", actionParams(t, `{}`))

	errs := env.sender.errors()
	require.Len(t, errs, 1)
	assert.Equal(t, "Missing 'vmcp' parameter", errs[0].Data.Message)
}

func TestRequestSessionHappyPath(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	// An existing session needs no consent prompt.
	env.driver.ValidateResult = hypervisor.ValidateExisting

	env.conn.HandleAction("r1", "requestSession", actionParams(t, `{"vmcp":"https://demo.cern.ch/vmcp"}`))

	succeed := env.sender.waitEvent(t, wire.EventSucceed)
	assert.Equal(t, "r1", succeed.ID)
	require.Len(t, succeed.Data, 2)
	assert.Equal(t, "Session open successfully", succeed.Data[0])

	env.sender.waitEvent(t, wire.EventStateChanged)

	// The page relies on this order: succeed, stateVariables, stateChanged.
	names := env.sender.eventNames()
	assert.Less(t, indexOf(names, wire.EventSucceed), indexOf(names, wire.EventStateVariables))
	assert.Less(t, indexOf(names, wire.EventStateVariables), indexOf(names, wire.EventStateChanged))

	// The salt and host id ride along on the VMCP request.
	assert.Contains(t, env.dl.requestedURL(), "https://demo.cern.ch/vmcp?cvm_salt=")
	assert.Contains(t, env.dl.requestedURL(), "&cvm_hostid=")

	// Progress reporting wrapped the workflow.
	assert.NotEmpty(t, env.sender.events(wire.EventProgressStarted))
	assert.NotEmpty(t, env.sender.events(wire.EventProgressCompleted))

	// No consent prompt was shown.
	assert.Empty(t, env.sender.events(wire.EventInteract))
}

func TestRequestSessionNewNeedsConsent(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	autoAnswer(ctx, env.conn, env.sender, UIOK)

	env.conn.HandleAction("r1", "requestSession", actionParams(t, `{"vmcp":"https://demo.cern.ch/vmcp"}`))

	env.sender.waitEvent(t, wire.EventSucceed)

	prompts := env.sender.events(wire.EventInteract)
	require.NotEmpty(t, prompts)
	require.Len(t, prompts[0].Data, 3)
	assert.Equal(t, wire.InteractConfirm, prompts[0].Data[0])
	assert.Equal(t, "New CernVM WebAPI Session", prompts[0].Data[1])
	assert.Contains(t, prompts[0].Data[2], "demo.cern.ch")
	assert.Contains(t, prompts[0].Data[2], "testvm")
}

func TestRequestSessionUntrustedDomain(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.ks.trusted = map[string]bool{}

	env.conn.HandleAction("r1", "requestSession", actionParams(t, `{"vmcp":"https://demo.cern.ch/vmcp"}`))

	failed := env.sender.waitEvent(t, wire.EventFailed)
	assert.Equal(t, []any{"The domain is not trusted", int(wire.CodeNotTrusted)}, failed.Data)
	assert.Empty(t, env.sender.events(wire.EventInteract), "no prompt may be shown for untrusted domains")
}

func TestRequestSessionInvalidStore(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.ks.valid = false

	env.conn.HandleAction("r1", "requestSession", actionParams(t, `{"vmcp":"https://demo.cern.ch/vmcp"}`))

	failed := env.sender.waitEvent(t, wire.EventFailed)
	assert.Equal(t, []any{"Unable to initialize cryptographic store", int(wire.CodeNotValidated)}, failed.Data)
}

func TestRequestSessionTamperedSignature(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.ks.sigCode = wire.CodeNotValidated

	env.conn.HandleAction("r1", "requestSession", actionParams(t, `{"vmcp":"https://demo.cern.ch/vmcp"}`))

	failed := env.sender.waitEvent(t, wire.EventFailed)
	assert.Equal(t, []any{"The VMCP response signature could not be validated", int(wire.CodeNotValidated)}, failed.Data)
	assert.Empty(t, env.sender.events(wire.EventSucceed))
}

func TestRequestSessionMalformedVMCPResponse(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.dl.body = "<html>not json</html>"

	env.conn.HandleAction("r1", "requestSession", actionParams(t, `{"vmcp":"https://demo.cern.ch/vmcp"}`))

	failed := env.sender.waitEvent(t, wire.EventFailed)
	assert.Equal(t, []any{"Unable to parse response data as JSON", int(wire.CodeQueryError)}, failed.Data)
}

func TestRequestSessionSchemaValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		body     string
		expected string
	}{
		{
			name:     "missing secret",
			body:     `{"name":"testvm","signature":"c2ln"}`,
			expected: "Missing 'secret' parameter from the VMCP response",
		},
		{
			name:     "diskURL without checksum",
			body:     `{"name":"testvm","secret":"x","signature":"c2ln","diskURL":"http://x/disk.img"}`,
			expected: "A 'diskURL' was specified, but no 'diskChecksum' was found in the VMCP response",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t)
			env.dl.body = tt.body

			env.conn.HandleAction("r1", "requestSession", actionParams(t, `{"vmcp":"https://demo.cern.ch/vmcp"}`))

			failed := env.sender.waitEvent(t, wire.EventFailed)
			assert.Equal(t, []any{tt.expected, int(wire.CodeUsageError)}, failed.Data)
		})
	}
}

func TestRequestSessionBadPassword(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	existing := hvfake.NewSession("uuid-exists")
	existing.Parameters().Set("name", "testvm")
	existing.Parameters().Set("secret", "different")
	env.driver.AddSession(existing)

	env.conn.HandleAction("r1", "requestSession", actionParams(t, `{"vmcp":"https://demo.cern.ch/vmcp"}`))

	failed := env.sender.waitEvent(t, wire.EventFailed)
	assert.Equal(t, []any{"The password specified is invalid for this session", int(wire.CodePasswordDenied)}, failed.Data)
}

func TestRequestSessionThrottleBlocksAfterRepeatedDenials(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	autoAnswer(ctx, env.conn, env.sender, UICancel)

	// Three denials inside the window block the connection.
	for i := 0; i < env.core.cfg.ThrottleTries; i++ {
		env.conn.HandleAction("r1", "requestSession", actionParams(t, `{"vmcp":"https://demo.cern.ch/vmcp"}`))
		waitFailedCount(t, env.sender, i+1)
	}

	denied := env.sender.events(wire.EventFailed)
	for _, ev := range denied {
		assert.Equal(t, "User denied the allocation of new session", ev.Data[0])
	}

	// The next request fails fast, before any prompt.
	prompts := len(env.sender.events(wire.EventInteract))
	env.conn.HandleAction("r4", "requestSession", actionParams(t, `{"vmcp":"https://demo.cern.ch/vmcp"}`))
	waitFailedCount(t, env.sender, env.core.cfg.ThrottleTries+1)

	all := env.sender.events(wire.EventFailed)
	last := all[len(all)-1]
	assert.Equal(t, []any{"Request denied by throttle protection", int(wire.CodeAccessDenied)}, last.Data)
	assert.Len(t, env.sender.events(wire.EventInteract), prompts, "throttled request must not prompt")
}

func TestRequestSessionAcceptResetsThrottle(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	autoAnswer(ctx, env.conn, env.sender, UICancel)

	env.conn.HandleAction("r1", "requestSession", actionParams(t, `{"vmcp":"https://demo.cern.ch/vmcp"}`))
	waitFailedCount(t, env.sender, 1)
	cancel()

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	autoAnswer(ctx2, env.conn, env.sender, UIOK)

	env.conn.HandleAction("r2", "requestSession", actionParams(t, `{"vmcp":"https://demo.cern.ch/vmcp"}`))
	env.sender.waitEvent(t, wire.EventSucceed)
	assert.False(t, env.conn.throttle.isBlocked())
}

func TestCleanupDuringPromptEndsSilently(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	env.conn.HandleAction("r1", "requestSession", actionParams(t, `{"vmcp":"https://demo.cern.ch/vmcp"}`))
	env.sender.waitEvent(t, wire.EventInteract)

	env.conn.Cleanup()

	// No terminal event: the page is gone, nobody is listening.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, env.sender.events(wire.EventSucceed))
	assert.Empty(t, env.sender.events(wire.EventFailed))
}

func TestUnknownSessionID(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	env.conn.HandleAction("r1", "start", actionParams(t, `{"session_id":99}`))

	errs := env.sender.errors()
	require.Len(t, errs, 1)
	assert.Equal(t, "Unable to find a session with the specified session id!", errs[0].Data.Message)
}

func TestUnknownActionIgnored(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	env.conn.HandleAction("r1", "definitelyNotAnAction", actionParams(t, `{}`))

	assert.Empty(t, env.sender.all())
}

func TestPrivilegedActionsRequirePrivilege(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	stopped := false
	env.core.SetShutdown(func() { stopped = true })

	env.conn.HandleAction("r1", "stopService", actionParams(t, `{}`))
	assert.False(t, stopped)
	assert.True(t, env.core.Running())

	env.conn.HandleAction("r2", "enumSessions", actionParams(t, `{}`))
	assert.Empty(t, env.sender.replies())
}

func TestStopService(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.ks.authKey = "letmein"

	stopped := make(chan struct{})
	env.core.SetShutdown(func() { close(stopped) })

	env.conn.HandleAction("r1", "handshake", actionParams(t, `{"auth":"letmein"}`))
	env.conn.HandleAction("r2", "stopService", actionParams(t, `{}`))

	select {
	case <-stopped:
	case <-time.After(testWait):
		t.Fatal("shutdown was not requested")
	}
	assert.False(t, env.core.Running())
}

func TestEnumSessions(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.ks.authKey = "letmein"
	env.conn.HandleAction("r1", "handshake", actionParams(t, `{"auth":"letmein"}`))

	sess := hvfake.NewSession("uuid-1")
	sess.Parameters().Set("name", "testvm")
	env.driver.AddSession(sess)

	env.conn.HandleAction("r2", "enumSessions", actionParams(t, `{}`))

	replies := env.sender.replies()
	require.Len(t, replies, 2) // handshake + enumSessions
	data, ok := replies[1].Data.(map[string]any)
	require.True(t, ok)
	sessions, ok := data["sessions"].([]any)
	require.True(t, ok)
	require.Len(t, sessions, 1)
	entry := sessions[0].(map[string]any)
	assert.Equal(t, "uuid-1", entry["uuid"])
}

func TestControlSessionValidation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.ks.authKey = "letmein"
	env.conn.HandleAction("r1", "handshake", actionParams(t, `{"auth":"letmein"}`))

	env.conn.HandleAction("r2", "controlSession", actionParams(t, `{"action":"poweroff"}`))
	errs := env.sender.errors()
	require.Len(t, errs, 1)
	assert.Equal(t, "Missing 'session' parameter", errs[0].Data.Message)

	env.conn.HandleAction("r3", "controlSession", actionParams(t, `{"session":"uuid-1"}`))
	errs = env.sender.errors()
	require.Len(t, errs, 2)
	assert.Equal(t, "Missing 'action' parameter", errs[1].Data.Message)

	env.conn.HandleAction("r4", "controlSession", actionParams(t, `{"session":"uuid-1","action":"poweroff"}`))
	replies := env.sender.replies()
	require.Len(t, replies, 2)
	assert.Equal(t, "r4", replies[1].ID)
}

func TestInstallerSingleFlight(t *testing.T) {
	t.Parallel()

	// No hypervisor anywhere: requestSession branches to the installer.
	ks := newFakeKeystore("demo.cern.ch")
	core := NewCore(testConfig(t), ks, &fakeDownloader{body: vmcpBody}, &staticDetector{}, nil, telemetry.New())

	sender := &recordingSender{}
	conn := NewConnection(context.Background(), core, "demo.cern.ch", sender)
	t.Cleanup(conn.Cleanup)

	conn.HandleAction("r1", "requestSession", actionParams(t, `{"vmcp":"https://demo.cern.ch/vmcp"}`))

	prompt := sender.waitEvent(t, wire.EventInteract)
	assert.Equal(t, "Hypervisor required", prompt.Data[1])
	assert.True(t, core.InstallInProgress())

	// A concurrent request from another page is refused while the
	// installation runs.
	sender2 := &recordingSender{}
	conn2 := NewConnection(context.Background(), core, "demo.cern.ch", sender2)
	t.Cleanup(conn2.Cleanup)
	conn2.HandleAction("r1", "requestSession", actionParams(t, `{"vmcp":"https://demo.cern.ch/vmcp"}`))

	failed := sender2.waitEvent(t, wire.EventFailed)
	assert.Equal(t, []any{
		"A hypervisor installation is in progress please wait until it's finished and try again.",
		int(wire.CodeUsageError),
	}, failed.Data)

	// Declining the install fails the original request and frees the slot.
	pm := hypervisor.NewParameterMap()
	pm.Set("result", "0")
	conn.HandleAction("", "interactionCallback", pm)

	failed = sender.waitEvent(t, wire.EventFailed)
	assert.Equal(t, []any{
		"You must have a hypervisor installed in your system to continue.",
		int(wire.CodeUsageError),
	}, failed.Data)

	require.Eventually(t, func() bool { return !core.InstallInProgress() }, testWait, 5*time.Millisecond)
}

func TestThrottleAccounting(t *testing.T) {
	t.Parallel()

	var th throttle
	window := 5 * time.Second

	assert.False(t, th.noteDeny(window, 3))
	assert.False(t, th.noteDeny(window, 3))
	assert.True(t, th.noteDeny(window, 3))
	assert.True(t, th.isBlocked())

	// reset clears the accounting so denials start counting from scratch.
	var th2 throttle
	assert.False(t, th2.noteDeny(window, 3))
	th2.reset()
	assert.False(t, th2.noteDeny(window, 3))
	assert.False(t, th2.noteDeny(window, 3))
	assert.False(t, th2.isBlocked())
}

func indexOf(names []string, name string) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}
	return -1
}

func waitFailedCount(t *testing.T, sender *recordingSender, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(sender.events(wire.EventFailed)) >= n
	}, testWait, 2*time.Millisecond)
}
