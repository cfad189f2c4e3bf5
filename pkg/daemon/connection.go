package daemon

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cernvm/webapid/pkg/hypervisor"
	"github.com/cernvm/webapid/pkg/logger"
	"github.com/cernvm/webapid/pkg/wire"
	"github.com/cernvm/webapid/pkg/workers"
)

// Version is the protocol version reported in the handshake reply.
const Version = "2.0.0"

// callbackFw correlates workflow events with the action that started them:
// every fire emits one event frame tagged with the originating request id.
type callbackFw struct {
	conn    *Connection
	eventID string
}

func (cb *callbackFw) fire(name string, args ...any) {
	cb.conn.sendEvent(name, cb.eventID, args...)
}

// fail emits the terminal failed event with a message and wire code.
func (cb *callbackFw) fail(message string, code wire.Code) {
	cb.conn.core.Metrics().SessionRequests.WithLabelValues(code.String()).Inc()
	cb.fire(wire.EventFailed, message, int(code))
}

// throttle is the per-connection denial accounting. A user that keeps
// refusing consent prompts within the window blocks the connection from
// creating sessions until it reconnects.
type throttle struct {
	mu        sync.Mutex
	timestamp time.Time
	denies    int
	blocked   bool
}

// noteDeny records one consent denial and reports whether the connection
// just became blocked.
func (t *throttle) noteDeny(window time.Duration, tries int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	if !t.timestamp.IsZero() && now.Sub(t.timestamp) <= window {
		t.denies++
		if t.denies >= tries {
			t.blocked = true
		}
	} else {
		t.denies = 1
		t.timestamp = now
	}
	return t.blocked
}

// reset clears the accounting after an accepted prompt.
func (t *throttle) reset() {
	t.mu.Lock()
	t.timestamp = time.Time{}
	t.denies = 0
	t.mu.Unlock()
}

func (t *throttle) isBlocked() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.blocked
}

// Connection is the per-WebSocket orchestrator. It routes inbound actions,
// owns the worker pool that runs long workflows, gates privileged actions,
// and coordinates teardown when the socket closes.
type Connection struct {
	core   *Core
	domain string
	sender wire.Sender

	ui   *Interaction
	pool *workers.Pool
	gate workers.DrainGate

	alive      atomic.Bool
	privileged atomic.Bool

	// installOwned marks that this connection started the process-wide
	// installer workflow; cleared on cleanup regardless of outcome.
	installOwned atomic.Bool

	throttle throttle
}

// NewConnection builds the actor for one WebSocket. domain is the page
// origin; sender delivers outbound frames.
func NewConnection(ctx context.Context, core *Core, domain string, sender wire.Sender) *Connection {
	c := &Connection{
		core:   core,
		domain: domain,
		sender: sender,
		pool:   workers.NewPool(ctx),
	}
	c.alive.Store(true)
	c.ui = NewInteraction(func(kind, title, body string) {
		core.Metrics().InteractionsPrompts.Inc()
		c.sendEvent(wire.EventInteract, "", kind, title, body)
	})
	core.Metrics().ConnectionsOpen.Inc()
	return c
}

// Domain returns the origin this connection authenticated as.
func (c *Connection) Domain() string { return c.domain }

// Privileged reports whether the handshake presented a valid auth key.
func (c *Connection) Privileged() bool { return c.privileged.Load() }

// sendReply emits a reply frame unless the connection is torn down.
func (c *Connection) sendReply(id string, data any) {
	if c.alive.Load() {
		c.sender.Send(wire.NewReply(id, data))
	}
}

// sendEvent emits an event frame unless the connection is torn down.
func (c *Connection) sendEvent(name, id string, args ...any) {
	if c.alive.Load() {
		c.sender.Send(wire.NewEvent(name, id, args...))
	}
}

// sendError emits an error frame unless the connection is torn down.
func (c *Connection) sendError(id, message string) {
	if c.alive.Load() {
		c.sender.Send(wire.NewError(id, message))
	}
}

// HandleAction routes one inbound action frame. Actions from the same
// socket arrive in order; long-running work is pushed to workers, so their
// completions may interleave.
func (c *Connection) HandleAction(id, action string, params *hypervisor.ParameterMap) {
	release := c.gate.Use()
	defer release()
	if !c.alive.Load() {
		return
	}

	switch action {
	case "handshake":
		c.handleHandshake(id, params)
		return

	case "interactionCallback":
		if !params.Contains("result") {
			c.sendError(id, "Missing 'result' parameter")
			return
		}
		c.ui.Deliver(params.GetNum("result", UICancel))
		return

	case "requestSession":
		c.handleRequestSession(id, params)
		return
	}

	// Session-scoped actions carry a session_id parameter.
	if params.Contains("session_id") {
		sessionID := params.GetNum("session_id", -1)
		params.Erase("session_id")

		record := c.core.SessionByID(sessionID)
		if record == nil {
			c.sendError(id, "Unable to find a session with the specified session id!")
			return
		}
		c.spawnSessionAction(record, id, action, params)
		return
	}

	if c.privileged.Load() {
		switch action {
		case "stopService":
			c.core.RequestShutdown()
			return

		case "enumSessions":
			c.handleEnumSessions(id)
			return

		case "controlSession":
			c.handleControlSession(id, params)
			return
		}
	}

	// Unknown actions are silently ignored for wire compatibility.
	logger.Debugf("Ignoring unknown action %q from %s", action, c.domain)
}

// handleHandshake replies with the daemon version, validates an optional
// privileged auth key, and reports the privilege outcome as an event.
func (c *Connection) handleHandshake(id string, params *hypervisor.ParameterMap) {
	c.sendReply(id, map[string]any{"version": Version})

	if params.Contains("auth") {
		c.privileged.Store(c.core.Keystore().AuthKeyValid(params.Get("auth", "")))
	}
	c.sendEvent(wire.EventPrivileged, "", c.privileged.Load())
}

// handleRequestSession validates the request and schedules the session
// workflow (or the installer workflow) on a worker.
func (c *Connection) handleRequestSession(id string, params *hypervisor.ParameterMap) {
	if !params.Contains("vmcp") {
		c.sendError(id, "Missing 'vmcp' parameter")
		return
	}
	vmcpURL := params.Get("vmcp", "")
	cb := &callbackFw{conn: c, eventID: id}

	// Blocked connections fail fast, before any user interaction.
	if c.throttle.isBlocked() {
		cb.fail("Request denied by throttle protection", wire.CodeAccessDenied)
		return
	}

	// Re-check the hypervisor if the handle is missing.
	ctx, cancel := context.WithTimeout(context.Background(), lifecycleTimeout)
	c.core.SyncHypervisor(ctx)
	cancel()

	hv := c.core.Hypervisor()
	if hv != nil && hypervisor.VersionAtLeast(hv.Version(), c.core.cfg.MinHypervisorVersion) {
		c.spawnWorker(func(ctx context.Context) {
			c.runRequestSession(ctx, cb, vmcpURL)
		})
		return
	}

	// No usable hypervisor: branch to the installer workflow. Only one
	// installation may run process-wide.
	if !c.core.TryBeginInstall() {
		cb.fail("A hypervisor installation is in progress please wait until it's finished and try again.", wire.CodeUsageError)
		return
	}
	c.installOwned.Store(true)

	c.spawnWorker(func(ctx context.Context) {
		c.runInstallAndRequestSession(ctx, cb, vmcpURL)
	})
}

// handleEnumSessions lists every session known to the hypervisor.
func (c *Connection) handleEnumSessions(id string) {
	hv := c.core.Hypervisor()
	if hv == nil {
		c.sendReply(id, map[string]any{"sessions": []any{}})
		return
	}

	sessions := make([]any, 0)
	for uuid, hvSession := range hv.Sessions() {
		entry := map[string]any{
			"uuid": uuid,
			"config": map[string]any{
				"state":  hvSession.Local().GetNum("state", hypervisor.StateClosed),
				"config": hvSession.Parameters().Snapshot(),
			},
		}
		if record := c.core.sessionByUUID(uuid); record != nil {
			entry["config"] = record.stateInfo()
		}
		sessions = append(sessions, entry)
	}
	c.sendReply(id, map[string]any{"sessions": sessions})
}

// handleControlSession validates its parameters; the action itself is
// recognized but has no effect until a real contract is defined.
func (c *Connection) handleControlSession(id string, params *hypervisor.ParameterMap) {
	if !params.Contains("session") {
		c.sendError(id, "Missing 'session' parameter")
		return
	}
	if !params.Contains("action") {
		c.sendError(id, "Missing 'action' parameter")
		return
	}
	c.sendReply(id, map[string]any{})
}

// spawnSessionAction runs one session-scoped action on a worker.
func (c *Connection) spawnSessionAction(record *SessionRecord, id, action string, params *hypervisor.ParameterMap) {
	c.spawnWorker(func(ctx context.Context) {
		cb := &callbackFw{conn: c, eventID: id}
		record.HandleAction(ctx, cb, action, params)
	})
}

// spawnWorker schedules fn on the pool; every worker holds a drain-gate
// slot for its lifetime so cleanup can wait for stragglers.
func (c *Connection) spawnWorker(fn func(ctx context.Context)) {
	_, err := c.pool.Spawn(func(ctx context.Context) {
		release := c.gate.Use()
		defer release()
		fn(ctx)
	})
	if err != nil {
		logger.Debugf("Dropping action worker: %v", err)
	}
}

// Cleanup tears the connection down: abort any blocked prompt, cancel all
// workers, wait for them to leave the drain gate, release this
// connection's sessions and clear the installer claim when held.
func (c *Connection) Cleanup() {
	if !c.alive.CompareAndSwap(true, false) {
		return
	}
	c.core.Metrics().ConnectionsOpen.Dec()

	// Unblock any worker waiting on a prompt, then cancel and join.
	c.ui.Abort()
	c.pool.CancelAll()
	release := c.gate.Drain()
	release()
	c.pool.DrainAll()

	// An installation initiated by this connection was just aborted.
	if c.installOwned.CompareAndSwap(true, false) {
		c.core.EndInstall()
	}

	c.core.ReleaseConnectionSessions(c)
}
