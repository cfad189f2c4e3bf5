package daemon

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cernvm/webapid/pkg/hypervisor"
	"github.com/cernvm/webapid/pkg/logger"
	"github.com/cernvm/webapid/pkg/wire"
)

// lifecycleTimeout bounds driver calls made from asynchronous callbacks,
// where no worker context is available.
const lifecycleTimeout = 30 * time.Second

// readableKeys are the session parameters exposed through the get action,
// with their defaults.
var readableKeys = map[string]string{
	"ip":            "",
	"cpus":          "1",
	"disk":          "1024",
	"memory":        "512",
	"cernvmVersion": "1.17-11",
	"cernvmFlavor":  "prod",
	"executionCap":  "100",
	"flags":         "0",
}

// writableKeys are the session parameters the page may update through the
// set action.
var writableKeys = map[string]bool{
	"cpus":          true,
	"disk":          true,
	"memory":        true,
	"cernvmVersion": true,
	"cernvmFlavor":  true,
	"executionCap":  true,
	"flags":         true,
}

// SessionRecord is the daemon's bookkeeping around one hypervisor session:
// the stable numeric id handed to pages, the owning connection, the command
// dispatcher and the background monitor.
type SessionRecord struct {
	id   int
	uuid string
	core *Core
	hv   hypervisor.Session

	ownerMu sync.RWMutex
	conn    *Connection

	aborting       atomic.Bool
	acceptPeriodic atomic.Bool

	monitor *Monitor
}

func newSessionRecord(core *Core, id int, hvSession hypervisor.Session, conn *Connection) *SessionRecord {
	r := &SessionRecord{
		id:   id,
		uuid: hvSession.UUID(),
		core: core,
		hv:   hvSession,
		conn: conn,
	}
	r.monitor = newMonitor(r, core.cfg.MonitorInterval, core.cfg.APIPortDownRetries)
	hvSession.SetCallbacks(r)
	return r
}

// ID returns the numeric session id.
func (r *SessionRecord) ID() int { return r.id }

// UUID returns the stable VM identifier.
func (r *SessionRecord) UUID() string { return r.uuid }

func (r *SessionRecord) owner() *Connection {
	r.ownerMu.RLock()
	defer r.ownerMu.RUnlock()
	return r.conn
}

func (r *SessionRecord) setOwner(conn *Connection) {
	r.ownerMu.Lock()
	r.conn = conn
	r.ownerMu.Unlock()
	r.aborting.Store(false)
}

// release forgets the owning connection and quiesces the monitor. The
// underlying VM persists in the hypervisor.
func (r *SessionRecord) release() {
	r.EnablePeriodicJobs(false)
	r.monitor.stop()
	r.ownerMu.Lock()
	r.conn = nil
	r.ownerMu.Unlock()
}

// abort makes every subsequent handler return early and aborts any
// in-flight download owned by the driver.
func (r *SessionRecord) abort() {
	r.aborting.Store(true)
	if hv := r.core.Hypervisor(); hv != nil {
		if dp := hv.DownloadProvider(); dp != nil {
			dp.Abort()
		}
	}
}

// sendEvent forwards a session-scoped event to the owning connection, if
// any is attached and alive.
func (r *SessionRecord) sendEvent(name string, args ...any) {
	if conn := r.owner(); conn != nil {
		conn.sendEvent(name, r.uuid, args...)
	}
}

// EnablePeriodicJobs turns the monitor loop on or off. Enabling starts the
// monitor goroutine on first use.
func (r *SessionRecord) EnablePeriodicJobs(enabled bool) {
	if r.aborting.Load() {
		return
	}
	r.acceptPeriodic.Store(enabled)
	if enabled {
		r.monitor.start()
	}
}

// HandleAction dispatches one session-scoped action. Every branch reports
// its outcome through cb; when the record is aborting all handlers return
// early with no reply.
func (r *SessionRecord) HandleAction(ctx context.Context, cb *callbackFw, action string, params *hypervisor.ParameterMap) {
	if r.aborting.Load() {
		return
	}

	switch action {
	case "start":
		r.lifecycle(cb, "start", r.hv.Start(ctx, params))
	case "stop":
		r.lifecycle(cb, "stop", r.hv.Stop(ctx))
	case "pause":
		r.lifecycle(cb, "pause", r.hv.Pause(ctx))
	case "resume":
		r.lifecycle(cb, "resume", r.hv.Resume(ctx))
	case "hibernate":
		r.lifecycle(cb, "hibernate", r.hv.Hibernate(ctx))
	case "reset":
		r.lifecycle(cb, "reset", r.hv.Reset(ctx))
	case "close":
		r.lifecycle(cb, "close", r.hv.Close(ctx))

	case "sync":
		r.SendStateVariables()

	case "get":
		cb.fire(wire.EventSucceed, r.getKey(params.Get("key", "")))

	case "set":
		r.setKey(params.Get("key", ""), params.Get("value", ""))
		cb.fire(wire.EventSucceed, 1)

	case "setProperty":
		if err := r.hv.SetProperty(params.Get("key", ""), params.Get("value", "")); err != nil {
			logger.Warnf("Unable to set property on session %s: %v", r.uuid, err)
		}
		cb.fire(wire.EventSucceed, 1)

	default:
		// Unknown session actions are silently ignored, mirroring the
		// top-level router.
		logger.Debugf("Ignoring unknown session action %q", action)
	}
}

// lifecycle reports the outcome of a lifecycle verb and pushes the state
// variables the driver may have mutated.
func (r *SessionRecord) lifecycle(cb *callbackFw, verb string, code wire.Code) {
	switch code {
	case wire.CodeScheduled:
		cb.fire(wire.EventSucceed, fmt.Sprintf("Session will %s promptly", verb))
	case wire.CodeOK:
		cb.fire(wire.EventSucceed, fmt.Sprintf("Session %s successfully", pastTense(verb)))
	default:
		cb.fire(wire.EventFailed, fmt.Sprintf("Unable to %s session", verb), int(code))
	}
	r.SendStateVariables()
}

func pastTense(verb string) string {
	switch verb {
	case "stop":
		return "stopped"
	case "reset":
		return "reset"
	default:
		return verb + "ed"
	}
}

func (r *SessionRecord) getKey(key string) string {
	switch key {
	case "apiURL":
		host := r.hv.Local().Get("apiHost", "")
		port := r.hv.Local().Get("apiPort", "")
		return "http://" + host + ":" + port + "/"
	case "rdpURL":
		resolution := r.hv.GetExtraInfo(hypervisor.ExtraVideoMode)
		return r.hv.GetRDPAddress() + "@" + resolution
	default:
		def, ok := readableKeys[key]
		if !ok {
			// Unknown keys reply with an empty value.
			return ""
		}
		return r.hv.Parameters().Get(key, def)
	}
}

func (r *SessionRecord) setKey(key, value string) {
	if !writableKeys[key] {
		return
	}
	r.hv.Parameters().Set(key, value)

	// Execution cap changes apply to the live VM right away.
	if key == "executionCap" {
		pct := r.hv.Parameters().GetNum("executionCap", 100)
		if err := r.hv.SetExecutionCap(pct); err != nil {
			logger.Warnf("Unable to apply execution cap on session %s: %v", r.uuid, err)
		}
	}
}

// stateInfo compiles the session-state blob used by the stateVariables
// event and the enumSessions reply.
func (r *SessionRecord) stateInfo() map[string]any {
	local := r.hv.Local()
	return map[string]any{
		"session_id": r.id,
		"uuid":       r.uuid,
		"state":      local.GetNum("state", hypervisor.StateClosed),
		"apiHost":    local.Get("apiHost", ""),
		"apiPort":    local.Get("apiPort", ""),
		"config":     r.hv.Parameters().Snapshot(),
	}
}

// SendStateVariables pushes the full VM state blob to the owning page.
func (r *SessionRecord) SendStateVariables() {
	if r.aborting.Load() {
		return
	}
	r.sendEvent(wire.EventStateVariables, r.stateInfo())
}

// State returns the driver-reported session state code.
func (r *SessionRecord) State() int {
	return r.hv.Local().GetNum("state", hypervisor.StateClosed)
}

// OnFailure implements hypervisor.SessionCallbacks: forward the failure to
// the page and power the VM off when virtualization is gone.
func (r *SessionRecord) OnFailure(flags int, message string) {
	if r.aborting.Load() {
		return
	}

	r.sendEvent(wire.EventFailure, message, flags)

	if (flags & wire.FlagNoVirtualization) != 0 {
		ctx, cancel := context.WithTimeout(context.Background(), lifecycleTimeout)
		defer cancel()
		r.hv.Stop(ctx)
	}
}

// OnStateChanged implements hypervisor.SessionCallbacks. State variables go
// out before the stateChanged event; leaving RUNNING while the in-guest API
// was online additionally emits apiStateChanged(false).
func (r *SessionRecord) OnStateChanged(state int) {
	if r.aborting.Load() {
		return
	}

	r.SendStateVariables()
	r.sendEvent(wire.EventStateChanged, state)

	if state != hypervisor.StateRunning {
		r.monitor.noteNotRunning()
	}
}

// OnResolutionChanged implements hypervisor.SessionCallbacks.
func (r *SessionRecord) OnResolutionChanged(width, height, bpp int) {
	if r.aborting.Load() {
		return
	}
	r.sendEvent(wire.EventResolutionChanged, width, height, bpp)
}
