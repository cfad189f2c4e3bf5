// Package hvfake provides a scriptable in-memory hypervisor driver for
// tests: session validity, open results, API liveness and state
// transitions are all controlled by the test.
package hvfake

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/cernvm/webapid/pkg/download"
	"github.com/cernvm/webapid/pkg/hypervisor"
	"github.com/cernvm/webapid/pkg/keystore"
	"github.com/cernvm/webapid/pkg/wire"
)

// Driver is a fake hypervisor.
type Driver struct {
	// NameValue and VersionValue configure identity.
	NameValue    string
	VersionValue string

	// ValidateResult scripts SessionValidate.
	ValidateResult int

	// OpenFails makes SessionOpen return nil.
	OpenFails bool

	// WaitTillReadyErr scripts WaitTillReady.
	WaitTillReadyErr error

	// Downloader is returned by DownloadProvider (may be nil).
	Downloader download.Downloader

	mu       sync.Mutex
	sessions map[string]*Session

	DaemonNeedChecks atomic.Int32
}

// NewDriver returns a fake VirtualBox-like driver.
func NewDriver() *Driver {
	return &Driver{
		NameValue:    "VirtualBox",
		VersionValue: "7.0.0",
		sessions:     make(map[string]*Session),
	}
}

// Name implements hypervisor.Driver.
func (d *Driver) Name() string { return d.NameValue }

// Version implements hypervisor.Driver.
func (d *Driver) Version() string { return d.VersionValue }

// WaitTillReady implements hypervisor.Driver.
func (d *Driver) WaitTillReady(_ context.Context, _ keystore.Keystore, progress hypervisor.ProgressSink, _ hypervisor.Interactor) error {
	if progress != nil {
		progress.Done("Hypervisor ready")
	}
	return d.WaitTillReadyErr
}

// SessionValidate implements hypervisor.Driver.
func (d *Driver) SessionValidate(_ context.Context, vmcp *hypervisor.ParameterMap) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.sessions {
		if s.Parameters().Get("name", "") == vmcp.Get("name", "") {
			if s.Parameters().Get("secret", "") != vmcp.Get("secret", "") {
				return hypervisor.ValidateBadPass
			}
			return hypervisor.ValidateExisting
		}
	}
	if d.ValidateResult != 0 {
		return d.ValidateResult
	}
	return hypervisor.ValidateNew
}

// SessionOpen implements hypervisor.Driver.
func (d *Driver) SessionOpen(_ context.Context, vmcp *hypervisor.ParameterMap, progress hypervisor.ProgressSink) hypervisor.Session {
	if d.OpenFails {
		return nil
	}
	if progress != nil {
		progress.Doing("Opening session")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	name := vmcp.Get("name", "")
	for _, s := range d.sessions {
		if s.Parameters().Get("name", "") == name {
			return s
		}
	}

	s := NewSession(uuid.NewString())
	s.params.Set("name", name)
	s.params.Set("secret", vmcp.Get("secret", ""))
	d.sessions[s.UUID()] = s
	return s
}

// SessionByUUID implements hypervisor.Driver.
func (d *Driver) SessionByUUID(id string) hypervisor.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.sessions[id]; ok {
		return s
	}
	return nil
}

// Sessions implements hypervisor.Driver.
func (d *Driver) Sessions() map[string]hypervisor.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]hypervisor.Session, len(d.sessions))
	for id, s := range d.sessions {
		out[id] = s
	}
	return out
}

// CheckDaemonNeed implements hypervisor.Driver.
func (d *Driver) CheckDaemonNeed() {
	d.DaemonNeedChecks.Add(1)
}

// DownloadProvider implements hypervisor.Driver.
func (d *Driver) DownloadProvider() download.Downloader {
	return d.Downloader
}

// AddSession registers a pre-existing session (for resume scenarios).
func (d *Driver) AddSession(s *Session) {
	d.mu.Lock()
	d.sessions[s.UUID()] = s
	d.mu.Unlock()
}

// Session is a fake hypervisor session.
type Session struct {
	id     string
	params *hypervisor.ParameterMap
	local  *hypervisor.ParameterMap

	// Scriptable behaviour.
	LifecycleResult wire.Code
	APIAlive        atomic.Bool
	WaitErr         error

	mu sync.Mutex
	cb hypervisor.SessionCallbacks

	ExecutionCap atomic.Int32
	Properties   sync.Map

	UpdateCalls atomic.Int32
	ProbeCalls  atomic.Int32
}

// NewSession returns a fake session in the closed state.
func NewSession(id string) *Session {
	s := &Session{
		id:              id,
		params:          hypervisor.NewParameterMap(),
		local:           hypervisor.NewParameterMap(),
		LifecycleResult: wire.CodeOK,
	}
	s.local.Set("state", "0")
	s.local.Set("apiHost", "127.0.0.1")
	s.local.Set("apiPort", "8080")
	return s
}

// UUID implements hypervisor.Session.
func (s *Session) UUID() string { return s.id }

// Wait implements hypervisor.Session.
func (s *Session) Wait(_ context.Context) error { return s.WaitErr }

// Start implements hypervisor.Session.
func (s *Session) Start(_ context.Context, _ *hypervisor.ParameterMap) wire.Code {
	if !s.LifecycleResult.Failed() {
		s.SetState(hypervisor.StateRunning)
	}
	return s.LifecycleResult
}

// Stop implements hypervisor.Session.
func (s *Session) Stop(_ context.Context) wire.Code {
	if !s.LifecycleResult.Failed() {
		s.SetState(hypervisor.StateClosed)
	}
	return s.LifecycleResult
}

// Pause implements hypervisor.Session.
func (s *Session) Pause(_ context.Context) wire.Code {
	if !s.LifecycleResult.Failed() {
		s.SetState(hypervisor.StatePaused)
	}
	return s.LifecycleResult
}

// Resume implements hypervisor.Session.
func (s *Session) Resume(_ context.Context) wire.Code {
	if !s.LifecycleResult.Failed() {
		s.SetState(hypervisor.StateRunning)
	}
	return s.LifecycleResult
}

// Hibernate implements hypervisor.Session.
func (s *Session) Hibernate(_ context.Context) wire.Code {
	if !s.LifecycleResult.Failed() {
		s.SetState(hypervisor.StateHibernate)
	}
	return s.LifecycleResult
}

// Reset implements hypervisor.Session.
func (s *Session) Reset(_ context.Context) wire.Code { return s.LifecycleResult }

// Close implements hypervisor.Session.
func (s *Session) Close(_ context.Context) wire.Code {
	if !s.LifecycleResult.Failed() {
		s.SetState(hypervisor.StateClosed)
	}
	return s.LifecycleResult
}

// Update implements hypervisor.Session.
func (s *Session) Update(_ context.Context, _ bool) error {
	s.UpdateCalls.Add(1)
	return nil
}

// IsAPIAlive implements hypervisor.Session.
func (s *Session) IsAPIAlive(_ context.Context, _ string, _ int) bool {
	s.ProbeCalls.Add(1)
	return s.APIAlive.Load()
}

// GetRDPAddress implements hypervisor.Session.
func (*Session) GetRDPAddress() string { return "127.0.0.1:3389" }

// GetExtraInfo implements hypervisor.Session.
func (*Session) GetExtraInfo(key string) string {
	if key == hypervisor.ExtraVideoMode {
		return "1024x768x32"
	}
	return ""
}

// SetExecutionCap implements hypervisor.Session.
func (s *Session) SetExecutionCap(pct int) error {
	s.ExecutionCap.Store(int32(pct))
	return nil
}

// SetProperty implements hypervisor.Session.
func (s *Session) SetProperty(key, value string) error {
	s.Properties.Store(key, value)
	return nil
}

// Parameters implements hypervisor.Session.
func (s *Session) Parameters() *hypervisor.ParameterMap { return s.params }

// Local implements hypervisor.Session.
func (s *Session) Local() *hypervisor.ParameterMap { return s.local }

// SetCallbacks implements hypervisor.Session.
func (s *Session) SetCallbacks(cb hypervisor.SessionCallbacks) {
	s.mu.Lock()
	s.cb = cb
	s.mu.Unlock()
}

// SetState updates the local state and notifies the registered callbacks,
// mimicking a driver-originated state change.
func (s *Session) SetState(state int) {
	s.local.Set("state", strconv.Itoa(state))
	s.mu.Lock()
	cb := s.cb
	s.mu.Unlock()
	if cb != nil {
		cb.OnStateChanged(state)
	}
}

// FireFailure delivers a failure callback.
func (s *Session) FireFailure(flags int, message string) {
	s.mu.Lock()
	cb := s.cb
	s.mu.Unlock()
	if cb != nil {
		cb.OnFailure(flags, message)
	}
}

// FireResolutionChanged delivers a resolution-change callback.
func (s *Session) FireResolutionChanged(w, h, bpp int) {
	s.mu.Lock()
	cb := s.cb
	s.mu.Unlock()
	if cb != nil {
		cb.OnResolutionChanged(w, h, bpp)
	}
}
