// Package hypervisor defines the driver-facing contracts the daemon core
// consumes: a Driver that enumerates and opens VM sessions, the per-session
// control surface, and the shared parameter-map type drivers populate.
//
// Concrete drivers (VirtualBox and friends) live behind these interfaces and
// are out of scope for the orchestration core; tests use the scriptable fake
// in the hvfake subpackage.
package hypervisor

import (
	"context"

	"github.com/cernvm/webapid/pkg/download"
	"github.com/cernvm/webapid/pkg/keystore"
	"github.com/cernvm/webapid/pkg/wire"
)

// Session states reported through the session's local parameter map under
// the "state" key.
const (
	StateClosed    = 0
	StateStarting  = 1
	StateRunning   = 2
	StatePaused    = 3
	StateHibernate = 4
)

// API probe kinds for Session.IsAPIAlive.
const (
	ProbeHTTP = "http"
)

// Session validity results returned by Driver.SessionValidate.
const (
	ValidateNew      = 0
	ValidateExisting = 1
	ValidateBadPass  = 2
)

// Keys of Session.GetExtraInfo.
const (
	ExtraVideoMode = "videoMode"
)

// ProgressSink receives coarse progress from long driver operations. The
// daemon passes its hierarchical progress tasks through this interface so
// drivers stay decoupled from the event transport.
type ProgressSink interface {
	Doing(message string)
	Done(message string)
}

// Interactor lets a driver ask the user a question mid-operation (license
// prompts during first boot and the like). Implementations block until the
// user answers or the connection aborts.
type Interactor interface {
	Confirm(ctx context.Context, title, body string) (int, error)
	ConfirmLicense(ctx context.Context, title, body string) (int, error)
	ConfirmLicenseURL(ctx context.Context, title, url string) (int, error)
	Alert(ctx context.Context, title, body string) (int, error)
	// Aborted reports the sticky abort flag; AbortHandled acknowledges it.
	Aborted() bool
	AbortHandled()
}

// SessionCallbacks receives asynchronous notifications from a live session.
// All methods may be invoked from driver-owned goroutines.
type SessionCallbacks interface {
	OnFailure(flags int, message string)
	OnStateChanged(state int)
	OnResolutionChanged(width, height, bpp int)
}

// Session is one hypervisor-managed VM.
type Session interface {
	// UUID returns the stable identifier of the underlying VM.
	UUID() string

	// Wait blocks until the session's internal state machine settles after
	// an open or a lifecycle transition.
	Wait(ctx context.Context) error

	// Lifecycle verbs. Each returns CodeOK, CodeScheduled or a failure code.
	Start(ctx context.Context, params *ParameterMap) wire.Code
	Stop(ctx context.Context) wire.Code
	Pause(ctx context.Context) wire.Code
	Resume(ctx context.Context) wire.Code
	Hibernate(ctx context.Context) wire.Code
	Reset(ctx context.Context) wire.Code
	Close(ctx context.Context) wire.Code

	// Update refreshes the session's view of the hypervisor state. force
	// bypasses the driver's internal caching.
	Update(ctx context.Context, force bool) error

	// IsAPIAlive probes the in-guest API endpoint of the given kind with
	// the given timeout in seconds.
	IsAPIAlive(ctx context.Context, kind string, timeoutSec int) bool

	// GetRDPAddress returns the host-side RDP endpoint for the VM console.
	GetRDPAddress() string

	// GetExtraInfo reads auxiliary guest info (video mode etc.).
	GetExtraInfo(key string) string

	// SetExecutionCap applies a CPU execution cap percentage to the live VM.
	SetExecutionCap(cap int) error

	// SetProperty stores a guest property.
	SetProperty(key, value string) error

	// Parameters is the persistent configuration of the session
	// (cpus, memory, disk, flavor, flags, properties subgroup...).
	Parameters() *ParameterMap

	// Local is the driver-maintained runtime state of the session
	// (state, apiHost, apiPort...).
	Local() *ParameterMap

	// SetCallbacks registers the receiver of asynchronous session events.
	// A nil receiver detaches.
	SetCallbacks(cb SessionCallbacks)
}

// Driver is an installed hypervisor.
type Driver interface {
	// Version returns the detected hypervisor version string.
	Version() string

	// Name returns the human-readable hypervisor name ("VirtualBox").
	Name() string

	// WaitTillReady blocks until delayed driver initialization completes.
	// It may prompt the user through the interactor.
	WaitTillReady(ctx context.Context, ks keystore.Keystore, progress ProgressSink, ui Interactor) error

	// SessionValidate checks the VMCP description against stored sessions.
	// Returns ValidateNew, ValidateExisting or ValidateBadPass.
	SessionValidate(ctx context.Context, vmcp *ParameterMap) int

	// SessionOpen opens or resumes the session described by the VMCP data.
	// Returns nil when the session cannot be opened.
	SessionOpen(ctx context.Context, vmcp *ParameterMap, progress ProgressSink) Session

	// SessionByUUID returns a previously opened session, or nil.
	SessionByUUID(uuid string) Session

	// Sessions returns all sessions known to the hypervisor, keyed by uuid.
	Sessions() map[string]Session

	// CheckDaemonNeed lets the driver decide whether its helper daemon
	// should keep running for the current set of sessions.
	CheckDaemonNeed()

	// DownloadProvider returns the provider driver operations use for
	// image fetches, so the daemon can abort them on teardown.
	DownloadProvider() download.Downloader
}

// Detector locates an installed hypervisor. Detect returns nil when no
// usable hypervisor is present.
type Detector interface {
	Detect(ctx context.Context) Driver
}

// Installer runs the external hypervisor installer and reports a wire code
// (CodeOK, or CodeNotValidated/CodeNotTrusted on integrity failure).
type Installer interface {
	Install(ctx context.Context, dp download.Downloader, ks keystore.Keystore, ui Interactor, progress ProgressSink) wire.Code
}
