// Package daemon implements the connection-and-session orchestration layer:
// the per-connection action router, the requestSession workflow with its
// trust and consent gates, the installer gate, the per-session command
// dispatcher and the background monitor that tracks in-guest API liveness.
package daemon

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cernvm/webapid/pkg/config"
	"github.com/cernvm/webapid/pkg/download"
	"github.com/cernvm/webapid/pkg/hypervisor"
	"github.com/cernvm/webapid/pkg/keystore"
	"github.com/cernvm/webapid/pkg/logger"
	"github.com/cernvm/webapid/pkg/telemetry"
)

// Core is the process-wide registry shared by all connections: the global
// hypervisor handle, keystore, download provider and the session map keyed
// by numeric id. It is passed explicitly to each Connection at construction
// time; all mutators are safe for concurrent use.
type Core struct {
	cfg        *config.Config
	keystore   keystore.Keystore
	downloader download.Downloader
	detector   hypervisor.Detector
	installer  hypervisor.Installer
	metrics    *telemetry.Metrics

	hv atomic.Value // of hvHolder

	running           atomic.Bool
	installInProgress atomic.Bool

	// shutdown unblocks the server loop on stopService.
	shutdown     func()
	shutdownOnce sync.Once

	mu        sync.Mutex
	sessions  map[int]*SessionRecord
	byUUID    map[string]int
	nextID    int
	machSalt  []byte
	saltOnce  sync.Once
	saltError error
}

// hvHolder wraps the driver so atomic.Value tolerates distinct concrete
// types (and nil) across stores.
type hvHolder struct {
	driver hypervisor.Driver
}

// NewCore builds the Core. The hypervisor is detected lazily via the
// detector; installer may be nil when installation is unsupported.
func NewCore(
	cfg *config.Config,
	ks keystore.Keystore,
	dp download.Downloader,
	det hypervisor.Detector,
	inst hypervisor.Installer,
	metrics *telemetry.Metrics,
) *Core {
	c := &Core{
		cfg:        cfg,
		keystore:   ks,
		downloader: dp,
		detector:   det,
		installer:  inst,
		metrics:    metrics,
		sessions:   make(map[int]*SessionRecord),
		byUUID:     make(map[string]int),
	}
	c.hv.Store(hvHolder{})
	c.running.Store(true)
	return c
}

// SetShutdown registers the function that unblocks the server loop when the
// daemon is asked to stop.
func (c *Core) SetShutdown(fn func()) {
	c.shutdown = fn
}

// Config returns the daemon configuration.
func (c *Core) Config() *config.Config { return c.cfg }

// Keystore returns the global keystore.
func (c *Core) Keystore() keystore.Keystore { return c.keystore }

// Downloader returns the global download provider.
func (c *Core) Downloader() download.Downloader { return c.downloader }

// Metrics returns the daemon instrumentation (never nil).
func (c *Core) Metrics() *telemetry.Metrics {
	if c.metrics == nil {
		c.metrics = telemetry.New()
	}
	return c.metrics
}

// Hypervisor returns the current driver handle, or nil when none is
// detected.
func (c *Core) Hypervisor() hypervisor.Driver {
	return c.hv.Load().(hvHolder).driver
}

// SetHypervisor replaces the driver handle.
func (c *Core) SetHypervisor(hv hypervisor.Driver) {
	c.hv.Store(hvHolder{driver: hv})
}

// SyncHypervisor re-runs detection when the handle is missing.
func (c *Core) SyncHypervisor(ctx context.Context) {
	if c.Hypervisor() != nil || c.detector == nil {
		return
	}
	if hv := c.detector.Detect(ctx); hv != nil {
		logger.Infof("Detected hypervisor %s %s", hv.Name(), hv.Version())
		c.SetHypervisor(hv)
	}
}

// Detect re-runs hypervisor detection unconditionally and stores the result
// (used after an installation).
func (c *Core) Detect(ctx context.Context) hypervisor.Driver {
	if c.detector == nil {
		return nil
	}
	hv := c.detector.Detect(ctx)
	c.SetHypervisor(hv)
	return hv
}

// Running reports whether the daemon should keep serving.
func (c *Core) Running() bool {
	return c.running.Load()
}

// RequestShutdown marks the core as stopped, aborts every registered
// session and unblocks the server loop.
func (c *Core) RequestShutdown() {
	c.running.Store(false)
	c.abortSessions()
	c.shutdownOnce.Do(func() {
		if c.shutdown != nil {
			c.shutdown()
		}
	})
}

// abortSessions puts every session record into the aborting state and stops
// its monitor, so nothing emits or touches the driver during teardown.
func (c *Core) abortSessions() {
	c.mu.Lock()
	records := make([]*SessionRecord, 0, len(c.sessions))
	for _, record := range c.sessions {
		records = append(records, record)
	}
	c.mu.Unlock()

	for _, record := range records {
		record.abort()
		record.monitor.stop()
	}
}

// TryBeginInstall atomically claims the process-wide installer slot.
func (c *Core) TryBeginInstall() bool {
	return c.installInProgress.CompareAndSwap(false, true)
}

// EndInstall releases the installer slot.
func (c *Core) EndInstall() {
	c.installInProgress.Store(false)
}

// InstallInProgress reports whether an installer workflow is running.
func (c *Core) InstallInProgress() bool {
	return c.installInProgress.Load()
}

// StoreSession registers an open hypervisor session under the owning
// connection and returns its record. Reopening a session that is already
// registered keeps its numeric id stable and transfers ownership.
func (c *Core) StoreSession(conn *Connection, hvSession hypervisor.Session) *SessionRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	uuid := hvSession.UUID()
	if id, ok := c.byUUID[uuid]; ok {
		record := c.sessions[id]
		record.setOwner(conn)
		return record
	}

	c.nextID++
	record := newSessionRecord(c, c.nextID, hvSession, conn)
	c.sessions[c.nextID] = record
	c.byUUID[uuid] = c.nextID
	c.Metrics().SessionsOpen.Set(float64(len(c.sessions)))
	return record
}

// SessionByID returns a registered session record, or nil.
func (c *Core) SessionByID(id int) *SessionRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[id]
}

// sessionByUUID returns the record registered for a VM uuid, or nil.
func (c *Core) sessionByUUID(uuid string) *SessionRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.byUUID[uuid]; ok {
		return c.sessions[id]
	}
	return nil
}

// ReleaseConnectionSessions detaches every session owned by the given
// connection. Sessions persist in the hypervisor across connections; only
// the owning-connection pointer is forgotten and their monitors stopped.
func (c *Core) ReleaseConnectionSessions(conn *Connection) {
	c.mu.Lock()
	var released []*SessionRecord
	for _, record := range c.sessions {
		if record.owner() == conn {
			released = append(released, record)
		}
	}
	c.mu.Unlock()

	for _, record := range released {
		record.release()
	}
}

// HostID derives the per-domain opaque host identifier appended to VMCP
// request URLs: an HMAC of the domain under a machine-scoped random salt.
func (c *Core) HostID(domain string) string {
	salt, err := c.machineSalt()
	if err != nil {
		logger.Warnf("Unable to load machine salt: %v", err)
		salt = []byte("webapid")
	}
	mac := hmac.New(sha256.New, salt)
	mac.Write([]byte(domain))
	return hex.EncodeToString(mac.Sum(nil))
}

// machineSalt loads (or creates on first use) the persistent random salt.
func (c *Core) machineSalt() ([]byte, error) {
	c.saltOnce.Do(func() {
		path := c.cfg.MachineSaltPath()
		if raw, err := os.ReadFile(path); err == nil && len(raw) > 0 {
			c.machSalt = raw
			return
		}

		salt := make([]byte, 32)
		if _, err := rand.Read(salt); err != nil {
			c.saltError = fmt.Errorf("unable to generate machine salt: %w", err)
			return
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			c.saltError = err
			return
		}
		if err := os.WriteFile(path, salt, 0o600); err != nil {
			c.saltError = err
			return
		}
		c.machSalt = salt
	})
	return c.machSalt, c.saltError
}
