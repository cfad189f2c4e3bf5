package daemon

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cernvm/webapid/pkg/hypervisor"
	"github.com/cernvm/webapid/pkg/logger"
	"github.com/cernvm/webapid/pkg/wire"
)

const (
	// fastProbeTimeout is used while waiting for the in-guest API to come
	// up; slowProbeTimeout for the periodic re-check once it is online.
	fastProbeTimeoutSec = 1
	slowProbeTimeoutSec = 10

	// slowProbeEvery spaces the slow probes: one every N ticks.
	slowProbeEvery = 10
)

// Monitor is the per-session background loop. Each tick syncs the driver's
// view of the VM and probes in-guest API liveness with hysteresis: a fast
// probe while offline, a slow probe every few ticks while online, and a
// two-strikes rule before declaring the API gone.
type Monitor struct {
	record      *SessionRecord
	interval    time.Duration
	downRetries int

	// ticking is the single-holder guard: at most one tick body runs at a
	// time, late ticks are skipped rather than queued.
	ticking atomic.Bool

	mu                 sync.Mutex
	cancel             context.CancelFunc
	apiOnline          bool
	apiPortCounter     int
	apiPortDownCounter int
}

func newMonitor(record *SessionRecord, interval time.Duration, downRetries int) *Monitor {
	return &Monitor{
		record:      record,
		interval:    interval,
		downRetries: downRetries,
	}
}

// start launches the monitor loop. Restartable after stop.
func (m *Monitor) start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	go m.loop(ctx)
}

// stop terminates the monitor loop.
func (m *Monitor) stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

func (m *Monitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.maybeTick(ctx)
		}
	}
}

// maybeTick runs one tick unless the session is aborting, periodic jobs are
// disabled, or a previous tick is still running.
func (m *Monitor) maybeTick(ctx context.Context) {
	if m.record.aborting.Load() || !m.record.acceptPeriodic.Load() {
		return
	}
	if !m.ticking.CompareAndSwap(false, true) {
		return
	}
	defer m.ticking.Store(false)
	m.tick(ctx)
}

func (m *Monitor) tick(ctx context.Context) {
	hvSession := m.record.hv

	if err := hvSession.Update(ctx, false); err != nil {
		logger.Debugf("Session %s state sync failed: %v", m.record.uuid, err)
		return
	}

	state := hvSession.Local().GetNum("state", hypervisor.StateClosed)
	apiURL := m.apiURL()

	if state != hypervisor.StateRunning {
		m.setOffline(apiURL)
		return
	}

	m.mu.Lock()
	online := m.apiOnline
	m.mu.Unlock()

	if !online {
		// Waiting for the API to come up: short probe every tick.
		if hvSession.IsAPIAlive(ctx, hypervisor.ProbeHTTP, fastProbeTimeoutSec) {
			m.mu.Lock()
			m.apiOnline = true
			m.apiPortCounter = 0
			m.apiPortDownCounter = 0
			m.mu.Unlock()
			m.record.sendEvent(wire.EventAPIStateChanged, true, apiURL)
		}
		return
	}

	// Online: re-check with a long probe every few ticks, and only declare
	// the API gone after repeated misses.
	m.mu.Lock()
	m.apiPortCounter++
	probe := m.apiPortCounter > slowProbeEvery
	if probe {
		m.apiPortCounter = 0
	}
	m.mu.Unlock()
	if !probe {
		return
	}

	if hvSession.IsAPIAlive(ctx, hypervisor.ProbeHTTP, slowProbeTimeoutSec) {
		m.mu.Lock()
		m.apiPortDownCounter = 0
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	m.apiPortDownCounter++
	declareOffline := m.apiPortDownCounter >= m.downRetries
	if declareOffline {
		m.apiOnline = false
	}
	m.mu.Unlock()

	if declareOffline {
		m.record.sendEvent(wire.EventAPIStateChanged, false, apiURL)
	}
}

// noteNotRunning is invoked from state-change callbacks: leaving RUNNING
// while the API was online immediately declares it offline.
func (m *Monitor) noteNotRunning() {
	m.setOffline(m.apiURL())
}

func (m *Monitor) setOffline(apiURL string) {
	m.mu.Lock()
	wasOnline := m.apiOnline
	m.apiOnline = false
	m.apiPortCounter = 0
	m.apiPortDownCounter = 0
	m.mu.Unlock()

	if wasOnline {
		m.record.sendEvent(wire.EventAPIStateChanged, false, apiURL)
	}
}

func (m *Monitor) apiURL() string {
	local := m.record.hv.Local()
	return "http://" + local.Get("apiHost", "127.0.0.1") + ":" + local.Get("apiPort", "80")
}
