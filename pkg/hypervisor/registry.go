package hypervisor

import (
	"context"
	"sort"
	"sync"
)

// DetectorFunc adapts a function to the Detector interface.
type DetectorFunc func(ctx context.Context) Driver

// Detect implements Detector.
func (f DetectorFunc) Detect(ctx context.Context) Driver { return f(ctx) }

// DriverFactory probes for one hypervisor product and returns its driver,
// or nil when the product is not installed.
type DriverFactory func(ctx context.Context) Driver

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]DriverFactory)
)

// RegisterDriver registers a driver factory under a product name. Concrete
// drivers call this from their package init.
func RegisterDriver(name string, factory DriverFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = factory
}

// DefaultDetector probes all registered driver factories in name order and
// returns the first hypervisor found.
func DefaultDetector() Detector {
	return DetectorFunc(func(ctx context.Context) Driver {
		factoriesMu.RLock()
		names := make([]string, 0, len(factories))
		for name := range factories {
			names = append(names, name)
		}
		sort.Strings(names)
		probes := make([]DriverFactory, 0, len(names))
		for _, name := range names {
			probes = append(probes, factories[name])
		}
		factoriesMu.RUnlock()

		for _, probe := range probes {
			if drv := probe(ctx); drv != nil {
				return drv
			}
		}
		return nil
	})
}
