package httpapi

import (
	"sync"

	"go.uber.org/zap"

	"github.com/pulserelay/pulse/internal/registry"
)

// Host locates the registry instance for a universe, creating it on first
// use. One registry owns one universe's connection set for the lifetime of
// the process.
type Host struct {
	counters registry.CounterStore
	logger   *zap.Logger

	mu         sync.Mutex
	registries map[int64]*registry.Registry
}

// NewHost creates an empty registry host.
//
// Precondition: counters and logger must be non-nil.
func NewHost(counters registry.CounterStore, logger *zap.Logger) *Host {
	return &Host{
		counters:   counters,
		logger:     logger,
		registries: make(map[int64]*registry.Registry),
	}
}

// Registry returns the registry instance owning the given universe.
func (h *Host) Registry(universeID int64) *registry.Registry {
	h.mu.Lock()
	defer h.mu.Unlock()
	reg, ok := h.registries[universeID]
	if !ok {
		reg = registry.New(universeID, h.counters, h.logger)
		h.registries[universeID] = reg
	}
	return reg
}
