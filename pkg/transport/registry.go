package transport

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// BusConfig identifies a serial bus. Two users of one port must agree on it.
type BusConfig struct {
	Port     string
	BaudRate int
	Timeout  time.Duration
}

// Opener opens the bus described by a config.
type Opener[B io.Closer] func(BusConfig) (B, error)

type busEntry[B io.Closer] struct {
	bus      B
	config   BusConfig
	refCount int64
	mu       sync.RWMutex
}

// BusRegistry shares one open bus per port between every component that uses it. The bus is
// closed when the last user releases it.
type BusRegistry[B io.Closer] struct {
	open    Opener[B]
	entries map[string]*busEntry[B]
	mu      sync.RWMutex
}

// NewBusRegistry returns an empty registry that opens buses with open.
func NewBusRegistry[B io.Closer](open Opener[B]) *BusRegistry[B] {
	return &BusRegistry[B]{
		open:    open,
		entries: make(map[string]*busEntry[B]),
	}
}

// Acquire returns the shared bus for cfg.Port, opening it on first use.
func (r *BusRegistry[B]) Acquire(cfg BusConfig) (B, error) {
	r.mu.RLock()
	entry, exists := r.entries[cfg.Port]
	r.mu.RUnlock()

	if exists {
		if bus, live, err := r.acquireExisting(entry, cfg); live {
			return bus, err
		}
	}
	return r.openNew(cfg)
}

// acquireExisting reports live=false when the entry was released before it could be locked.
func (r *BusRegistry[B]) acquireExisting(entry *busEntry[B], cfg BusConfig) (bus B, live bool, err error) {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	refs := atomic.LoadInt64(&entry.refCount)
	if refs <= 0 {
		return bus, false, nil
	}
	if entry.config != cfg {
		return bus, true, fmt.Errorf("conflict: bus on %s is open with a different config (refCount: %d)", cfg.Port, refs)
	}
	atomic.AddInt64(&entry.refCount, 1)
	return entry.bus, true, nil
}

func (r *BusRegistry[B]) openNew(cfg BusConfig) (B, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, exists := r.entries[cfg.Port]; exists {
		bus, _, err := r.acquireExisting(entry, cfg)
		return bus, err
	}

	bus, err := r.open(cfg)
	if err != nil {
		var zero B
		return zero, fmt.Errorf("failed to open bus on %s: %w", cfg.Port, err)
	}
	r.entries[cfg.Port] = &busEntry[B]{bus: bus, config: cfg, refCount: 1}
	return bus, nil
}

// Release drops one reference to the bus on port and closes it when none remain.
func (r *BusRegistry[B]) Release(port string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[port]
	if !exists {
		return nil
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if atomic.AddInt64(&entry.refCount, -1) > 0 {
		return nil
	}
	delete(r.entries, port)
	if err := entry.bus.Close(); err != nil {
		return fmt.Errorf("error closing shared bus for port %s: %w", port, err)
	}
	return nil
}

// ForceClose closes the bus on port regardless of outstanding references.
func (r *BusRegistry[B]) ForceClose(port string) error {
	r.mu.Lock()
	entry, exists := r.entries[port]
	if exists {
		delete(r.entries, port)
	}
	r.mu.Unlock()

	if !exists {
		return nil
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	atomic.StoreInt64(&entry.refCount, 0)
	return entry.bus.Close()
}

// Status reports the reference count of the bus on port, whether it is open, and a summary.
func (r *BusRegistry[B]) Status(port string) (int64, bool, string) {
	r.mu.RLock()
	entry, exists := r.entries[port]
	r.mu.RUnlock()

	if !exists {
		return 0, false, ""
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	return atomic.LoadInt64(&entry.refCount), true,
		fmt.Sprintf("Serial: %s@%d, timeout %v", entry.config.Port, entry.config.BaudRate, entry.config.Timeout)
}
