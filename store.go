package redfault

import (
	"fmt"
	"strings"
	"sync"
)

// MemStore is the in-memory implementation of the FaultStore interface.
// A reader-writer lock guards the underlying map; records are copied on
// read so a snapshot stays valid after a concurrent writer mutates the
// store. The lock is never held across I/O.
type MemStore struct {
	mu     sync.RWMutex
	faults map[string]Fault
	logger Logger
}

// NewMemStore creates a new in-memory fault store
func NewMemStore() *MemStore {
	return &MemStore{
		faults: make(map[string]Fault),
		logger: &NoOpLogger{},
	}
}

// SetLogger configures the logger for this store
func (m *MemStore) SetLogger(logger Logger) {
	if logger != nil {
		m.logger = logger
	}
}

// Put inserts or replaces the fault stored under name. The prior record is
// returned when one was replaced; insert-on-identical-key is
// last-writer-wins.
func (m *MemStore) Put(name string, fault Fault) (*Fault, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prior, existed := m.faults[name]
	m.faults[name] = fault

	if registry := GetGlobalMetricsRegistry(); registry != nil {
		registry.Counter("store.operations", "operation", "put")
		registry.Gauge("store.faults", float64(len(m.faults)))
	}

	m.logger.Debug("Fault stored", map[string]interface{}{
		"operation":  "store_put",
		"fault_name": name,
		"command":    fault.Command,
		"fault_type": fault.FaultType,
		"replaced":   existed,
	})

	if existed {
		return &prior, nil
	}
	return nil, nil
}

// GetByName fetches the fault stored under name
func (m *MemStore) GetByName(name string) (Fault, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	fault, exists := m.faults[name]
	if !exists {
		return Fault{}, fmt.Errorf("fault %q: %w", name, ErrFaultNotFound)
	}
	return fault, nil
}

// GetByCommand fetches the single fault whose command matches cmd,
// case-insensitively. The expected fault cardinality is small, so a linear
// scan under the read lock is sufficient.
func (m *MemStore) GetByCommand(cmd string) (Fault, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if registry := GetGlobalMetricsRegistry(); registry != nil {
		registry.Counter("store.operations", "operation", "get_by_command")
	}

	for _, fault := range m.faults {
		if strings.EqualFold(fault.Command, cmd) {
			return fault, true
		}
	}
	return Fault{}, false
}

// List returns a snapshot of all stored faults
func (m *MemStore) List() ([]Fault, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	faults := make([]Fault, 0, len(m.faults))
	for _, fault := range m.faults {
		faults = append(faults, fault)
	}
	return faults, nil
}

// Delete removes the fault stored under name. Idempotent.
func (m *MemStore) Delete(name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, existed := m.faults[name]
	delete(m.faults, name)

	if registry := GetGlobalMetricsRegistry(); registry != nil {
		registry.Counter("store.operations", "operation", "delete")
		registry.Gauge("store.faults", float64(len(m.faults)))
	}

	m.logger.Debug("Fault deleted", map[string]interface{}{
		"operation":  "store_delete",
		"fault_name": name,
		"existed":    existed,
	})

	return existed, nil
}
