package registry

import (
	"fmt"
	"sync"
	"time"
)

// Memory is a process-local Registry. It does not cross process boundaries —
// use the coordination service or etcd for that — but it backs the regserver
// table's semantics and lets single-process deployments and tests wire a
// server and client together without a directory daemon.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemory creates an empty in-process registry.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry)}
}

func (m *Memory) Register(name, host string, port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[name] = Entry{Name: name, Host: host, Port: port, RegisteredAt: time.Now()}
	return nil
}

func (m *Memory) Resolve(name string) (string, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[name]
	if !ok {
		return "", 0, fmt.Errorf("%q: %w", name, ErrServiceNotFound)
	}
	return e.Host, e.Port, nil
}

func (m *Memory) Unregister(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, name)
	return nil
}

// Snapshot returns a copy of every entry, for diagnostics.
func (m *Memory) Snapshot() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out
}

func (m *Memory) Close() error {
	return nil
}
