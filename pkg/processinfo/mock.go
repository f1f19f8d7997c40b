package processinfo

import (
	"sync"

	"github.com/kubescape/endpoint-agent/pkg/events"
)

var _ Provider = (*MockProvider)(nil)

// MockProvider serves processes registered with Add.
type MockProvider struct {
	mu        sync.RWMutex
	processes map[int32]*events.Process
	lookups   int
}

func NewMockProvider(processes ...*events.Process) *MockProvider {
	m := &MockProvider{processes: map[int32]*events.Process{}}
	for _, p := range processes {
		m.Add(p)
	}
	return m
}

func (m *MockProvider) Add(p *events.Process) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processes[p.AuditToken.PID] = p.Clone()
}

func (m *MockProvider) Remove(pid int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.processes, pid)
}

func (m *MockProvider) RunningProcesses() ([]events.Process, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]events.Process, 0, len(m.processes))
	for _, p := range m.processes {
		out = append(out, *p.Clone())
	}
	return out, nil
}

func (m *MockProvider) Lookup(token events.AuditToken) (*events.Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	p, ok := m.processes[token.PID]
	if !ok || (token.PIDVersion != 0 && p.AuditToken.PIDVersion != token.PIDVersion) {
		return nil, ErrProcessNotFound
	}
	return p.Clone(), nil
}

// Lookups returns how many times Lookup was called.
func (m *MockProvider) Lookups() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lookups
}
