package processinfo

import (
	"os"
	"runtime"
	"testing"

	"github.com/kubescape/endpoint-agent/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcfsProviderSelf(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("procfs is only available on linux")
	}
	p, err := NewProcfsProvider("")
	require.NoError(t, err)

	self, err := p.Lookup(events.AuditToken{PID: int32(os.Getpid())})
	require.NoError(t, err)
	assert.Equal(t, int32(os.Getpid()), self.AuditToken.PID)
	assert.Equal(t, int32(os.Getppid()), self.PPID)
	assert.False(t, self.ParentTokenExact)
	assert.NotEmpty(t, self.ExecutablePath())
	assert.False(t, self.StartTime.IsZero())

	again, err := p.Lookup(self.AuditToken)
	require.NoError(t, err)
	assert.Equal(t, self.AuditToken.Key(), again.AuditToken.Key())

	// same pid, different instance
	stale := self.AuditToken
	stale.PIDVersion = self.AuditToken.PIDVersion + 1
	_, err = p.Lookup(stale)
	assert.ErrorIs(t, err, ErrProcessNotFound)

	procs, err := p.RunningProcesses()
	require.NoError(t, err)
	found := false
	for _, proc := range procs {
		if proc.Key() == self.Key() {
			found = true
		}
	}
	assert.True(t, found)
}

func TestProcfsProviderMissingMount(t *testing.T) {
	_, err := NewProcfsProvider("/nonexistent/proc")
	assert.Error(t, err)
}

func TestPIDVersionIsNonNegative(t *testing.T) {
	for _, ticks := range []uint64{0, 1, 1 << 31, 1<<63 + 5, ^uint64(0)} {
		assert.GreaterOrEqual(t, pidVersion(ticks), int32(0))
	}
}

func TestMockProvider(t *testing.T) {
	p := &events.Process{AuditToken: events.MustBuildAuditToken(42, 7), Executable: &events.File{Path: "/bin/sh"}}
	m := NewMockProvider(p)

	got, err := m.Lookup(events.AuditToken{PID: 42})
	require.NoError(t, err)
	assert.Equal(t, "/bin/sh", got.ExecutablePath())

	_, err = m.Lookup(events.MustBuildAuditToken(42, 8))
	assert.ErrorIs(t, err, ErrProcessNotFound)
	assert.Equal(t, 2, m.Lookups())

	procs, err := m.RunningProcesses()
	require.NoError(t, err)
	assert.Len(t, procs, 1)

	m.Remove(42)
	_, err = m.Lookup(events.AuditToken{PID: 42})
	assert.ErrorIs(t, err, ErrProcessNotFound)
}
