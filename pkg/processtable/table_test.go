package processtable

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kubescape/endpoint-agent/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func proc(pid, version int32, path string) *events.Process {
	return &events.Process{
		AuditToken: events.MustBuildAuditToken(pid, version),
		Executable: &events.File{Path: path},
	}
}

func notify(p *events.Process, machTime uint64, payload events.Payload) *events.Event {
	return &events.Event{Action: events.NotifyAction, MachTime: machTime, Process: p, Payload: payload}
}

func newTable(t *testing.T, cfg Config) *Table {
	t.Helper()
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = time.Minute
	}
	tbl, err := New(cfg)
	require.NoError(t, err)
	return tbl
}

func TestForkInsertsChild(t *testing.T) {
	tbl := newTable(t, Config{})
	parent := proc(1, 1, "/sbin/launchd")
	child := proc(100, 1, "/sbin/launchd")

	key, err := tbl.Observe(notify(parent, 10, events.ForkPayload{Child: child}), "")
	require.NoError(t, err)
	assert.Equal(t, events.ProcessKey{PID: 100, PIDVersion: 1}, key)

	snap, ok := tbl.Get(key)
	require.True(t, ok)
	assert.Equal(t, StateObserved, snap.State)
	assert.Equal(t, parent.AuditToken, snap.Process.ParentToken)

	p, ok := tbl.Parent(key)
	require.True(t, ok)
	assert.Equal(t, parent.Key(), p.Process.Key())
}

func TestExecMovesEntryToNewVersion(t *testing.T) {
	tbl := newTable(t, Config{})
	parent := proc(1, 1, "/sbin/launchd")
	child := proc(100, 1, "/bin/zsh")
	_, err := tbl.Observe(notify(parent, 10, events.ForkPayload{Child: child}), "")
	require.NoError(t, err)

	target := proc(100, 2, "/tmp/payload")
	key, err := tbl.Observe(notify(child, 20, events.ExecPayload{Target: target}), "")
	require.NoError(t, err)
	assert.Equal(t, target.Key(), key)

	_, ok := tbl.Get(child.Key())
	assert.False(t, ok, "pre-exec image is retired")
	assert.True(t, tbl.IsExited(child.Key()))

	snap, ok := tbl.Get(key)
	require.True(t, ok)
	assert.Equal(t, "/tmp/payload", snap.Process.ExecutablePath())
	assert.Equal(t, "/bin/zsh", snap.ExecFrom.GetPath())
	assert.Equal(t, parent.AuditToken, snap.Process.ParentToken, "parent is inherited across exec")

	lookup, ok := tbl.Lookup(100)
	require.True(t, ok)
	assert.Equal(t, key, lookup.Process.Key())
}

func TestExecInPlaceResetsVerdict(t *testing.T) {
	tbl := newTable(t, Config{})
	p := proc(50, 3, "/bin/sh")
	_, err := tbl.Observe(notify(p, 1, events.OpenPayload{File: &events.File{Path: "/etc/hosts"}}), "")
	require.NoError(t, err)
	require.True(t, tbl.MarkScanned(p.Key(), ScanVerdict{Verdict: "allow", Generation: 1}))

	key, err := tbl.Observe(notify(p, 2, events.ExecPayload{Target: proc(50, 3, "/usr/bin/python3")}), "")
	require.NoError(t, err)
	snap, _ := tbl.Get(key)
	assert.Equal(t, StateObserved, snap.State)
	assert.Nil(t, snap.Scan)
	assert.Equal(t, "/bin/sh", snap.ExecFrom.GetPath())
}

func TestPIDReuseKeepsEntriesDistinct(t *testing.T) {
	tbl := newTable(t, Config{})
	launchd := proc(1, 1, "/sbin/launchd")
	first := proc(100, 1, "/bin/first")
	second := proc(100, 7, "/bin/second")

	_, err := tbl.Observe(notify(launchd, 1, events.ForkPayload{Child: first}), "")
	require.NoError(t, err)
	_, err = tbl.Observe(notify(launchd, 2, events.ForkPayload{Child: second}), "")
	require.NoError(t, err)

	a, ok := tbl.Get(first.Key())
	require.True(t, ok)
	b, ok := tbl.Get(second.Key())
	require.True(t, ok)
	assert.Equal(t, "/bin/first", a.Process.ExecutablePath())
	assert.Equal(t, "/bin/second", b.Process.ExecutablePath())

	tbl.MarkScanned(first.Key(), ScanVerdict{Verdict: "deny"})
	b, _ = tbl.Get(second.Key())
	assert.Nil(t, b.Scan)
}

func TestExitRemovesAndNeverResurrects(t *testing.T) {
	tbl := newTable(t, Config{})
	p := proc(200, 1, "/bin/sleep")
	_, err := tbl.Observe(notify(p, 1, events.OpenPayload{File: &events.File{Path: "/x"}}), "")
	require.NoError(t, err)

	_, err = tbl.Observe(notify(p, 2, events.ExitPayload{Status: 0}), "")
	require.NoError(t, err)
	_, ok := tbl.Get(p.Key())
	assert.False(t, ok)

	_, err = tbl.Observe(notify(p, 3, events.OpenPayload{File: &events.File{Path: "/x"}}), "")
	assert.True(t, errors.Is(err, ErrExitedProcess))
	_, ok = tbl.Get(p.Key())
	assert.False(t, ok)

	// a new version of the same pid is a different process
	_, err = tbl.Observe(notify(proc(200, 2, "/bin/sleep"), 4, events.OpenPayload{File: &events.File{Path: "/x"}}), "")
	assert.NoError(t, err)
}

func TestMultiClientExitDeferred(t *testing.T) {
	tbl := newTable(t, Config{Clients: []string{"scanner", "telemetry"}})
	p := proc(300, 1, "/bin/cat")
	other := proc(301, 1, "/bin/ls")
	_, err := tbl.Observe(notify(p, 10, events.OpenPayload{File: &events.File{Path: "/x"}}), "telemetry")
	require.NoError(t, err)

	_, err = tbl.Observe(notify(p, 100, events.ExitPayload{}), "scanner")
	require.NoError(t, err)
	_, ok := tbl.Get(p.Key())
	assert.True(t, ok, "telemetry client has not caught up")
	assert.Equal(t, 1, tbl.Stats().PendingExits)

	// the lagging client still delivers an older event for the process
	_, err = tbl.Observe(notify(p, 50, events.OpenPayload{File: &events.File{Path: "/y"}}), "telemetry")
	require.NoError(t, err)
	_, ok = tbl.Get(p.Key())
	assert.True(t, ok)

	_, err = tbl.Observe(notify(other, 150, events.OpenPayload{File: &events.File{Path: "/z"}}), "telemetry")
	require.NoError(t, err)
	_, ok = tbl.Get(p.Key())
	assert.False(t, ok)
	assert.Equal(t, 0, tbl.Stats().PendingExits)
}

func TestMultiClientExitFromUnnamedClient(t *testing.T) {
	tbl := newTable(t, Config{Clients: []string{"scanner", "telemetry"}})
	for i := int32(0); i < 50; i++ {
		p := proc(400+i, 1, "/bin/true")
		_, err := tbl.Observe(notify(proc(1, 1, "/sbin/launchd"), uint64(2*i+1), events.ForkPayload{Child: p}), "")
		require.NoError(t, err)
		_, err = tbl.Observe(notify(p, uint64(2*i+2), events.ExitPayload{}), "")
		require.NoError(t, err)
		_, ok := tbl.Get(p.Key())
		assert.False(t, ok)
	}
	stats := tbl.Stats()
	assert.Equal(t, 0, stats.PendingExits)
	assert.Equal(t, 50, stats.Exited)
}

func TestEvictionDropsPendingExit(t *testing.T) {
	tbl := newTable(t, Config{Clients: []string{"scanner", "telemetry"}, IdleTimeout: time.Minute})
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tbl.now = func() time.Time { return clock }

	p := proc(500, 1, "/bin/cat")
	_, err := tbl.Observe(notify(p, 10, events.OpenPayload{File: &events.File{Path: "/x"}}), "telemetry")
	require.NoError(t, err)
	_, err = tbl.Observe(notify(p, 20, events.ExitPayload{}), "scanner")
	require.NoError(t, err)
	require.Equal(t, 1, tbl.Stats().PendingExits)

	clock = clock.Add(2 * time.Minute)
	assert.Equal(t, 1, tbl.EvictIdle(clock))
	assert.Equal(t, 0, tbl.Stats().PendingExits)
}

func TestEvictIdle(t *testing.T) {
	tbl := newTable(t, Config{IdleTimeout: time.Minute})
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tbl.now = func() time.Time { return clock }

	old := proc(1, 1, "/old")
	fresh := proc(2, 1, "/fresh")
	_, _ = tbl.Observe(notify(old, 1, events.OpenPayload{File: &events.File{Path: "/x"}}), "")
	clock = clock.Add(50 * time.Second)
	_, _ = tbl.Observe(notify(fresh, 2, events.OpenPayload{File: &events.File{Path: "/x"}}), "")

	var evicted int
	tbl.OnEvict(func(reason string, n int) {
		assert.Equal(t, "idle", reason)
		evicted += n
	})
	clock = clock.Add(20 * time.Second)
	assert.Equal(t, 1, tbl.EvictIdle(clock))
	assert.Equal(t, 1, evicted)

	_, ok := tbl.Get(old.Key())
	assert.False(t, ok)
	_, ok = tbl.Get(fresh.Key())
	assert.True(t, ok)
	assert.False(t, tbl.IsExited(old.Key()), "idle eviction is not an exit")
}

func TestIdleEntryNotReturnedAfterTimeout(t *testing.T) {
	tbl := newTable(t, Config{IdleTimeout: 10 * time.Millisecond, EvictionInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tbl.Start(ctx)
	defer tbl.Stop()

	p := proc(9, 9, "/bin/idle")
	_, err := tbl.Observe(notify(p, 1, events.OpenPayload{File: &events.File{Path: "/x"}}), "")
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		_, ok := tbl.Get(p.Key())
		return !ok
	}, time.Second, 5*time.Millisecond)

	tbl.Stop()
	tbl.Stop()
}

func TestCapacityEvictsOldestQuarter(t *testing.T) {
	tbl := newTable(t, Config{Capacity: 8})
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tbl.now = func() time.Time { return clock }
	var reasons []string
	tbl.OnEvict(func(reason string, n int) { reasons = append(reasons, fmt.Sprintf("%s:%d", reason, n)) })

	for i := int32(1); i <= 8; i++ {
		clock = clock.Add(time.Second)
		_, err := tbl.Observe(notify(proc(i, 1, "/bin/x"), uint64(i), events.OpenPayload{File: &events.File{Path: "/x"}}), "")
		require.NoError(t, err)
	}
	assert.Equal(t, 8, tbl.Len())

	clock = clock.Add(time.Second)
	_, err := tbl.Observe(notify(proc(9, 1, "/bin/x"), 9, events.OpenPayload{File: &events.File{Path: "/x"}}), "")
	require.NoError(t, err)

	assert.Equal(t, 7, tbl.Len())
	assert.Equal(t, []string{"capacity:2"}, reasons)
	for _, pid := range []int32{1, 2} {
		_, ok := tbl.Get(events.ProcessKey{PID: pid, PIDVersion: 1})
		assert.False(t, ok, "pid %d should be evicted", pid)
	}
	_, ok := tbl.Get(events.ProcessKey{PID: 9, PIDVersion: 1})
	assert.True(t, ok)
}

func TestSeedAndAncestors(t *testing.T) {
	tbl := newTable(t, Config{})
	launchd := *proc(1, 1, "/sbin/launchd")
	shell := *proc(10, 1, "/bin/zsh")
	shell.ParentToken, shell.ParentTokenExact = launchd.AuditToken, true
	// only the pid of the parent is known
	tool := *proc(20, 1, "/usr/bin/tool")
	tool.PPID = 10
	tool.ParentToken = events.AuditToken{PID: 10}

	assert.Equal(t, 3, tbl.Seed([]events.Process{launchd, shell, tool}))
	chain := tbl.Ancestors(tool.Key(), 10)
	require.Len(t, chain, 2)
	assert.Equal(t, "/bin/zsh", chain[0].Process.ExecutablePath())
	assert.Equal(t, "/sbin/launchd", chain[1].Process.ExecutablePath())
	assert.Len(t, tbl.Ancestors(tool.Key(), 1), 1)
}

func TestConcurrentObserve(t *testing.T) {
	tbl := newTable(t, Config{Capacity: 1 << 16})
	launchd := proc(1, 1, "/sbin/launchd")
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				pid := int32(1000 + w*1000 + i)
				child := proc(pid, 1, "/bin/child")
				_, err := tbl.Observe(notify(launchd, uint64(i), events.ForkPayload{Child: child}), "")
				assert.NoError(t, err)
				_, err = tbl.Observe(notify(child, uint64(i+1), events.ExecPayload{Target: proc(pid, 2, "/bin/exec")}), "")
				assert.NoError(t, err)
				tbl.MarkScanned(events.ProcessKey{PID: pid, PIDVersion: 2}, ScanVerdict{Verdict: "allow"})
			}
		}(w)
	}
	wg.Wait()
	// launchd plus one exec'd entry per child
	assert.Equal(t, 1+8*200, tbl.Len())
	stats := tbl.Stats()
	assert.Equal(t, 1+8*200, stats.Size)
	assert.Greater(t, stats.ApproxBytes, 0)
}
