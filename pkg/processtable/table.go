package processtable

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/DmitriyVTitov/size"
	"github.com/goradd/maps"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/kubescape/endpoint-agent/pkg/events"
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/oleiade/lane/v2"
)

const (
	DefaultCapacity         = 65536
	DefaultEvictionInterval = 30 * time.Second
	defaultExitedMemory     = 4096
	// evictFraction of the table is dropped when capacity is reached.
	evictFraction = 4
)

// Config configures a Table. IdleTimeout has no default and must be set.
type Config struct {
	Capacity         int
	IdleTimeout      time.Duration
	EvictionInterval time.Duration
	// Clients names the independent event-source clients. With more than one
	// client, exits seen by one of them are only applied once every client has
	// caught up. Exits from an unnamed client apply at once.
	Clients      []string
	ExitedMemory int
}

// Stats is a point-in-time summary of the table.
type Stats struct {
	Size         int
	PendingExits int
	Exited       int
	ApproxBytes  int
}

// Table tracks live processes keyed by (pid, pid version).
//
// Membership changes are serialized by structMu; entry contents by each
// entry's own lock. structMu may be taken before an entry lock, never after.
type Table struct {
	cfg      Config
	entries  maps.SafeMap[events.ProcessKey, *Entry]
	byPID    maps.SafeMap[int32, events.ProcessKey]
	exited   *lru.Cache[events.ProcessKey, time.Time]
	structMu sync.Mutex

	pendingMu   sync.Mutex
	pending     map[events.ProcessKey]uint64
	clientTimes map[string]uint64

	now     func() time.Time
	stop    chan struct{}
	done    chan struct{}
	runMu   sync.Mutex
	onEvict func(reason string, n int)
}

func New(cfg Config) (*Table, error) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.EvictionInterval <= 0 {
		cfg.EvictionInterval = DefaultEvictionInterval
	}
	if cfg.ExitedMemory <= 0 {
		cfg.ExitedMemory = defaultExitedMemory
	}
	exited, err := lru.New[events.ProcessKey, time.Time](cfg.ExitedMemory)
	if err != nil {
		return nil, err
	}
	return &Table{
		cfg:         cfg,
		exited:      exited,
		pending:     map[events.ProcessKey]uint64{},
		clientTimes: map[string]uint64{},
		now:         time.Now,
	}, nil
}

// OnEvict registers a callback invoked after every eviction pass that
// removed entries. reason is "idle" or "capacity".
func (t *Table) OnEvict(fn func(reason string, n int)) {
	t.onEvict = fn
}

// Start runs idle eviction every EvictionInterval until Stop or ctx is done.
func (t *Table) Start(ctx context.Context) {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	if t.stop != nil {
		return
	}
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	go func(stop, done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(t.cfg.EvictionInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				t.EvictIdle(t.now())
			}
		}
	}(t.stop, t.done)
}

// Stop halts background eviction. It is safe to call more than once.
func (t *Table) Stop() {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	if t.stop == nil {
		return
	}
	close(t.stop)
	<-t.done
	t.stop, t.done = nil, nil
}

// Seed inserts processes that were running before the event stream started.
func (t *Table) Seed(processes []events.Process) int {
	n := 0
	for i := range processes {
		p := processes[i].Clone()
		if _, err := t.upsert(p.Key(), func(e *Entry, created bool) {
			if created {
				e.Process = p
				e.State = StateObserved
			}
		}); err == nil {
			n++
		}
	}
	logger.L().Info("process table seeded", helpers.Int("processes", n))
	return n
}

// upsert runs fn on the entry for key under its lock, creating it first when
// missing. Keys remembered as exited are refused.
func (t *Table) upsert(key events.ProcessKey, fn func(e *Entry, created bool)) (*Entry, error) {
	e, ok := t.entries.Load(key)
	created := false
	if !ok {
		t.structMu.Lock()
		e, ok = t.entries.Load(key)
		if !ok {
			if t.exited.Contains(key) {
				t.structMu.Unlock()
				return nil, ErrExitedProcess
			}
			if t.entries.Len() >= t.cfg.Capacity {
				t.evictOldestLocked()
			}
			e = &Entry{State: StateUnknown}
			t.entries.Set(key, e)
			t.byPID.Set(key.PID, key)
			created = true
		}
		t.structMu.Unlock()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.State == StateRetired {
		return nil, ErrExitedProcess
	}
	e.LastSeen = t.now()
	fn(e, created)
	return e, nil
}

// Observe correlates ev into the table and returns the key of the process the
// event is about: the exec target for exec events, the originator otherwise.
// client names the delivering event-source client.
func (t *Table) Observe(ev *events.Event, client string) (events.ProcessKey, error) {
	origin := ev.Process
	key := origin.Key()
	defer t.noteClientTime(client, ev.MachTime)

	switch p := ev.Payload.(type) {
	case events.ForkPayload:
		t.touch(origin)
		child := p.Child.Clone()
		if child.ParentToken.IsZero() || !child.ParentTokenExact {
			child.ParentToken = origin.AuditToken
			child.ParentTokenExact = true
		}
		_, err := t.upsert(child.Key(), func(e *Entry, created bool) {
			e.Process = child
			e.State = StateObserved
		})
		return child.Key(), err

	case events.ExecPayload:
		target := p.Target.Clone()
		targetKey := target.Key()
		var prior *events.File
		var parent events.AuditToken
		var parentExact bool
		if targetKey != key {
			if snap, ok := t.Get(key); ok {
				prior = snap.Process.Executable
				parent, parentExact = snap.Process.ParentToken, snap.Process.ParentTokenExact
			} else {
				prior = origin.Executable.Clone()
				parent, parentExact = origin.ParentToken, origin.ParentTokenExact
			}
			t.retire(key)
		}
		_, err := t.upsert(targetKey, func(e *Entry, created bool) {
			if targetKey == key && e.Process != nil {
				prior = e.Process.Executable.Clone()
				if !target.ParentTokenExact {
					target.ParentToken, target.ParentTokenExact = e.Process.ParentToken, e.Process.ParentTokenExact
				}
			} else if !target.ParentTokenExact && !parent.IsZero() {
				target.ParentToken, target.ParentTokenExact = parent, parentExact
			}
			e.Process = target
			e.State = StateObserved
			e.Scan = nil
			e.ExecFrom = prior
		})
		return targetKey, err

	case events.ExitPayload:
		t.Exit(key, ev.MachTime, client)
		return key, nil
	}

	_, err := t.touch(origin)
	return key, err
}

// touch refreshes the originator, inserting it when unseen.
func (t *Table) touch(p *events.Process) (*Entry, error) {
	return t.upsert(p.Key(), func(e *Entry, created bool) {
		if created || e.Process == nil {
			e.Process = p.Clone()
			e.State = StateObserved
		}
	})
}

// Exit records that key exited at machTime as seen by client. With several
// configured clients the entry stays until every client has delivered an
// event at or after machTime.
func (t *Table) Exit(key events.ProcessKey, machTime uint64, client string) {
	if !t.ordersExits(client) {
		t.retire(key)
		return
	}
	t.pendingMu.Lock()
	if cur, ok := t.pending[key]; !ok || machTime > cur {
		t.pending[key] = machTime
	}
	t.pendingMu.Unlock()
	t.noteClientTime(client, machTime)
}

// ordersExits reports whether exits delivered by client wait for the other
// clients.
func (t *Table) ordersExits(client string) bool {
	return len(t.cfg.Clients) > 1 && slices.Contains(t.cfg.Clients, client)
}

func (t *Table) noteClientTime(client string, machTime uint64) {
	if !t.ordersExits(client) || machTime == 0 {
		return
	}
	t.pendingMu.Lock()
	if machTime > t.clientTimes[client] {
		t.clientTimes[client] = machTime
	}
	horizon := uint64(0)
	for i, c := range t.cfg.Clients {
		ts := t.clientTimes[c]
		if i == 0 || ts < horizon {
			horizon = ts
		}
	}
	var ready []events.ProcessKey
	for key, exitAt := range t.pending {
		if exitAt <= horizon {
			ready = append(ready, key)
			delete(t.pending, key)
		}
	}
	t.pendingMu.Unlock()

	for _, key := range ready {
		t.retire(key)
	}
}

// retire removes key. Exited keys are remembered so late events cannot
// resurrect them.
func (t *Table) retire(key events.ProcessKey) {
	t.structMu.Lock()
	defer t.structMu.Unlock()
	t.exited.Add(key, t.now())
	t.removeLocked(key)
}

func (t *Table) removeLocked(key events.ProcessKey) {
	e, ok := t.entries.Load(key)
	if !ok {
		return
	}
	e.mu.Lock()
	e.State = StateRetired
	e.mu.Unlock()
	t.entries.Delete(key)
	if cur, ok := t.byPID.Load(key.PID); ok && cur == key {
		t.byPID.Delete(key.PID)
	}
	t.pendingMu.Lock()
	delete(t.pending, key)
	t.pendingMu.Unlock()
}

// With runs fn on the entry for key while holding its lock. It reports
// whether the entry exists.
func (t *Table) With(key events.ProcessKey, fn func(e *Entry)) bool {
	e, ok := t.entries.Load(key)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.State == StateRetired {
		return false
	}
	fn(e)
	return true
}

// MarkScanned stores the verdict for key's current image.
func (t *Table) MarkScanned(key events.ProcessKey, v ScanVerdict) bool {
	return t.With(key, func(e *Entry) {
		e.State = StateScanned
		e.Scan = &v
	})
}

// Get returns a copy of the entry for key.
func (t *Table) Get(key events.ProcessKey) (Snapshot, bool) {
	var s Snapshot
	ok := t.With(key, func(e *Entry) { s = e.snapshot() })
	return s, ok
}

// Lookup returns the live entry for pid, whatever its version.
func (t *Table) Lookup(pid int32) (Snapshot, bool) {
	key, ok := t.byPID.Load(pid)
	if !ok {
		return Snapshot{}, false
	}
	return t.Get(key)
}

// Parent resolves the weak parent reference of key. Parents known only by
// pid resolve to the live entry with that pid.
func (t *Table) Parent(key events.ProcessKey) (Snapshot, bool) {
	child, ok := t.Get(key)
	if !ok || child.Process == nil {
		return Snapshot{}, false
	}
	parent := child.Process.ParentToken
	if child.Process.ParentTokenExact {
		return t.Get(parent.Key())
	}
	if parent.PID == 0 && child.Process.PPID == 0 {
		return Snapshot{}, false
	}
	pid := parent.PID
	if pid == 0 {
		pid = child.Process.PPID
	}
	return t.Lookup(pid)
}

// Ancestors walks parent links from key, nearest first, up to max entries.
func (t *Table) Ancestors(key events.ProcessKey, max int) []Snapshot {
	var out []Snapshot
	seen := map[events.ProcessKey]bool{key: true}
	for len(out) < max {
		p, ok := t.Parent(key)
		if !ok || seen[p.Process.Key()] {
			break
		}
		out = append(out, p)
		key = p.Process.Key()
		seen[key] = true
	}
	return out
}

// IsExited reports whether key is remembered as exited.
func (t *Table) IsExited(key events.ProcessKey) bool {
	return t.exited.Contains(key)
}

func (t *Table) Len() int {
	return t.entries.Len()
}

// EvictIdle removes entries not seen since IdleTimeout before now.
func (t *Table) EvictIdle(now time.Time) int {
	if t.cfg.IdleTimeout <= 0 {
		return 0
	}
	cutoff := now.Add(-t.cfg.IdleTimeout)
	t.structMu.Lock()
	var idle []events.ProcessKey
	t.entries.Range(func(key events.ProcessKey, e *Entry) bool {
		e.mu.Lock()
		if e.LastSeen.Before(cutoff) {
			idle = append(idle, key)
		}
		e.mu.Unlock()
		return true
	})
	for _, key := range idle {
		t.removeLocked(key)
	}
	t.structMu.Unlock()

	if len(idle) > 0 {
		logger.L().Debug("evicted idle processes", helpers.Int("count", len(idle)))
		if t.onEvict != nil {
			t.onEvict("idle", len(idle))
		}
	}
	return len(idle)
}

// evictOldestLocked drops the least recently seen quarter of the table.
func (t *Table) evictOldestLocked() {
	n := t.entries.Len() / evictFraction
	if n < 1 {
		n = 1
	}
	pq := lane.NewMinPriorityQueue[events.ProcessKey, int64]()
	t.entries.Range(func(key events.ProcessKey, e *Entry) bool {
		e.mu.Lock()
		pq.Push(key, e.LastSeen.UnixNano())
		e.mu.Unlock()
		return true
	})
	evicted := 0
	for evicted < n {
		key, _, ok := pq.Pop()
		if !ok {
			break
		}
		t.removeLocked(key)
		evicted++
	}
	logger.L().Warning("process table full", helpers.Error(&TableCapacityExceededError{Capacity: t.cfg.Capacity, Evicted: evicted}))
	if t.onEvict != nil {
		t.onEvict("capacity", evicted)
	}
}

func (t *Table) Stats() Stats {
	t.pendingMu.Lock()
	pending := len(t.pending)
	t.pendingMu.Unlock()
	return Stats{
		Size:         t.entries.Len(),
		PendingExits: pending,
		Exited:       t.exited.Len(),
		ApproxBytes:  size.Of(t.entries.Values()),
	}
}
