package processtable

import (
	"sync"
	"time"

	"github.com/kubescape/endpoint-agent/pkg/events"
)

// State is the lifecycle state of a table entry.
type State int

const (
	StateUnknown State = iota
	StateObserved
	StateScanned
	StateRetired
)

func (s State) String() string {
	switch s {
	case StateObserved:
		return "observed"
	case StateScanned:
		return "scanned"
	case StateRetired:
		return "retired"
	}
	return "unknown"
}

// ScanVerdict records the last decision made for an entry's image.
type ScanVerdict struct {
	Generation uint64
	Verdict    string
	RuleIDs    []string
	At         time.Time
}

// Entry is the table's view of one process instance. Fields are guarded by
// the entry's own lock; use Table.With to access them.
type Entry struct {
	mu       sync.Mutex
	Process  *events.Process
	State    State
	LastSeen time.Time
	Scan     *ScanVerdict
	// ExecFrom is the image the process ran before its latest exec.
	ExecFrom *events.File
}

// Snapshot is an unlocked copy of an entry.
type Snapshot struct {
	Process  *events.Process
	State    State
	LastSeen time.Time
	Scan     *ScanVerdict
	ExecFrom *events.File
}

func (e *Entry) snapshot() Snapshot {
	s := Snapshot{
		Process:  e.Process.Clone(),
		State:    e.State,
		LastSeen: e.LastSeen,
		ExecFrom: e.ExecFrom.Clone(),
	}
	if e.Scan != nil {
		v := *e.Scan
		v.RuleIDs = append([]string(nil), e.Scan.RuleIDs...)
		s.Scan = &v
	}
	return s
}
