// Package builder constructs synthetic events for tests and replay fixtures.
package builder

import (
	"math/rand/v2"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/kubescape/endpoint-agent/pkg/events"
	"github.com/kubescape/endpoint-agent/pkg/machtime"
)

// Option adjusts an event produced by one of the Build*Event functions.
type Option func(*events.Event)

// WithAction sets the action type. Authorizing events without a deadline get
// one a minute after their mach time.
func WithAction(action events.ActionType) Option {
	return func(e *events.Event) {
		e.Action = action
		if action == events.AuthAction && e.Deadline == 0 {
			e.Deadline = machtime.AddNanosecsToMachTime(e.MachTime, uint64(time.Minute))
		}
		if action == events.NotifyAction {
			e.Deadline = 0
		}
	}
}

func WithMachTime(ticks uint64) Option {
	return func(e *events.Event) {
		e.MachTime = ticks
	}
}

// WithDeadline sets an absolute deadline in mach ticks and makes the event
// authorizing.
func WithDeadline(ticks uint64) Option {
	return func(e *events.Event) {
		e.Action = events.AuthAction
		e.Deadline = ticks
	}
}

// WithProcess replaces the originating process.
func WithProcess(p *events.Process) Option {
	return func(e *events.Event) {
		e.Process = p
	}
}

func WithSeqNum(seq uint64) Option {
	return func(e *events.Event) {
		e.SeqNum = seq
		e.GlobalSeqNum = seq
	}
}

// BuildAuditToken is events.BuildAuditToken.
func BuildAuditToken(pid, pidVersion int32) (events.AuditToken, error) {
	return events.BuildAuditToken(pid, pidVersion)
}

// ESMessageVersionForOS is events.ESMessageVersionForOS.
func ESMessageVersionForOS() uint32 {
	return events.ESMessageVersionForOS()
}

// SelfAuditToken is the token of the calling process. The pid version is
// unknown and left at 0.
func SelfAuditToken() events.AuditToken {
	return events.MustBuildAuditToken(int32(os.Getpid()), 0)
}

// BuildEmptyProcess returns a sentinel process: pid 0, version 0, an empty
// executable path and zero times.
func BuildEmptyProcess() *events.Process {
	return &events.Process{
		AuditToken: events.MustBuildAuditToken(0, 0),
		Executable: &events.File{},
	}
}

// BuildEmptyMessage returns a sentinel notify message with the host's schema
// version and an empty originating process.
func BuildEmptyMessage() *events.Event {
	return &events.Event{
		Version: events.ESMessageVersionForOS(),
		Action:  events.NotifyAction,
		Process: BuildEmptyProcess(),
		Payload: events.OtherPayload{},
	}
}

func selfProcess() *events.Process {
	p := BuildEmptyProcess()
	p.AuditToken = SelfAuditToken()
	p.PPID = int32(os.Getppid())
	p.ParentToken = events.MustBuildAuditToken(p.PPID, 0)
	if exe, err := os.Executable(); err == nil {
		p.Executable.Path = exe
	}
	return p
}

func build(payload events.Payload, opts []Option) *events.Event {
	e := BuildEmptyMessage()
	e.Time = time.Now().UTC()
	e.MachTime = machtime.Now()
	e.Process = selfProcess()
	e.Payload = payload
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// BuildProcess returns a process with the given token whose parent is parent.
func BuildProcess(parent events.AuditToken, pid, pidVersion int32, path string) (*events.Process, error) {
	token, err := events.BuildAuditToken(pid, pidVersion)
	if err != nil {
		return nil, err
	}
	return &events.Process{
		AuditToken:       token,
		PPID:             parent.PID,
		ParentToken:      parent,
		ParentTokenExact: true,
		Executable:       &events.File{Path: path},
	}, nil
}

// BuildForkEvent builds a fork of child from the calling process. The child's
// parent token is set to the originator.
func BuildForkEvent(child *events.Process, opts ...Option) *events.Event {
	e := build(nil, opts)
	c := child.Clone()
	c.ParentToken = e.Process.AuditToken
	c.PPID = e.Process.AuditToken.PID
	c.ParentTokenExact = true
	e.Payload = events.ForkPayload{Child: c}
	return e
}

// BuildExecEvent builds an exec of target. cwd and script are optional.
func BuildExecEvent(target *events.Process, cwd *events.File, script *events.File, opts ...Option) *events.Event {
	return build(events.ExecPayload{Target: target, Cwd: cwd, Script: script}, opts)
}

func BuildWriteEvent(file *events.File, opts ...Option) *events.Event {
	return build(events.WritePayload{File: file}, opts)
}

func BuildExitEvent(status int32, opts ...Option) *events.Event {
	return build(events.ExitPayload{Status: status}, opts)
}

func BuildCreateEvent(destination *events.File, opts ...Option) *events.Event {
	return build(events.CreatePayload{Destination: destination}, opts)
}

func BuildCloseEvent(file *events.File, modified bool, opts ...Option) *events.Event {
	return build(events.ClosePayload{File: file, Modified: modified}, opts)
}

// BuildRandomProcess returns a process with a random pid and version, a
// unique executable path under /tmp and a random parent.
func BuildRandomProcess() *events.Process {
	parent := events.MustBuildAuditToken(rand.Int32N(1<<20), rand.Int32N(1<<16))
	p, _ := BuildProcess(parent, rand.Int32N(1<<20)+1, rand.Int32N(1<<16)+1, "/tmp/"+uuid.NewString())
	return p
}

// BuildRandomFile returns a file with a unique path and random identity.
func BuildRandomFile() *events.File {
	return &events.File{
		Path:       "/tmp/" + uuid.NewString(),
		Device:     rand.Uint64N(1 << 16),
		Inode:      rand.Uint64(),
		Size:       rand.Int64N(1 << 20),
		ModTime:    time.Now().UTC().Truncate(time.Second),
		Generation: rand.Uint64N(1 << 8),
	}
}

// ToRaw converts e into a raw message suitable for replay fixtures.
func ToRaw(e *events.Event) (*events.RawMessage, error) {
	return e.Raw()
}
