package builder

import (
	"os"
	"testing"

	"github.com/kubescape/endpoint-agent/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptySentinels(t *testing.T) {
	p := BuildEmptyProcess()
	require.NotNil(t, p.Executable)
	assert.Equal(t, "", p.Executable.Path)
	assert.Equal(t, events.ProcessKey{}, p.Key())
	assert.True(t, p.StartTime.IsZero())

	m := BuildEmptyMessage()
	assert.Equal(t, ESMessageVersionForOS(), m.Version)
	assert.True(t, m.Time.IsZero())
	assert.NoError(t, m.Validate())
}

func TestDerivedEventsAreValid(t *testing.T) {
	target := BuildRandomProcess()
	file := BuildRandomFile()
	for name, ev := range map[string]*events.Event{
		"fork":   BuildForkEvent(BuildEmptyProcess()),
		"exec":   BuildExecEvent(target, nil, nil),
		"write":  BuildWriteEvent(file),
		"exit":   BuildExitEvent(0),
		"create": BuildCreateEvent(file),
		"close":  BuildCloseEvent(file, true),
	} {
		t.Run(name, func(t *testing.T) {
			assert.NoError(t, ev.Validate())
			assert.Equal(t, events.EventType(name), ev.Type())
		})
	}
}

func TestForkParentIsSelf(t *testing.T) {
	child, err := BuildProcess(events.AuditToken{}, 100, 1, "/bin/sh")
	require.NoError(t, err)
	ev := BuildForkEvent(child)

	self := SelfAuditToken()
	assert.Equal(t, int32(os.Getpid()), self.PID)
	assert.Equal(t, self, ev.Process.AuditToken)

	fork, ok := ev.AsFork()
	require.True(t, ok)
	assert.Equal(t, self, fork.Child.ParentToken)
	assert.Equal(t, events.ProcessKey{PID: 100, PIDVersion: 1}, fork.Child.Key())
	// the caller's process is not modified
	assert.True(t, child.ParentToken.IsZero())
}

func TestExecOptionalScript(t *testing.T) {
	target := BuildRandomProcess()
	ev := BuildExecEvent(target, &events.File{Path: "/tmp"}, nil)
	exec, ok := ev.AsExec()
	require.True(t, ok)
	assert.Nil(t, exec.Script)
	assert.Equal(t, "/tmp", exec.Cwd.Path)

	ev = BuildExecEvent(target, nil, &events.File{Path: "/tmp/run.sh"})
	exec, _ = ev.AsExec()
	assert.Equal(t, "/tmp/run.sh", exec.Script.Path)
}

func TestOptions(t *testing.T) {
	ev := BuildExecEvent(BuildRandomProcess(), nil, nil, WithMachTime(1000), WithAction(events.AuthAction))
	assert.Equal(t, events.AuthAction, ev.Action)
	assert.Equal(t, uint64(1000), ev.MachTime)
	assert.Greater(t, ev.Deadline, ev.MachTime)

	ev = BuildExecEvent(BuildRandomProcess(), nil, nil, WithDeadline(77))
	assert.True(t, ev.IsAuth())
	assert.Equal(t, uint64(77), ev.Deadline)

	ev = BuildWriteEvent(BuildRandomFile(), WithDeadline(77), WithAction(events.NotifyAction))
	assert.Zero(t, ev.Deadline)
}

func TestBuildAuditTokenRejectsNegative(t *testing.T) {
	_, err := BuildAuditToken(-1, 0)
	assert.Error(t, err)
	_, err = BuildProcess(events.AuditToken{}, 1, -1, "/bin/ls")
	assert.Error(t, err)
}

func TestRandomValuesDiffer(t *testing.T) {
	assert.NotEqual(t, BuildRandomFile().Path, BuildRandomFile().Path)
	assert.NotEqual(t, BuildRandomProcess().ExecutablePath(), BuildRandomProcess().ExecutablePath())
}

func TestToRawNormalizes(t *testing.T) {
	events.SetOSVersion("14.4")
	t.Cleanup(func() { events.SetOSVersion("") })

	target := BuildRandomProcess()
	ev := BuildExecEvent(target, nil, BuildRandomFile(), WithSeqNum(5), WithAction(events.AuthAction))
	raw, err := ToRaw(ev)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), raw.Version)

	back, err := events.Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, events.ExecEventType, back.Type())
	assert.Equal(t, ev.Deadline, back.Deadline)
	assert.Equal(t, uint64(5), back.SeqNum)
	exec, _ := back.AsExec()
	assert.Equal(t, target.Key(), exec.Target.Key())
	assert.Equal(t, target.ParentToken, exec.Target.ParentToken)
}
