package processinfo

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/kubescape/endpoint-agent/pkg/events"
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/prometheus/procfs"
)

const DefaultProcfsPath = "/proc"

var _ Provider = (*ProcfsProvider)(nil)

// ProcfsProvider reads processes from a procfs mount. The pid version of a
// process is derived from its start time, which differs between two
// processes that reuse the same pid.
type ProcfsProvider struct {
	fs procfs.FS
}

func NewProcfsProvider(procfsPath string) (*ProcfsProvider, error) {
	if procfsPath == "" {
		procfsPath = DefaultProcfsPath
	}
	fs, err := procfs.NewFS(procfsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize procfs: %w", err)
	}
	return &ProcfsProvider{fs: fs}, nil
}

func (p *ProcfsProvider) RunningProcesses() ([]events.Process, error) {
	procs, err := p.fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}
	out := make([]events.Process, 0, len(procs))
	for _, proc := range procs {
		desc, err := p.readProcess(proc)
		if err != nil {
			// processes exit while we walk the list
			logger.L().Debug("skipping process", helpers.Int("pid", proc.PID), helpers.Error(err))
			continue
		}
		out = append(out, *desc)
	}
	return out, nil
}

func (p *ProcfsProvider) Lookup(token events.AuditToken) (*events.Process, error) {
	proc, err := p.fs.Proc(int(token.PID))
	if err != nil {
		return nil, ErrProcessNotFound
	}
	desc, err := p.readProcess(proc)
	if err != nil {
		return nil, ErrProcessNotFound
	}
	if token.PIDVersion != 0 && desc.AuditToken.PIDVersion != token.PIDVersion {
		return nil, ErrProcessNotFound
	}
	return desc, nil
}

func (p *ProcfsProvider) readProcess(proc procfs.Proc) (*events.Process, error) {
	stat, err := proc.Stat()
	if err != nil {
		return nil, err
	}

	token := events.AuditToken{
		PID:        int32(proc.PID),
		PIDVersion: pidVersion(stat.Starttime),
		ASID:       int32(stat.Session),
	}
	if status, err := proc.NewStatus(); err == nil {
		token.RUID = uint32(status.UIDs[0])
		token.EUID = uint32(status.UIDs[1])
		token.RGID = uint32(status.GIDs[0])
		token.EGID = uint32(status.GIDs[1])
		token.AUID = token.RUID
	}

	desc := &events.Process{
		AuditToken: token,
		PPID:       int32(stat.PPID),
		// procfs only knows the parent pid
		ParentToken: events.AuditToken{PID: int32(stat.PPID)},
		Executable:  &events.File{},
	}
	if started, err := stat.StartTime(); err == nil {
		sec, frac := math.Modf(started)
		desc.StartTime = time.Unix(int64(sec), int64(frac*1e9))
	}
	if exe, err := proc.Executable(); err == nil && exe != "" {
		desc.Executable = describeFile(exe)
	}
	return desc, nil
}

// pidVersion folds the start time, in clock ticks since boot, into the
// non-negative int32 range of a pid version.
func pidVersion(startTicks uint64) int32 {
	return int32(startTicks % math.MaxInt32)
}

func describeFile(path string) *events.File {
	f := &events.File{Path: path}
	if fi, err := os.Stat(path); err == nil {
		f.Size = fi.Size()
		f.Mode = fi.Mode()
		f.ModTime = fi.ModTime()
	}
	return f
}
