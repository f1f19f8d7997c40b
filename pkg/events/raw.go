package events

import (
	"encoding/hex"
	"errors"
	"io/fs"
	"time"
)

// RawAuditToken is the eight-word token as delivered by the event source.
type RawAuditToken [8]uint32

type RawStat struct {
	Dev   uint64 `json:"st_dev"`
	Ino   uint64 `json:"st_ino"`
	Mode  uint32 `json:"st_mode"`
	Size  int64  `json:"st_size"`
	Mtime int64  `json:"st_mtime_ns"`
	Gen   uint64 `json:"st_gen"`
}

type RawFile struct {
	Path          string  `json:"path"`
	PathTruncated bool    `json:"path_truncated,omitempty"`
	Stat          RawStat `json:"stat"`
}

// RawProcess mirrors the source process record. Fields below the version
// comments are only defined from that schema version on.
type RawProcess struct {
	AuditToken       RawAuditToken `json:"audit_token"`
	PPID             int32         `json:"ppid"`
	OriginalPPID     int32         `json:"original_ppid"`
	GroupID          int32         `json:"group_id"`
	SessionID        int32         `json:"session_id"`
	CodesigningFlags uint32        `json:"codesigning_flags"`
	IsPlatformBinary bool          `json:"is_platform_binary"`
	IsESClient       bool          `json:"is_es_client"`
	CDHash           []byte        `json:"cdhash,omitempty"`
	SigningID        string        `json:"signing_id,omitempty"`
	TeamID           string        `json:"team_id,omitempty"`
	Executable       *RawFile      `json:"executable"`

	// v2
	TTY *RawFile `json:"tty,omitempty"`
	// v3
	StartTime time.Time `json:"start_time,omitempty"`
	// v4
	ResponsibleAuditToken *RawAuditToken `json:"responsible_audit_token,omitempty"`
	ParentAuditToken      *RawAuditToken `json:"parent_audit_token,omitempty"`
}

type RawExec struct {
	Target *RawProcess `json:"target"`
	Args   []string    `json:"args,omitempty"`
	// v2
	Script *RawFile `json:"script,omitempty"`
	// v3
	Cwd *RawFile `json:"cwd,omitempty"`
}

type RawFork struct {
	Child *RawProcess `json:"child"`
}

type RawWrite struct {
	Target *RawFile `json:"target"`
}

type RawExit struct {
	Stat int32 `json:"stat"`
}

// Destination types of a create event.
const (
	RawCreateExistingFile uint32 = 0
	RawCreateNewPath      uint32 = 1
)

type RawCreate struct {
	DestinationType uint32   `json:"destination_type"`
	ExistingFile    *RawFile `json:"existing_file,omitempty"`
	Dir             *RawFile `json:"dir,omitempty"`
	Filename        string   `json:"filename,omitempty"`
	Mode            uint32   `json:"mode,omitempty"`
}

type RawOpen struct {
	Fflag uint32   `json:"fflag"`
	File  *RawFile `json:"file"`
}

type RawClose struct {
	Modified bool     `json:"modified"`
	Target   *RawFile `json:"target"`
}

type RawRename struct {
	Source      *RawFile `json:"source"`
	Destination string   `json:"destination"`
}

type RawUnlink struct {
	Target *RawFile `json:"target"`
}

type RawSignal struct {
	Sig    int32       `json:"sig"`
	Target *RawProcess `json:"target"`
}

// RawEvent holds the union member selected by RawMessage.EventType. Only that
// member is read.
type RawEvent struct {
	Exec   *RawExec   `json:"exec,omitempty"`
	Fork   *RawFork   `json:"fork,omitempty"`
	Write  *RawWrite  `json:"write,omitempty"`
	Exit   *RawExit   `json:"exit,omitempty"`
	Create *RawCreate `json:"create,omitempty"`
	Open   *RawOpen   `json:"open,omitempty"`
	Close  *RawClose  `json:"close,omitempty"`
	Rename *RawRename `json:"rename,omitempty"`
	Unlink *RawUnlink `json:"unlink,omitempty"`
	Signal *RawSignal `json:"signal,omitempty"`
}

// RawMessage mirrors one message as delivered by the OS event source.
type RawMessage struct {
	Version    uint32      `json:"version"`
	Time       time.Time   `json:"time"`
	MachTime   uint64      `json:"mach_time"`
	Deadline   uint64      `json:"deadline"`
	Process    *RawProcess `json:"process"`
	ActionType uint32      `json:"action_type"`
	EventType  uint32      `json:"event_type"`
	Event      RawEvent    `json:"event"`
	// v2
	SeqNum uint64 `json:"seq_num,omitempty"`
	// v4
	GlobalSeqNum uint64 `json:"global_seq_num,omitempty"`
	// Client names the event-source client that delivered the message. It is
	// set by the collector, not by the OS.
	Client string `json:"client,omitempty"`
}

// IsAuth reports whether the message waits for a verdict. It only reads the
// header, so it is usable on messages that fail to normalize.
func (m *RawMessage) IsAuth() bool {
	return m != nil && m.ActionType == rawActionAuth
}

// Type returns the normalized event type of the message header.
func (m *RawMessage) Type() EventType {
	if m == nil {
		return OtherEventType
	}
	if t, ok := rawEventTypes[m.EventType]; ok {
		return t
	}
	return OtherEventType
}

// Normalize converts raw into an Event, reading only the fields defined for
// raw.Version. Unknown event numbers yield an Event with an OtherPayload and a
// non-nil *UnknownEventVariantError; callers may keep the event.
func Normalize(raw *RawMessage) (*Event, error) {
	if raw == nil {
		return nil, missing("message")
	}
	if raw.Process == nil {
		return nil, missing("process")
	}
	v := raw.Version
	ev := &Event{
		Version:  v,
		Time:     raw.Time,
		MachTime: raw.MachTime,
		Process:  normalizeProcess(raw.Process, v),
	}
	switch raw.ActionType {
	case rawActionAuth:
		ev.Action = AuthAction
		ev.Deadline = raw.Deadline
	case rawActionNotify:
		ev.Action = NotifyAction
	default:
		return nil, &MalformedEventError{Field: "action_type", Reason: "unknown action"}
	}
	if v >= 2 {
		ev.SeqNum = raw.SeqNum
	}
	if v >= 4 {
		ev.GlobalSeqNum = raw.GlobalSeqNum
	}

	payload, err := normalizePayload(raw, v)
	if err != nil {
		var unknown *UnknownEventVariantError
		if !errors.As(err, &unknown) {
			return nil, err
		}
		ev.Payload = OtherPayload{RawType: raw.EventType}
		return ev, err
	}
	ev.Payload = payload
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

func normalizePayload(raw *RawMessage, v uint32) (Payload, error) {
	t, ok := rawEventTypes[raw.EventType]
	if !ok {
		return nil, &UnknownEventVariantError{RawType: raw.EventType}
	}
	e := raw.Event
	switch t {
	case ExecEventType:
		if e.Exec == nil {
			return nil, missing("event.exec")
		}
		p := ExecPayload{
			Target: normalizeProcess(e.Exec.Target, v),
			Args:   append([]string(nil), e.Exec.Args...),
		}
		if v >= 2 {
			p.Script = normalizeFile(e.Exec.Script)
		}
		if v >= 3 {
			p.Cwd = normalizeFile(e.Exec.Cwd)
		}
		return p, nil
	case ForkEventType:
		if e.Fork == nil {
			return nil, missing("event.fork")
		}
		return ForkPayload{Child: normalizeProcess(e.Fork.Child, v)}, nil
	case WriteEventType:
		if e.Write == nil {
			return nil, missing("event.write")
		}
		return WritePayload{File: normalizeFile(e.Write.Target)}, nil
	case ExitEventType:
		if e.Exit == nil {
			return nil, missing("event.exit")
		}
		return ExitPayload{Status: e.Exit.Stat}, nil
	case CreateEventType:
		if e.Create == nil {
			return nil, missing("event.create")
		}
		return normalizeCreate(e.Create)
	case OpenEventType:
		if e.Open == nil {
			return nil, missing("event.open")
		}
		return OpenPayload{File: normalizeFile(e.Open.File), Flags: e.Open.Fflag}, nil
	case CloseEventType:
		if e.Close == nil {
			return nil, missing("event.close")
		}
		return ClosePayload{File: normalizeFile(e.Close.Target), Modified: e.Close.Modified}, nil
	case RenameEventType:
		if e.Rename == nil {
			return nil, missing("event.rename")
		}
		return RenamePayload{Source: normalizeFile(e.Rename.Source), Destination: e.Rename.Destination}, nil
	case UnlinkEventType:
		if e.Unlink == nil {
			return nil, missing("event.unlink")
		}
		return UnlinkPayload{Target: normalizeFile(e.Unlink.Target)}, nil
	case SignalEventType:
		if e.Signal == nil {
			return nil, missing("event.signal")
		}
		return SignalPayload{Signal: e.Signal.Sig, Target: normalizeProcess(e.Signal.Target, v)}, nil
	}
	return nil, &UnknownEventVariantError{RawType: raw.EventType}
}

func normalizeCreate(c *RawCreate) (Payload, error) {
	switch c.DestinationType {
	case RawCreateExistingFile:
		return CreatePayload{Destination: normalizeFile(c.ExistingFile), Existing: true}, nil
	case RawCreateNewPath:
		if c.Dir == nil {
			return nil, missing("event.create.dir")
		}
		return CreatePayload{Destination: &File{
			Path: joinPath(c.Dir.Path, c.Filename),
			Mode: fs.FileMode(c.Mode),
		}}, nil
	}
	return nil, &MalformedEventError{Field: "event.create.destination_type", Reason: "unknown destination type"}
}

func joinPath(dir, name string) string {
	if dir == "" || dir[len(dir)-1] == '/' {
		return dir + name
	}
	return dir + "/" + name
}

func normalizeProcess(rp *RawProcess, v uint32) *Process {
	if rp == nil {
		return nil
	}
	p := &Process{
		AuditToken:  tokenFromRaw(rp.AuditToken),
		PPID:        rp.PPID,
		ParentToken: AuditToken{PID: rp.PPID},
		Executable:  normalizeFile(rp.Executable),
		IsESClient:  rp.IsESClient,
	}
	if rp.SigningID != "" || rp.TeamID != "" || len(rp.CDHash) > 0 || rp.IsPlatformBinary {
		p.Signing = &CodeSignature{
			SigningID:      rp.SigningID,
			TeamID:         rp.TeamID,
			CDHash:         hex.EncodeToString(rp.CDHash),
			PlatformBinary: rp.IsPlatformBinary,
		}
	}
	if v >= 2 {
		p.TTY = normalizeFile(rp.TTY)
	}
	if v >= 3 {
		p.StartTime = rp.StartTime
	}
	if v >= 4 {
		if rp.ParentAuditToken != nil {
			p.ParentToken = tokenFromRaw(*rp.ParentAuditToken)
			p.ParentTokenExact = true
		}
		if rp.ResponsibleAuditToken != nil {
			t := tokenFromRaw(*rp.ResponsibleAuditToken)
			p.ResponsibleToken = &t
		}
	}
	return p
}

func normalizeFile(rf *RawFile) *File {
	if rf == nil {
		return nil
	}
	f := &File{
		Path:          rf.Path,
		PathTruncated: rf.PathTruncated,
		Device:        rf.Stat.Dev,
		Inode:         rf.Stat.Ino,
		Mode:          fs.FileMode(rf.Stat.Mode),
		Size:          rf.Stat.Size,
		Generation:    rf.Stat.Gen,
	}
	if rf.Stat.Mtime != 0 {
		f.ModTime = time.Unix(0, rf.Stat.Mtime).UTC()
	}
	return f
}

// FileToRaw is the inverse of the file normalization.
func FileToRaw(f *File) *RawFile {
	if f == nil {
		return nil
	}
	rf := &RawFile{
		Path:          f.Path,
		PathTruncated: f.PathTruncated,
		Stat: RawStat{
			Dev:  f.Device,
			Ino:  f.Inode,
			Mode: uint32(f.Mode),
			Size: f.Size,
			Gen:  f.Generation,
		},
	}
	if !f.ModTime.IsZero() {
		rf.Stat.Mtime = f.ModTime.UnixNano()
	}
	return rf
}

// ProcessToRaw is the inverse of the process normalization. All versioned
// fields are filled; Normalize drops what the message version does not define.
func ProcessToRaw(p *Process) *RawProcess {
	if p == nil {
		return nil
	}
	rp := &RawProcess{
		AuditToken: p.AuditToken.Raw(),
		PPID:       p.PPID,
		Executable: FileToRaw(p.Executable),
		IsESClient: p.IsESClient,
		TTY:        FileToRaw(p.TTY),
		StartTime:  p.StartTime,
	}
	if rp.PPID == 0 {
		rp.PPID = p.ParentToken.PID
	}
	if p.Signing != nil {
		rp.SigningID = p.Signing.SigningID
		rp.TeamID = p.Signing.TeamID
		rp.IsPlatformBinary = p.Signing.PlatformBinary
		if b, err := hex.DecodeString(p.Signing.CDHash); err == nil && len(b) > 0 {
			rp.CDHash = b
		}
	}
	if !p.ParentToken.IsZero() {
		t := p.ParentToken.Raw()
		rp.ParentAuditToken = &t
	}
	if p.ResponsibleToken != nil {
		t := p.ResponsibleToken.Raw()
		rp.ResponsibleAuditToken = &t
	}
	return rp
}

// Raw converts e back into the source representation. It is used to produce
// replay fixtures and fails for payloads it cannot express.
func (e *Event) Raw() (*RawMessage, error) {
	if e.Process == nil {
		return nil, missing("process")
	}
	raw := &RawMessage{
		Version:      e.Version,
		Time:         e.Time,
		MachTime:     e.MachTime,
		Deadline:     e.Deadline,
		Process:      ProcessToRaw(e.Process),
		SeqNum:       e.SeqNum,
		GlobalSeqNum: e.GlobalSeqNum,
	}
	switch e.Action {
	case AuthAction:
		raw.ActionType = rawActionAuth
	case NotifyAction:
		raw.ActionType = rawActionNotify
	default:
		return nil, &MalformedEventError{Field: "action", Reason: "unknown action"}
	}
	if other, ok := e.Payload.(OtherPayload); ok {
		raw.EventType = other.RawType
		return raw, nil
	}
	rawType, ok := RawEventType(e.Type(), e.Action)
	if !ok {
		return nil, missing("payload")
	}
	raw.EventType = rawType
	switch p := e.Payload.(type) {
	case ExecPayload:
		raw.Event.Exec = &RawExec{
			Target: ProcessToRaw(p.Target),
			Args:   append([]string(nil), p.Args...),
			Script: FileToRaw(p.Script),
			Cwd:    FileToRaw(p.Cwd),
		}
	case ForkPayload:
		raw.Event.Fork = &RawFork{Child: ProcessToRaw(p.Child)}
	case WritePayload:
		raw.Event.Write = &RawWrite{Target: FileToRaw(p.File)}
	case ExitPayload:
		raw.Event.Exit = &RawExit{Stat: p.Status}
	case CreatePayload:
		if p.Existing {
			raw.Event.Create = &RawCreate{DestinationType: RawCreateExistingFile, ExistingFile: FileToRaw(p.Destination)}
		} else {
			dir, name := splitPath(p.Destination.GetPath())
			raw.Event.Create = &RawCreate{
				DestinationType: RawCreateNewPath,
				Dir:             &RawFile{Path: dir},
				Filename:        name,
				Mode:            uint32(p.Destination.Mode),
			}
		}
	case OpenPayload:
		raw.Event.Open = &RawOpen{Fflag: p.Flags, File: FileToRaw(p.File)}
	case ClosePayload:
		raw.Event.Close = &RawClose{Modified: p.Modified, Target: FileToRaw(p.File)}
	case RenamePayload:
		raw.Event.Rename = &RawRename{Source: FileToRaw(p.Source), Destination: p.Destination}
	case UnlinkPayload:
		raw.Event.Unlink = &RawUnlink{Target: FileToRaw(p.Target)}
	case SignalPayload:
		raw.Event.Signal = &RawSignal{Sig: p.Signal, Target: ProcessToRaw(p.Target)}
	}
	return raw, nil
}

// splitPath splits p at its last slash. Entries of the root directory keep
// "/" as their directory.
func splitPath(p string) (string, string) {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			if i == 0 {
				return "/", p[1:]
			}
			return p[:i], p[i+1:]
		}
	}
	return "", p
}
