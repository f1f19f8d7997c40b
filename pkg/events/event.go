package events

import (
	"time"
)

// Payload is the event-specific part of an Event. The set of variants is
// closed; use the As* accessors on Event to read one.
type Payload interface {
	EventType() EventType
	isPayload()
}

type ForkPayload struct {
	Child *Process `json:"child"`
}

type ExecPayload struct {
	Target *Process `json:"target"`
	Cwd    *File    `json:"cwd,omitempty"`
	Script *File    `json:"script,omitempty"`
	Args   []string `json:"args,omitempty"`
}

type WritePayload struct {
	File *File `json:"file"`
}

type ExitPayload struct {
	Status int32 `json:"status"`
}

// CreatePayload names the created file. Existing is set when the source
// reports an already-existing destination instead of a new path.
type CreatePayload struct {
	Destination *File `json:"destination"`
	Existing    bool  `json:"existing,omitempty"`
}

type OpenPayload struct {
	File  *File  `json:"file"`
	Flags uint32 `json:"flags"`
}

type ClosePayload struct {
	File     *File `json:"file"`
	Modified bool  `json:"modified"`
}

type RenamePayload struct {
	Source      *File  `json:"source"`
	Destination string `json:"destination"`
}

type UnlinkPayload struct {
	Target *File `json:"target"`
}

type SignalPayload struct {
	Signal int32    `json:"signal"`
	Target *Process `json:"target"`
}

// OtherPayload carries event numbers that are not modelled.
type OtherPayload struct {
	RawType uint32 `json:"rawType"`
}

func (ForkPayload) EventType() EventType   { return ForkEventType }
func (ExecPayload) EventType() EventType   { return ExecEventType }
func (WritePayload) EventType() EventType  { return WriteEventType }
func (ExitPayload) EventType() EventType   { return ExitEventType }
func (CreatePayload) EventType() EventType { return CreateEventType }
func (OpenPayload) EventType() EventType   { return OpenEventType }
func (ClosePayload) EventType() EventType  { return CloseEventType }
func (RenamePayload) EventType() EventType { return RenameEventType }
func (UnlinkPayload) EventType() EventType { return UnlinkEventType }
func (SignalPayload) EventType() EventType { return SignalEventType }
func (OtherPayload) EventType() EventType  { return OtherEventType }

func (ForkPayload) isPayload()   {}
func (ExecPayload) isPayload()   {}
func (WritePayload) isPayload()  {}
func (ExitPayload) isPayload()   {}
func (CreatePayload) isPayload() {}
func (OpenPayload) isPayload()   {}
func (ClosePayload) isPayload()  {}
func (RenamePayload) isPayload() {}
func (UnlinkPayload) isPayload() {}
func (SignalPayload) isPayload() {}
func (OtherPayload) isPayload()  {}

// Event is the normalized form of one security event.
//
// Deadline is only meaningful for authorizing events. SeqNum requires schema
// version 2 and GlobalSeqNum version 4; both are zero otherwise.
type Event struct {
	Version      uint32     `json:"version"`
	Action       ActionType `json:"action"`
	Time         time.Time  `json:"time"`
	MachTime     uint64     `json:"machTime"`
	Deadline     uint64     `json:"deadline,omitempty"`
	SeqNum       uint64     `json:"seqNum,omitempty"`
	GlobalSeqNum uint64     `json:"globalSeqNum,omitempty"`
	Process      *Process   `json:"process"`
	Payload      Payload    `json:"-"`
}

// Type is derived from the payload so the tag can never disagree with the
// variant.
func (e *Event) Type() EventType {
	if e.Payload == nil {
		return OtherEventType
	}
	return e.Payload.EventType()
}

func (e *Event) IsAuth() bool {
	return e.Action == AuthAction
}

func (e *Event) AsFork() (ForkPayload, bool) {
	p, ok := e.Payload.(ForkPayload)
	return p, ok
}

func (e *Event) AsExec() (ExecPayload, bool) {
	p, ok := e.Payload.(ExecPayload)
	return p, ok
}

func (e *Event) AsWrite() (WritePayload, bool) {
	p, ok := e.Payload.(WritePayload)
	return p, ok
}

func (e *Event) AsExit() (ExitPayload, bool) {
	p, ok := e.Payload.(ExitPayload)
	return p, ok
}

func (e *Event) AsCreate() (CreatePayload, bool) {
	p, ok := e.Payload.(CreatePayload)
	return p, ok
}

func (e *Event) AsClose() (ClosePayload, bool) {
	p, ok := e.Payload.(ClosePayload)
	return p, ok
}

// Validate reports the first required field that is missing.
func (e *Event) Validate() error {
	if e.Process == nil {
		return missing("process")
	}
	if e.Action != AuthAction && e.Action != NotifyAction {
		return &MalformedEventError{Field: "action", Reason: "unknown action " + string(e.Action)}
	}
	if e.Action == AuthAction && e.Deadline == 0 {
		return &MalformedEventError{Field: "deadline", Reason: "authorizing event without deadline"}
	}
	switch p := e.Payload.(type) {
	case nil:
		return missing("payload")
	case ForkPayload:
		if p.Child == nil {
			return missing("fork.child")
		}
	case ExecPayload:
		// a target without an executable is resolved later or falls back
		if p.Target == nil {
			return missing("exec.target")
		}
	case WritePayload:
		if p.File == nil || p.File.Path == "" {
			return missing("write.file")
		}
	case CreatePayload:
		if p.Destination == nil || p.Destination.Path == "" {
			return missing("create.destination")
		}
	case OpenPayload:
		if p.File == nil {
			return missing("open.file")
		}
	case ClosePayload:
		if p.File == nil {
			return missing("close.file")
		}
	case RenamePayload:
		if p.Source == nil {
			return missing("rename.source")
		}
	case UnlinkPayload:
		if p.Target == nil {
			return missing("unlink.target")
		}
	case SignalPayload:
		if p.Target == nil {
			return missing("signal.target")
		}
	}
	return nil
}
