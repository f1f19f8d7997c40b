package events

// EventType is the normalized kind of a security event.
type EventType string

const (
	ExecEventType   EventType = "exec"
	ForkEventType   EventType = "fork"
	CreateEventType EventType = "create"
	WriteEventType  EventType = "write"
	ExitEventType   EventType = "exit"
	OpenEventType   EventType = "open"
	CloseEventType  EventType = "close"
	RenameEventType EventType = "rename"
	UnlinkEventType EventType = "unlink"
	SignalEventType EventType = "signal"
	OtherEventType  EventType = "other"
)

// AllEventTypes lists every known event type except Other.
var AllEventTypes = []EventType{
	ExecEventType, ForkEventType, CreateEventType, WriteEventType, ExitEventType,
	OpenEventType, CloseEventType, RenameEventType, UnlinkEventType, SignalEventType,
}

// ParseEventType returns the event type named s, or false.
func ParseEventType(s string) (EventType, bool) {
	for _, t := range AllEventTypes {
		if string(t) == s {
			return t, true
		}
	}
	if s == string(OtherEventType) {
		return OtherEventType, true
	}
	return "", false
}

// ActionType tells whether the originating OS operation waits for a verdict.
type ActionType string

const (
	AuthAction   ActionType = "auth"
	NotifyAction ActionType = "notify"
)

// Raw event type numbers used by the event source.
const (
	rawAuthExec     uint32 = 0
	rawAuthOpen     uint32 = 1
	rawAuthRename   uint32 = 6
	rawAuthSignal   uint32 = 7
	rawAuthUnlink   uint32 = 8
	rawNotifyExec   uint32 = 9
	rawNotifyOpen   uint32 = 10
	rawNotifyFork   uint32 = 11
	rawNotifyClose  uint32 = 12
	rawNotifyCreate uint32 = 13
	rawNotifyExit   uint32 = 15
	rawNotifyRename uint32 = 25
	rawNotifySignal uint32 = 31
	rawNotifyUnlink uint32 = 32
	rawNotifyWrite  uint32 = 33
	rawAuthCreate   uint32 = 44
)

// Raw action type numbers.
const (
	rawActionAuth   uint32 = 0
	rawActionNotify uint32 = 1
)

var rawEventTypes = map[uint32]EventType{
	rawAuthExec:     ExecEventType,
	rawNotifyExec:   ExecEventType,
	rawAuthOpen:     OpenEventType,
	rawNotifyOpen:   OpenEventType,
	rawNotifyFork:   ForkEventType,
	rawNotifyClose:  CloseEventType,
	rawAuthCreate:   CreateEventType,
	rawNotifyCreate: CreateEventType,
	rawNotifyExit:   ExitEventType,
	rawAuthRename:   RenameEventType,
	rawNotifyRename: RenameEventType,
	rawAuthSignal:   SignalEventType,
	rawNotifySignal: SignalEventType,
	rawAuthUnlink:   UnlinkEventType,
	rawNotifyUnlink: UnlinkEventType,
	rawNotifyWrite:  WriteEventType,
}

// RawEventType returns the raw event number for t and action. Event types that
// only exist as notifications ignore action.
func RawEventType(t EventType, action ActionType) (uint32, bool) {
	auth := action == AuthAction
	switch t {
	case ExecEventType:
		return pick(auth, rawAuthExec, rawNotifyExec), true
	case OpenEventType:
		return pick(auth, rawAuthOpen, rawNotifyOpen), true
	case CreateEventType:
		return pick(auth, rawAuthCreate, rawNotifyCreate), true
	case RenameEventType:
		return pick(auth, rawAuthRename, rawNotifyRename), true
	case SignalEventType:
		return pick(auth, rawAuthSignal, rawNotifySignal), true
	case UnlinkEventType:
		return pick(auth, rawAuthUnlink, rawNotifyUnlink), true
	case ForkEventType:
		return rawNotifyFork, true
	case CloseEventType:
		return rawNotifyClose, true
	case ExitEventType:
		return rawNotifyExit, true
	case WriteEventType:
		return rawNotifyWrite, true
	}
	return 0, false
}

func pick(auth bool, a, n uint32) uint32 {
	if auth {
		return a
	}
	return n
}
