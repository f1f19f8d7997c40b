package events

import "fmt"

// Credentials used by synthetic tokens. They match what the event source
// reports for a non-root test user.
const (
	syntheticUID = 123
	syntheticGID = 123
)

// AuditToken identifies one process instance. PID alone is recycled by the OS;
// the (PID, PIDVersion) pair is unique for the lifetime of the process.
type AuditToken struct {
	AUID       uint32 `json:"auid"`
	EUID       uint32 `json:"euid"`
	EGID       uint32 `json:"egid"`
	RUID       uint32 `json:"ruid"`
	RGID       uint32 `json:"rgid"`
	PID        int32  `json:"pid"`
	ASID       int32  `json:"asid"`
	PIDVersion int32  `json:"pidVersion"`
}

// ProcessKey is the correlation key derived from an AuditToken.
type ProcessKey struct {
	PID        int32
	PIDVersion int32
}

func (k ProcessKey) String() string {
	return fmt.Sprintf("%d:%d", k.PID, k.PIDVersion)
}

// BuildAuditToken constructs a token for pid and pidVersion. Both must be
// non-negative; other plausibility checks belong to the caller.
func BuildAuditToken(pid, pidVersion int32) (AuditToken, error) {
	if pid < 0 || pidVersion < 0 {
		return AuditToken{}, fmt.Errorf("invalid audit token: pid %d, pid version %d", pid, pidVersion)
	}
	return AuditToken{
		EUID:       syntheticUID,
		EGID:       syntheticGID,
		RUID:       syntheticUID,
		RGID:       syntheticGID,
		PID:        pid,
		PIDVersion: pidVersion,
	}, nil
}

// MustBuildAuditToken is BuildAuditToken for constant inputs; it panics on
// negative values.
func MustBuildAuditToken(pid, pidVersion int32) AuditToken {
	token, err := BuildAuditToken(pid, pidVersion)
	if err != nil {
		panic(err)
	}
	return token
}

func (t AuditToken) Key() ProcessKey {
	return ProcessKey{PID: t.PID, PIDVersion: t.PIDVersion}
}

func (t AuditToken) IsZero() bool {
	return t == AuditToken{}
}

func (t AuditToken) String() string {
	return fmt.Sprintf("pid=%d pidversion=%d euid=%d egid=%d", t.PID, t.PIDVersion, t.EUID, t.EGID)
}

// tokenFromRaw decodes the eight-word token layout delivered by the event source:
// auid, euid, egid, ruid, rgid, pid, asid, pidversion.
func tokenFromRaw(val RawAuditToken) AuditToken {
	return AuditToken{
		AUID:       val[0],
		EUID:       val[1],
		EGID:       val[2],
		RUID:       val[3],
		RGID:       val[4],
		PID:        int32(val[5]),
		ASID:       int32(val[6]),
		PIDVersion: int32(val[7]),
	}
}

func (t AuditToken) Raw() RawAuditToken {
	return RawAuditToken{t.AUID, t.EUID, t.EGID, t.RUID, t.RGID, uint32(t.PID), uint32(t.ASID), uint32(t.PIDVersion)}
}
