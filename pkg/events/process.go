package events

import "time"

// CodeSignature is the code-signing identity of an executable image.
type CodeSignature struct {
	SigningID      string `json:"signingId,omitempty"`
	TeamID         string `json:"teamId,omitempty"`
	CDHash         string `json:"cdHash,omitempty"`
	PlatformBinary bool   `json:"platformBinary,omitempty"`
}

// Process describes a process at the time an event was produced.
//
// ParentToken is a weak reference: the parent may already be gone. When
// ParentTokenExact is false only ParentToken.PID is meaningful, which is the
// case for messages older than schema version 4.
type Process struct {
	AuditToken       AuditToken     `json:"auditToken"`
	PPID             int32          `json:"ppid"`
	ParentToken      AuditToken     `json:"parentToken"`
	ParentTokenExact bool           `json:"parentTokenExact,omitempty"`
	ResponsibleToken *AuditToken    `json:"responsibleToken,omitempty"`
	Executable       *File          `json:"executable"`
	Signing          *CodeSignature `json:"signing,omitempty"`
	IsESClient       bool           `json:"isEsClient,omitempty"`
	StartTime        time.Time      `json:"startTime,omitempty"`
	TTY              *File          `json:"tty,omitempty"`
}

func (p *Process) Key() ProcessKey {
	return p.AuditToken.Key()
}

// ExecutablePath is nil safe.
func (p *Process) ExecutablePath() string {
	if p == nil {
		return ""
	}
	return p.Executable.GetPath()
}

// SigningID is nil safe.
func (p *Process) SigningID() string {
	if p == nil || p.Signing == nil {
		return ""
	}
	return p.Signing.SigningID
}

// Clone returns a deep copy of p, or nil.
func (p *Process) Clone() *Process {
	if p == nil {
		return nil
	}
	c := *p
	c.Executable = p.Executable.Clone()
	c.TTY = p.TTY.Clone()
	if p.ResponsibleToken != nil {
		t := *p.ResponsibleToken
		c.ResponsibleToken = &t
	}
	if p.Signing != nil {
		s := *p.Signing
		c.Signing = &s
	}
	return &c
}
