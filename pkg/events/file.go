package events

import (
	"io/fs"
	"time"
)

// File describes a file implicated by an event. Values are treated as
// immutable once built.
type File struct {
	Path          string      `json:"path"`
	PathTruncated bool        `json:"pathTruncated,omitempty"`
	Device        uint64      `json:"device,omitempty"`
	Inode         uint64      `json:"inode,omitempty"`
	Mode          fs.FileMode `json:"mode,omitempty"`
	Size          int64       `json:"size,omitempty"`
	ModTime       time.Time   `json:"modTime,omitempty"`
	Generation    uint64      `json:"generation,omitempty"`
}

// Clone returns a copy of f, or nil.
func (f *File) Clone() *File {
	if f == nil {
		return nil
	}
	c := *f
	return &c
}

// GetPath is nil safe.
func (f *File) GetPath() string {
	if f == nil {
		return ""
	}
	return f.Path
}
