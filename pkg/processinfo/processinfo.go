// Package processinfo looks up process details that raw events may lack.
package processinfo

import (
	"errors"

	"github.com/kubescape/endpoint-agent/pkg/events"
)

// ErrProcessNotFound is returned when no live process matches the token. A
// pid that was reused by a different process instance is not a match.
var ErrProcessNotFound = errors.New("process not found")

// Provider enumerates and resolves live processes.
type Provider interface {
	// RunningProcesses lists the processes alive right now.
	RunningProcesses() ([]events.Process, error)
	// Lookup resolves token to its current descriptor. A zero pid version
	// matches whatever process currently holds the pid.
	Lookup(token events.AuditToken) (*events.Process, error)
}
