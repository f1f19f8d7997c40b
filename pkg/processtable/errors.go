package processtable

import (
	"errors"
	"fmt"
)

// ErrExitedProcess is returned when an event refers to a token that already
// exited. Such tokens are never re-inserted.
var ErrExitedProcess = errors.New("process already exited")

// TableCapacityExceededError is reported when an insert found the table full.
// The table recovers by evicting its oldest entries.
type TableCapacityExceededError struct {
	Capacity int
	Evicted  int
}

func (e *TableCapacityExceededError) Error() string {
	return fmt.Sprintf("process table capacity %d exceeded, evicted %d entries", e.Capacity, e.Evicted)
}
