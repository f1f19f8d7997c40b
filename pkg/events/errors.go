package events

import "fmt"

// MalformedEventError is returned when a required field is missing.
type MalformedEventError struct {
	Field  string
	Reason string
}

func (e *MalformedEventError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("malformed event: missing %s", e.Field)
	}
	return fmt.Sprintf("malformed event: %s: %s", e.Field, e.Reason)
}

// UnknownEventVariantError is returned by Normalize for raw event numbers it
// does not model. The event is still usable with an OtherPayload.
type UnknownEventVariantError struct {
	RawType uint32
}

func (e *UnknownEventVariantError) Error() string {
	return fmt.Sprintf("unknown event variant %d", e.RawType)
}

func missing(field string) error {
	return &MalformedEventError{Field: field}
}
