package lifecycle

import "fmt"

type ErrorKind string

const (
	// KindForbidden: the actor's role (or identity) may not fire this event.
	KindForbidden ErrorKind = "forbidden"
	// KindInvalidState: the event is not legal from the current status.
	KindInvalidState ErrorKind = "invalid_state"
	// KindSlotConflict: the slot is no longer free at commit time.
	KindSlotConflict ErrorKind = "slot_conflict"
)

// Error is a rejected transition. Current carries the status at the time of
// rejection so callers can resynchronize.
type Error struct {
	Kind    ErrorKind
	Current Status
	msg     string
}

func (e *Error) Error() string {
	if e.Current != "" {
		return fmt.Sprintf("%s: %s (current status %s)", e.Kind, e.msg, e.Current)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

func Forbidden(current Status, format string, args ...any) *Error {
	return &Error{Kind: KindForbidden, Current: current, msg: fmt.Sprintf(format, args...)}
}

func InvalidState(current Status, event Event) *Error {
	return &Error{Kind: KindInvalidState, Current: current, msg: fmt.Sprintf("event %s not allowed", event)}
}

func SlotConflict(format string, args ...any) *Error {
	return &Error{Kind: KindSlotConflict, msg: fmt.Sprintf(format, args...)}
}

// ValidationError rejects malformed input before any state is touched.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func Validation(format string, args ...any) *ValidationError {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}
