// Package apperr defines the error-kind taxonomy shared by every core
// component. Components never panic or use exceptions-as-control-flow;
// they return a *Error wrapping one of the Kind values below, and the
// transport layer in pkg/utils translates Kind into an HTTP status.
package apperr

import "fmt"

// Kind is the tagged error category surfaced to callers, per spec §7.
type Kind string

const (
	KindInvalidOdds        Kind = "InvalidOdds"
	KindInvalidProbability Kind = "InvalidProbability"
	KindInvalidInput       Kind = "InvalidInput"
	KindNotFound           Kind = "NotFound"
	KindConflict           Kind = "Conflict"
	KindUnavailable        Kind = "Unavailable"
	KindTimeout            Kind = "Timeout"
	KindCancelled          Kind = "Cancelled"
	KindQueueFull          Kind = "QueueFull"
	KindInsufficientData   Kind = "InsufficientData"
	KindNumericalInstab    Kind = "NumericalInstability"
	KindInternal           Kind = "Internal"
)

// Error is the typed error every internal package returns.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// IsKind reports whether e is non-nil and carries kind k. Kind is a plain
// string type, not an error, so errors.Is cannot match on it directly.
func (e *Error) IsKind(k Kind) bool { return e != nil && e.Kind == k }
