package capnweb

import (
	"fmt"

	"github.com/gocapnweb/internal/wire"
)

// ErrorKind is one of the six protocol-level error kinds from spec §7.
type ErrorKind string

const (
	KindBadRequest      ErrorKind = "bad_request"
	KindNotFound        ErrorKind = "not_found"
	KindCapRevoked      ErrorKind = "cap_revoked"
	KindPermissionDenied ErrorKind = "permission_denied"
	KindCanceled        ErrorKind = "canceled"
	KindInternal        ErrorKind = "internal"
)

// Error is the structured error type surfaced to awaiters and carried
// on the wire as an ["error", kind, message, data?] value.
type Error struct {
	Kind    ErrorKind
	Message string
	Data    interface{}
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds an Error with no underlying cause.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error that chains an underlying Go error.
func Wrap(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) toWire() wire.ErrorValue {
	return wire.ErrorValue{Kind: string(e.Kind), Message: e.Message, Data: e.Data, HasData: e.Data != nil}
}

func errorFromWire(v wire.ErrorValue) *Error {
	return &Error{Kind: ErrorKind(v.Kind), Message: v.Message, Data: v.Data}
}

func asCapnwebError(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return Wrap(KindInternal, err.Error(), err)
}
