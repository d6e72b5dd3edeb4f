package errors

import (
	"errors"
	"fmt"
)

// Kind identifies the messaging failure a caller observed.
type Kind int

const (
	// KindUnknown is reported for errors that carry no messaging kind
	KindUnknown Kind = iota
	// KindTimeout means no answer arrived before the deadline
	KindTimeout
	// KindRemote means the remote handler itself failed
	KindRemote
	// KindCast means a value could not be converted to the requested type
	KindCast
	// KindSignalSlot means protocol misuse: unknown signal or slot, wrong arity, not connected
	KindSignalSlot
	// KindConnection means a transport level failure
	KindConnection
	// KindCancelled means a pending operation was invalidated before it completed
	KindCancelled
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindRemote:
		return "remote exception"
	case KindCast:
		return "cast"
	case KindSignalSlot:
		return "signal/slot"
	case KindConnection:
		return "connection"
	case KindCancelled:
		return "operation cancelled"
	default:
		return "unknown"
	}
}

// Class maps the kind onto the handling classification.
func (k Kind) Class() ErrorClass {
	switch k {
	case KindTimeout, KindConnection, KindUnknown:
		return ErrorTransient
	case KindCancelled:
		return ErrorFatal
	default:
		return ErrorInvalid
	}
}

// Error is a messaging error of a given Kind.
// Details carries the remote trace for KindRemote.
type Error struct {
	Kind    Kind
	Message string
	Details string
	Err     error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is checks against each messaging kind.
var (
	ErrTimeout    = &Error{Kind: KindTimeout}
	ErrRemote     = &Error{Kind: KindRemote}
	ErrCast       = &Error{Kind: KindCast}
	ErrSignalSlot = &Error{Kind: KindSignalSlot}
	ErrConnection = &Error{Kind: KindConnection}
	ErrCancelled  = &Error{Kind: KindCancelled}
)

// KindOf returns the messaging kind found in err's chain.
func KindOf(err error) Kind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return KindUnknown
}

// New creates a messaging error of the given kind.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapKind attaches a messaging kind to err.
func WrapKind(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Timeoutf creates a KindTimeout error.
func Timeoutf(format string, args ...any) error { return New(KindTimeout, format, args...) }

// Castf creates a KindCast error.
func Castf(format string, args ...any) error { return New(KindCast, format, args...) }

// SignalSlotf creates a KindSignalSlot error.
func SignalSlotf(format string, args ...any) error { return New(KindSignalSlot, format, args...) }

// Connectionf creates a KindConnection error.
func Connectionf(format string, args ...any) error { return New(KindConnection, format, args...) }

// Cancelledf creates a KindCancelled error.
func Cancelledf(format string, args ...any) error { return New(KindCancelled, format, args...) }

// Remote creates a KindRemote error carrying the remote message and details.
func Remote(message, details string) error {
	return &Error{Kind: KindRemote, Message: message, Details: details}
}

// IsTimeout reports whether err is a timeout.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// IsRemote reports whether err is a remote exception.
func IsRemote(err error) bool { return errors.Is(err, ErrRemote) }

// IsCast reports whether err is a cast failure.
func IsCast(err error) bool { return errors.Is(err, ErrCast) }

// IsSignalSlot reports whether err is a signal/slot protocol error.
func IsSignalSlot(err error) bool { return errors.Is(err, ErrSignalSlot) }

// IsConnection reports whether err is a connection failure.
func IsConnection(err error) bool { return errors.Is(err, ErrConnection) }

// IsCancelled reports whether err is a cancelled operation.
func IsCancelled(err error) bool { return errors.Is(err, ErrCancelled) }

// Is forwards to the standard library so callers need a single errors import.
func Is(err, target error) bool { return errors.Is(err, target) }

// As forwards to the standard library so callers need a single errors import.
func As(err error, target any) bool { return errors.As(err, target) }
