// Package errors provides standardized error handling for sigslot components.
//
// # Classification
//
// Every error can be classified as Transient (retry), Invalid (bad input, do
// not retry) or Fatal (stop processing). Wrap, WrapTransient, WrapInvalid and
// WrapFatal add "component.method: action failed" context while keeping the
// chain intact for errors.Is and errors.As.
//
// # Messaging kinds
//
// Request/reply and connect/disconnect operations fail with an *Error whose
// Kind tells the caller what happened:
//
//	err := requestor.Receive(ctx, &answer)
//	switch {
//	case errors.IsTimeout(err):      // nobody answered in time
//	case errors.IsRemote(err):       // the remote slot failed
//	case errors.IsCast(err):         // reply value has a different type
//	case errors.IsSignalSlot(err):   // unknown slot, wrong arity, not connected
//	case errors.IsConnection(err):   // transport failure
//	case errors.IsCancelled(err):    // owner closed while the call was pending
//	}
//
// Kinds map onto classes through Kind.Class, so retry helpers that look at
// IsTransient treat timeouts and connection failures as retryable.
package errors
