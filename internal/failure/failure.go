// Package failure defines the failure taxonomy shared by the LDAP and RADIUS
// protocol clients. Every error a caller receives from a pending operation is a
// *Error (possibly wrapped) whose Kind says how the operation ended.
package failure

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies how an operation failed.
type Kind string

const (
	// KindTransportLost means the connection or socket closed or errored.
	KindTransportLost Kind = "transport_lost"
	// KindProtocolFormat covers malformed frames, unexpected ids and
	// response codes outside the expected set.
	KindProtocolFormat Kind = "protocol_format"
	// KindPrecondition is reported synchronously to a caller that violated
	// a usage contract (sending while disconnected, STARTTLS while busy...).
	KindPrecondition Kind = "precondition_violation"
	// KindRetriesExhausted means every configured attempt timed out.
	KindRetriesExhausted Kind = "retries_exhausted"
	// KindUpgradeRejected means the server refused STARTTLS.
	KindUpgradeRejected Kind = "upgrade_rejected"
	// KindShutdown means the owning client was closed while the request was
	// still outstanding.
	KindShutdown Kind = "shutdown"
	KindUnknown  Kind = "unknown"
)

// Error is the concrete failure type.
type Error struct {
	Op          string  // operation that failed, e.g. "search" or "access-request"
	Kind        Kind    // taxonomy bucket
	Message     string  // human-readable detail
	Outstanding []int64 // correlation ids in flight, set on busy failures
	Cause       error   // underlying error
}

func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("%s failed (%s)", e.Op, e.Kind))
	} else {
		parts = append(parts, string(e.Kind))
	}

	if e.Message != "" {
		parts = append(parts, e.Message)
	}

	if len(e.Outstanding) > 0 {
		parts = append(parts, fmt.Sprintf("outstanding: %v", e.Outstanding))
	}

	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, " - ")
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same Kind, so the sentinels below work with
// errors.Is regardless of message or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == "" && t.Cause == nil
}

// Sentinels for errors.Is.
var (
	ErrTransportLost    = &Error{Kind: KindTransportLost}
	ErrProtocolFormat   = &Error{Kind: KindProtocolFormat}
	ErrPrecondition     = &Error{Kind: KindPrecondition}
	ErrRetriesExhausted = &Error{Kind: KindRetriesExhausted}
	ErrUpgradeRejected  = &Error{Kind: KindUpgradeRejected}
	ErrShutdown         = &Error{Kind: KindShutdown}
)

func newError(kind Kind, op, msg string, cause error) *Error {
	return &Error{Op: op, Kind: kind, Message: msg, Cause: cause}
}

// TransportLost builds a KindTransportLost failure.
func TransportLost(op string, cause error) *Error {
	return newError(KindTransportLost, op, "connection lost", cause)
}

// ProtocolFormat builds a KindProtocolFormat failure.
func ProtocolFormat(op, format string, args ...any) *Error {
	return newError(KindProtocolFormat, op, fmt.Sprintf(format, args...), nil)
}

// Precondition builds a KindPrecondition failure.
func Precondition(op, format string, args ...any) *Error {
	return newError(KindPrecondition, op, fmt.Sprintf(format, args...), nil)
}

// RetriesExhausted builds a KindRetriesExhausted failure.
func RetriesExhausted(op string, attempts int) *Error {
	return newError(KindRetriesExhausted, op, fmt.Sprintf("no response after %d attempts", attempts), nil)
}

// UpgradeRejected builds a KindUpgradeRejected failure.
func UpgradeRejected(op, msg string, cause error) *Error {
	return newError(KindUpgradeRejected, op, msg, cause)
}

// Shutdown builds a KindShutdown failure.
func Shutdown(op string) *Error {
	return newError(KindShutdown, op, "client shutting down", nil)
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// IsFatal reports whether err should tear down the connection that produced it.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindTransportLost, KindProtocolFormat, KindShutdown:
		return true
	default:
		return false
	}
}
