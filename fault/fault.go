// Package fault defines the error taxonomy shared by the settlement workflow,
// the ledger pipeline and the HTTP layer.
package fault

import (
	"errors"
	"fmt"
	"time"
)

// Kind tags an Error with its class. The zero value means "not classified"
// and is treated as an internal failure by callers.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindNotFound
	KindAuthorization
	KindSimulation
	KindTransaction
	KindTimeout
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindAuthorization:
		return "authorization"
	case KindSimulation:
		return "simulation"
	case KindTransaction:
		return "transaction"
	case KindTimeout:
		return "timeout"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "internal"
	}
}

// Sentinels usable with errors.Is against any *Error of the same kind.
var (
	ErrValidation    = &Error{Kind: KindValidation, Msg: "validation failed"}
	ErrNotFound      = &Error{Kind: KindNotFound, Msg: "not found"}
	ErrAuthorization = &Error{Kind: KindAuthorization, Msg: "not authorized"}
	ErrSimulation    = &Error{Kind: KindSimulation, Msg: "simulation failed"}
	ErrTransaction   = &Error{Kind: KindTransaction, Msg: "transaction failed"}
	ErrTimeout       = &Error{Kind: KindTimeout, Msg: "confirmation timed out"}
	ErrRateLimited   = &Error{Kind: KindRateLimited, Msg: "rate limit exceeded"}
)

// Error is the tagged error value. Hash is set for ledger failures that
// happened after submission; ResetAt is set for rate limit rejections.
// Settled marks a transaction failure where the ledger did confirm and only
// the off-ledger record is missing.
type Error struct {
	Kind    Kind
	Op      string
	Msg     string
	Hash    string
	ResetAt time.Time
	Settled bool
	Err     error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same Kind, so errors.Is(err, ErrTimeout)
// holds for every timeout regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the Kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

func newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Validation(op, format string, args ...any) *Error {
	return newf(KindValidation, op, format, args...)
}

func NotFound(op, format string, args ...any) *Error {
	return newf(KindNotFound, op, format, args...)
}

func Unauthorized(op, format string, args ...any) *Error {
	return newf(KindAuthorization, op, format, args...)
}

// Simulation wraps a dry-run failure. cause may be nil when the ledger
// reported a logical failure rather than a transport one.
func Simulation(op string, cause error, format string, args ...any) *Error {
	e := newf(KindSimulation, op, format, args...)
	e.Err = cause
	return e
}

func Transaction(op, hash string, cause error, format string, args ...any) *Error {
	e := newf(KindTransaction, op, format, args...)
	e.Hash = hash
	e.Err = cause
	return e
}

// Unrecorded reports a confirmed ledger operation whose off-ledger record
// could not be written. Resubmitting it would settle twice.
func Unrecorded(op, hash string, cause error) *Error {
	e := Transaction(op, hash, cause, "confirmed on ledger, record pending")
	e.Settled = true
	return e
}

// IsSettled reports whether err carries a ledger confirmation.
func IsSettled(err error) bool {
	fe, ok := As(err)
	return ok && fe.Settled
}

func Timeout(op, hash string, cause error) *Error {
	return &Error{Kind: KindTimeout, Op: op, Msg: "confirmation not reached", Hash: hash, Err: cause}
}

func RateLimited(op string, resetAt time.Time) *Error {
	return &Error{Kind: KindRateLimited, Op: op, Msg: "too many attempts", ResetAt: resetAt}
}

// Wrap tags an existing error with kind, keeping it as the cause.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Msg: kind.String(), Err: err}
}
