/*
Package core provides the measurement engine for rxspeed: the latency probe, the parallel
throughput engine with its rate sampler, the upload fallback simulator and the run orchestrator
that sequences them. It defines the shared data structures and constants used across these components.
*/
package core

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies a measurement error by how far it is allowed to propagate.
type ErrorKind int

const (
	// KindTransient covers one failed latency sample or one failed transfer unit.
	// It is absorbed where it happens and never fails a phase.
	KindTransient ErrorKind = iota
	// KindStructural means the measurement channel itself is unusable (connection refused,
	// request rejected). Download absorbs it per worker; upload falls back to simulation.
	KindStructural
	// KindFatal covers invalid configuration and unexpected failures. It fails the run.
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindStructural:
		return "structural"
	case KindFatal:
		return "fatal"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// MeasureError is an error carrying its ErrorKind and the operation that produced it.
// It implements the standard `error` interface and supports errors.Is/As through Unwrap.
type MeasureError struct {
	Kind ErrorKind // How far this error may propagate.
	Op   string    // Operation that failed, e.g. "upload unit" or "latency sample".
	Err  error     // Underlying cause.
}

// NewError creates a new MeasureError of the given kind.
//
// Parameters:
//
//	kind: The propagation class of the error.
//	op:   A short description of the failing operation.
//	err:  The underlying error, may be nil.
func NewError(kind ErrorKind, op string, err error) error {
	return &MeasureError{Kind: kind, Op: op, Err: err}
}

// Error implements the standard Go `error` interface.
func (e *MeasureError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s failure", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *MeasureError) Unwrap() error {
	return e.Err
}

// KindOf returns the ErrorKind of err. Errors that are not a *MeasureError are
// treated as fatal, context cancellation excepted (transient).
func KindOf(err error) ErrorKind {
	var me *MeasureError
	if errors.As(err, &me) {
		return me.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindFatal
}

// IsTransient reports whether err is a per-sample or per-unit failure.
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}

// IsStructural reports whether err means the channel is categorically unavailable.
func IsStructural(err error) bool {
	return err != nil && KindOf(err) == KindStructural
}

// IsFatal reports whether err must fail the run.
func IsFatal(err error) bool {
	return err != nil && KindOf(err) == KindFatal
}

// Common error values used within the core package.
var (
	// ErrInvalidConfig is wrapped by every configuration validation failure.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrRunCancelled is returned when the external stop signal ends a run.
	ErrRunCancelled = errors.New("run cancelled")
	// ErrChannelRejected marks an upload channel that refused the request outright.
	ErrChannelRejected = errors.New("channel rejected request")
	// ErrNoSamples marks a phase in which not a single sample or unit succeeded.
	ErrNoSamples = errors.New("no successful samples")
	// ErrPhaseOrder is returned when a phase transition would break the strict phase sequence.
	ErrPhaseOrder = errors.New("illegal phase transition")
	// ErrWorkerPanic wraps a panic recovered inside a transfer worker.
	ErrWorkerPanic = errors.New("transfer worker panicked")
)

// classifyTransportError maps an error returned by the HTTP client into an ErrorKind.
// Cancellation and timeouts are transient; anything else that stopped the request from
// reaching the endpoint (refused, reset, DNS) is structural.
func classifyTransportError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindTransient, op, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return NewError(KindTransient, op, err)
	}
	return NewError(KindStructural, op, fmt.Errorf("%w: %v", ErrChannelRejected, err))
}
