// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package rigcom

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrClosed is reported by pending sends and waits that were interrupted
	// because the communicator closed.
	ErrClosed = errors.New("communicator closed")

	// ErrTooLarge is reported when an encoded message does not fit in a
	// single datagram.
	ErrTooLarge = errors.New("message exceeds maximum datagram size")

	// ErrNoAddress is reported when a send has no destination.
	ErrNoAddress = errors.New("no destination address")
)

// A DecodeError reports a datagram that is not a well-formed message.
type DecodeError struct {
	Data []byte // the offending input (may be a prefix)
	Err  error  // what was wrong with it
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decode message: %v", e.Err) }

// Unwrap reports the underlying error of e.
func (e *DecodeError) Unwrap() error { return e.Err }

// A TruncationError reports a datagram that ended before the message was
// complete. It is distinct from a DecodeError so that a caller can decide to
// drop a garbled message but retry a short read.
type TruncationError struct {
	Len int   // number of bytes received
	Err error // the underlying decoder error
}

func (e *TruncationError) Error() string {
	return fmt.Sprintf("message truncated after %d bytes", e.Len)
}

// Unwrap reports the underlying error of e.
func (e *TruncationError) Unwrap() error { return e.Err }

// An AddressError reports an endpoint that could not be validated.
type AddressError struct {
	Addr string // the address as given
	Err  error
}

func (e *AddressError) Error() string { return fmt.Sprintf("invalid address %q: %v", e.Addr, e.Err) }

// Unwrap reports the underlying error of e.
func (e *AddressError) Unwrap() error { return e.Err }

// WaitPhase identifies which half of a signal exchange a timeout occurred in.
type WaitPhase int

const (
	// PhaseEcho means the message was not acknowledged: not received.
	PhaseEcho WaitPhase = iota + 1

	// PhaseUpdate means the message was acknowledged but no completion
	// update arrived: received but not completed.
	PhaseUpdate
)

func (p WaitPhase) String() string {
	switch p {
	case PhaseEcho:
		return "echo"
	case PhaseUpdate:
		return "update"
	default:
		return fmt.Sprintf("phase %d", int(p))
	}
}

// A TimeoutError reports that an echo or update did not arrive in time.
// It unwraps to [context.DeadlineExceeded].
type TimeoutError struct {
	Phase  WaitPhase
	Signal Signal
	Addr   string // remote address, or "" if any sender was accepted
}

func (e *TimeoutError) Error() string {
	var what string
	switch e.Phase {
	case PhaseEcho:
		what = "not received"
	case PhaseUpdate:
		what = "received but not completed"
	default:
		what = "timed out"
	}
	if e.Addr == "" {
		return fmt.Sprintf("%v: %s (%v timeout)", e.Signal, what, e.Phase)
	}
	return fmt.Sprintf("%v to %s: %s (%v timeout)", e.Signal, e.Addr, what, e.Phase)
}

// Timeout reports true. It satisfies the timeout method of [net.Error].
func (*TimeoutError) Timeout() bool { return true }

// Unwrap reports [context.DeadlineExceeded].
func (*TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// waitError converts the error from a context that ended into the error
// reported to the caller of a wait in the given phase.
func waitError(ctx context.Context, phase WaitPhase, sig Signal, addr string) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Phase: phase, Signal: sig, Addr: addr}
	}
	return err
}
