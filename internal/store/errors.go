package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// ConnectivityError reports a node that could not be reached or stopped responding
type ConnectivityError struct {
	Role Role
	Addr string
	Op   string
	Err  error
}

func (e *ConnectivityError) Error() string {
	if e.Role != "" {
		return fmt.Sprintf("%s %s unreachable during %s: %v", e.Role, e.Addr, e.Op, e.Err)
	}
	return fmt.Sprintf("%s unreachable during %s: %v", e.Addr, e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// ProtocolError reports an unexpected reply or a failed command on a reachable node
type ProtocolError struct {
	Role Role
	Addr string
	Op   string
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Role != "" {
		return fmt.Sprintf("%s %s: %s failed: %v", e.Role, e.Addr, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s failed: %v", e.Addr, e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// SyncTimeoutError reports a replica that did not reach the wanted key count
// before the configured deadline
type SyncTimeoutError struct {
	Phase string
	Want  int64
	Last  int64
}

func (e *SyncTimeoutError) Error() string {
	return fmt.Sprintf("replica did not reach %d keys during %s (last count %d)", e.Want, e.Phase, e.Last)
}

// IsTransport reports whether err looks like a transport level failure
func IsTransport(err error) bool {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}

// Classify wraps err into the error taxonomy. Context cancellation and
// errors that are already classified pass through untouched.
func Classify(addr, op string, err error) error {
	return classify(addr, op, err, IsTransport)
}

// ClassifyWith is Classify with a backend specific transport detector
func ClassifyWith(addr, op string, err error, transport func(error) bool) error {
	return classify(addr, op, err, transport)
}

func classify(addr, op string, err error, transport func(error) bool) error {
	if err == nil {
		return nil
	}
	var (
		connErr  *ConnectivityError
		protoErr *ProtocolError
	)
	if errors.As(err, &connErr) || errors.As(err, &protoErr) || errors.Is(err, context.Canceled) {
		return err
	}
	if transport(err) {
		return &ConnectivityError{Addr: addr, Op: op, Err: err}
	}
	return &ProtocolError{Addr: addr, Op: op, Err: err}
}

// WithRole stamps role onto a classified error
func WithRole(err error, role Role) error {
	var (
		connErr  *ConnectivityError
		protoErr *ProtocolError
	)
	switch {
	case errors.As(err, &connErr):
		connErr.Role = role
	case errors.As(err, &protoErr):
		protoErr.Role = role
	}
	return err
}
