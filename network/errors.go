package network

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Outcome kinds reported by transfer operations. Match with errors.Is.
var (
	// ErrConnectFailed indicates the TCP connection could not be established.
	ErrConnectFailed = errors.New("network: connect failed")
	// ErrTimeout indicates a blocking read or write exceeded its deadline.
	ErrTimeout = errors.New("network: timeout")
	// ErrProtocol indicates a malformed or unexpected frame.
	ErrProtocol = errors.New("network: protocol error")
	// ErrPeerRejected indicates a missing, short, or wrong handshake token.
	ErrPeerRejected = errors.New("network: peer rejected transfer")
	// ErrLocalIO indicates a local filesystem failure.
	ErrLocalIO = errors.New("network: local I/O error")
	// ErrCancelled indicates the caller aborted the operation.
	ErrCancelled = errors.New("network: cancelled")
)

// TransferError carries an outcome kind together with its underlying cause.
type TransferError struct {
	Kind error
	Op   string
	Err  error
}

func (e *TransferError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *TransferError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// OutcomeOf returns the outcome kind of err, or nil when err is nil or carries no kind.
func OutcomeOf(err error) error {
	if err == nil {
		return nil
	}
	var transferErr *TransferError
	if errors.As(err, &transferErr) {
		return transferErr.Kind
	}
	for _, kind := range []error{ErrCancelled, ErrConnectFailed, ErrTimeout, ErrProtocol, ErrPeerRejected, ErrLocalIO} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

func newTransferError(kind error, op string, err error) *TransferError {
	return &TransferError{Kind: kind, Op: op, Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
