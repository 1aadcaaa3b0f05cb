package device

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Failure taxonomy shared by all adapters. The supervisor keys its
// fallback and demotion decisions off these classes, never off
// transport-specific error types.
var (
	// ErrUnreachable is an L3/L4 failure to reach the device.
	ErrUnreachable = errors.New("device unreachable")

	// ErrAuthFailed means the credentials were rejected. Retrying has no
	// value until the operator fixes the router's configuration row.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrProtocol is a framing, parsing or schema mismatch. Retryable,
	// but counts toward adapter demotion.
	ErrProtocol = errors.New("protocol error")

	// ErrTimeout means no response arrived within the call deadline.
	ErrTimeout = errors.New("timeout")

	// ErrFeatureUnavailable means this adapter cannot service the call at
	// all. Terminal for this call on this adapter; callers try the next.
	ErrFeatureUnavailable = errors.New("feature unavailable")
)

// Retryable reports whether the supervisor should try the next adapter
// after this failure. ErrFeatureUnavailable is terminal per call but
// still lets the caller move on, so it is not retryable on the same
// adapter yet does not poison the poll.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrAuthFailed):
		return false
	case errors.Is(err, ErrFeatureUnavailable):
		return false
	default:
		return true
	}
}

// classifyDialErr maps a transport-level error from a dial or request
// into the taxonomy.
func classifyDialErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var operr *net.OpError
	if errors.As(err, &operr) {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}
