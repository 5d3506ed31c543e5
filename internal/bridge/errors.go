package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/sony/gobreaker/v2"

	"github.com/chaz8081/vehicle-ble-bridge/internal/ble"
)

var (
	ErrNotInitialized    = errors.New("bridge: not initialized")
	ErrInvalidArgument   = errors.New("bridge: invalid argument")
	ErrNotConnected      = errors.New("bridge: not connected")
	ErrOtherDevice       = errors.New("bridge: connected to another device")
	ErrConnectInProgress = errors.New("bridge: connect in progress")
	ErrBusy              = errors.New("bridge: disconnect in progress")
	ErrTimeout           = errors.New("bridge: timed out")
	ErrRejected          = errors.New("bridge: rejected by vehicle")
	ErrCircuitOpen       = errors.New("bridge: circuit open")
	ErrRateLimited       = errors.New("bridge: rate limited")
	ErrTransport         = errors.New("bridge: transport error")
	ErrClosed            = errors.New("bridge: closed")
)

// ErrorCode is the stable, machine-readable form of a failure reported in
// command-failed events.
type ErrorCode string

const (
	CodeNotInitialized    ErrorCode = "not_initialized"
	CodeInvalidArgument   ErrorCode = "invalid_argument"
	CodeNotConnected      ErrorCode = "not_connected"
	CodeOtherDevice       ErrorCode = "other_device"
	CodeConnectInProgress ErrorCode = "connect_in_progress"
	CodeBusy              ErrorCode = "busy"
	CodeTimeout           ErrorCode = "timeout"
	CodeRejected          ErrorCode = "rejected"
	CodeCircuitOpen       ErrorCode = "circuit_open"
	CodeRateLimited       ErrorCode = "rate_limited"
	CodeTransport         ErrorCode = "transport_error"
	CodeClosed            ErrorCode = "closed"
	CodeUnknown           ErrorCode = "unknown"
)

var errorCodes = []struct {
	err  error
	code ErrorCode
}{
	{ErrNotInitialized, CodeNotInitialized},
	{ErrInvalidArgument, CodeInvalidArgument},
	{ErrNotConnected, CodeNotConnected},
	{ErrOtherDevice, CodeOtherDevice},
	{ErrConnectInProgress, CodeConnectInProgress},
	{ErrBusy, CodeBusy},
	{ErrTimeout, CodeTimeout},
	{ErrRejected, CodeRejected},
	{ErrCircuitOpen, CodeCircuitOpen},
	{ErrRateLimited, CodeRateLimited},
	{ErrTransport, CodeTransport},
	{ErrClosed, CodeClosed},
}

// CodeOf returns the ErrorCode for err, or CodeUnknown if err wraps none of
// the package's sentinel errors.
func CodeOf(err error) ErrorCode {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return CodeUnknown
}

// classify wraps a transport-level error in the matching bridge sentinel.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("bridge: %s: %w: %w", op, ErrCircuitOpen, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("bridge: %s: %w: %w", op, ErrTimeout, err)
	case errors.Is(err, ble.ErrAuthRejected), errors.Is(err, ble.ErrRejected):
		return fmt.Errorf("bridge: %s: %w: %w", op, ErrRejected, err)
	case errors.Is(err, ble.ErrLinkClosed):
		return fmt.Errorf("bridge: %s: %w: %w", op, ErrNotConnected, err)
	default:
		return fmt.Errorf("bridge: %s: %w: %w", op, ErrTransport, err)
	}
}
