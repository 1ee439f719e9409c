// Package xerr types the five error classes of §7 (protocol violation, auth
// failure, service-open failure, service-runtime failure, resource
// pressure) so the dispatch loop can switch on class instead of matching
// strings. Modeled on the teacher's cmn/cos typed-error style (ErrNotFound,
// ErrSignal) and its retriable-syscall helpers.
package xerr

import (
	"errors"
	"fmt"
	"syscall"

	pkgerrors "github.com/pkg/errors"

	"github.com/dvbridge/adbd/cmn/debug"
)

type (
	// ProtocolViolation is fatal to the connection: bad magic, oversize
	// payload, bad checksum, unknown command while connected, or
	// malformed OPEN args.
	ProtocolViolation struct{ Reason string }

	// ServiceOpenFailure means no service was registered; the dispatcher
	// replies CLSE(0, peer_id) and nothing else changes.
	ServiceOpenFailure struct{ Name, Reason string }

	// ServiceRuntimeFailure means an already-registered service broke;
	// the dispatcher tears the stream down and replies CLSE(id, peer_id).
	ServiceRuntimeFailure struct {
		StreamID uint32
		Reason   string
	}
)

func (e *ProtocolViolation) Error() string { return "protocol violation: " + e.Reason }
func (e *ServiceOpenFailure) Error() string {
	return fmt.Sprintf("open %q failed: %s", e.Name, e.Reason)
}
func (e *ServiceRuntimeFailure) Error() string {
	return fmt.Sprintf("stream %d runtime failure: %s", e.StreamID, e.Reason)
}

// ErrAuthFailed marks class 2 — not fatal, the handshake restarts with a
// fresh nonce.
var ErrAuthFailed = errors.New("auth failed")

// ErrResourcePressure marks class 5 — not an error per se, a signal that
// allocation must be retried once the pool drains.
var ErrResourcePressure = errors.New("packet pool saturated")

func NewProtocolViolation(format string, a ...any) error {
	return &ProtocolViolation{Reason: fmt.Sprintf(format, a...)}
}

func NewServiceOpenFailure(name, format string, a ...any) error {
	return &ServiceOpenFailure{Name: name, Reason: fmt.Sprintf(format, a...)}
}

func NewServiceRuntimeFailure(streamID uint32, format string, a ...any) error {
	return &ServiceRuntimeFailure{StreamID: streamID, Reason: fmt.Sprintf(format, a...)}
}

func IsProtocolViolation(err error) bool {
	var pv *ProtocolViolation
	return errors.As(err, &pv)
}

func IsServiceOpenFailure(err error) bool {
	var e *ServiceOpenFailure
	return errors.As(err, &e)
}

func IsServiceRuntimeFailure(err error) bool {
	var e *ServiceRuntimeFailure
	return errors.As(err, &e)
}

// Wrap adds call-site context via pkg/errors, matching the teacher pack's
// convention (aistore go.mod carries github.com/pkg/errors for exactly this).
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return pkgerrors.Wrap(err, msg)
}

// IsRetriableConnErr reports broken-leg errors on a service's own TCP
// socket (class 4): the stream closes, the daemon does not.
func IsRetriableConnErr(err error) bool {
	debug.Assert(err != nil)
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
