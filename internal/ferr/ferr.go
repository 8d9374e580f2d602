// Package ferr defines the engine runtime's error taxonomy.
//
// Datapath errors (ShmIpc, ShmRingbuf, Disconnected) are fatal to the
// engine that observed them and must never allocate on the empty-queue
// fast path — lfq.ErrWouldBlock is a value, not a failure, and is
// reused as-is rather than wrapped. Control-plane and user-visible
// errors are wrapped with cockroachdb/errors so an operator gets a
// stack trace instead of a bare string.
package ferr

import (
	"errors"
	"fmt"

	"code.hybscloud.com/iox"
	cerrors "github.com/cockroachdb/errors"
)

// Kind classifies an error by where it originated and how the runtime
// must react to it, per the taxonomy in the engine runtime's design.
type Kind int

const (
	// KindGeneric is a user-visible error surfaced verbatim in a Completion.
	KindGeneric Kind = iota
	// KindTransportType: SetTransport called twice on the same subscription.
	KindTransportType
	// KindResource: object not found, or found but of the wrong kind.
	KindResource
	// KindShmIpc: a ring operation against the shared-memory channel failed.
	KindShmIpc
	// KindShmRingbuf: a ring capacity invariant was violated.
	KindShmRingbuf
	// KindInternalQueueSend: an in-process edge refused a send (engine gone).
	KindInternalQueueSend
	// KindIpcTryRecv: transient control-socket recv error, safe to retry.
	KindIpcTryRecv
	// KindDisconnected: the peer end of a channel is gone; terminal.
	KindDisconnected
	// KindOther: unclassified control-plane IPC error; fatal.
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindGeneric:
		return "generic"
	case KindTransportType:
		return "transport_type"
	case KindResource:
		return "resource"
	case KindShmIpc:
		return "shm_ipc"
	case KindShmRingbuf:
		return "shm_ringbuf"
	case KindInternalQueueSend:
		return "internal_queue_send"
	case KindIpcTryRecv:
		return "ipc_try_recv"
	case KindDisconnected:
		return "disconnected"
	case KindOther:
		return "other"
	default:
		return "unknown"
	}
}

// Error is the concrete error type carried across the control plane and
// returned in Completion records.
type Error struct {
	Kind Kind
	Msg  string
	// cause is preserved for Unwrap but never serialized to the peer
	// process — the Msg field is what crosses the control socket.
	cause error
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs an Error of the given kind whose cause is a fresh
// cockroachdb/errors error carrying a stack trace.
func New(kind Kind, format string, args ...any) *Error {
	msg := fmt.Sprintf(format, args...)
	return &Error{Kind: kind, Msg: msg, cause: cerrors.New(msg)}
}

// Wrap attaches a Kind to an existing error, preserving its chain for
// Unwrap/Is/As and adding a stack trace via cockroachdb/errors.
func Wrap(kind Kind, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: cause.Error(), cause: cerrors.WithStack(cause)}
}

// Generic builds the user-visible Error::Generic(msg) variant.
func Generic(format string, args ...any) *Error {
	return New(KindGeneric, format, args...)
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// IsFatalToEngine reports whether err must terminate the engine that
// observed it (datapath failures), as opposed to being retried.
func IsFatalToEngine(err error) bool {
	return IsKind(err, KindShmIpc) || IsKind(err, KindShmRingbuf) || IsKind(err, KindInternalQueueSend)
}

// IsDisconnected reports whether err signals the peer went away —
// the authoritative signal to tear down a subscription.
func IsDisconnected(err error) bool {
	return IsKind(err, KindDisconnected) || errors.Is(err, ErrDisconnected)
}

// ErrDisconnected is the sentinel returned by control-socket reads once
// the peer has closed its end.
var ErrDisconnected = errors.New("ferr: peer disconnected")

// ErrWouldBlock re-exports iox's control-flow signal so datapath code
// in this module never has to import both ferr and iox to check it.
var ErrWouldBlock = iox.ErrWouldBlock

// IsWouldBlock delegates to iox; kept local so callers only need ferr.
func IsWouldBlock(err error) bool { return iox.IsWouldBlock(err) }
