// Package transport implements the two concrete engine kinds that
// terminate the datapath: the application-facing head engine and the
// network-facing transport engine, plus the Provider abstraction the
// latter drives. RDMA verbs and connection management are out of scope
// per spec.md's Purpose & Scope; Provider is the named collaborator
// interface a real RDMA implementation would satisfy, and Loopback is
// the in-process stand-in this module ships instead.
package transport

import (
	"github.com/flowmesh/enginerpc/internal/ferr"
	"github.com/flowmesh/enginerpc/internal/graph"
)

// Type names which concrete transport a subscription has bound to,
// matching spec.md's control_plane::TransportType.
type Type int

const (
	TypeLoopback Type = iota
	TypeRDMA
)

// NewConnectionInternal is the completion a Provider surfaces when a
// remote peer connects, carrying the newly registered memory regions'
// handles and the memfds the head engine must forward to the application.
type NewConnectionInternal struct {
	Handle  uint64
	RecvMRs []uint64
	Fds     []int
}

// Provider is the transport collaborator a TransportEngine drives: send/
// recv of already-marshaled erased messages, memory-region registration,
// and connection setup. A real implementation wraps RDMA verbs; this
// module only ships Loopback.
type Provider interface {
	Send(msg graph.ErasedMsg) error
	TryRecv() (graph.ErasedMsg, error)
	RegisterMR(base, length uint64) (rkey uint64, err error)
	Connect(addr string) error
	Bind(addr string) error
	TryAccept() (*NewConnectionInternal, error)
}

// CommandKind discriminates a Command's payload, mirroring the original
// ipc::mrpc::cmd enum: SetTransport, AllocShm, Connect, Bind, and
// NewMappedAddrs are the command surface spec.md §4.G only sketches as
// "Call/Reply" but SPEC_FULL.md §3 names explicitly.
type CommandKind int

const (
	CmdSetTransport CommandKind = iota
	CmdAllocShm
	CmdConnect
	CmdBind
	CmdNewMappedAddrs
)

// Command is one EngineRequest payload HeadEngine.ProcessCommand
// switches over. Only the fields relevant to Kind are populated.
type Command struct {
	Kind CommandKind

	// CmdSetTransport
	TransportType Type

	// CmdAllocShm
	ShmName string
	ShmSize int

	// CmdConnect, CmdBind
	Addr string

	// CmdNewMappedAddrs
	LocalBase uint64
	PeerBase  uint64
	Length    uint64
}

// CommandResult is ProcessCommand's reply payload.
type CommandResult struct {
	TransportType Type // CmdSetTransport echo

	ShmFd  int // CmdAllocShm
	ShmLen int // CmdAllocShm
}

// Loopback is a Provider that hands sent messages straight back out its
// own recv side, used for tests and for subscriptions that never leave
// the host.
type Loopback struct {
	pending []graph.ErasedMsg
	nextKey uint64
}

// NewLoopback creates a Provider with no registered MRs or connections.
func NewLoopback() *Loopback { return &Loopback{} }

func (l *Loopback) Send(msg graph.ErasedMsg) error {
	l.pending = append(l.pending, msg)
	return nil
}

func (l *Loopback) TryRecv() (graph.ErasedMsg, error) {
	if len(l.pending) == 0 {
		return graph.ErasedMsg{}, ferr.ErrWouldBlock
	}
	msg := l.pending[0]
	l.pending = l.pending[1:]
	return msg, nil
}

func (l *Loopback) RegisterMR(base, length uint64) (uint64, error) {
	l.nextKey++
	return l.nextKey, nil
}

func (l *Loopback) Connect(addr string) error { return nil }
func (l *Loopback) Bind(addr string) error    { return nil }

func (l *Loopback) TryAccept() (*NewConnectionInternal, error) {
	return nil, ferr.ErrWouldBlock
}
