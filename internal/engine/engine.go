// Package engine defines the contract every engine in the dataflow
// graph satisfies: a single-shot non-blocking resume step, vertex
// identity for the graph, and the upgrade hooks a plugin-provided
// engine must expose to be hot-swapped in place.
package engine

import "github.com/flowmesh/enginerpc/internal/graph"

// Id is a daemon-lifetime-unique engine identifier. Never reused.
type Id uint64

// Status is the hint an engine's resume step returns to its runner.
// It is a hint, not a commitment: the scheduler may call resume again
// after Continue even if the engine reports no further progress is
// possible yet.
type Status int

const (
	// Continue: progress may be possible on a later resume call.
	Continue Status = iota
	// Complete: the engine terminated normally and must be removed.
	Complete
	// Error: the engine failed and must be removed; its subscription
	// may or may not be torn down depending on the failure's scope.
	Error
)

func (s Status) String() string {
	switch s {
	case Continue:
		return "continue"
	case Complete:
		return "complete"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Version is a semver string identifying a plugin-provided engine
// implementation's revision, used by the Upgrade control request to
// decide whether dump/restore state is compatible across versions.
type Version string

// Upgradable is implemented by engines whose plugin supports hot
// upgrade: suspend the running instance, dump its state, construct a
// new instance of a newer version, and restore the dumped state into
// it before resuming.
type Upgradable interface {
	// Version reports this instance's running version.
	Version() Version
	// CheckCompatible reports whether state dumped by this version can
	// be restored by an instance running v2.
	CheckCompatible(v2 Version) bool
	// Suspend must leave every owned edge in a consistent,
	// drained-where-required state before Dump is called.
	Suspend()
	// Dump serializes the engine's state to a versioned byte blob.
	Dump() ([]byte, error)
	// Restore reinitializes the engine from a blob produced by Dump on
	// a CheckCompatible version.
	Restore([]byte) error
}

// Vertex is implemented by every engine to expose its graph identity
// and edges in a stable order, so the graph can rewire them during
// AttachAddon/DetachAddon without engines tracking edge identity
// themselves beyond the EdgeId they were handed at construction.
type Vertex interface {
	ID() Id
	TxOutputs() []graph.EdgeId
	RxInputs() []graph.EdgeId
}

// Engine is the contract every engine in the runtime satisfies.
//
// Resume performs a single cooperative step and MUST NOT block on I/O
// or synchronization that can stall longer than a few microseconds —
// the runtime guarantees no concurrent Resume calls on the same
// instance, but it also guarantees nothing will call Resume again
// until this one returns.
type Engine interface {
	Vertex

	// Resume performs one non-blocking scheduling step.
	Resume() (Status, error)
	// Description returns a short human-readable identification string.
	Description() string
	// TLS returns process-wide state this engine's type cooperates
	// through (e.g. a subscription's shared Resource table). Engines
	// that don't need shared state return nil.
	TLS() any
}
