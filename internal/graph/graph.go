// Package graph implements the per-subscription dataflow graph: engines
// as nodes, in-process flow-controlled queues as edges. Edges live in
// an arena indexed by EdgeId so engine↔edge references stay acyclic —
// engines hold EdgeIds, never edge pointers — and AttachAddon/
// DetachAddon can rewire an edge endpoint in O(1) by writing a new
// EdgeId into the engine's own (stable, graph-owned) edge slice.
package graph

import (
	"fmt"
	"sync"

	"github.com/flowmesh/enginerpc/internal/ferr"
	"github.com/flowmesh/enginerpc/internal/lfq"
	"github.com/flowmesh/enginerpc/internal/marshal"
)

// EdgeId indexes an Edge in a Graph's arena. Zero is never a valid id.
type EdgeId uint64

// ErasedMsg is the type-erased message pointer carried over an edge,
// matching spec's {meta, shmptr}: shmptr is a shared-memory-relative
// address, relocatable by whichever side dereferences it.
type ErasedMsg struct {
	Meta   marshal.MessageMeta
	ShmPtr uintptr
}

// defaultEdgeCapacity bounds each edge's queue. Capacity here is
// advisory per spec.md §3 ("Edge"): real backpressure is enforced by
// the customer channel at the subscription boundary, not by edges.
const defaultEdgeCapacity = 4096

// edge wraps an MPSC queue of ErasedMsg: MPSC rather than SPSC because
// AttachAddon/DetachAddon may momentarily leave two logical producers
// targeting the same arena slot while a swap is in flight (the old
// producer finishing an in-progress send as the new edge is installed).
type edge struct {
	q      *lfq.MPSC[ErasedMsg]
	closed bool
}

// VertexSlots is the graph's authoritative record of one engine's tx
// and rx edge ids. The slices are stable-length and graph-owned; an
// engine's Vertex.TxOutputs()/RxInputs() methods must return exactly
// these slices (not copies) so the graph can swap an entry in O(1).
type VertexSlots struct {
	Tx []EdgeId
	Rx []EdgeId
}

// Graph is the per-subscription DAG of engines connected by edges.
type Graph struct {
	mu     sync.RWMutex
	arena  []edge // index 0 unused; EdgeId is a 1-based index into arena
	vertex map[uint64]*VertexSlots
}

// New creates an empty graph for one service subscription.
func New() *Graph {
	return &Graph{
		arena:  make([]edge, 1), // reserve index 0 as the invalid id
		vertex: make(map[uint64]*VertexSlots),
	}
}

// NewEdge allocates a fresh edge in the arena and returns its stable id.
func (g *Graph) NewEdge() EdgeId {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.arena = append(g.arena, edge{q: lfq.NewMPSC[ErasedMsg](defaultEdgeCapacity)})
	return EdgeId(len(g.arena) - 1)
}

// RegisterVertex records engineID's edge slices so AttachAddon/
// DetachAddon can locate and mutate them later. slots must be the same
// slice instances the engine's Vertex methods return.
func (g *Graph) RegisterVertex(engineID uint64, slots *VertexSlots) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.vertex[engineID] = slots
}

// VertexSlots returns engineID's current edge-slot record, used by
// Upgrade to carry its topology forward onto a freshly constructed
// engine instance before the old one is dropped.
func (g *Graph) VertexSlots(engineID uint64) (*VertexSlots, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, ok := g.vertex[engineID]
	return v, ok
}

// UnregisterVertex drops engineID's slot record once it reaches a
// terminal state.
func (g *Graph) UnregisterVertex(engineID uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.vertex, engineID)
}

func (g *Graph) edgeAt(id EdgeId) (*edge, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if id == 0 || int(id) >= len(g.arena) {
		return nil, ferr.New(ferr.KindInternalQueueSend, "graph: invalid edge id %d", id)
	}
	return &g.arena[id], nil
}

// Send pushes msg onto the edge identified by id, blocking this
// resume-step caller not at all: ErrWouldBlock propagates to the
// caller so it can retry on a later resume cycle (never inside one).
func (g *Graph) Send(id EdgeId, msg ErasedMsg) error {
	e, err := g.edgeAt(id)
	if err != nil {
		return err
	}
	if e.closed {
		return ferr.New(ferr.KindInternalQueueSend, "graph: edge %d closed", id)
	}
	if err := e.q.Enqueue(&msg); err != nil {
		if ferr.IsWouldBlock(err) {
			return err
		}
		return ferr.Wrap(ferr.KindInternalQueueSend, err)
	}
	return nil
}

// TryRecv pops the next message from the edge identified by id.
func (g *Graph) TryRecv(id EdgeId) (ErasedMsg, error) {
	e, err := g.edgeAt(id)
	if err != nil {
		return ErasedMsg{}, err
	}
	msg, err := e.q.Dequeue()
	if err != nil {
		return ErasedMsg{}, err // ErrWouldBlock: empty, not a failure
	}
	return msg, nil
}

// Drained reports whether id's edge has no message ready to dequeue (an
// unknown edge counts as drained). Since lfq intentionally omits an exact
// length, this probes emptiness rather than counting.
func (g *Graph) Drained(id EdgeId) bool {
	e, err := g.edgeAt(id)
	if err != nil {
		return true
	}
	_, derr := e.q.Dequeue()
	return ferr.IsWouldBlock(derr)
}

// ReplaceEndpoint is AttachAddon/DetachAddon's core primitive: it finds
// fromEngine's tx slot txIdx and toEngine's rx slot rxIdx and rewrites
// both to newEdge, without comparing their previous contents — all in
// O(1), because the slices the swap touches are the very slices the
// engines use to resolve their own edges.
func (g *Graph) ReplaceEndpoint(fromEngine uint64, txIdx int, toEngine uint64, rxIdx int, newEdge EdgeId) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	from, ok := g.vertex[fromEngine]
	if !ok {
		return fmt.Errorf("graph: unknown engine %d", fromEngine)
	}
	to, ok := g.vertex[toEngine]
	if !ok {
		return fmt.Errorf("graph: unknown engine %d", toEngine)
	}
	if txIdx < 0 || txIdx >= len(from.Tx) {
		return fmt.Errorf("graph: engine %d has no tx edge %d", fromEngine, txIdx)
	}
	if rxIdx < 0 || rxIdx >= len(to.Rx) {
		return fmt.Errorf("graph: engine %d has no rx edge %d", toEngine, rxIdx)
	}
	from.Tx[txIdx] = newEdge
	to.Rx[rxIdx] = newEdge
	return nil
}

// SetTx rewrites a single tx slot without requiring a matching rx peer
// — used when splicing one side of an AttachAddon edge (u → X).
func (g *Graph) SetTx(engineID uint64, idx int, newEdge EdgeId) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.vertex[engineID]
	if !ok || idx < 0 || idx >= len(v.Tx) {
		return fmt.Errorf("graph: bad tx slot (engine=%d idx=%d)", engineID, idx)
	}
	v.Tx[idx] = newEdge
	return nil
}

// SetRx is SetTx's rx-side counterpart (X → v).
func (g *Graph) SetRx(engineID uint64, idx int, newEdge EdgeId) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.vertex[engineID]
	if !ok || idx < 0 || idx >= len(v.Rx) {
		return fmt.Errorf("graph: bad rx slot (engine=%d idx=%d)", engineID, idx)
	}
	v.Rx[idx] = newEdge
	return nil
}

// CloseEdge marks an edge as no longer writable; later Sends on it fail.
func (g *Graph) CloseEdge(id EdgeId) error {
	e, err := g.edgeAt(id)
	if err != nil {
		return err
	}
	g.mu.Lock()
	e.closed = true
	g.mu.Unlock()
	return nil
}
