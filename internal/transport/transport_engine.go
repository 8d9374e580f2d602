package transport

import (
	"github.com/flowmesh/enginerpc/internal/engine"
	"github.com/flowmesh/enginerpc/internal/ferr"
	"github.com/flowmesh/enginerpc/internal/graph"
)

// TransportEngine is the network-facing engine of spec.md 4.G: it
// consumes from its last tx edge, drives a Provider, and re-injects
// completion events into the rx direction. Newly accepted connections
// surface as a NewConnectionInternal that the caller forwards toward
// the head engine alongside any memfds the connection handshake yielded.
type TransportEngine struct {
	id       engine.Id
	provider Provider

	tx []graph.EdgeId
	rx []graph.EdgeId
	g  *graph.Graph

	onNewConnection func(NewConnectionInternal)
	lastProgressed  bool
}

// NewTransportEngine creates a transport engine driving provider, fed
// from txEdge and publishing incoming traffic onto rxEdge.
func NewTransportEngine(id engine.Id, provider Provider, g *graph.Graph, txEdge, rxEdge graph.EdgeId, onNewConnection func(NewConnectionInternal)) *TransportEngine {
	return &TransportEngine{
		id: id, provider: provider, g: g,
		tx: []graph.EdgeId{txEdge}, rx: []graph.EdgeId{rxEdge},
		onNewConnection: onNewConnection,
	}
}

func (e *TransportEngine) ID() engine.Id             { return e.id }
func (e *TransportEngine) TxOutputs() []graph.EdgeId { return e.tx }
func (e *TransportEngine) RxInputs() []graph.EdgeId  { return e.rx }
func (e *TransportEngine) Description() string       { return "TransportEngine" }
func (e *TransportEngine) TLS() any                  { return nil }
func (e *TransportEngine) DatapathProgressed() bool  { return e.lastProgressed }

// Resume drains one outbound message to the provider, polls one inbound
// message back into the graph, and checks for a newly accepted connection.
func (e *TransportEngine) Resume() (engine.Status, error) {
	progressed := false

	if msg, err := e.g.TryRecv(e.tx[0]); err == nil {
		if err := e.provider.Send(msg); err != nil {
			return engine.Error, err
		}
		progressed = true
	} else if !ferr.IsWouldBlock(err) {
		return engine.Error, err
	}

	if msg, err := e.provider.TryRecv(); err == nil {
		if err := e.g.Send(e.rx[0], msg); err != nil {
			if !ferr.IsWouldBlock(err) {
				return engine.Error, err
			}
		} else {
			progressed = true
		}
	} else if !ferr.IsWouldBlock(err) {
		return engine.Error, err
	}

	if conn, err := e.provider.TryAccept(); err == nil && conn != nil {
		if e.onNewConnection != nil {
			e.onNewConnection(*conn)
		}
		progressed = true
	}

	e.lastProgressed = progressed
	return engine.Continue, nil
}
