package transport

import (
	"fmt"

	"github.com/flowmesh/enginerpc/internal/engine"
	"github.com/flowmesh/enginerpc/internal/ferr"
	"github.com/flowmesh/enginerpc/internal/graph"
	"github.com/flowmesh/enginerpc/internal/marshal"
	"github.com/flowmesh/enginerpc/internal/shmchan"
)

// HeadEngine is the application-facing engine described in spec.md 4.G:
// it reads WorkRequests off the subscription's customer channel,
// marshals them in place, and publishes a type-erased pointer on its
// single tx edge; on the reverse path it builds a Completion from an
// incoming ErasedMsg and enqueues it on the CQ; a completion that finds
// the CQ full is kept and retried on the next resume step, never dropped.
type HeadEngine struct {
	id      engine.Id
	channel *shmchan.CustomerChannel
	addrMap *marshal.AddressMap
	views   *marshal.Registry

	tx []graph.EdgeId
	rx []graph.EdgeId
	g  *graph.Graph

	// provider is the Provider the subscription's transport engine
	// drives; ProcessCommand's SetTransport/Connect/Bind commands act on
	// it directly so a control-plane handshake reaches the same
	// transport the datapath uses, rather than a second independent one.
	provider      Provider
	transportType Type
	transportSet  bool
	shmRegions    []*shmchan.MemoryRegion

	pendingCompletion *shmchan.Completion
	lastProgressed    bool
}

// NewHeadEngine creates a head engine for one subscription's customer
// channel, publishing onto txEdge and consuming from rxEdge. provider is
// shared with the subscription's transport engine so control-plane
// commands (SetTransport, Connect, Bind) reach the live transport; it
// may be nil for a head engine that never receives those commands.
func NewHeadEngine(id engine.Id, channel *shmchan.CustomerChannel, addrMap *marshal.AddressMap, views *marshal.Registry, g *graph.Graph, txEdge, rxEdge graph.EdgeId, provider Provider) *HeadEngine {
	return &HeadEngine{
		id:       id,
		channel:  channel,
		addrMap:  addrMap,
		views:    views,
		g:        g,
		tx:       []graph.EdgeId{txEdge},
		rx:       []graph.EdgeId{rxEdge},
		provider: provider,
	}
}

// ProcessCommand executes one control-plane command addressed to this
// head engine: the SetTransport/AllocShm/Connect/Bind/NewMappedAddrs
// payload kinds named in SPEC_FULL.md §3. This is a control-plane entry
// point the dispatcher calls directly under its daemon-wide writer lock,
// never from Resume. That lock serializes it with other control requests
// only; the runner may call Resume at the same time. The fields set here
// are not read by Resume, and the AddressMap has its own lock.
func (e *HeadEngine) ProcessCommand(cmd Command) (CommandResult, error) {
	switch cmd.Kind {
	case CmdSetTransport:
		if e.transportSet {
			return CommandResult{}, ferr.New(ferr.KindTransportType, "transport: type already set to %v on engine %d", e.transportType, e.id)
		}
		e.transportType = cmd.TransportType
		e.transportSet = true
		return CommandResult{TransportType: e.transportType}, nil

	case CmdAllocShm:
		name := cmd.ShmName
		if name == "" {
			name = fmt.Sprintf("enginerpc-head-%d", e.id)
		}
		region, err := shmchan.CreateMemoryRegion(name, cmd.ShmSize)
		if err != nil {
			return CommandResult{}, err
		}
		e.shmRegions = append(e.shmRegions, region)
		return CommandResult{ShmFd: region.Fd(), ShmLen: region.Len()}, nil

	case CmdConnect:
		if e.provider == nil {
			return CommandResult{}, ferr.New(ferr.KindResource, "transport: engine %d has no bound provider", e.id)
		}
		if err := e.provider.Connect(cmd.Addr); err != nil {
			return CommandResult{}, err
		}
		return CommandResult{}, nil

	case CmdBind:
		if e.provider == nil {
			return CommandResult{}, ferr.New(ferr.KindResource, "transport: engine %d has no bound provider", e.id)
		}
		if err := e.provider.Bind(cmd.Addr); err != nil {
			return CommandResult{}, err
		}
		return CommandResult{}, nil

	case CmdNewMappedAddrs:
		e.addrMap.Insert(cmd.LocalBase, cmd.PeerBase, cmd.Length)
		return CommandResult{}, nil

	default:
		return CommandResult{}, ferr.New(ferr.KindResource, "transport: unknown command kind %d", cmd.Kind)
	}
}

func (e *HeadEngine) ID() engine.Id             { return e.id }
func (e *HeadEngine) TxOutputs() []graph.EdgeId { return e.tx }
func (e *HeadEngine) RxInputs() []graph.EdgeId  { return e.rx }
func (e *HeadEngine) Description() string       { return "HeadEngine" }
func (e *HeadEngine) TLS() any                  { return nil }

// Resume performs one non-blocking step: first retry any completion
// that didn't fit on the CQ last time, then drain one WorkRequest
// forward and one ErasedMsg backward.
func (e *HeadEngine) Resume() (engine.Status, error) {
	progressed := false

	if e.pendingCompletion != nil {
		if err := e.channel.SendCompletion(*e.pendingCompletion); err != nil {
			if ferr.IsWouldBlock(err) {
				return engine.Continue, nil
			}
			return engine.Error, err
		}
		e.pendingCompletion = nil
		progressed = true
	}

	if err := e.stepForward(); err != nil {
		if !ferr.IsWouldBlock(err) {
			return engine.Error, err
		}
	} else {
		progressed = true
	}

	if err := e.stepBackward(); err != nil {
		if !ferr.IsWouldBlock(err) {
			return engine.Error, err
		}
	} else {
		progressed = true
	}

	e.lastProgressed = progressed
	return engine.Continue, nil
}

// DatapathProgressed reports whether the last Resume moved a message in
// either direction, feeding the scheduler's adaptive backoff.
func (e *HeadEngine) DatapathProgressed() bool { return e.lastProgressed }

func (e *HeadEngine) stepForward() error {
	req, err := e.channel.RecvWork()
	if err != nil {
		return err
	}

	meta := marshal.MessageMeta{ConnID: req.ConnID, FuncID: req.FuncID, CallID: req.CallID, Len: req.Len}
	if req.IsReply {
		meta.MsgType = marshal.Response
	} else {
		meta.MsgType = marshal.Request
	}

	if ctor, ok := e.views.Lookup(req.FuncID); ok {
		view, err := ctor(req.ShmPtr, meta)
		if err != nil {
			return ferr.Wrap(ferr.KindGeneric, err)
		}
		if err := marshal.Translate(view, e.addrMap); err != nil {
			return err
		}
	}

	msg := graph.ErasedMsg{Meta: meta, ShmPtr: req.ShmPtr}
	if err := e.g.Send(e.tx[0], msg); err != nil {
		return err
	}
	return nil
}

func (e *HeadEngine) stepBackward() error {
	msg, err := e.g.TryRecv(e.rx[0])
	if err != nil {
		return err
	}

	if ctor, ok := e.views.Lookup(msg.Meta.FuncID); ok {
		view, err := ctor(msg.ShmPtr, msg.Meta)
		if err == nil {
			_ = marshal.Translate(view, e.addrMap)
		}
	}
	offset, err := e.addrMap.QueryShmOffset(uint64(msg.ShmPtr))
	if err != nil {
		return err
	}

	comp := shmchan.Completion{
		ConnID: msg.Meta.ConnID,
		CallID: msg.Meta.CallID,
		Len:    msg.Meta.Len,
		ShmPtr: uintptr(offset),
	}
	if err := e.channel.SendCompletion(comp); err != nil {
		if ferr.IsWouldBlock(err) {
			// Keep the completion and retry it on the next resume call;
			// a full CQ never drops it.
			e.pendingCompletion = &comp
			return nil
		}
		return err
	}
	return nil
}
