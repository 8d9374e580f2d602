// Package control implements the control-plane dispatcher: the daemon's
// control-socket listener, the per-subscription bookkeeping it mutates,
// and the request handlers for NewClient, EngineRequest, ListSubscription,
// AttachAddon, DetachAddon, and Upgrade described in spec.md 4.F.
package control

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/Masterminds/semver/v3"
	"github.com/flowmesh/enginerpc/internal/config"
	"github.com/flowmesh/enginerpc/internal/engine"
	"github.com/flowmesh/enginerpc/internal/ferr"
	"github.com/flowmesh/enginerpc/internal/graph"
	"github.com/flowmesh/enginerpc/internal/marshal"
	"github.com/flowmesh/enginerpc/internal/registry"
	"github.com/flowmesh/enginerpc/internal/sched"
	"github.com/flowmesh/enginerpc/internal/shmchan"
	"github.com/flowmesh/enginerpc/internal/transport"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// commandProcessor is implemented by engine types that accept opaque
// control-plane commands routed through EngineRequest — currently only
// *transport.HeadEngine, which switches over the command kinds named in
// SPEC_FULL.md 3 (SetTransport, AllocShm, Connect, Bind, NewMappedAddrs).
type commandProcessor interface {
	ProcessCommand(transport.Command) (transport.CommandResult, error)
}

// RequestKind discriminates Request's variant, Go's usual stand-in for
// Rust's tagged enum when the value needs to survive a gob round trip.
type RequestKind int

const (
	KindNewClient RequestKind = iota
	KindConnectEngine
	KindEngineRequest
	KindListSubscription
	KindAttachAddon
	KindDetachAddon
	KindUpgrade
)

// Request is one control-socket frame. Exactly one of the Kind-selected
// fields is populated; the rest are zero.
type Request struct {
	Kind            RequestKind
	NewClient       *NewClientReq
	ConnectEngine   *ConnectEngineReq
	EngineRequest   *EngineRequestReq
	ListSubscription *struct{}
	AttachAddon     *AttachAddonReq
	DetachAddon     *DetachAddonReq
	Upgrade         *UpgradeReq
}

type NewClientReq struct {
	Mode    sched.Mode
	Service string
}

type ConnectEngineReq struct {
	Mode         sched.Mode
	OneShotName  string
	WQCap, CQCap int
}

type EngineRequestReq struct {
	EngineID engine.Id
	Bytes    []byte
}

// EdgeReplacement names one endpoint rewrite: (from_engine, to_engine,
// edge_index_from, edge_index_to), matching AttachAddon/DetachAddon's
// request shape in spec.md 4.C.
type EdgeReplacement struct {
	FromEngine, ToEngine engine.Id
	TxIdx, RxIdx         int
}

type AttachAddonReq struct {
	SubscriptionID uint64
	Mode           sched.Mode
	PluginName     string
	Version        string
	EngineType     string
	Config         []byte
	TxReplacements []EdgeReplacement
	RxReplacements []EdgeReplacement
}

type DetachAddonReq struct {
	SubscriptionID    uint64
	EngineID          engine.Id
	Flush             bool
	DetachSubscription bool
}

type UpgradeReq struct {
	SubscriptionID     uint64
	PluginName         string
	EngineType         string
	NewVersion         string
	Config             []byte
	Kind               registry.Kind
	Flush              bool
	DetachSubscription bool
}

// Response wraps the result of one Request, mirroring the source's
// Response(Result<ResponseKind, Error>).
type Response struct {
	Err             *ferr.Error
	SocketPath      string
	Subscriptions   []SubscriptionInfo
	NegotiatedWQCap int
	NegotiatedCQCap int
	// Bytes carries a gob-encoded transport.CommandResult back from an
	// EngineRequest dispatched to a commandProcessor engine.
	Bytes []byte
}

// SubscriptionInfo is ListSubscription's per-entry payload.
type SubscriptionInfo struct {
	SID     uint64
	PID     int
	Service string
	Mode    sched.Mode
	Engines []engine.Id
}

// Subscription is spec.md's ServiceSubscription: the unit of isolation
// created by NewClient. The dispatcher keeps it for the daemon's
// lifetime; it is not removed when the engines it owns reach a terminal
// state.
type Subscription struct {
	SID         uint64
	PID         int
	Service     string
	Mode        sched.Mode
	ControlPath string

	graph      *graph.Graph
	channel    *shmchan.CustomerChannel
	addressMap *marshal.AddressMap
	groupID    uint64
	engines    map[engine.Id]engine.Engine
	ln         *net.UnixListener
}

// Dispatcher is the daemon-wide control-plane authority. Per spec.md
// 5 ("Locking discipline"), the graph and registry are protected by a
// single writer lock taken only here; runners only read snapshots at
// resume-cycle boundaries, never concurrently with a dispatcher mutation.
type Dispatcher struct {
	mu            sync.Mutex
	log           *zap.Logger
	cfg           *config.Config
	sched         *sched.Scheduler
	registry      *registry.Registry
	limiter       *rate.Limiter
	nextSID       atomic.Uint64
	nextEngineID  atomic.Uint64
	subscriptions map[uint64]*Subscription
}

// New creates a dispatcher wired to the given scheduler and plugin
// registry. The control socket accepts at most 200 requests/s with a
// small burst allowance, bounding how fast a misbehaving client can make
// the dispatcher take its daemon-wide writer lock.
func New(cfg *config.Config, s *sched.Scheduler, reg *registry.Registry, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:           cfg,
		sched:         s,
		registry:      reg,
		log:           log,
		limiter:       rate.NewLimiter(rate.Limit(200), 50),
		subscriptions: make(map[uint64]*Subscription),
	}
}

// Handle dispatches one decoded Request and returns its Response. This
// is the single entry point a control-socket listener's accept loop
// calls per frame.
func (d *Dispatcher) Handle(ctx context.Context, req Request) Response {
	if !d.limiter.Allow() {
		return Response{Err: ferr.New(ferr.KindOther, "control: request rate limit exceeded")}
	}
	switch req.Kind {
	case KindConnectEngine:
		// ConnectEngine is handled on the per-subscription socket named
		// by NewClient's reply, not on the daemon's main control socket;
		// see Dispatcher.ConnectEngine.
		return Response{Err: ferr.Generic("control: ConnectEngine must be sent on the subscription socket")}
	case KindNewClient:
		return d.handleNewClient(ctx, req.NewClient)
	case KindEngineRequest:
		return d.handleEngineRequest(req.EngineRequest)
	case KindListSubscription:
		return d.handleListSubscription()
	case KindAttachAddon:
		return d.handleAttachAddon(ctx, req.AttachAddon)
	case KindDetachAddon:
		return d.handleDetachAddon(req.DetachAddon)
	case KindUpgrade:
		return d.handleUpgrade(ctx, req.Upgrade)
	default:
		return Response{Err: ferr.Generic("control: unknown request kind %d", req.Kind)}
	}
}

// Serve accepts connections on the daemon's main control socket until ctx
// is canceled, servicing each connection with one goroutine that decodes
// a Request, dispatches it through Handle, and sends back the Response —
// repeating until the peer disconnects. ConnectEngine requests are
// rejected here; they belong on the per-subscription socket NewClient's
// reply names, served by serveSubscription.
func (d *Dispatcher) Serve(ctx context.Context, ln *net.UnixListener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return ferr.Wrap(ferr.KindOther, err)
		}
		go d.serveConn(ctx, shmchan.NewControlConn(conn))
	}
}

func (d *Dispatcher) serveConn(ctx context.Context, cc *shmchan.ControlConn) {
	defer cc.Close()
	for {
		var req Request
		if err := cc.Recv(&req); err != nil {
			return
		}
		resp := d.Handle(ctx, req)
		if err := cc.Send(resp); err != nil {
			return
		}
	}
}

// serveSubscription accepts connections on one subscription's socket,
// servicing the only request kind a client sends there: ConnectEngine.
func (d *Dispatcher) serveSubscription(ctx context.Context, sid uint64, ln *net.UnixListener) {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.AcceptUnix()
		if err != nil {
			return
		}
		go func(conn *net.UnixConn) {
			cc := shmchan.NewControlConn(conn)
			defer cc.Close()
			for {
				var req Request
				if err := cc.Recv(&req); err != nil {
					return
				}
				var resp Response
				if req.Kind == KindConnectEngine && req.ConnectEngine != nil {
					resp = d.ConnectEngine(sid, req.ConnectEngine)
				} else {
					resp = Response{Err: ferr.Generic("control: subscription socket only accepts ConnectEngine")}
				}
				if err := cc.Send(resp); err != nil {
					return
				}
			}
		}(conn)
	}
}

// Close shuts down every subscription's listening socket. Runner and
// registry teardown are the caller's responsibility; this only stops
// accepting new control-plane connections.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, sub := range d.subscriptions {
		if sub.ln != nil {
			_ = sub.ln.Close()
		}
	}
	return nil
}

func (d *Dispatcher) handleNewClient(ctx context.Context, req *NewClientReq) Response {
	if req == nil {
		return Response{Err: ferr.Generic("control: NewClient missing request body")}
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	sid := d.nextSID.Add(1)
	sub := &Subscription{
		SID:         sid,
		Service:     req.Service,
		Mode:        req.Mode,
		// The uuid suffix, not just sid, keeps the socket path unique
		// across daemon restarts even if the monotonic sid counter resets.
		ControlPath: fmt.Sprintf("%s.%d.%s.sock", d.cfg.Control.Prefix, sid, uuid.NewString()),
		graph:       graph.New(),
		addressMap:  marshal.NewAddressMap(),
		engines:     make(map[engine.Id]engine.Engine),
	}
	// The subscription's own socket must be listening before this
	// Response (carrying its path) reaches the caller, or a client that
	// dials immediately would race an as-yet-unbound socket.
	ln, err := shmchan.ListenControl(sub.ControlPath)
	if err != nil {
		return Response{Err: ferr.Wrap(ferr.KindOther, err)}
	}
	sub.ln = ln
	d.subscriptions[sid] = sub
	go d.serveSubscription(ctx, sid, ln)
	return Response{SocketPath: sub.ControlPath}
}

// ConnectEngine completes a NewClient handshake on the per-subscription
// socket: it negotiates the customer channel's capacities, then wires
// the minimal two-engine graph (head engine, loopback transport engine)
// every subscription starts with before any AttachAddon call inserts
// something between them.
func (d *Dispatcher) ConnectEngine(sid uint64, req *ConnectEngineReq) Response {
	d.mu.Lock()
	defer d.mu.Unlock()
	sub, ok := d.subscriptions[sid]
	if !ok {
		return Response{Err: ferr.New(ferr.KindResource, "control: unknown subscription %d", sid)}
	}
	if req.WQCap <= 0 || req.CQCap <= 0 {
		return Response{Err: ferr.New(ferr.KindResource, "control: invalid customer channel capacities")}
	}
	sub.channel = shmchan.NewCustomerChannel(req.WQCap, req.CQCap)

	egressEdge := sub.graph.NewEdge()
	ingressEdge := sub.graph.NewEdge()

	// Head and tail share one Provider instance so a SetTransport/Connect/
	// Bind command issued through the head engine (see ProcessCommand)
	// actually drives the transport the tail engine reads and writes.
	provider := transport.NewLoopback()

	headID := engine.Id(d.nextEngineID.Add(1))
	head := transport.NewHeadEngine(headID, sub.channel, sub.addressMap, marshal.NewRegistry(), sub.graph, egressEdge, ingressEdge, provider)
	sub.graph.RegisterVertex(uint64(headID), &graph.VertexSlots{
		Tx: head.TxOutputs(),
		Rx: head.RxInputs(),
	})

	tailID := engine.Id(d.nextEngineID.Add(1))
	tail := transport.NewTransportEngine(tailID, provider, sub.graph, egressEdge, ingressEdge, nil)
	sub.graph.RegisterVertex(uint64(tailID), &graph.VertexSlots{
		Tx: tail.TxOutputs(),
		Rx: tail.RxInputs(),
	})

	sub.engines[headID] = head
	sub.engines[tailID] = tail
	sub.groupID = d.sched.Schedule(head, req.Mode, sub.groupID, nil)
	sub.groupID = d.sched.Schedule(tail, req.Mode, sub.groupID, nil)

	return Response{NegotiatedWQCap: sub.channel.Cap(), NegotiatedCQCap: sub.channel.CQCap()}
}

// handleEngineRequest decodes req.Bytes as a transport.Command and
// dispatches it to the named engine's ProcessCommand, per SPEC_FULL.md
// 3's completion of the original's process_cmd command surface
// (SetTransport, AllocShm, Connect, Bind, NewMappedAddrs). An engine
// type that doesn't implement commandProcessor rejects the request.
func (d *Dispatcher) handleEngineRequest(req *EngineRequestReq) Response {
	if req == nil {
		return Response{Err: ferr.Generic("control: EngineRequest missing request body")}
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, sub := range d.subscriptions {
		eng, ok := sub.engines[req.EngineID]
		if !ok {
			continue
		}
		cp, ok := eng.(commandProcessor)
		if !ok {
			return Response{Err: ferr.New(ferr.KindResource, "control: engine %d does not accept commands", req.EngineID)}
		}
		var cmd transport.Command
		if err := gob.NewDecoder(bytes.NewReader(req.Bytes)).Decode(&cmd); err != nil {
			return Response{Err: ferr.Wrap(ferr.KindGeneric, err)}
		}
		result, err := cp.ProcessCommand(cmd)
		if err != nil {
			return Response{Err: asFerr(err)}
		}
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(result); err != nil {
			return Response{Err: ferr.Wrap(ferr.KindGeneric, err)}
		}
		return Response{Bytes: buf.Bytes()}
	}
	return Response{Err: ferr.New(ferr.KindResource, "control: unknown engine %d", req.EngineID)}
}

func (d *Dispatcher) handleListSubscription() Response {
	d.mu.Lock()
	defer d.mu.Unlock()
	infos := make([]SubscriptionInfo, 0, len(d.subscriptions))
	for _, sub := range d.subscriptions {
		ids := make([]engine.Id, 0, len(sub.engines))
		for id := range sub.engines {
			ids = append(ids, id)
		}
		infos = append(infos, SubscriptionInfo{
			SID: sub.SID, PID: sub.PID, Service: sub.Service, Mode: sub.Mode, Engines: ids,
		})
	}
	return Response{Subscriptions: infos}
}

// handleAttachAddon implements spec.md 4.C/4.F AttachAddon: instantiate
// the addon, register its vertex, rewire the requested edges through it
// and schedule it. The engines whose edges move are not suspended; their
// runners keep resuming them while the slots are rewritten. This
// dispatcher holds the daemon-wide writer lock for the whole mutation so
// no concurrent control request observes a half-rewired graph.
func (d *Dispatcher) handleAttachAddon(ctx context.Context, req *AttachAddonReq) Response {
	if req == nil {
		return Response{Err: ferr.Generic("control: AttachAddon missing request body")}
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	sub, ok := d.subscriptions[req.SubscriptionID]
	if !ok {
		return Response{Err: ferr.New(ferr.KindResource, "control: unknown subscription %d", req.SubscriptionID)}
	}

	v, err := semver.NewVersion(req.Version)
	if err != nil {
		return Response{Err: ferr.New(ferr.KindResource, "control: invalid version %q: %v", req.Version, err)}
	}

	addonID := engine.Id(d.nextEngineID.Add(1))
	eng, err := d.registry.NewEngine(req.PluginName, v, req.EngineType, addonID, req.Config, sub.graph)
	if err != nil {
		return Response{Err: asFerr(err)}
	}

	// ReplaceEndpoint mutates the graph's own record of the addon's slots,
	// so the addon must be registered before it can appear as either
	// replacement's new endpoint. The registered slices must be the very
	// same ones the addon's own Vertex methods return — not independently
	// allocated copies — or a later ReplaceEndpoint/SetTx/SetRx rewrite
	// would be invisible to the addon's own Resume step.
	addonTxWidth, addonRxWidth := 0, 0
	for _, rep := range req.TxReplacements {
		if rep.RxIdx+1 > addonRxWidth {
			addonRxWidth = rep.RxIdx + 1
		}
	}
	for _, rep := range req.RxReplacements {
		if rep.TxIdx+1 > addonTxWidth {
			addonTxWidth = rep.TxIdx + 1
		}
	}
	if len(eng.TxOutputs()) < addonTxWidth || len(eng.RxInputs()) < addonRxWidth {
		d.registry.Release(req.PluginName, v)
		return Response{Err: ferr.New(ferr.KindResource, "control: addon %s exposes too few edge slots for the requested wiring", req.PluginName)}
	}
	sub.graph.RegisterVertex(uint64(addonID), &graph.VertexSlots{
		Tx: eng.TxOutputs(),
		Rx: eng.RxInputs(),
	})

	for _, rep := range req.TxReplacements {
		newEdge := sub.graph.NewEdge()
		if err := sub.graph.ReplaceEndpoint(uint64(rep.FromEngine), rep.TxIdx, uint64(addonID), rep.RxIdx, newEdge); err != nil {
			return Response{Err: ferr.Wrap(ferr.KindResource, err)}
		}
	}
	for _, rep := range req.RxReplacements {
		newEdge := sub.graph.NewEdge()
		if err := sub.graph.ReplaceEndpoint(uint64(addonID), rep.TxIdx, uint64(rep.ToEngine), rep.RxIdx, newEdge); err != nil {
			return Response{Err: ferr.Wrap(ferr.KindResource, err)}
		}
	}

	sub.engines[addonID] = eng
	sub.groupID = d.sched.Schedule(eng, req.Mode, sub.groupID, nil)
	return Response{}
}

// handleDetachAddon drops the addon's engine from the subscription's
// engine map and unregisters its graph vertex. It does not flush queues,
// suspend any engine or rewire the neighbours' edges, and the engine stays
// in its scheduling group; Flush and DetachSubscription have no effect.
func (d *Dispatcher) handleDetachAddon(req *DetachAddonReq) Response {
	if req == nil {
		return Response{Err: ferr.Generic("control: DetachAddon missing request body")}
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	sub, ok := d.subscriptions[req.SubscriptionID]
	if !ok {
		return Response{Err: ferr.New(ferr.KindResource, "control: unknown subscription %d", req.SubscriptionID)}
	}
	if _, ok := sub.engines[req.EngineID]; !ok {
		return Response{Err: ferr.New(ferr.KindResource, "control: unknown engine %d", req.EngineID)}
	}

	// req.Flush is not acted on: draining an edge takes resume cycles on
	// the owning runner, and this handler does not wait for them while
	// holding the dispatcher's lock.

	delete(sub.engines, req.EngineID)
	sub.graph.UnregisterVertex(uint64(req.EngineID))
	return Response{}
}

// handleUpgrade implements spec.md 4.F Upgrade: for each running engine
// of the targeted plugin, suspend, dump, construct a new instance at
// NewVersion, restore, swap into the graph, resume — refusing the
// upgrade if CheckCompatible rejects the version pair.
func (d *Dispatcher) handleUpgrade(ctx context.Context, req *UpgradeReq) Response {
	if req == nil {
		return Response{Err: ferr.Generic("control: Upgrade missing request body")}
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	sub, ok := d.subscriptions[req.SubscriptionID]
	if !ok {
		return Response{Err: ferr.New(ferr.KindResource, "control: unknown subscription %d", req.SubscriptionID)}
	}
	newV, err := semver.NewVersion(req.NewVersion)
	if err != nil {
		return Response{Err: ferr.New(ferr.KindResource, "control: invalid version %q: %v", req.NewVersion, err)}
	}

	for id, eng := range sub.engines {
		up, ok := eng.(engine.Upgradable)
		if !ok {
			continue
		}
		if !up.CheckCompatible(engine.Version(newV.String())) {
			return Response{Err: ferr.New(ferr.KindResource, "control: engine %d state incompatible with %s", id, newV)}
		}

		// The old vertex's edge ids are the topology AttachAddon/
		// ReplaceEndpoint built; a freshly constructed engine instance
		// starts with its own fresh (zero-valued) Tx/Rx, so those ids
		// must be copied forward or the upgraded engine would come up
		// disconnected from the graph it used to be wired into.
		oldSlots, ok := sub.graph.VertexSlots(uint64(id))
		if !ok {
			return Response{Err: ferr.New(ferr.KindResource, "control: engine %d has no graph vertex", id)}
		}
		oldTx := append([]graph.EdgeId(nil), oldSlots.Tx...)
		oldRx := append([]graph.EdgeId(nil), oldSlots.Rx...)

		up.Suspend()
		blob, err := up.Dump()
		if err != nil {
			return Response{Err: ferr.Wrap(ferr.KindResource, err)}
		}
		newEng, err := d.registry.NewEngine(req.PluginName, newV, req.EngineType, id, req.Config, sub.graph)
		if err != nil {
			return Response{Err: asFerr(err)}
		}
		if newUp, ok := newEng.(engine.Upgradable); ok {
			if err := newUp.Restore(blob); err != nil {
				return Response{Err: ferr.Wrap(ferr.KindResource, err)}
			}
		}

		if len(newEng.TxOutputs()) != len(oldTx) || len(newEng.RxInputs()) != len(oldRx) {
			return Response{Err: ferr.New(ferr.KindResource, "control: upgraded engine %d changed edge width (tx %d->%d, rx %d->%d)", id, len(oldTx), len(newEng.TxOutputs()), len(oldRx), len(newEng.RxInputs()))}
		}
		copy(newEng.TxOutputs(), oldTx)
		copy(newEng.RxInputs(), oldRx)
		sub.graph.RegisterVertex(uint64(id), &graph.VertexSlots{
			Tx: newEng.TxOutputs(),
			Rx: newEng.RxInputs(),
		})

		sub.engines[id] = newEng
		// The suspended old instance is not removed from its group; the
		// new one is scheduled alongside it.
		sub.groupID = d.sched.Schedule(newEng, sub.Mode, sub.groupID, nil)
	}
	return Response{}
}

func asFerr(err error) *ferr.Error {
	if fe, ok := err.(*ferr.Error); ok {
		return fe
	}
	return ferr.Wrap(ferr.KindOther, err)
}
