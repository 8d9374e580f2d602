package transport_test

import (
	"testing"

	"github.com/flowmesh/enginerpc/internal/ferr"
	"github.com/flowmesh/enginerpc/internal/graph"
	"github.com/flowmesh/enginerpc/internal/marshal"
	"github.com/flowmesh/enginerpc/internal/shmchan"
	"github.com/flowmesh/enginerpc/internal/transport"
)

func TestHeadEngineForwardsWorkToTxEdge(t *testing.T) {
	g := graph.New()
	tx := g.NewEdge()
	rx := g.NewEdge()
	ch := shmchan.NewCustomerChannel(16, 16)
	am := marshal.NewAddressMap()
	views := marshal.NewRegistry()

	he := transport.NewHeadEngine(1, ch, am, views, g, tx, rx, transport.NewLoopback())

	if err := ch.SendWork(shmchan.WorkRequest{ConnID: 1, FuncID: 5, CallID: 10, ShmPtr: 0x1000}); err != nil {
		t.Fatalf("SendWork: %v", err)
	}
	if _, err := he.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	msg, err := g.TryRecv(tx)
	if err != nil {
		t.Fatalf("expected forwarded message on tx edge: %v", err)
	}
	if msg.Meta.CallID != 10 {
		t.Fatalf("unexpected forwarded message: %+v", msg)
	}
}

func TestHeadEngineBuildsCompletionFromRxEdge(t *testing.T) {
	g := graph.New()
	tx := g.NewEdge()
	rx := g.NewEdge()
	ch := shmchan.NewCustomerChannel(16, 16)
	am := marshal.NewAddressMap()
	am.Insert(0x1000, 0x8000_0000, 0x1000)
	views := marshal.NewRegistry()

	he := transport.NewHeadEngine(1, ch, am, views, g, tx, rx, transport.NewLoopback())

	if err := g.Send(rx, graph.ErasedMsg{
		Meta:   marshal.MessageMeta{ConnID: 1, CallID: 55, MsgType: marshal.Response},
		ShmPtr: 0x1010,
	}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := he.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	comp, err := ch.RecvCompletion()
	if err != nil {
		t.Fatalf("expected a completion on the CQ: %v", err)
	}
	if comp.CallID != 55 {
		t.Fatalf("unexpected completion: %+v", comp)
	}
}

func TestHeadEngineProcessCommandSetTransportRejectsSecondCall(t *testing.T) {
	g := graph.New()
	tx, rx := g.NewEdge(), g.NewEdge()
	he := transport.NewHeadEngine(1, shmchan.NewCustomerChannel(16, 16), marshal.NewAddressMap(), marshal.NewRegistry(), g, tx, rx, transport.NewLoopback())

	res, err := he.ProcessCommand(transport.Command{Kind: transport.CmdSetTransport, TransportType: transport.TypeRDMA})
	if err != nil {
		t.Fatalf("first SetTransport: %v", err)
	}
	if res.TransportType != transport.TypeRDMA {
		t.Fatalf("unexpected transport type: %v", res.TransportType)
	}

	if _, err := he.ProcessCommand(transport.Command{Kind: transport.CmdSetTransport, TransportType: transport.TypeLoopback}); !ferr.IsKind(err, ferr.KindTransportType) {
		t.Fatalf("expected KindTransportType on repeat SetTransport, got %v", err)
	}
}

func TestHeadEngineProcessCommandAllocShm(t *testing.T) {
	g := graph.New()
	tx, rx := g.NewEdge(), g.NewEdge()
	he := transport.NewHeadEngine(1, shmchan.NewCustomerChannel(16, 16), marshal.NewAddressMap(), marshal.NewRegistry(), g, tx, rx, transport.NewLoopback())

	res, err := he.ProcessCommand(transport.Command{Kind: transport.CmdAllocShm, ShmSize: 4096})
	if err != nil {
		t.Fatalf("AllocShm: %v", err)
	}
	if res.ShmLen != 4096 || res.ShmFd <= 0 {
		t.Fatalf("unexpected AllocShm result: %+v", res)
	}
}

func TestHeadEngineProcessCommandConnectBindDriveSharedProvider(t *testing.T) {
	g := graph.New()
	tx, rx := g.NewEdge(), g.NewEdge()
	lb := transport.NewLoopback()
	he := transport.NewHeadEngine(1, shmchan.NewCustomerChannel(16, 16), marshal.NewAddressMap(), marshal.NewRegistry(), g, tx, rx, lb)

	if _, err := he.ProcessCommand(transport.Command{Kind: transport.CmdConnect, Addr: "127.0.0.1:9000"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := he.ProcessCommand(transport.Command{Kind: transport.CmdBind, Addr: "127.0.0.1:9001"}); err != nil {
		t.Fatalf("Bind: %v", err)
	}
}

func TestHeadEngineProcessCommandNewMappedAddrsPopulatesAddressMap(t *testing.T) {
	g := graph.New()
	tx, rx := g.NewEdge(), g.NewEdge()
	am := marshal.NewAddressMap()
	he := transport.NewHeadEngine(1, shmchan.NewCustomerChannel(16, 16), am, marshal.NewRegistry(), g, tx, rx, transport.NewLoopback())

	if _, err := he.ProcessCommand(transport.Command{Kind: transport.CmdNewMappedAddrs, LocalBase: 0x1000, PeerBase: 0x9000_0000, Length: 0x1000}); err != nil {
		t.Fatalf("NewMappedAddrs: %v", err)
	}
	peer, err := am.SwitchAddressSpace(0x1000)
	if err != nil {
		t.Fatalf("SwitchAddressSpace: %v", err)
	}
	if peer != 0x9000_0000 {
		t.Fatalf("unexpected translated address: %#x", peer)
	}
}

func TestTransportEngineRoundTripsThroughLoopback(t *testing.T) {
	g := graph.New()
	tx := g.NewEdge()
	rx := g.NewEdge()
	lb := transport.NewLoopback()
	te := transport.NewTransportEngine(1, lb, g, tx, rx, nil)

	if err := g.Send(tx, graph.ErasedMsg{ShmPtr: 7}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := te.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !te.DatapathProgressed() {
		t.Fatal("expected Resume to report datapath progress")
	}

	msg, err := g.TryRecv(rx)
	if err != nil {
		t.Fatalf("expected loopback to re-inject message on rx: %v", err)
	}
	if msg.ShmPtr != 7 {
		t.Fatalf("unexpected message: %+v", msg)
	}
}
