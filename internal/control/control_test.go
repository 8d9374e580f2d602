package control_test

import (
	"bytes"
	"context"
	"encoding/gob"
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/flowmesh/enginerpc/internal/addon"
	"github.com/flowmesh/enginerpc/internal/config"
	"github.com/flowmesh/enginerpc/internal/control"
	"github.com/flowmesh/enginerpc/internal/engine"
	"github.com/flowmesh/enginerpc/internal/ferr"
	"github.com/flowmesh/enginerpc/internal/registry"
	"github.com/flowmesh/enginerpc/internal/sched"
	"github.com/flowmesh/enginerpc/internal/transport"
)

// minimalWASM is the smallest valid WebAssembly module: just the magic
// number and version header, enough for wazero to compile successfully
// without exporting anything a real constructor would call.
var minimalWASM = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func newDispatcher(t *testing.T) (*control.Dispatcher, *registry.Registry) {
	t.Helper()
	cfg := &config.Config{Control: config.Control{Prefix: "/tmp/enginerpc", Path: "/tmp/enginerpc/ctrl.sock"}}
	s := sched.NewScheduler(nil)
	t.Cleanup(s.Stop)
	ctx := context.Background()
	reg := registry.New(ctx)
	t.Cleanup(func() { reg.Close(ctx) })
	d := control.New(cfg, s, reg, nil)
	t.Cleanup(func() { _ = d.Close() })
	return d, reg
}

func gobBytes(t *testing.T, v any) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		t.Fatalf("gob encode: %v", err)
	}
	return buf.Bytes()
}

func TestNewClientAllocatesSubscription(t *testing.T) {
	d, _ := newDispatcher(t)

	resp := d.Handle(context.Background(), control.Request{
		Kind:      control.KindNewClient,
		NewClient: &control.NewClientReq{Mode: sched.Dedicated, Service: "rpc_hello"},
	})
	if resp.Err != nil {
		t.Fatalf("NewClient: %v", resp.Err)
	}
	if resp.SocketPath == "" {
		t.Fatal("expected a non-empty per-subscription socket path")
	}
}

func TestListSubscriptionReflectsNewClients(t *testing.T) {
	d, _ := newDispatcher(t)

	for i := 0; i < 3; i++ {
		resp := d.Handle(context.Background(), control.Request{
			Kind:      control.KindNewClient,
			NewClient: &control.NewClientReq{Mode: sched.Compact, Service: "svc"},
		})
		if resp.Err != nil {
			t.Fatalf("NewClient #%d: %v", i, resp.Err)
		}
	}

	resp := d.Handle(context.Background(), control.Request{Kind: control.KindListSubscription})
	if resp.Err != nil {
		t.Fatalf("ListSubscription: %v", resp.Err)
	}
	if len(resp.Subscriptions) != 3 {
		t.Fatalf("expected 3 subscriptions, got %d", len(resp.Subscriptions))
	}
}

func TestEngineRequestUnknownEngineIsResourceError(t *testing.T) {
	d, _ := newDispatcher(t)
	resp := d.Handle(context.Background(), control.Request{
		Kind:          control.KindEngineRequest,
		EngineRequest: &control.EngineRequestReq{EngineID: 999, Bytes: []byte("x")},
	})
	if resp.Err == nil {
		t.Fatal("expected error for a request to an unknown engine")
	}
	if !ferr.IsKind(resp.Err, ferr.KindResource) {
		t.Fatalf("expected a resource error, got %v", resp.Err)
	}
}

func TestConnectEngineNegotiatesCapacities(t *testing.T) {
	d, _ := newDispatcher(t)
	nc := d.Handle(context.Background(), control.Request{
		Kind:      control.KindNewClient,
		NewClient: &control.NewClientReq{Mode: sched.Dedicated, Service: "svc"},
	})
	if nc.Err != nil {
		t.Fatalf("NewClient: %v", nc.Err)
	}

	resp := d.ConnectEngine(1, &control.ConnectEngineReq{WQCap: 100, CQCap: 100})
	if resp.Err != nil {
		t.Fatalf("ConnectEngine: %v", resp.Err)
	}
	if resp.NegotiatedWQCap < 100 || resp.NegotiatedCQCap < 100 {
		t.Fatalf("expected negotiated capacities >= requested, got wq=%d cq=%d", resp.NegotiatedWQCap, resp.NegotiatedCQCap)
	}
}

// newConnectedSubscription wires a fresh subscription (head id 1, tail
// id 2) through NewClient + ConnectEngine, returning its sid.
func newConnectedSubscription(t *testing.T, d *control.Dispatcher) uint64 {
	t.Helper()
	nc := d.Handle(context.Background(), control.Request{
		Kind:      control.KindNewClient,
		NewClient: &control.NewClientReq{Mode: sched.Dedicated, Service: "svc"},
	})
	if nc.Err != nil {
		t.Fatalf("NewClient: %v", nc.Err)
	}
	resp := d.ConnectEngine(1, &control.ConnectEngineReq{WQCap: 16, CQCap: 16})
	if resp.Err != nil {
		t.Fatalf("ConnectEngine: %v", resp.Err)
	}
	return 1
}

func loadRelay(t *testing.T, reg *registry.Registry, version string) *semver.Version {
	t.Helper()
	v := semver.MustParse(version)
	desc := registry.Descriptor{Name: "relay", Kind: registry.KindAddon, Version: v, EngineTypes: []string{"relay"}}
	if err := reg.Load(context.Background(), desc, minimalWASM, map[string]registry.EngineConstructor{"relay": addon.New}); err != nil {
		t.Fatalf("Load relay@%s: %v", version, err)
	}
	return v
}

func TestAttachAddonWiresRelayBetweenHeadAndTail(t *testing.T) {
	d, reg := newDispatcher(t)
	sid := newConnectedSubscription(t, d)
	loadRelay(t, reg, "1.0.0")

	resp := d.Handle(context.Background(), control.Request{
		Kind: control.KindAttachAddon,
		AttachAddon: &control.AttachAddonReq{
			SubscriptionID: sid,
			Mode:           sched.Dedicated,
			PluginName:     "relay",
			Version:        "1.0.0",
			EngineType:     "relay",
			Config:         gobBytes(t, addon.Config{Version: "1.0.0"}),
			TxReplacements: []control.EdgeReplacement{{FromEngine: 1, TxIdx: 0, RxIdx: 0}},
			RxReplacements: []control.EdgeReplacement{{TxIdx: 0, ToEngine: 2, RxIdx: 0}},
		},
	})
	if resp.Err != nil {
		t.Fatalf("AttachAddon: %v", resp.Err)
	}

	list := d.Handle(context.Background(), control.Request{Kind: control.KindListSubscription})
	if list.Err != nil {
		t.Fatalf("ListSubscription: %v", list.Err)
	}
	if len(list.Subscriptions) != 1 || len(list.Subscriptions[0].Engines) != 3 {
		t.Fatalf("expected 3 engines (head, tail, relay) after attach, got %+v", list.Subscriptions)
	}
}

func TestDetachAddonRemovesEngine(t *testing.T) {
	d, reg := newDispatcher(t)
	sid := newConnectedSubscription(t, d)
	loadRelay(t, reg, "1.0.0")

	attach := d.Handle(context.Background(), control.Request{
		Kind: control.KindAttachAddon,
		AttachAddon: &control.AttachAddonReq{
			SubscriptionID: sid,
			Mode:           sched.Dedicated,
			PluginName:     "relay",
			Version:        "1.0.0",
			EngineType:     "relay",
			Config:         gobBytes(t, addon.Config{Version: "1.0.0"}),
			TxReplacements: []control.EdgeReplacement{{FromEngine: 1, TxIdx: 0, RxIdx: 0}},
			RxReplacements: []control.EdgeReplacement{{TxIdx: 0, ToEngine: 2, RxIdx: 0}},
		},
	})
	if attach.Err != nil {
		t.Fatalf("AttachAddon: %v", attach.Err)
	}

	detach := d.Handle(context.Background(), control.Request{
		Kind:        control.KindDetachAddon,
		DetachAddon: &control.DetachAddonReq{SubscriptionID: sid, EngineID: 3},
	})
	if detach.Err != nil {
		t.Fatalf("DetachAddon: %v", detach.Err)
	}

	list := d.Handle(context.Background(), control.Request{Kind: control.KindListSubscription})
	if list.Err != nil {
		t.Fatalf("ListSubscription: %v", list.Err)
	}
	if len(list.Subscriptions[0].Engines) != 2 {
		t.Fatalf("expected 2 engines after detach, got %+v", list.Subscriptions[0].Engines)
	}
}

func TestUpgradeSwapsEngineAndRejectsIncompatibleMajor(t *testing.T) {
	d, reg := newDispatcher(t)
	sid := newConnectedSubscription(t, d)
	loadRelay(t, reg, "1.0.0")
	loadRelay(t, reg, "1.1.0")
	loadRelay(t, reg, "2.0.0")

	attach := d.Handle(context.Background(), control.Request{
		Kind: control.KindAttachAddon,
		AttachAddon: &control.AttachAddonReq{
			SubscriptionID: sid,
			Mode:           sched.Dedicated,
			PluginName:     "relay",
			Version:        "1.0.0",
			EngineType:     "relay",
			Config:         gobBytes(t, addon.Config{Version: "1.0.0"}),
			TxReplacements: []control.EdgeReplacement{{FromEngine: 1, TxIdx: 0, RxIdx: 0}},
			RxReplacements: []control.EdgeReplacement{{TxIdx: 0, ToEngine: 2, RxIdx: 0}},
		},
	})
	if attach.Err != nil {
		t.Fatalf("AttachAddon: %v", attach.Err)
	}

	upgrade := d.Handle(context.Background(), control.Request{
		Kind: control.KindUpgrade,
		Upgrade: &control.UpgradeReq{
			SubscriptionID: sid,
			PluginName:     "relay",
			EngineType:     "relay",
			NewVersion:     "1.1.0",
			Config:         gobBytes(t, addon.Config{Version: "1.1.0"}),
			Kind:           registry.KindAddon,
		},
	})
	if upgrade.Err != nil {
		t.Fatalf("Upgrade to 1.1.0: %v", upgrade.Err)
	}

	list := d.Handle(context.Background(), control.Request{Kind: control.KindListSubscription})
	if list.Err != nil {
		t.Fatalf("ListSubscription: %v", list.Err)
	}
	if len(list.Subscriptions[0].Engines) != 3 {
		t.Fatalf("expected the upgraded subscription to keep 3 engines, got %+v", list.Subscriptions[0].Engines)
	}

	badUpgrade := d.Handle(context.Background(), control.Request{
		Kind: control.KindUpgrade,
		Upgrade: &control.UpgradeReq{
			SubscriptionID: sid,
			PluginName:     "relay",
			EngineType:     "relay",
			NewVersion:     "2.0.0",
			Config:         gobBytes(t, addon.Config{Version: "2.0.0"}),
			Kind:           registry.KindAddon,
		},
	})
	if badUpgrade.Err == nil {
		t.Fatal("expected Upgrade across a major version bump to be rejected")
	}
}

func TestEngineRequestDispatchesSetTransportCommand(t *testing.T) {
	d, _ := newDispatcher(t)
	newConnectedSubscription(t, d)

	cmd := transport.Command{Kind: transport.CmdSetTransport, TransportType: transport.TypeRDMA}
	resp := d.Handle(context.Background(), control.Request{
		Kind:          control.KindEngineRequest,
		EngineRequest: &control.EngineRequestReq{EngineID: engine.Id(1), Bytes: gobBytes(t, cmd)},
	})
	if resp.Err != nil {
		t.Fatalf("EngineRequest SetTransport: %v", resp.Err)
	}
	var result transport.CommandResult
	if err := gob.NewDecoder(bytes.NewReader(resp.Bytes)).Decode(&result); err != nil {
		t.Fatalf("decode CommandResult: %v", err)
	}
	if result.TransportType != transport.TypeRDMA {
		t.Fatalf("unexpected transport type: %v", result.TransportType)
	}

	again := d.Handle(context.Background(), control.Request{
		Kind:          control.KindEngineRequest,
		EngineRequest: &control.EngineRequestReq{EngineID: engine.Id(1), Bytes: gobBytes(t, cmd)},
	})
	if !ferr.IsKind(again.Err, ferr.KindTransportType) {
		t.Fatalf("expected KindTransportType on repeat SetTransport, got %v", again.Err)
	}
}
