// Package addon ships a minimal hot-insertable engine type: a passthrough
// relay that forwards whatever it receives on its single rx edge to its
// single tx edge, one message per resume step. It exists to give
// AttachAddon/DetachAddon/Upgrade a concrete engine.Upgradable
// implementation to exercise, the way a real plugin-provided addon
// (rate limiter, tee, codec shim) would be registered and hot-swapped.
package addon

import (
	"bytes"
	"encoding/gob"

	"github.com/Masterminds/semver/v3"
	"github.com/flowmesh/enginerpc/internal/engine"
	"github.com/flowmesh/enginerpc/internal/ferr"
	"github.com/flowmesh/enginerpc/internal/graph"
)

// Config is RelayEngine's registry.EngineConstructor config payload,
// gob-encoded by whoever issues the AttachAddon/Upgrade request.
type Config struct {
	Version string
}

// relayState is the Dump/Restore wire format: everything an upgrade
// needs to carry across a version swap.
type relayState struct {
	Relayed uint64
	Pending *graph.ErasedMsg
}

// RelayEngine is a single-edge-in, single-edge-out engine. Construction
// gives it a fixed width-1 Tx/Rx so it can be attached by an AttachAddon
// request naming one TxReplacement and one RxReplacement.
type RelayEngine struct {
	id      engine.Id
	version *semver.Version
	g       *graph.Graph

	tx []graph.EdgeId
	rx []graph.EdgeId

	pending   *graph.ErasedMsg
	relayed   uint64
	suspended bool
}

// New constructs a RelayEngine at the version named in config (gob-encoded
// Config; an empty config defaults to 1.0.0). It satisfies
// registry.EngineConstructor's signature so it can be registered directly
// as a module/addon's constructor table entry.
func New(id engine.Id, config []byte, g *graph.Graph) (engine.Engine, error) {
	v := "1.0.0"
	if len(config) > 0 {
		var cfg Config
		if err := gob.NewDecoder(bytes.NewReader(config)).Decode(&cfg); err != nil {
			return nil, ferr.Wrap(ferr.KindResource, err)
		}
		if cfg.Version != "" {
			v = cfg.Version
		}
	}
	sv, err := semver.NewVersion(v)
	if err != nil {
		return nil, ferr.New(ferr.KindResource, "addon: invalid relay version %q: %v", v, err)
	}
	return &RelayEngine{
		id:      id,
		version: sv,
		g:       g,
		tx:      make([]graph.EdgeId, 1),
		rx:      make([]graph.EdgeId, 1),
	}, nil
}

func (e *RelayEngine) ID() engine.Id             { return e.id }
func (e *RelayEngine) TxOutputs() []graph.EdgeId { return e.tx }
func (e *RelayEngine) RxInputs() []graph.EdgeId  { return e.rx }
func (e *RelayEngine) Description() string       { return "RelayEngine" }
func (e *RelayEngine) TLS() any                  { return nil }

// Resume forwards one message from rx[0] to tx[0] per step, retrying a
// send that found its target edge full on the next resume rather than
// dropping the message.
func (e *RelayEngine) Resume() (engine.Status, error) {
	if e.suspended {
		return engine.Continue, nil
	}

	if e.pending != nil {
		if err := e.g.Send(e.tx[0], *e.pending); err != nil {
			if ferr.IsWouldBlock(err) {
				return engine.Continue, nil
			}
			return engine.Error, err
		}
		e.pending = nil
		e.relayed++
	}

	msg, err := e.g.TryRecv(e.rx[0])
	if err != nil {
		if ferr.IsWouldBlock(err) {
			return engine.Continue, nil
		}
		return engine.Error, err
	}
	if err := e.g.Send(e.tx[0], msg); err != nil {
		if ferr.IsWouldBlock(err) {
			e.pending = &msg
			return engine.Continue, nil
		}
		return engine.Error, err
	}
	e.relayed++
	return engine.Continue, nil
}

// Version reports this instance's running version.
func (e *RelayEngine) Version() engine.Version { return engine.Version(e.version.String()) }

// CheckCompatible reports whether this version's dumped state can be
// restored by an instance running v2, per the same-major rule Upgrade
// enforces daemon-wide (see registry.CheckCompatible).
func (e *RelayEngine) CheckCompatible(v2 engine.Version) bool {
	other, err := semver.NewVersion(string(v2))
	if err != nil {
		return false
	}
	return e.version.Major() == other.Major()
}

// Suspend stops Resume from moving further messages; a pending relay (one
// already popped off rx but not yet delivered to tx) is preserved and
// carried across in Dump's state so Upgrade never drops it.
func (e *RelayEngine) Suspend() { e.suspended = true }

// Dump serializes the relay's counter and any message caught mid-relay
// when Suspend was called.
func (e *RelayEngine) Dump() ([]byte, error) {
	st := relayState{Relayed: e.relayed, Pending: e.pending}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(st); err != nil {
		return nil, ferr.Wrap(ferr.KindResource, err)
	}
	return buf.Bytes(), nil
}

// Restore reinitializes the engine's counter and any pending message from
// a blob produced by Dump
// on a CheckCompatible version. The new instance's Tx/Rx widths are fixed
// at construction, independent of Restore.
func (e *RelayEngine) Restore(blob []byte) error {
	var st relayState
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&st); err != nil {
		return ferr.Wrap(ferr.KindResource, err)
	}
	e.relayed = st.Relayed
	e.pending = st.Pending
	return nil
}

// Relayed reports how many messages this instance has forwarded,
// exposed for tests and diagnostics.
func (e *RelayEngine) Relayed() uint64 { return e.relayed }
