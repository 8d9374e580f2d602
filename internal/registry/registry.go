// Package registry tracks loaded plugin artifacts — Modules (engine-type
// providers) and Addons (hot-insertable engines) — their versions, and
// the reference counts that decide when an artifact can be unloaded.
//
// Native dlopen-style loading is out of scope per spec.md's "Plugin
// loading" non-goal; this package's Loader instead sandboxes a plugin
// artifact as a WASM module via wazero, the Go-idiomatic substitute for
// dynamically linking foreign code into the daemon's process.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/flowmesh/enginerpc/internal/engine"
	"github.com/flowmesh/enginerpc/internal/ferr"
	"github.com/flowmesh/enginerpc/internal/graph"
	"github.com/tetratelabs/wazero"
)

// Kind distinguishes the two plugin shapes spec.md's PluginDescriptor
// can describe.
type Kind int

const (
	// KindModule contributes one or more engine types a subscription's
	// graph is built from.
	KindModule Kind = iota
	// KindAddon is a single engine type that can be hot-inserted into or
	// removed from an existing subscription's graph.
	KindAddon
)

func (k Kind) String() string {
	if k == KindModule {
		return "module"
	}
	return "addon"
}

// Descriptor is spec.md's PluginDescriptor: {name, lib_path,
// config_path|config_string}, plus the kind and version a loaded
// artifact reports once its init entry point has run.
type Descriptor struct {
	Name       string
	Kind       Kind
	Version    *semver.Version
	EngineTypes []string
}

// EngineConstructor builds a fresh engine instance of one of a module's
// declared types, given the plugin's opaque per-instance config bytes and
// the subscription graph it will be wired into. Graph-participating addon
// engines need g to resolve their own Send/TryRecv edges at construction
// time; engines that don't touch the graph (e.g. a pure sink) may ignore it.
type EngineConstructor func(id engine.Id, config []byte, g *graph.Graph) (engine.Engine, error)

// artifact is one loaded plugin: its WASM module compiled in a
// shared runtime, its descriptor, and the live-engine refcount that
// gates unloading.
type artifact struct {
	desc         Descriptor
	mod          wazero.CompiledModule
	constructors map[string]EngineConstructor
	refs         int
}

// Registry is the process-wide plugin table. Multiple versions of the
// same plugin name may be registered simultaneously during an Upgrade,
// keyed by (name, version).
type Registry struct {
	mu        sync.Mutex
	rt        wazero.Runtime
	artifacts map[string]*artifact // key: name@version
}

// New creates an empty registry backed by a fresh wazero runtime.
func New(ctx context.Context) *Registry {
	return &Registry{
		rt:        wazero.NewRuntime(ctx),
		artifacts: make(map[string]*artifact),
	}
}

func key(name string, v *semver.Version) string {
	return fmt.Sprintf("%s@%s", name, v.String())
}

// Load compiles wasmBytes (already read by the
// caller — this package has no opinion on artifact discovery, left to
// the out-of-scope plugin-loading collaborator) and registers it under
// desc, with zero references. Loading the same (name, version) twice
// returns the existing artifact instead of recompiling.
func (r *Registry) Load(ctx context.Context, desc Descriptor, wasmBytes []byte, constructors map[string]EngineConstructor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key(desc.Name, desc.Version)
	if _, ok := r.artifacts[k]; ok {
		return nil
	}
	mod, err := r.rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		return ferr.Wrap(ferr.KindResource, fmt.Errorf("compile plugin %s: %w", desc.Name, err))
	}
	r.artifacts[k] = &artifact{desc: desc, mod: mod, constructors: constructors}
	return nil
}

// NewEngine instantiates engineType from the (name, version) artifact,
// incrementing its reference count. The caller must call Release with
// the same (name, version) once the resulting engine is torn down.
func (r *Registry) NewEngine(name string, v *semver.Version, engineType string, id engine.Id, config []byte, g *graph.Graph) (engine.Engine, error) {
	r.mu.Lock()
	a, ok := r.artifacts[key(name, v)]
	if !ok {
		r.mu.Unlock()
		return nil, ferr.New(ferr.KindResource, "registry: plugin %s@%s not loaded", name, v)
	}
	ctor, ok := a.constructors[engineType]
	if !ok {
		r.mu.Unlock()
		return nil, ferr.New(ferr.KindResource, "registry: plugin %s has no engine type %q", name, engineType)
	}
	a.refs++
	r.mu.Unlock()

	eng, err := ctor(id, config, g)
	if err != nil {
		r.Release(name, v)
		return nil, err
	}
	return eng, nil
}

// Release drops one reference on the (name, version) artifact, unloading
// it from the wazero runtime once the count reaches zero.
func (r *Registry) Release(name string, v *semver.Version) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.artifacts[key(name, v)]
	if !ok {
		return
	}
	a.refs--
	if a.refs > 0 {
		return
	}
	delete(r.artifacts, key(name, v))
	_ = a.mod.Close(context.Background())
}

// RefCount reports the live-engine reference count for (name, version).
func (r *Registry) RefCount(name string, v *semver.Version) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.artifacts[key(name, v)]; ok {
		return a.refs
	}
	return 0
}

// Descriptor returns the descriptor of a loaded (name, version) artifact.
func (r *Registry) Descriptor(name string, v *semver.Version) (Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.artifacts[key(name, v)]
	if !ok {
		return Descriptor{}, false
	}
	return a.desc, true
}

// CheckCompatible reports whether state dumped by a dist version v1 can
// be restored by an instance running v2, per spec.md's check_compatible
// predicate: compatible iff neither side has bumped the major version,
// matching semver's meaning of a breaking change.
func CheckCompatible(v1, v2 *semver.Version) bool {
	if v1 == nil || v2 == nil {
		return false
	}
	return v1.Major() == v2.Major()
}

// Close releases the underlying wazero runtime and every compiled
// module still registered.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, a := range r.artifacts {
		_ = a.mod.Close(ctx)
		delete(r.artifacts, k)
	}
	return r.rt.Close(ctx)
}
