// Package marshal implements address translation between the daemon's
// and an application's views of shared memory, and the func_id-keyed
// registry of typed message views that reinterpret shared-memory bytes
// without copying.
package marshal

import (
	"fmt"
	"sort"
	"sync"

	"github.com/flowmesh/enginerpc/internal/ferr"
)

// MsgType discriminates a message's direction on the datapath.
type MsgType int

const (
	Request MsgType = iota
	Response
)

func (t MsgType) String() string {
	if t == Request {
		return "request"
	}
	return "response"
}

// MessageMeta is the fixed set of accessors every typed message
// exposes, used to build a Completion without needing the concrete
// Go type once the message has been classified by func_id.
type MessageMeta struct {
	ConnID  uint64
	FuncID  uint32
	CallID  uint64
	Len     uint32
	MsgType MsgType
}

// Region is one shared memory region (MR) as seen from one side —
// the daemon's own mapping, or a record of the peer's mapping of the
// same bytes, depending on which AddressMap it's registered in.
type Region struct {
	Base uint64 // virtual address of byte 0 in this view
	Len  uint64 // region length in bytes
}

func (r Region) contains(addr uint64) bool {
	return addr >= r.Base && addr-r.Base < r.Len
}

// mrEntry pairs a region in the local view with the corresponding
// region in the peer's view, so translation is a single subtraction
// plus addition once the enclosing MR is found.
type mrEntry struct {
	local Region
	peer  Region
}

// AddressMap is the per-subscription structure translating pointers
// between the daemon's and the application's views of every MR that
// subscription has mapped. Entries are kept sorted by local base so
// lookups are O(log n) via binary search, per spec.md §3.
type AddressMap struct {
	mu      sync.RWMutex
	entries []mrEntry // sorted by entries[i].local.Base
}

// NewAddressMap creates an empty per-subscription address map.
func NewAddressMap() *AddressMap {
	return &AddressMap{}
}

// Insert records that a local region [localBase, localBase+len) is the
// same bytes as the peer's region starting at peerBase. This is what
// NewMappedAddrs populates per incoming (local_addr, app_addr, len)
// tuple.
func (m *AddressMap) Insert(localBase, peerBase, length uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := mrEntry{
		local: Region{Base: localBase, Len: length},
		peer:  Region{Base: peerBase, Len: length},
	}
	i := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].local.Base >= localBase })
	m.entries = append(m.entries, mrEntry{})
	copy(m.entries[i+1:], m.entries[i:])
	m.entries[i] = e
}

// lookupLocal finds the entry whose local region contains addr.
func (m *AddressMap) lookupLocal(addr uint64) (mrEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].local.Base+m.entries[i].local.Len > addr })
	if i < len(m.entries) && m.entries[i].local.contains(addr) {
		return m.entries[i], true
	}
	return mrEntry{}, false
}

// lookupPeer finds the entry whose peer region contains addr.
func (m *AddressMap) lookupPeer(addr uint64) (mrEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	// Peer regions aren't kept in a second sorted index; the address
	// space this module manages per subscription has few MRs (heap
	// growth events are rare), so a linear scan here is the pragmatic
	// choice over maintaining two interval trees for a handful of
	// entries. Local lookups (the hot direction, once per message) stay
	// O(log n).
	for _, e := range m.entries {
		if e.peer.contains(addr) {
			return e, true
		}
	}
	return mrEntry{}, false
}

// SwitchAddressSpace translates ptr from the daemon's virtual address
// of a shared-memory byte to the peer application's virtual address,
// or vice versa, by locating the enclosing MR and applying its delta.
// It satisfies switch_address_space ∘ switch_address_space = id within
// one subscription: translating local→peer→local (or peer→local→peer)
// returns the original address.
func (m *AddressMap) SwitchAddressSpace(ptr uint64) (uint64, error) {
	if e, ok := m.lookupLocal(ptr); ok {
		return e.peer.Base + (ptr - e.local.Base), nil
	}
	if e, ok := m.lookupPeer(ptr); ok {
		return e.local.Base + (ptr - e.peer.Base), nil
	}
	return 0, ferr.Generic("marshal: address %#x is not in any registered MR", ptr)
}

// QueryShmOffset returns the byte offset of ptr relative to its
// containing MR's local base, used to construct a relocatable form
// of a pointer that the receiver rebases against its own view.
// query_shm_offset(ptr) + mr_base(peer) = peer_ptr(ptr) holds by
// construction: SwitchAddressSpace computes peer.Base + offset too.
func (m *AddressMap) QueryShmOffset(ptr uint64) (int64, error) {
	e, ok := m.lookupLocal(ptr)
	if !ok {
		return 0, ferr.Generic("marshal: address %#x is not in any registered MR", ptr)
	}
	return int64(ptr - e.local.Base), nil
}

// View reinterprets the raw bytes of an erased message as a concrete
// typed message so the engine can walk its embedded pointers without
// copying the payload.
type View interface {
	// Walk calls visit once per embedded shared-memory pointer the
	// message carries, in a stable order, so marshal can translate
	// each one via an AddressMap.
	Walk(visit func(ptr *uint64)) error
	Meta() MessageMeta
}

// ViewConstructor builds a View over the raw bytes addressed by shmPtr,
// given the already-parsed MessageMeta (func_id selects which concrete
// Go type to reinterpret the bytes as).
type ViewConstructor func(shmPtr uintptr, meta MessageMeta) (View, error)

// Registry maps func_id to the ViewConstructor that knows how to
// reinterpret that RPC method's wire bytes — the runtime's answer to
// "a typed view reinterprets the shared-memory bytes as a concrete
// message" (spec.md §4.E). Real constructors are generated from the
// IDL (spec.md §9); this registry only holds the generated table.
type Registry struct {
	mu    sync.RWMutex
	views map[uint32]ViewConstructor
}

// NewRegistry creates an empty func_id → View registry.
func NewRegistry() *Registry {
	return &Registry{views: make(map[uint32]ViewConstructor)}
}

// Register installs the view constructor for funcID. Registering the
// same funcID twice is a programming error (codegen bug), not a
// runtime condition, so it panics rather than returning an error.
func (r *Registry) Register(funcID uint32, ctor ViewConstructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.views[funcID]; dup {
		panic(fmt.Sprintf("marshal: func_id %d registered twice", funcID))
	}
	r.views[funcID] = ctor
}

// Lookup resolves funcID to its ViewConstructor.
func (r *Registry) Lookup(funcID uint32) (ViewConstructor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctor, ok := r.views[funcID]
	return ctor, ok
}

// Translate walks every embedded pointer in msg through the AddressMap,
// converting each one via SwitchAddressSpace. Any payload byte outside
// a registered MR is a programming error per spec.md §4.E and surfaces
// as ferr.KindGeneric, not a panic — the message came from a peer
// process and cannot be trusted to be well-formed.
func Translate(msg View, am *AddressMap) error {
	var walkErr error
	err := msg.Walk(func(ptr *uint64) {
		if walkErr != nil {
			return
		}
		translated, err := am.SwitchAddressSpace(*ptr)
		if err != nil {
			walkErr = err
			return
		}
		*ptr = translated
	})
	if err != nil {
		return err
	}
	return walkErr
}
