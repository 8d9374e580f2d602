// Package shmchan implements the shared-memory IPC channel between the
// daemon and an application process: memfd-backed memory regions for
// RPC payload bytes, the work/completion SPSC rings that connect a
// subscription's customer to its head engine, and the unix-domain
// control socket used for command framing and file-descriptor passing.
package shmchan

import (
	"fmt"
	"sync"

	"github.com/flowmesh/enginerpc/internal/ferr"
	"golang.org/x/sys/unix"
)

// MemoryRegion is a memfd-backed byte range mapped writable in the
// daemon and handed to the application by passing the memfd over the
// control socket's ancillary data, so both sides map the same physical
// pages at (possibly different) virtual addresses.
type MemoryRegion struct {
	mu       sync.Mutex
	fd       int
	bytes    []byte
	refs     int
	released bool
}

// CreateMemoryRegion allocates a new anonymous memfd of the given size
// and maps it writable and shared in this process.
func CreateMemoryRegion(name string, size int) (*MemoryRegion, error) {
	if size <= 0 {
		return nil, ferr.New(ferr.KindShmIpc, "shmchan: region size must be positive, got %d", size)
	}
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, ferr.Wrap(ferr.KindShmIpc, fmt.Errorf("memfd_create: %w", err))
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Close(fd)
		return nil, ferr.Wrap(ferr.KindShmIpc, fmt.Errorf("ftruncate: %w", err))
	}
	b, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, ferr.Wrap(ferr.KindShmIpc, fmt.Errorf("mmap: %w", err))
	}
	return &MemoryRegion{fd: fd, bytes: b, refs: 1}, nil
}

// Fd returns the memfd to pass over the control socket's SCM_RIGHTS
// ancillary data so the peer can map the same region.
func (r *MemoryRegion) Fd() int { return r.fd }

// Bytes exposes the mapped region for the daemon's own dereferencing of
// shm-relative pointers (e.g. building a View over an ErasedMsg).
func (r *MemoryRegion) Bytes() []byte { return r.bytes }

// Len returns the region size in bytes.
func (r *MemoryRegion) Len() int { return len(r.bytes) }

// Retain adds a strong reference, taken once per subscription that adds
// this MR to its AddressMap. An MR is only unmapped once every
// subscription referencing it has released its reference.
func (r *MemoryRegion) Retain() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs++
}

// Release drops a strong reference, unmapping and closing the memfd
// once the count reaches zero.
func (r *MemoryRegion) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return nil
	}
	r.refs--
	if r.refs > 0 {
		return nil
	}
	r.released = true
	if err := unix.Munmap(r.bytes); err != nil {
		return ferr.Wrap(ferr.KindShmIpc, err)
	}
	return unix.Close(r.fd)
}
