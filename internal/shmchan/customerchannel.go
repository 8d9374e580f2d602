package shmchan

import (
	"github.com/flowmesh/enginerpc/internal/ferr"
	"github.com/flowmesh/enginerpc/internal/lfq"
)

// WorkRequest is one fixed-size WQ slot: an application call or reply,
// referencing its variable-length payload by shm offset rather than
// carrying it inline.
type WorkRequest struct {
	ConnID  uint64
	FuncID  uint32
	CallID  uint64
	Len     uint32
	IsReply bool
	ShmPtr  uintptr
}

// Completion is one fixed-size CQ slot, the daemon→app counterpart of
// WorkRequest.
type Completion struct {
	ConnID uint64
	CallID uint64
	Len    uint32
	ShmPtr uintptr
	Err    *ferr.Error
}

// CustomerChannel is the per-subscription pair described by spec.md's
// CustomerChannel: a work queue (app→daemon) and completion queue
// (daemon→app), both single-producer single-consumer. The underlying
// ring algorithm is lfq's SPSC (cached head/tail, power-of-two capacity)
// — the same structure a memfd-backed cross-process ring would use,
// with the daemon and application here sharing one process's address
// space rather than two mapped memfds, since the customer side of this
// module runs in-process against the head engine rather than across a
// real fork boundary.
type CustomerChannel struct {
	wq *lfq.SPSC[WorkRequest]
	cq *lfq.SPSC[Completion]
}

// NewCustomerChannel creates a channel with the given WQ/CQ slot
// capacities (rounded up to a power of two by the underlying ring),
// matching the capacities negotiated during ConnectEngine.
func NewCustomerChannel(wqCap, cqCap int) *CustomerChannel {
	return &CustomerChannel{
		wq: lfq.NewSPSC[WorkRequest](wqCap),
		cq: lfq.NewSPSC[Completion](cqCap),
	}
}

// Cap reports the WQ's negotiated capacity (rounded up to a power of two).
func (c *CustomerChannel) Cap() int { return c.wq.Cap() }

// CQCap reports the CQ's negotiated capacity.
func (c *CustomerChannel) CQCap() int { return c.cq.Cap() }

// SendWork is the application side's WQ producer call.
func (c *CustomerChannel) SendWork(req WorkRequest) error {
	if err := c.wq.Enqueue(&req); err != nil {
		if ferr.IsWouldBlock(err) {
			return err
		}
		return ferr.Wrap(ferr.KindShmRingbuf, err)
	}
	return nil
}

// RecvWork is the head engine's WQ consumer call, invoked once per
// resume step; ErrWouldBlock means the ring is empty, not a failure.
func (c *CustomerChannel) RecvWork() (WorkRequest, error) {
	req, err := c.wq.Dequeue()
	if err != nil {
		return WorkRequest{}, err
	}
	return req, nil
}

// SendCompletion is the head engine's CQ producer call. A full CQ
// returns ErrWouldBlock; the head engine keeps such a completion and
// retries it on its next resume call rather than dropping it.
func (c *CustomerChannel) SendCompletion(comp Completion) error {
	if err := c.cq.Enqueue(&comp); err != nil {
		if ferr.IsWouldBlock(err) {
			return err
		}
		return ferr.Wrap(ferr.KindShmRingbuf, err)
	}
	return nil
}

// RecvCompletion is the application side's CQ consumer call.
func (c *CustomerChannel) RecvCompletion() (Completion, error) {
	comp, err := c.cq.Dequeue()
	if err != nil {
		return Completion{}, err
	}
	return comp, nil
}

// EnqueueWork is the batch-span producer path used by a load generator
// or a zero-copy application stub that fills several slots per syscall.
func (c *CustomerChannel) EnqueueWork(max int, fn func(window []WorkRequest) int) (int, error) {
	return c.wq.EnqueueWith(max, fn)
}

// DequeueWork is the head engine's batch-span consumer path.
func (c *CustomerChannel) DequeueWork(max int, fn func(window []WorkRequest) int) (int, error) {
	return c.wq.DequeueWith(max, fn)
}
