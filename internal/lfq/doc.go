// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package lfq provides bounded FIFO queue implementations.
//
// Two producer/consumer patterns are shipped, matching the two shapes the
// engine runtime's dataflow graph actually needs:
//
//   - SPSC: Single-Producer Single-Consumer, a Lamport ring buffer used for
//     the customer channel's WQ/CQ rings (see internal/shmchan).
//   - MPSC: Multi-Producer Single-Consumer, an FAA-based queue used for the
//     graph's edges (see internal/graph), since AttachAddon/DetachAddon can
//     momentarily leave two producers targeting one edge during a rewire.
//
// # Quick Start
//
//	q := lfq.NewSPSC[Event](1024)
//	q := lfq.NewMPSC[Request](4096)
//
// The Builder API checks the declared constraints against the queue the
// caller asks for, panicking on a mismatch:
//
//	q := lfq.BuildSPSC[Event](lfq.New(1024).SingleProducer().SingleConsumer())
//	q := lfq.BuildMPSC[Event](lfq.New(1024).SingleConsumer())
//
// # Basic Usage
//
// Both queues share the same Enqueue/Dequeue shape:
//
//	q := lfq.NewMPSC[int](1024)
//
//	value := 42
//	err := q.Enqueue(&value)
//	if lfq.IsWouldBlock(err) {
//	    // Queue is full - handle backpressure
//	}
//
//	elem, err := q.Dequeue()
//	if lfq.IsWouldBlock(err) {
//	    // Queue is empty - try again later
//	}
//
// # Error Handling
//
// Queues return [ErrWouldBlock] when operations cannot proceed. This error
// is sourced from [code.hybscloud.com/iox] for ecosystem consistency.
//
//	backoff := iox.Backoff{}
//	for {
//	    err := q.Enqueue(&item)
//	    if err == nil {
//	        backoff.Reset()
//	        break
//	    }
//	    if !lfq.IsWouldBlock(err) {
//	        return err // Unexpected error
//	    }
//	    backoff.Wait()
//	}
//
// # Capacity
//
// Capacity rounds up to the next power of 2; minimum capacity is 2.
// Length is intentionally not provided because accurate counts in
// lock-free algorithms require expensive cross-core synchronization.
//
// # Graceful Shutdown
//
// MPSC implements the [Drainer] interface: Drain records that producers are
// done. MPSC's Dequeue does not consult it; it returns every published
// element whether or not Drain was called:
//
//	prodWg.Wait()
//	if d, ok := q.(lfq.Drainer); ok {
//	    d.Drain()
//	}
//
// SPSC does not implement Drainer.
//
// # Dependencies
//
// This package uses [code.hybscloud.com/iox] for semantic errors,
// [code.hybscloud.com/atomix] for atomic primitives with explicit
// memory ordering, and [code.hybscloud.com/spin] for CPU pause instructions.
package lfq
