// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package lfq

// Options configures queue creation and algorithm selection.
type Options struct {
	// Producer/Consumer constraints (determines queue type)
	singleProducer bool
	singleConsumer bool

	// Capacity (rounds up to next power of 2)
	capacity int
}

// Builder creates queues with fluent configuration.
//
// Builder provides a fluent API for configuring and creating queues.
// The caller picks the algorithm with BuildSPSC or BuildMPSC, which
// panic when the declared producer/consumer constraints do not match it.
//
// Example:
//
//	// SPSC queue (optimal for single producer/consumer)
//	q := lfq.BuildSPSC[Event](lfq.New(1024).SingleProducer().SingleConsumer())
//
//	// MPSC queue (many producers, one consumer)
//	q := lfq.BuildMPSC[Request](lfq.New(4096).SingleConsumer())
type Builder struct {
	opts Options
}

// New creates a queue builder with the given capacity.
//
// Capacity rounds up to the next power of 2.
// For example, capacity=4 results in actual capacity=4, capacity=1000 results
// in actual capacity=1024.
//
// Panics if capacity < 2.
//
// Example:
//
//	// Create builder, then configure and build
//	b := lfq.New(1024)
//	q := lfq.BuildSPSC[int](b.SingleProducer().SingleConsumer())
//
//	// Or chain directly
//	q := lfq.BuildMPSC[int](lfq.New(1024).SingleConsumer())
func New(capacity int) *Builder {
	if capacity < 2 {
		panic("lfq: capacity must be >= 2")
	}
	return &Builder{opts: Options{capacity: capacity}}
}

// SingleProducer declares that only one goroutine will enqueue.
// Enables the SPSC algorithm when paired with SingleConsumer.
func (b *Builder) SingleProducer() *Builder {
	b.opts.singleProducer = true
	return b
}

// SingleConsumer declares that only one goroutine will dequeue.
// Enables optimized algorithms for SPSC or MPSC patterns.
func (b *Builder) SingleConsumer() *Builder {
	b.opts.singleConsumer = true
	return b
}

// BuildSPSC creates an SPSC queue with compile-time type safety.
// Panics if builder is not configured with SingleProducer().SingleConsumer().
func BuildSPSC[T any](b *Builder) *SPSC[T] {
	if !b.opts.singleProducer || !b.opts.singleConsumer {
		panic("lfq: BuildSPSC requires SingleProducer().SingleConsumer()")
	}
	return NewSPSC[T](b.opts.capacity)
}

// BuildMPSC creates an MPSC queue with compile-time type safety.
// Panics if builder is not configured with SingleConsumer() only.
func BuildMPSC[T any](b *Builder) *MPSC[T] {
	if b.opts.singleProducer || !b.opts.singleConsumer {
		panic("lfq: BuildMPSC requires SingleConsumer() without SingleProducer()")
	}
	return NewMPSC[T](b.opts.capacity)
}

// roundToPow2 rounds n up to the next power of 2.
func roundToPow2(n int) int {
	if n < 2 {
		return 2
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}

// pad is cache line padding to prevent false sharing.
type pad [64]byte

// padShort is padding to fill cache line after 8-byte field.
type padShort [64 - 8]byte
