// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package lfq_test

import (
	"testing"

	"github.com/flowmesh/enginerpc/internal/lfq"
)

func TestSPSCBasic(t *testing.T) {
	q := lfq.NewSPSC[int](4)

	for i := 0; i < 4; i++ {
		v := i
		if err := q.Enqueue(&v); err != nil {
			t.Fatalf("Enqueue(%d): %v", i, err)
		}
	}
	v := 99
	if err := q.Enqueue(&v); !lfq.IsWouldBlock(err) {
		t.Fatalf("expected ErrWouldBlock on a full queue, got %v", err)
	}

	for i := 0; i < 4; i++ {
		got, err := q.Dequeue()
		if err != nil {
			t.Fatalf("Dequeue(%d): %v", i, err)
		}
		if got != i {
			t.Fatalf("Dequeue(%d) = %d, want %d", i, got, i)
		}
	}
	if _, err := q.Dequeue(); !lfq.IsWouldBlock(err) {
		t.Fatalf("expected ErrWouldBlock on an empty queue, got %v", err)
	}
}

func TestMPSCBasic(t *testing.T) {
	q := lfq.NewMPSC[int](8)

	for i := 0; i < 5; i++ {
		v := i
		if err := q.Enqueue(&v); err != nil {
			t.Fatalf("Enqueue(%d): %v", i, err)
		}
	}
	for i := 0; i < 5; i++ {
		got, err := q.Dequeue()
		if err != nil {
			t.Fatalf("Dequeue(%d): %v", i, err)
		}
		if got != i {
			t.Fatalf("Dequeue(%d) = %d, want %d", i, got, i)
		}
	}
}

func TestMPSCDrainAllowsDequeueAfterProducersStop(t *testing.T) {
	q := lfq.NewMPSC[int](4)
	v := 1
	if err := q.Enqueue(&v); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	q.Drain()
	if _, err := q.Dequeue(); err != nil {
		t.Fatalf("Dequeue after Drain: %v", err)
	}
}

func TestBuildersEnforceConstraints(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected BuildSPSC without SingleProducer/SingleConsumer to panic")
		}
	}()
	lfq.BuildSPSC[int](lfq.New(4))
}
