// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package lfq_test

import (
	"testing"

	"github.com/flowmesh/enginerpc/internal/lfq"
)

func TestSPSCEnqueueDequeueWith(t *testing.T) {
	q := lfq.NewSPSC[int](8)

	n, err := q.EnqueueWith(4, func(window []int) int {
		for i := range window {
			window[i] = i + 1
		}
		return len(window)
	})
	if err != nil || n != 4 {
		t.Fatalf("EnqueueWith: n=%d err=%v", n, err)
	}

	got := make([]int, 0, 4)
	n, err = q.DequeueWith(8, func(window []int) int {
		got = append(got, window...)
		return len(window)
	})
	if err != nil || n != 4 {
		t.Fatalf("DequeueWith: n=%d err=%v", n, err)
	}
	for i, v := range got {
		if v != i+1 {
			t.Fatalf("got[%d]=%d, want %d", i, v, i+1)
		}
	}

	if _, err := q.DequeueWith(8, func(window []int) int { return 0 }); !lfq.IsWouldBlock(err) {
		t.Fatalf("expected ErrWouldBlock on empty queue, got %v", err)
	}
}

func TestSPSCEnqueueWithPartialConsume(t *testing.T) {
	q := lfq.NewSPSC[int](4)

	n, err := q.EnqueueWith(4, func(window []int) int {
		window[0] = 42
		return 1 // only claim the first slot even though 4 were offered
	})
	if err != nil || n != 1 {
		t.Fatalf("EnqueueWith: n=%d err=%v", n, err)
	}

	v, err := q.Dequeue()
	if err != nil || v != 42 {
		t.Fatalf("Dequeue: v=%d err=%v", v, err)
	}
}
