package shmchan_test

import (
	"testing"

	"github.com/flowmesh/enginerpc/internal/shmchan"
)

func TestCustomerChannelRoundTrip(t *testing.T) {
	ch := shmchan.NewCustomerChannel(16, 16)

	if err := ch.SendWork(shmchan.WorkRequest{ConnID: 1, FuncID: 7, CallID: 42}); err != nil {
		t.Fatalf("SendWork: %v", err)
	}
	req, err := ch.RecvWork()
	if err != nil {
		t.Fatalf("RecvWork: %v", err)
	}
	if req.CallID != 42 || req.FuncID != 7 {
		t.Fatalf("unexpected work request: %+v", req)
	}

	if err := ch.SendCompletion(shmchan.Completion{ConnID: 1, CallID: 42}); err != nil {
		t.Fatalf("SendCompletion: %v", err)
	}
	comp, err := ch.RecvCompletion()
	if err != nil {
		t.Fatalf("RecvCompletion: %v", err)
	}
	if comp.CallID != 42 {
		t.Fatalf("unexpected completion: %+v", comp)
	}
}

func TestCustomerChannelRecvWorkEmptyIsWouldBlock(t *testing.T) {
	ch := shmchan.NewCustomerChannel(4, 4)
	if _, err := ch.RecvWork(); err == nil {
		t.Fatal("expected ErrWouldBlock on an empty WQ")
	}
}

func TestCustomerChannelBatchEnqueueDequeue(t *testing.T) {
	ch := shmchan.NewCustomerChannel(16, 16)

	n, err := ch.EnqueueWork(4, func(window []shmchan.WorkRequest) int {
		for i := range window {
			window[i] = shmchan.WorkRequest{CallID: uint64(i)}
		}
		return len(window)
	})
	if err != nil {
		t.Fatalf("EnqueueWork: %v", err)
	}
	if n == 0 {
		t.Fatal("expected EnqueueWork to claim at least one slot")
	}

	got := 0
	_, err = ch.DequeueWork(n, func(window []shmchan.WorkRequest) int {
		got = len(window)
		return len(window)
	})
	if err != nil {
		t.Fatalf("DequeueWork: %v", err)
	}
	if got != n {
		t.Fatalf("expected to dequeue %d, got %d", n, got)
	}
}
