package shmchan_test

import (
	"testing"

	"github.com/flowmesh/enginerpc/internal/shmchan"
)

func TestCreateMemoryRegionIsWritable(t *testing.T) {
	mr, err := shmchan.CreateMemoryRegion("test-mr", 4096)
	if err != nil {
		t.Fatalf("CreateMemoryRegion: %v", err)
	}
	defer mr.Release()

	b := mr.Bytes()
	if len(b) != 4096 {
		t.Fatalf("expected 4096 mapped bytes, got %d", len(b))
	}
	b[0] = 0xAB
	if mr.Bytes()[0] != 0xAB {
		t.Fatal("write through mapped bytes did not persist")
	}
}

func TestMemoryRegionRefCounting(t *testing.T) {
	mr, err := shmchan.CreateMemoryRegion("test-mr-refs", 4096)
	if err != nil {
		t.Fatalf("CreateMemoryRegion: %v", err)
	}
	mr.Retain()

	if err := mr.Release(); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if err := mr.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
}

func TestCreateMemoryRegionRejectsNonPositiveSize(t *testing.T) {
	if _, err := shmchan.CreateMemoryRegion("test-mr-zero", 0); err == nil {
		t.Fatal("expected error for zero-sized region")
	}
}
