package wire_test

import (
	"testing"

	"github.com/dvbridge/adbd/wire"
)

func TestPoolRespectsFrameMax(t *testing.T) {
	kicked := 0
	pool := wire.NewPool(40, 1024, 2, func() { kicked++ })

	p1, ok := pool.Get(false)
	if !ok {
		t.Fatal("first allocation should succeed")
	}
	p2, ok := pool.Get(false)
	if !ok {
		t.Fatal("second allocation should succeed")
	}
	if _, ok := pool.Get(false); ok {
		t.Fatal("third allocation must fail once FRAME_MAX=2 is reached")
	}
	if pool.InFlight() != 2 {
		t.Fatalf("in-flight = %d, want 2", pool.InFlight())
	}

	p1.Release()
	if kicked != 1 {
		t.Fatalf("release from saturation must kick exactly once, got %d", kicked)
	}

	p3, ok := pool.Get(false)
	if !ok {
		t.Fatal("allocation after release should succeed")
	}
	p2.Release()
	p3.Release()
	if pool.InFlight() != 0 {
		t.Fatalf("in-flight = %d, want 0 after releasing everything", pool.InFlight())
	}
	if kicked != 1 {
		t.Fatalf("releases below saturation must not kick again, got %d", kicked)
	}
}

func TestPoolClassSizes(t *testing.T) {
	pool := wire.NewPool(40, 1024, 2, nil)

	small, _ := pool.Get(false)
	if cap(small.Data) != 40 {
		t.Fatalf("post-handshake allocation cap = %d, want 40", cap(small.Data))
	}
	small.Release()

	large, _ := pool.Get(true)
	if cap(large.Data) != 1024 {
		t.Fatalf("pre-handshake allocation cap = %d, want 1024", cap(large.Data))
	}
	large.Release()
}

func TestServiceInitAsyncSentinelIsDistinctFromZero(t *testing.T) {
	if wire.ServiceInitAsync == 0 {
		t.Fatal("ServiceInitAsync must never collide with the zero/no-payload sentinel")
	}
}
