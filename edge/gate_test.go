package edge

import (
	"sync"
	"testing"
)

func gateWithLimit(n int) *Gate {
	pol := DefaultPolicy()
	pol.MaxConnectionsPerIP = n
	return NewGate(NewPolicyHolder(pol))
}

func TestGateLimitBoundary(t *testing.T) {
	g := gateWithLimit(3)
	ip := "10.0.0.5"

	for i := 1; i <= 3; i++ {
		n, ok := g.Acquire(ip)
		if !ok {
			t.Fatalf("acquire %d rejected, want accepted", i)
		}
		if n != int32(i) {
			t.Errorf("acquire %d count = %d, want %d", i, n, i)
		}
	}

	// The (limit+1)-th connection is rejected and the count rolled back.
	if n, ok := g.Acquire(ip); ok {
		t.Fatalf("acquire 4 accepted with count %d, want rejected", n)
	}
	if got := g.Count(ip); got != 3 {
		t.Errorf("count after rejected acquire = %d, want 3", got)
	}

	// Releasing one slot lets the next client in.
	g.Release(ip)
	if _, ok := g.Acquire(ip); !ok {
		t.Error("acquire after release rejected, want accepted")
	}
}

func TestGateRemovesRecordAtZero(t *testing.T) {
	g := gateWithLimit(3)
	ip := "192.168.1.9"

	g.Acquire(ip)
	g.Acquire(ip)
	g.Release(ip)
	g.Release(ip)

	if got := g.Count(ip); got != 0 {
		t.Errorf("count = %d, want 0", got)
	}
	c := g.Counters()
	if c["tracked_ips"] != 0 {
		t.Errorf("tracked_ips = %d, want 0 (record removed at zero)", c["tracked_ips"])
	}
}

func TestGateReleaseUnknownKeyHarmless(t *testing.T) {
	g := gateWithLimit(3)
	g.Release("1.2.3.4")
	if got := g.Count("1.2.3.4"); got != 0 {
		t.Errorf("count = %d, want 0", got)
	}
}

func TestGateUnknownBucket(t *testing.T) {
	g := gateWithLimit(2)

	if _, ok := g.Acquire(""); !ok {
		t.Fatal("first anonymous connection rejected")
	}
	if _, ok := g.Acquire(""); !ok {
		t.Fatal("second anonymous connection rejected")
	}
	if _, ok := g.Acquire(""); ok {
		t.Error("anonymous connections bypass the limit")
	}
	if got := g.Count(UnknownBucket); got != 2 {
		t.Errorf("unknown bucket count = %d, want 2", got)
	}
}

func TestGateConcurrentAcquireRelease(t *testing.T) {
	g := gateWithLimit(8)
	ip := "10.1.1.1"

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if _, ok := g.Acquire(ip); ok {
					g.Release(ip)
				}
			}
		}()
	}
	wg.Wait()

	if got := g.Count(ip); got != 0 {
		t.Errorf("count after balanced acquire/release = %d, want 0", got)
	}
}
