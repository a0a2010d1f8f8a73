package icmp

import (
	"errors"
	"github.com/neo-hu/ping-mux/network"
	"net/netip"
	"sync"
	"testing"
	"time"
)

var testAddr = netip.MustParseAddr("192.0.2.9")

func TestPoolApplyDuplicate(t *testing.T) {
	s := NewPool()
	key := Key{Addr: testAddr, ID: 1, Seq: 1}
	w, err := s.Apply(key)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Apply(key); !errors.Is(err, network.ErrDuplicateSequence) {
		t.Fatalf("second Apply: %v", err)
	}
	if got := s.Free(key); got != w {
		t.Fatalf("duplicate Apply replaced the original waiter")
	}
	// free again: already resolved
	if got := s.Free(key); got != nil {
		t.Fatalf("second Free returned %v", got)
	}
	if _, err := s.Apply(key); err != nil {
		t.Fatalf("Apply after Free: %v", err)
	}
}

func TestPoolDeliver(t *testing.T) {
	s := NewPool()
	key := Key{Addr: testAddr, ID: 3, Seq: 4}
	w, _ := s.Apply(key)
	p := &Packet{ID: 3, Seq: 4}
	s.Free(key).Deliver(p, w.Sent().Add(5*time.Millisecond))
	r := <-w.Done()
	if r.Err != nil || r.Packet != p || r.Elapsed != 5*time.Millisecond {
		t.Fatalf("unexpected result %+v", r)
	}
	if s.Len() != 0 {
		t.Fatalf("pool not empty: %d", s.Len())
	}
}

func TestPoolCancel(t *testing.T) {
	s := NewPool()
	key := Key{Addr: testAddr, ID: 1, Seq: 2}
	w1, _ := s.Apply(key)
	if !s.Cancel(w1) {
		t.Fatal("Cancel of a live waiter returned false")
	}
	if s.Cancel(w1) {
		t.Fatal("second Cancel returned true")
	}
	w2, err := s.Apply(key)
	if err != nil {
		t.Fatal(err)
	}
	// a stale cancel must not remove the newer waiter
	if s.Cancel(w1) || s.Len() != 1 {
		t.Fatalf("stale Cancel removed %v", w2)
	}
	if s.Free(key) != w2 {
		t.Fatal("Free did not return the newer waiter")
	}
	if s.Cancel(w2) {
		t.Fatal("Cancel after Free returned true")
	}
}

func TestPoolShutdown(t *testing.T) {
	s := NewPool()
	var ws []*Waiter
	for i := 0; i < 5; i++ {
		w, _ := s.Apply(Key{Addr: testAddr, ID: 9, Seq: uint16(i)})
		ws = append(ws, w)
	}
	closed := errors.New("closed")
	if n := s.Shutdown(closed); n != 5 {
		t.Fatalf("Shutdown failed %d waiters, want 5", n)
	}
	for _, w := range ws {
		if r := <-w.Done(); !errors.Is(r.Err, closed) {
			t.Fatalf("%v: %v", w, r.Err)
		}
	}
	if _, err := s.Apply(Key{Addr: testAddr}); !errors.Is(err, closed) {
		t.Fatalf("Apply after Shutdown: %v", err)
	}
	if n := s.Shutdown(errors.New("again")); n != 0 {
		t.Fatalf("second Shutdown failed %d", n)
	}
}

func TestPoolConcurrent(t *testing.T) {
	s := NewPool()
	const n = 200
	ws := make([]*Waiter, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w, err := s.Apply(Key{Addr: testAddr, ID: uint16(i % 4), Seq: uint16(i)})
			if err != nil {
				t.Error(err)
				return
			}
			ws[i] = w
		}(i)
	}
	wg.Wait()

	// replies arrive in reverse order, plus a duplicate of each
	for i := n - 1; i >= 0; i-- {
		key := Key{Addr: testAddr, ID: uint16(i % 4), Seq: uint16(i)}
		for dup := 0; dup < 2; dup++ {
			if w := s.Free(key); w != nil {
				w.Deliver(&Packet{ID: key.ID, Seq: key.Seq}, time.Now())
			}
		}
	}
	for i, w := range ws {
		r := <-w.Done()
		if r.Packet.Seq != uint16(i) || r.Packet.ID != uint16(i%4) {
			t.Fatalf("waiter %d got %v", i, r.Packet)
		}
		select {
		case r := <-w.Done():
			t.Fatalf("waiter %d delivered twice: %+v", i, r)
		default:
		}
	}
	if s.Len() != 0 {
		t.Fatalf("pool not empty: %d", s.Len())
	}
}
