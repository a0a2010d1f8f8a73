package icmp

import (
	"fmt"
	"github.com/neo-hu/ping-mux/network"
	"net/netip"
	"sync"
	"time"
)

// Key identifies one outstanding echo request on a shared socket.
type Key struct {
	Addr netip.Addr
	ID   uint16
	Seq  uint16
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d/%d", k.Addr, k.ID, k.Seq)
}

// Result is what a Waiter receives: the matched packet and the time since
// the request was registered, or the error that ended the wait.
type Result struct {
	Packet  *Packet
	Elapsed time.Duration
	Err     error
}

// Waiter is the pending side of one request. At most one Result is ever
// sent on it.
type Waiter struct {
	key  Key
	sent time.Time
	done chan Result
}

func (w *Waiter) Key() Key { return w.key }

func (w *Waiter) Sent() time.Time { return w.sent }

func (w *Waiter) Done() <-chan Result { return w.done }

func (w *Waiter) String() string {
	return fmt.Sprintf("<waiter %s>", w.key)
}

// Deliver hands p to the waiting request. The caller must own w, i.e. have
// just taken it out of the pool with Free.
func (w *Waiter) Deliver(p *Packet, at time.Time) {
	w.done <- Result{Packet: p, Elapsed: at.Sub(w.sent)}
}

// Fail ends the wait with err. Like Deliver, the caller must own w.
func (w *Waiter) Fail(err error) {
	w.done <- Result{Err: err}
}

// Pool is the registry of outstanding requests shared by every session on
// one socket. Entries leave the pool exactly once, through Free, Cancel or
// Shutdown, and only Free and Shutdown send a Result.
type Pool struct {
	mu      sync.Mutex
	waiters map[Key]*Waiter
	err     error
}

func NewPool() *Pool {
	return &Pool{waiters: map[Key]*Waiter{}}
}

// Apply registers key and stamps it with the current time. A key that is
// still outstanding is refused with network.ErrDuplicateSequence and the
// existing entry is kept.
func (s *Pool) Apply(key Key) (*Waiter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if _, ok := s.waiters[key]; ok {
		return nil, fmt.Errorf("%w: %s", network.ErrDuplicateSequence, key)
	}
	w := &Waiter{key: key, done: make(chan Result, 1), sent: time.Now()}
	s.waiters[key] = w
	return w, nil
}

// Free removes and returns the waiter for key, or nil if nobody is waiting.
func (s *Pool) Free(key Key) *Waiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.waiters[key]
	if ok {
		delete(s.waiters, key)
	}
	return w
}

// Cancel drops w without delivering anything. It is a no-op if w was
// already resolved or cancelled, or if its key now belongs to a newer waiter.
func (s *Pool) Cancel(w *Waiter) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.waiters[w.key]; ok && cur == w {
		delete(s.waiters, w.key)
		return true
	}
	return false
}

// Shutdown fails every outstanding waiter with err and makes later Apply
// calls return err. It returns the number of waiters failed.
func (s *Pool) Shutdown(err error) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
	n := len(s.waiters)
	for key, w := range s.waiters {
		delete(s.waiters, key)
		w.Fail(s.err)
	}
	return n
}

func (s *Pool) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}
