package main

import (
	"container/heap"
	"fmt"
	"github.com/neo-hu/ping-mux/network/ping"
	"net/netip"
	"time"
)

type target struct {
	host   string
	addr   netip.Addr
	pinger *ping.Pinger
	stats  *ping.Statistics

	count  int // 0 for unlimited
	sent   int
	evTime time.Time
	index  int
}

func (t *target) String() string {
	return fmt.Sprintf("<target %s[%d], send:%d>", t.host, t.index, t.sent)
}

func (t *target) done() bool {
	return t.count > 0 && t.sent >= t.count
}

// schedule orders targets by the time their next request is due.
type schedule []*target

func newSchedule(ts []*target, start time.Time) *schedule {
	s := make(schedule, 0, len(ts))
	for _, t := range ts {
		t.evTime = start
		s = append(s, t)
	}
	heap.Init(&s)
	return &s
}

func (s *schedule) Push(x interface{}) {
	n := len(*s)
	item := x.(*target)
	item.index = n
	*s = append(*s, item)
}

func (s *schedule) Peek() *target {
	if len(*s) == 0 {
		return nil
	}
	return (*s)[0]
}

func (s *schedule) Pop() interface{} {
	old := *s
	n := len(old)
	item := old[n-1]
	item.index = -1
	*s = old[0 : n-1]
	return item
}

func (s *schedule) Len() int { return len(*s) }

func (s *schedule) Less(i, j int) bool {
	return (*s)[i].evTime.Before((*s)[j].evTime)
}

func (s *schedule) Swap(i, j int) {
	(*s)[i], (*s)[j] = (*s)[j], (*s)[i]
	(*s)[i].index = i
	(*s)[j].index = j
}

// next pops the target that is due first, counts a request for it and puts
// it back for its following request unless it has sent them all. It
// returns the target and the sequence number to use.
func (s *schedule) next(interval time.Duration, now time.Time) (*target, uint16) {
	t := heap.Pop(s).(*target)
	seq := uint16(t.sent)
	t.sent++
	if !t.done() {
		t.evTime = now.Add(interval)
		heap.Push(s, t)
	}
	return t, seq
}
