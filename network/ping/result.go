package ping

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Statistics accumulates the outcome of a series of pings to one host. It
// is safe for concurrent use.
type Statistics struct {
	mu sync.Mutex

	Host        string
	transmitted int
	received    int
	errors      int
	min         time.Duration
	max         time.Duration

	// running mean and sum of squared deviations, in milliseconds
	oldMean float64
	m2      float64
}

func NewStatistics(host string) *Statistics {
	return &Statistics{Host: host}
}

// Add records one request and its outcome. A nil reply with a nil error is
// counted as a transmitted request that was never answered.
func (s *Statistics) Add(r *Reply, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transmitted++
	if err != nil || r == nil {
		if err != nil {
			s.errors++
		}
		return
	}
	elapsed := float64(r.RTT) / float64(time.Millisecond)
	if s.received == 0 {
		s.oldMean = elapsed
		s.min, s.max = r.RTT, r.RTT
	} else {
		newMean := s.oldMean + (elapsed-s.oldMean)/(float64(s.received)+1)
		s.m2 += (elapsed - s.oldMean) * (elapsed - newMean)
		s.oldMean = newMean
		if r.RTT < s.min {
			s.min = r.RTT
		}
		if r.RTT > s.max {
			s.max = r.RTT
		}
	}
	s.received++
}

func (s *Statistics) Transmitted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transmitted
}

func (s *Statistics) Received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

func (s *Statistics) Errors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errors
}

// Loss is the percentage of transmitted requests that got no reply.
func (s *Statistics) Loss() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loss()
}

func (s *Statistics) loss() float64 {
	if s.transmitted == 0 {
		return 0
	}
	return float64((s.transmitted-s.received)*100) / float64(s.transmitted)
}

func (s *Statistics) Min() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.min
}

func (s *Statistics) Max() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.max
}

func (s *Statistics) Avg() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.avg()
}

func (s *Statistics) avg() time.Duration {
	if s.received == 0 {
		return 0
	}
	return time.Duration(s.oldMean * float64(time.Millisecond))
}

// StdDev is the population standard deviation of the round-trip times.
func (s *Statistics) StdDev() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stdDev()
}

func (s *Statistics) stdDev() time.Duration {
	if s.received <= 0 {
		return 0
	}
	return time.Duration(math.Sqrt(s.m2/float64(s.received)) * float64(time.Millisecond))
}

func (s *Statistics) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rt string
	if s.received > 0 {
		rt = fmt.Sprintf("\nround-trip min/avg/max/stddev = %.3f/%.3f/%.3f/%.3f ms",
			ms(s.min), ms(s.avg()), ms(s.max), ms(s.stdDev()))
	}
	var errs string
	if s.errors > 0 {
		errs = fmt.Sprintf(", %d errors", s.errors)
	}
	return fmt.Sprintf("--- %s ping statistics ---\n%d packets transmitted, %d packets received%s, %.1f%% packet loss%s",
		s.Host, s.transmitted, s.received, errs, s.loss(), rt)
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
