package ping

import (
	"errors"
	"github.com/neo-hu/ping-mux/network"
	"github.com/neo-hu/ping-mux/pkg/icmp"
	"github.com/prometheus/client_golang/prometheus"
	"strconv"
)

const namespace = "pingmux"

const (
	dropInvalid     = "invalid"
	dropUnsupported = "unsupported"
	dropEchoRequest = "echo_request"
	dropUnmatched   = "unmatched"
)

type metrics struct {
	requests   prometheus.Counter
	replies    prometheus.Counter
	timeouts   prometheus.Counter
	pending    prometheus.Gauge
	icmpErrors *prometheus.CounterVec
	dropped    *prometheus.CounterVec
	rtt        prometheus.Histogram
}

// newMetrics builds the client's collectors. With a nil registerer they
// are still usable but exported nowhere. Clients of the same family on one
// registerer share collectors, so their series add up.
func newMetrics(reg prometheus.Registerer, mode icmp.Mode) (*metrics, error) {
	m := &metrics{
		requests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Echo requests written to the socket",
		}),
		replies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_total",
			Help:      "Echo replies delivered to a waiting request",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timeouts_total",
			Help:      "Requests that saw no reply within their timeout",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Requests waiting for a reply",
		}),
		icmpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "icmp_errors_total",
			Help:      "ICMP error messages delivered to a waiting request, by type",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_packets_total",
			Help:      "Received packets not delivered to any request, by reason",
		}, []string{"reason"}),
		rtt: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rtt_seconds",
			Help:      "Round-trip time of delivered echo replies",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
	}
	if reg == nil {
		return m, nil
	}
	reg = prometheus.WrapRegistererWith(prometheus.Labels{"family": mode.String()}, reg)
	if err := register(reg, &m.requests); err != nil {
		return nil, err
	}
	if err := register(reg, &m.replies); err != nil {
		return nil, err
	}
	if err := register(reg, &m.timeouts); err != nil {
		return nil, err
	}
	if err := register(reg, &m.pending); err != nil {
		return nil, err
	}
	if err := register(reg, &m.icmpErrors); err != nil {
		return nil, err
	}
	if err := register(reg, &m.dropped); err != nil {
		return nil, err
	}
	if err := register(reg, &m.rtt); err != nil {
		return nil, err
	}
	return m, nil
}

// register adds *c to reg, or points *c at the collector already there.
func register[T prometheus.Collector](reg prometheus.Registerer, c *T) error {
	err := reg.Register(*c)
	var are prometheus.AlreadyRegisteredError
	if !errors.As(err, &are) {
		return err
	}
	existing, ok := are.ExistingCollector.(T)
	if !ok {
		return err
	}
	*c = existing
	return nil
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, network.ErrEchoRequest):
		return dropEchoRequest
	case errors.Is(err, network.ErrUnsupportedType):
		return dropUnsupported
	}
	return dropInvalid
}

func icmpTypeLabel(mode icmp.Mode, typ uint8) string {
	if name := network.ICMPTypeName(int(mode), typ); name != "" {
		return name
	}
	return strconv.Itoa(int(typ))
}
