package main

import (
	"context"
	"errors"
	"fmt"
	"github.com/neo-hu/ping-mux/network"
	"github.com/neo-hu/ping-mux/network/dns"
	"github.com/neo-hu/ping-mux/network/ping"
	"github.com/neo-hu/ping-mux/pkg/icmp"
	"github.com/neo-hu/ping-mux/pkg/logger"
	"github.com/neo-hu/ping-mux/pkg/socket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"io"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"
)

var Version = "dev"

func newRootCmd() *cobra.Command {
	flags := Default()
	var (
		configPath string
		ipv4       bool
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "pingmux [flags] host...",
		Short: "Ping many hosts over one shared ICMP socket per address family",
		Long: `pingmux sends ICMP echo requests to every host given and prints each
reply, then a loss and round-trip summary per host. Unprivileged datagram
ICMP sockets are used where the system allows them, raw sockets otherwise.`,
		Version:      Version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := flags
			if configPath != "" {
				var err error
				if cfg, err = Load(configPath); err != nil {
					return err
				}
				overlay(cmd.Flags(), cfg, flags)
			}
			if ipv4 {
				cfg.IPv6 = false
			}
			if debug {
				cfg.LogLevel = "development"
			}
			cfg.Targets = append(cfg.Targets, args...)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.IntVarP(&flags.Count, "count", "c", flags.Count, "stop after this many requests per host, 0 for no limit")
	f.DurationVarP(&flags.Interval, "interval", "i", flags.Interval, "wait between requests to the same host")
	f.IntVarP(&flags.Size, "size", "s", flags.Size, "number of data bytes to send")
	f.DurationVarP(&flags.Timeout, "timeout", "t", flags.Timeout, "time to wait for each reply")
	f.StringVarP(&flags.Interface, "interface", "I", flags.Interface, "bind the sockets to this network device")
	f.IntVar(&flags.TTL, "ttl", flags.TTL, "IP time to live / hop limit of outgoing requests")
	f.StringVarP(&flags.Source, "source", "S", flags.Source, "source address")
	f.BoolVarP(&flags.IPv6, "ipv6", "6", flags.IPv6, "resolve host names to IPv6 addresses")
	f.BoolVarP(&ipv4, "ipv4", "4", false, "resolve host names to IPv4 addresses (default)")
	f.BoolVar(&flags.Raw, "raw", flags.Raw, "try a raw socket before a datagram socket")
	f.BoolVar(&flags.VerifyChecksum, "verify-checksum", flags.VerifyChecksum, "drop replies with a bad checksum")
	f.StringVar(&flags.Nameserver, "nameserver", flags.Nameserver, "DNS server used to resolve host names")
	f.Float64Var(&flags.Rate, "rate", flags.Rate, "maximum requests per second over all hosts, 0 for no limit")
	f.StringVar(&flags.MetricsAddr, "metrics-addr", flags.MetricsAddr, "serve Prometheus metrics on this address")
	f.StringVar(&flags.LogLevel, "log-level", flags.LogLevel, "log level, or $"+logger.EnvLevel)
	f.StringVar(&configPath, "config", "", "YAML config file")
	f.BoolVarP(&debug, "debug", "D", false, "set debug log level")
	cmd.MarkFlagsMutuallyExclusive("ipv4", "ipv6")
	return cmd
}

// overlay copies the flags set on the command line from flags into cfg.
func overlay(fs *pflag.FlagSet, cfg, flags *Config) {
	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "count":
			cfg.Count = flags.Count
		case "interval":
			cfg.Interval = flags.Interval
		case "size":
			cfg.Size = flags.Size
		case "timeout":
			cfg.Timeout = flags.Timeout
		case "interface":
			cfg.Interface = flags.Interface
		case "ttl":
			cfg.TTL = flags.TTL
		case "source":
			cfg.Source = flags.Source
		case "ipv6":
			cfg.IPv6 = flags.IPv6
		case "raw":
			cfg.Raw = flags.Raw
		case "verify-checksum":
			cfg.VerifyChecksum = flags.VerifyChecksum
		case "nameserver":
			cfg.Nameserver = flags.Nameserver
		case "rate":
			cfg.Rate = flags.Rate
		case "metrics-addr":
			cfg.MetricsAddr = flags.MetricsAddr
		case "log-level":
			cfg.LogLevel = flags.LogLevel
		}
	})
}

type runner struct {
	cfg     *Config
	logger  *zap.Logger
	reg     *prometheus.Registry
	clients map[icmp.Mode]*ping.Client

	mu  sync.Mutex
	out io.Writer
}

func run(ctx context.Context, cfg *Config, out io.Writer) error {
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	r := &runner{cfg: cfg, logger: log, out: out, clients: map[icmp.Mode]*ping.Client{}}
	if cfg.MetricsAddr != "" {
		r.reg = prometheus.NewRegistry()
	}
	defer r.close()

	targets, err := r.targets(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if r.reg != nil {
		ln, err := net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			return err
		}
		srv := &http.Server{Handler: promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}), ReadHeaderTimeout: 5 * time.Second}
		go srv.Serve(ln)
		defer srv.Close()
		log.Info("serving metrics", zap.Stringer("addr", ln.Addr()))
	}

	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	limiter := rate.NewLimiter(limit, 1)
	s := newSchedule(targets, time.Now())
loop:
	for s.Len() > 0 {
		if wait := time.Until(s.Peek().evTime); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-gctx.Done():
				timer.Stop()
				break loop
			case <-timer.C:
			}
		}
		if err := limiter.Wait(gctx); err != nil {
			break
		}
		t, seq := s.next(cfg.Interval, time.Now())
		g.Go(func() error {
			return r.probe(gctx, t, seq)
		})
	}
	err = g.Wait()

	var silent []string
	for _, t := range targets {
		r.printf("\n%s\n", t.stats)
		if t.stats.Transmitted() > 0 && t.stats.Received() == 0 {
			silent = append(silent, t.host)
		}
	}
	if err != nil {
		return err
	}
	if len(silent) > 0 {
		return fmt.Errorf("no reply from %v", silent)
	}
	return nil
}

type resolved struct {
	host string
	addr netip.Addr
	mode icmp.Mode
}

// dedupe keeps the first host of each address. Pingers to one address can
// not be told apart on sockets where the kernel owns the identifier.
func dedupe(rs []resolved) (kept, dropped []resolved) {
	seen := make(map[netip.Addr]bool, len(rs))
	for _, rv := range rs {
		if seen[rv.addr] {
			dropped = append(dropped, rv)
			continue
		}
		seen[rv.addr] = true
		kept = append(kept, rv)
	}
	return kept, dropped
}

func (r *runner) targets(ctx context.Context) ([]*target, error) {
	resolver := dns.NewDNS(r.cfg.Nameserver, dns.TimeoutOption(r.cfg.Timeout))
	var rs []resolved
	for _, host := range r.cfg.Targets {
		mode := r.cfg.Mode()
		if addr, err := netip.ParseAddr(host); err == nil {
			mode = icmp.ModeOf(addr)
		}
		addr, err := resolver.Resolve(ctx, host, mode)
		if err != nil {
			return nil, err
		}
		rs = append(rs, resolved{host: host, addr: addr, mode: mode})
	}
	rs, dropped := dedupe(rs)
	for _, rv := range dropped {
		r.logger.Warn("skipping duplicate target", zap.String("host", rv.host), zap.Stringer("addr", rv.addr))
	}

	var ts []*target
	for _, rv := range rs {
		c, err := r.client(rv.mode)
		if err != nil {
			return nil, err
		}
		opts := []ping.PingerOption{
			ping.TimeoutOption(r.cfg.Timeout),
			ping.DataSizeOption(r.cfg.Size),
		}
		if src, err := netip.ParseAddr(r.cfg.Source); err == nil && icmp.ModeOf(src) == rv.mode {
			opts = append(opts, ping.SourceOption(src))
		}
		p, err := c.Pinger(rv.addr, opts...)
		if err != nil {
			return nil, err
		}
		r.printf("PING %s (%s): %d data bytes\n", rv.host, rv.addr, r.cfg.Size)
		ts = append(ts, &target{
			host:   rv.host,
			addr:   rv.addr,
			pinger: p,
			stats:  ping.NewStatistics(rv.host),
			count:  r.cfg.Count,
		})
	}
	return ts, nil
}

// client returns the shared client for mode, opening it on first use.
func (r *runner) client(mode icmp.Mode) (*ping.Client, error) {
	if c, ok := r.clients[mode]; ok {
		return c, nil
	}
	kind := socket.Datagram
	if r.cfg.Raw {
		kind = socket.Raw
	}
	opts := []ping.Option{
		ping.ModeOption(mode),
		ping.SocketKindOption(kind),
		ping.InterfaceOption(r.cfg.Interface),
		ping.TTLOption(r.cfg.TTL),
		ping.VerifyChecksumOption(r.cfg.VerifyChecksum),
		ping.LoggerOption(r.logger),
	}
	if src, err := netip.ParseAddr(r.cfg.Source); err == nil && icmp.ModeOf(src) == mode {
		opts = append(opts, ping.BindOption(src))
	}
	if r.reg != nil {
		opts = append(opts, ping.MetricsOption(r.reg))
	}
	c, err := ping.NewClient(opts...)
	if err != nil {
		if errors.Is(err, network.ErrPermissionDenied) {
			return nil, fmt.Errorf("%w (allow datagram icmp with sysctl net.ipv4.ping_group_range, or grant CAP_NET_RAW)", err)
		}
		return nil, err
	}
	r.logger.Debug("client opened", zap.Stringer("family", mode), zap.Stringer("socket", c.Kind()))
	r.clients[mode] = c
	return c, nil
}

func (r *runner) probe(ctx context.Context, t *target, seq uint16) error {
	reply, err := t.pinger.Ping(ctx, seq, nil)
	var ie *network.ICMPError
	switch {
	case err == nil:
		t.stats.Add(reply, nil)
		r.printf("%s\n", reply)
	case errors.Is(err, network.ErrTimeout):
		t.stats.Add(nil, nil)
		r.printf("Request timeout for %s icmp_seq %d\n", t.addr, seq)
	case errors.As(err, &ie):
		t.stats.Add(nil, err)
		r.printf("From %s icmp_seq=%d %v\n", ie.From, seq, ie)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
	case errors.Is(err, network.ErrDuplicateSequence):
		r.logger.Warn("sequence still outstanding", zap.String("host", t.host), zap.Uint16("seq", seq))
	case errors.Is(err, network.ErrSocketClosed):
		return err
	default:
		t.stats.Add(nil, err)
		r.logger.Warn("ping failed", zap.String("host", t.host), zap.Uint16("seq", seq), zap.Error(err))
	}
	return nil
}

func (r *runner) printf(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

func (r *runner) close() {
	for mode, c := range r.clients {
		if err := c.Close(); err != nil {
			r.logger.Debug("close client", zap.Stringer("family", mode), zap.Error(err))
		}
	}
}
