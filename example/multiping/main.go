package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"github.com/neo-hu/ping-mux/network"
	"github.com/neo-hu/ping-mux/network/dns"
	"github.com/neo-hu/ping-mux/network/ping"
	"github.com/neo-hu/ping-mux/pkg/icmp"
	"golang.org/x/sync/errgroup"
	"log"
	"net/netip"
	"os"
	"time"
)

func main() {
	var count = 3
	var timeout = icmp.DefaultTimeout
	var interval = icmp.DefaultInterval
	var dataSize = icmp.DefaultDataSize

	flag.IntVar(&count, "count", count, "count of pings to send to each target")
	flag.DurationVar(&timeout, "timeout", timeout, "individual target timeout")
	flag.DurationVar(&interval, "interval", interval, "interval between sending ping packets")
	flag.IntVar(&dataSize, "data-size", dataSize, "amount of ping data to send, in bytes")
	flag.Parse()
	if flag.NArg() == 0 {
		fmt.Printf("Usage of %s www.ip8.me 2001:4860:4860::8888\n", os.Args[0])
		flag.PrintDefaults()
		return
	}

	ctx := context.Background()
	resolver := dns.NewDNS("")
	clients := map[icmp.Mode]*ping.Client{}
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	for _, host := range flag.Args() {
		host := host
		mode := icmp.IPV4Address
		if addr, err := netip.ParseAddr(host); err == nil {
			mode = icmp.ModeOf(addr)
		}
		addr, err := resolver.Resolve(ctx, host, mode)
		if err != nil {
			log.Fatal(err)
		}
		c, ok := clients[mode]
		if !ok {
			if c, err = ping.NewClient(ping.ModeOption(mode)); err != nil {
				log.Fatal(err)
			}
			clients[mode] = c
		}
		p, err := c.Pinger(addr, ping.TimeoutOption(timeout), ping.DataSizeOption(dataSize))
		if err != nil {
			log.Fatal(err)
		}
		stats := ping.NewStatistics(host)
		g.Go(func() error {
			defer p.Close()
			for i := 0; i < count; i++ {
				if i > 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(interval):
					}
				}
				r, err := p.PingNext(ctx, nil)
				switch {
				case err == nil:
					fmt.Println(r)
					stats.Add(r, nil)
				case ctx.Err() != nil:
					return ctx.Err()
				case errors.Is(err, network.ErrTimeout):
					fmt.Println(err)
					stats.Add(nil, nil)
				default:
					fmt.Printf("%s: %v\n", host, err)
					stats.Add(nil, err)
				}
			}
			fmt.Println(stats)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatal(err)
	}
}
