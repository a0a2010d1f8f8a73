package main

import (
	"context"
	"fmt"
	"github.com/neo-hu/ping-mux/network/dns"
	"log"
)

func main() {
	elapsed, rs, err := dns.NewDNS("8.8.8.8", dns.NetworkOption("tcp")).
		Exchange(context.Background(), "ip8.me", dns.TypeANY)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(elapsed, rs)
}
