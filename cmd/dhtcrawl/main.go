// Command dhtcrawl runs a passive Mainline DHT node on UDP port 6881 (or the
// one given with -port; 0 picks a random port), joins the network, and
// prints every info-hash it observes.
//
// There is a builtin web server exposing expvar stats at
// http://localhost:8711/debug/vars.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/taipei-labs/dhtcrawl"
	"github.com/taipei-labs/dhtcrawl/endpoint"
	"github.com/taipei-labs/dhtcrawl/nodeid"
)

const httpPortTCP = 8711

func main() {
	cfg := dhtcrawl.NewConfig()
	dhtcrawl.RegisterFlags(cfg)
	flag.Parse()

	d, err := dhtcrawl.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "New error: %v\n", err)
		os.Exit(1)
	}

	// For debugging: expvar registers itself on the default mux.
	go http.ListenAndServe(fmt.Sprintf(":%d", httpPortTCP), nil)

	d.SetOnInfoHash(func(ih nodeid.NodeID, from endpoint.Endpoint) {
		fmt.Printf("infohash %s (reported by %s)\n", ih, from)
	})

	routers := strings.Split(cfg.BootstrapRouters, ",")
	if err := d.Start(routers); err != nil {
		fmt.Fprintf(os.Stderr, "Start error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("listening, local id %s\n", d.LocalID())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	d.Stop()
}
