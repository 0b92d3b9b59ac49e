// Command stubs runs the local stub exchange: a v5-style kline REST API
// backed by a seeded random walk, for developing and smoke-testing the
// pipeline without touching a real venue.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/avrilquant/regime-core/internal/stubs"
)

func main() {
	var addr string
	var seed int64
	flag.StringVar(&addr, "addr", ":8095", "listen address")
	flag.Int64Var(&seed, "seed", 1, "random walk seed")
	flag.Parse()

	server := &http.Server{
		Addr:         addr,
		Handler:      stubs.NewExchangeServer(seed).Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	fmt.Printf("stub exchange listening on %s (seed %d)\n", addr, seed)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "stub exchange failed: %v\n", err)
		os.Exit(2)
	}
}
