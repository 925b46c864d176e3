// Command tally-engine is the analysis worker process spawned by the pool,
// one per engine slot. It dials the channel address given by --con, serves
// analysis requests against the data directory given by --path, and exits
// cleanly when the host sends the restart signal.
package main

import (
	"flag"
	"log"
	"net"
	"time"

	"github.com/tallyhq/tally/internal/channel"
	"github.com/tallyhq/tally/internal/worker"
)

// Dial retry defaults; the host binds the address before spawning us, but
// give it a little slack anyway.
const (
	dialMaxRetries  = 5
	dialBaseBackoff = 100 * time.Millisecond
)

func main() {
	con := flag.String("con", "", "channel address to dial")
	path := flag.String("path", "", "data directory")
	flag.Parse()

	if *con == "" {
		log.Fatal("--con is required")
	}

	conn, err := dial(*con)
	if err != nil {
		log.Fatalf("connect to host: %v", err)
	}
	defer conn.Close()

	w := worker.New(conn, *path)
	if err := w.Run(); err != nil {
		log.Fatalf("serve: %v", err)
	}
}

func dial(addr string) (net.Conn, error) {
	var lastErr error
	backoff := dialBaseBackoff

	for attempt := 0; attempt < dialMaxRetries; attempt++ {
		conn, err := channel.Dial(addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if attempt < dialMaxRetries-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return nil, lastErr
}
