/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Command shmring passes a token around a ring of processes. Rank k receives
// on channel k and sends on channel k+1 mod N; rank 0 starts every round and
// checks that the token visited each rank once.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/srediag/shmchan/adapter"
	"github.com/srediag/shmchan/api"
	"github.com/srediag/shmchan/internal/logging"
	"github.com/srediag/shmchan/pkg/channel"
	"github.com/srediag/shmchan/pkg/spmd"
)

var logger = logging.New("shmring", nil)

type token struct {
	Round uint64
	Hops  uint64
}

type options struct {
	processes int
	rounds    int
	debugAddr string
}

// defaultDebugPort is used when debug mode is on and no address was given.
const defaultDebugPort = 20000

// parseOptions reads the command line. With debugMode set the debug server
// is always started, on defaultDebugPort unless an address is configured.
func parseOptions(args []string, debugMode bool) (options, error) {
	var o options
	fs := flag.NewFlagSet("shmring", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	// -n is read by spmd.ParseArgs as well; declaring it keeps the flag set happy.
	fs.IntVar(&o.processes, "n", spmd.DefaultProcesses, "number of processes")
	fs.IntVar(&o.rounds, "rounds", 1000, "token round trips")
	fs.StringVar(&o.debugAddr, "debug-addr", "", "serve pprof, metrics and health on this address (rank 0)")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.rounds < 1 {
		return o, fmt.Errorf("rounds must be positive, got %d", o.rounds)
	}
	if port := os.Getenv("DEBUG_PORT"); port != "" {
		if _, err := strconv.Atoi(port); err != nil {
			return o, fmt.Errorf("bad DEBUG_PORT %q", port)
		}
		o.debugAddr = ":" + port
	}
	if debugMode && o.debugAddr == "" {
		o.debugAddr = ":" + strconv.Itoa(defaultDebugPort)
	}
	return o, nil
}

type ring struct {
	rx []*channel.Receiver[token]
	tx []*channel.Sender[token]
}

// newRing creates the n channels. It must run before the processes split.
func newRing(ctx context.Context, n int) (*ring, error) {
	r := &ring{}
	for k := 0; k < n; k++ {
		rx, err := channel.NewReceiver[token](ctx, channel.WithName("ring-"+strconv.Itoa(k)))
		if err != nil {
			r.close()
			return nil, err
		}
		r.rx = append(r.rx, rx)
		r.tx = append(r.tx, rx.NewSender())
	}
	return r, nil
}

func (r *ring) close() {
	for _, rx := range r.rx {
		_ = rx.Close()
	}
}

// endpoints returns what rank uses: its own receiver and its successor's sender.
func (r *ring) endpoints(rank int) (*channel.Receiver[token], *channel.Sender[token]) {
	return r.rx[rank], r.tx[(rank+1)%len(r.rx)]
}

// run plays rank's part for the given number of rounds.
func (r *ring) run(rank, rounds int) error {
	rx, tx := r.endpoints(rank)
	n := uint64(len(r.rx))
	for round := uint64(0); round < uint64(rounds); round++ {
		if rank == 0 {
			tx.Send(token{Round: round, Hops: 1})
			t := rx.Recv()
			if t.Round != round || t.Hops != n {
				return fmt.Errorf("round %d: token came back as round %d after %d hops, want %d", round, t.Round, t.Hops, n)
			}
			continue
		}
		t := rx.Recv()
		t.Hops++
		tx.Send(t)
	}
	return nil
}

func serveDebug(addr string, w *spmd.World, r *ring) {
	collector := channel.NewCollector("shmring")
	for k := range r.rx {
		collector.Register("ring-"+strconv.Itoa(k), r.rx[k])
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collector)

	procs := make(map[string]api.Health)
	for _, p := range w.Children() {
		procs["rank-"+strconv.Itoa(p.Rank)] = p.Health()
	}
	health := adapter.NewHealthHandler(procs)

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/live", health.LiveEndpoint)
	mux.HandleFunc("/ready", health.ReadyEndpoint)
	go func() {
		logger.Infof("debug server on %s", addr)
		if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warnf("debug server: %v", err)
		}
	}()
}

func main() {
	opts, err := parseOptions(os.Args[1:], logging.DebugMode())
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(2)
	}
	n, err := spmd.ParseArgs(os.Args[1:])
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(2)
	}
	r, err := newRing(context.Background(), n)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}

	info := spmd.Init()
	if info.Rank == 0 && opts.debugAddr != "" {
		serveDebug(opts.debugAddr, spmd.Current(), r)
	}

	start := time.Now()
	err = r.run(info.Rank, opts.rounds)
	if err != nil {
		logger.Errorf("rank %d: %v", info.Rank, err)
		r.close()
		os.Exit(1)
	}
	if info.Rank == 0 {
		elapsed := time.Since(start)
		fmt.Printf("%d processes, %d rounds in %v (%v per hop)\n",
			info.Processes, opts.rounds, elapsed, elapsed/time.Duration(opts.rounds*info.Processes))
	}
	r.close()
	spmd.Finalize()
}
