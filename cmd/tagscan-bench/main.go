// Package main provides a load generator for the tagscan pipeline.
//
// Usage:
//
//	tagscan-bench --mode local --dir /tmp/bench --producers 4 --duration 10s --max-tags 5000
//	tagscan-bench --mode http --addr localhost:8080 --producers 8 --batch 200 --rate 20000
//	tagscan-bench --mode forward --addr localhost:8080 --rate 500 --tags 200 --duration 1m
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/dronescan/tagscan/pkg/client"
	"github.com/dronescan/tagscan/pkg/ingest"
	"github.com/dronescan/tagscan/pkg/queue"
	"github.com/dronescan/tagscan/pkg/source"
	"github.com/dronescan/tagscan/pkg/tag"
	"github.com/dronescan/tagscan/pkg/writer"
)

type options struct {
	mode      string
	dir       string
	addr      string
	producers int
	duration  time.Duration
	rate      float64
	batch     int
	maxTags   int
	maxTime   time.Duration
	tags      int
}

func main() {
	var o options
	flag.StringVar(&o.mode, "mode", "local", "local: drive an in-process writer; http: post to a running daemon")
	flag.StringVar(&o.dir, "dir", filepath.Join(os.TempDir(), "tagscan-bench"), "Data directory (local mode)")
	flag.StringVar(&o.addr, "addr", "localhost:8080", "Control API address (http mode)")
	flag.IntVar(&o.producers, "producers", 4, "Concurrent producers")
	flag.DurationVar(&o.duration, "duration", 10*time.Second, "Test duration")
	flag.Float64Var(&o.rate, "rate", 0, "Total reads per second (0 = unlimited)")
	flag.IntVar(&o.batch, "batch", 100, "Reads per POST (http mode)")
	flag.IntVar(&o.maxTags, "max-tags", 5000, "Records per file (local mode)")
	flag.DurationVar(&o.maxTime, "max-time", 15*time.Minute, "Time per file (local mode)")
	flag.IntVar(&o.tags, "tags", 100, "Simulated tag population (forward mode)")
	flag.Parse()

	fmt.Printf("tagscan Benchmark\n")
	fmt.Printf("-----------------------------------\n")
	fmt.Printf("Mode:       %s\n", o.mode)
	fmt.Printf("Producers:  %d\n", o.producers)
	fmt.Printf("Duration:   %s\n", o.duration)
	if o.rate > 0 {
		fmt.Printf("Rate:       %.0f reads/s\n", o.rate)
	} else {
		fmt.Printf("Rate:       unlimited\n")
	}
	fmt.Printf("-----------------------------------\n\n")

	var err error
	switch o.mode {
	case "local":
		err = benchLocal(o)
	case "http":
		err = benchHTTP(o)
	case "forward":
		err = benchForward(o)
	default:
		err = fmt.Errorf("unknown mode %q", o.mode)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLimiter(o options) *rate.Limiter {
	if o.rate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := int(math.Max(1, o.rate/100))
	return rate.NewLimiter(rate.Limit(o.rate), max(burst, o.batch))
}

func syntheticRead(producer int, seq int64) tag.Read {
	return tag.New(fmt.Sprintf("E2801160%08X%08X", producer, seq), time.Now(), -40-int(seq%30), int(seq%4096), 1+producer%4)
}

type rotationTimer struct {
	mu    sync.Mutex
	count int
	recs  int
}

func (r *rotationTimer) FileRotated(t writer.Transfer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count++
	r.recs += t.Records
	return nil
}

// benchLocal measures how fast the writer drains reads produced in-process.
func benchLocal(o options) error {
	q := queue.New[tag.Read]()
	rot := &rotationTimer{}
	w, err := writer.New(writer.Config{
		DataDir:        o.dir,
		MaxTagsPerFile: o.maxTags,
		MaxTimePerFile: o.maxTime,
	}, q, writer.WithObserver(rot))
	if err != nil {
		return err
	}
	h := ingest.NewHandler(q)

	wctx, wcancel := context.WithCancel(context.Background())
	defer wcancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(wctx) }()

	lim := newLimiter(o)
	pctx, pcancel := context.WithTimeout(context.Background(), o.duration)
	defer pcancel()

	var produced atomic.Int64
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < o.producers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			var seq int64
			for lim.Wait(pctx) == nil {
				h.OnRead(syntheticRead(id, seq))
				seq++
				produced.Add(1)
			}
		}(i)
	}
	wg.Wait()
	produceElapsed := time.Since(start)

	// Let the writer drain what was produced.
	for w.Status().TotalRecords < produced.Load() {
		select {
		case err := <-done:
			return fmt.Errorf("writer stopped: %w", err)
		case <-time.After(10 * time.Millisecond):
		}
	}
	drainElapsed := time.Since(start)
	wcancel()
	if err := <-done; err != nil {
		return err
	}

	st := w.Status()
	fmt.Printf("Results\n")
	fmt.Printf("-----------------------------------\n")
	fmt.Printf("Produced:      %d reads in %s\n", produced.Load(), produceElapsed.Truncate(time.Millisecond))
	fmt.Printf("Written:       %d records in %s\n", st.TotalRecords, drainElapsed.Truncate(time.Millisecond))
	fmt.Printf("Write Rate:    %.0f records/s\n", float64(st.TotalRecords)/drainElapsed.Seconds())
	fmt.Printf("Rotations:     %d (%d records)\n", rot.count, rot.recs)
	fmt.Printf("Transfer Dir:  %s\n", w.TransferDir())
	fmt.Printf("-----------------------------------\n")
	return nil
}

// benchHTTP posts batches to a running daemon and reports request latency.
func benchHTTP(o options) error {
	c := client.New(o.addr)
	if _, err := c.Status(); err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", o.addr, err)
	}

	lim := newLimiter(o)
	ctx, cancel := context.WithTimeout(context.Background(), o.duration)
	defer cancel()

	var accepted, rejected, failed atomic.Int64
	var latMu sync.Mutex
	var latencies []int64
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < o.producers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			var seq int64
			var localLats []int64
			batch := make([]tag.Read, o.batch)
			for lim.WaitN(ctx, o.batch) == nil {
				for j := range batch {
					batch[j] = syntheticRead(id, seq)
					seq++
				}
				opStart := time.Now()
				resp, err := c.PostReads(batch)
				localLats = append(localLats, time.Since(opStart).Nanoseconds())
				if err != nil {
					failed.Add(int64(len(batch)))
					continue
				}
				accepted.Add(int64(resp.Accepted))
				rejected.Add(int64(resp.Rejected))
			}
			latMu.Lock()
			latencies = append(latencies, localLats...)
			latMu.Unlock()
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	fmt.Printf("Results\n")
	fmt.Printf("-----------------------------------\n")
	fmt.Printf("Duration:    %s\n", elapsed.Truncate(time.Millisecond))
	fmt.Printf("Accepted:    %d\n", accepted.Load())
	fmt.Printf("Rejected:    %d\n", rejected.Load())
	fmt.Printf("Failed:      %d\n", failed.Load())
	fmt.Printf("Read Rate:   %.0f reads/s\n", float64(accepted.Load())/elapsed.Seconds())
	fmt.Printf("Requests:    %d\n", len(latencies))
	fmt.Printf("-----------------------------------\n")
	fmt.Printf("POST Latency:\n")
	fmt.Printf("  P50:       %.2f ms\n", float64(percentile(latencies, 50))/1e6)
	fmt.Printf("  P95:       %.2f ms\n", float64(percentile(latencies, 95))/1e6)
	fmt.Printf("  P99:       %.2f ms\n", float64(percentile(latencies, 99))/1e6)
	fmt.Printf("-----------------------------------\n")
	return nil
}

// benchForward runs a simulated reader whose reads are batched and
// forwarded to a running daemon.
func benchForward(o options) error {
	if o.rate <= 0 {
		return fmt.Errorf("forward mode needs --rate")
	}
	c := client.New(o.addr)
	if _, err := c.Status(); err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", o.addr, err)
	}

	fwd := client.NewForwarder(client.ForwarderConfig{BatchSize: o.batch, FlushInterval: 250 * time.Millisecond}, c)
	sim, err := source.NewSimulatedSource(source.SimulateConfig{
		Rate:     o.rate,
		Tags:     o.tags,
		Antennas: []int{1, 2, 3, 4},
		Duration: o.duration,
	}, fwd)
	if err != nil {
		return err
	}

	start := time.Now()
	if err := sim.Run(context.Background()); err != nil {
		return err
	}
	fwd.Close()
	elapsed := time.Since(start)

	sent, rejected, failed := fwd.Counts()
	fmt.Printf("Results\n")
	fmt.Printf("-----------------------------------\n")
	fmt.Printf("Duration:    %s\n", elapsed.Truncate(time.Millisecond))
	fmt.Printf("Accepted:    %d\n", sent)
	fmt.Printf("Rejected:    %d\n", rejected)
	fmt.Printf("Failed:      %d\n", failed)
	fmt.Printf("Read Rate:   %.0f reads/s\n", float64(sent)/elapsed.Seconds())
	fmt.Printf("-----------------------------------\n")
	return nil
}

func percentile(sorted []int64, pct int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(float64(pct)/100.0*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
