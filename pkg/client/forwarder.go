package client

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dronescan/tagscan/pkg/control"
	"github.com/dronescan/tagscan/pkg/tag"
)

// ReadPoster sends a batch of reads.
type ReadPoster interface {
	PostReads(reads []tag.Read) (control.IngestResponse, error)
}

// ForwarderConfig configures read batching.
type ForwarderConfig struct {
	BatchSize     int
	FlushInterval time.Duration
}

// Forwarder is an ingest.Listener that batches reads and posts them to a
// remote daemon. A failed batch is logged and dropped.
type Forwarder struct {
	cfg    ForwarderConfig
	poster ReadPoster

	batch  []tag.Read
	closed bool
	mu     sync.Mutex

	sent     atomic.Int64
	rejected atomic.Int64
	failed   atomic.Int64

	flushCh   chan struct{}
	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewForwarder starts a forwarder posting through p.
func NewForwarder(cfg ForwarderConfig, p ReadPoster) *Forwarder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	f := &Forwarder{
		cfg:     cfg,
		poster:  p,
		batch:   make([]tag.Read, 0, cfg.BatchSize),
		flushCh: make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
	f.wg.Add(1)
	go f.flushLoop()
	return f
}

// OnRead adds a read to the current batch. Non-blocking. Reads arriving
// after Close are counted as failed.
func (f *Forwarder) OnRead(r tag.Read) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		f.failed.Add(1)
		slog.Warn("read forward after close", "read", r.String())
		return
	}
	f.batch = append(f.batch, r)
	shouldFlush := len(f.batch) >= f.cfg.BatchSize
	f.mu.Unlock()

	if shouldFlush {
		select {
		case f.flushCh <- struct{}{}:
		default:
		}
	}
}

// OnReadError logs a source error.
func (f *Forwarder) OnReadError(source string, err error) {
	slog.Error("read exception", "source", source, "error", err)
}

// Close flushes remaining reads and stops the flush loop. It is safe to call
// more than once.
func (f *Forwarder) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.closeCh)
	})
	f.wg.Wait()
	return nil
}

// Counts returns reads accepted by the daemon, rejected by it, and lost to
// failed posts.
func (f *Forwarder) Counts() (sent, rejected, failed int64) {
	return f.sent.Load(), f.rejected.Load(), f.failed.Load()
}

func (f *Forwarder) flushLoop() {
	defer f.wg.Done()
	ticker := time.NewTicker(f.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.closeCh:
			f.flush()
			return
		case <-f.flushCh:
			f.flush()
		case <-ticker.C:
			f.flush()
		}
	}
}

func (f *Forwarder) flush() {
	for {
		f.mu.Lock()
		if len(f.batch) == 0 {
			f.mu.Unlock()
			return
		}
		n := min(len(f.batch), f.cfg.BatchSize)
		batch := make([]tag.Read, n)
		copy(batch, f.batch[:n])
		f.batch = append(f.batch[:0], f.batch[n:]...)
		f.mu.Unlock()

		resp, err := f.poster.PostReads(batch)
		if err != nil {
			f.failed.Add(int64(len(batch)))
			slog.Warn("read forward failed", "count", len(batch), "error", err)
			continue
		}
		f.sent.Add(int64(resp.Accepted))
		f.rejected.Add(int64(resp.Rejected))
	}
}
