// Package writer drains the read queue into a CSV data file and rotates
// finished files into the transfer directory.
//
// A Writer is the single consumer of its queue. The active file, record
// counter and rotation clock are owned by the goroutine running Run; other
// goroutines observe the writer only through Status, State and Healthy.
package writer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dronescan/tagscan/pkg/metrics"
	"github.com/dronescan/tagscan/pkg/queue"
	"github.com/dronescan/tagscan/pkg/tag"
)

const (
	// ActiveFileName is the fixed name of the file currently receiving records.
	ActiveFileName = "tags.csv"
	// TransferDirName is the subdirectory of the data directory holding
	// rotated files.
	TransferDirName = "transfer"

	defaultBufferSize = 64 * 1024
)

// State is the writer lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateWriting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWriting:
		return "writing"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Reason records what triggered a rotation.
type Reason string

const (
	ReasonCount Reason = "count" // record threshold reached
	ReasonTime  Reason = "time"  // time threshold passed when a record was written
	ReasonIdle  Reason = "idle"  // time threshold passed while waiting for reads
)

// Transfer describes a file moved into the transfer directory.
type Transfer struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Records   int       `json:"records"`
	FirstRead time.Time `json:"first_read"`
	LastRead  time.Time `json:"last_read"`
	OpenedAt  time.Time `json:"opened_at"`
	RotatedAt time.Time `json:"rotated_at"`
	Reason    Reason    `json:"reason"`
}

// RotationObserver is notified after each successful rotation. Errors are
// logged and do not stop the writer.
type RotationObserver interface {
	FileRotated(t Transfer) error
}

// Dequeuer is the consumer side of the read queue.
type Dequeuer interface {
	Dequeue(ctx context.Context) (tag.Read, error)
	Len() int
}

// Config is the writer's immutable configuration snapshot.
type Config struct {
	DataDir        string
	MaxTagsPerFile int
	MaxTimePerFile time.Duration
	Location       *time.Location // record timestamp zone; default time.Local
	BufferSize     int            // default 64 KiB
}

// Option customises a Writer.
type Option func(*Writer)

// WithObserver registers a rotation observer.
func WithObserver(o RotationObserver) Option {
	return func(w *Writer) { w.observer = o }
}

// Status is a point-in-time view of the writer for the control API.
type Status struct {
	State         string    `json:"state"`
	DataDir       string    `json:"data_dir"`
	ActivePath    string    `json:"active_path"`
	ActiveRecords int64     `json:"active_records"`
	TotalRecords  int64     `json:"total_records"`
	Rotations     int64     `json:"rotations"`
	QueueDepth    int       `json:"queue_depth"`
	LastTransfer  *Transfer `json:"last_transfer,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// Writer is the rotating CSV file writer.
type Writer struct {
	cfg      Config
	queue    Dequeuer
	observer RotationObserver

	dataDir     string
	transferDir string
	activePath  string
	baseName    string

	// Owned by the Run goroutine.
	file         *os.File
	buf          *bufio.Writer
	line         []byte
	count        int
	openedAt     time.Time
	lastRotation time.Time
	firstRead    time.Time
	lastRead     time.Time
	lastNameMs   int64

	started       atomic.Bool
	state         atomic.Int32
	activeRecords atomic.Int64
	totalRecords  atomic.Int64
	rotations     atomic.Int64
	lastTransfer  atomic.Pointer[Transfer]

	errMu sync.Mutex
	err   error
}

// New validates cfg, creates the data and transfer directories if needed,
// and returns an idle writer. It fails if either path exists but is not a
// directory.
func New(cfg Config, q Dequeuer, opts ...Option) (*Writer, error) {
	if cfg.DataDir == "" {
		return nil, errors.New("writer.New: data dir is required")
	}
	if q == nil {
		return nil, errors.New("writer.New: queue is required")
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}

	transferDir, err := PrepareDirs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("writer.New: %w", err)
	}

	w := &Writer{
		cfg:          cfg,
		queue:        q,
		dataDir:      cfg.DataDir,
		transferDir:  transferDir,
		activePath:   filepath.Join(cfg.DataDir, ActiveFileName),
		baseName:     dirBaseName(cfg.DataDir),
		lastRotation: time.Now(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// ActivePath returns the path of the active data file.
func (w *Writer) ActivePath() string { return w.activePath }

// TransferDir returns the directory rotated files are moved into.
func (w *Writer) TransferDir() string { return w.transferDir }

// State returns the current lifecycle state.
func (w *Writer) State() State { return State(w.state.Load()) }

// Err returns the fatal error that stopped the writer, if any.
func (w *Writer) Err() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.err
}

// Healthy returns nil while the writer is running.
func (w *Writer) Healthy() error {
	if w.State() != StateStopped {
		return nil
	}
	if err := w.Err(); err != nil {
		return err
	}
	return errors.New("writer stopped")
}

// Status returns a snapshot of the writer's counters.
func (w *Writer) Status() Status {
	s := Status{
		State:         w.State().String(),
		DataDir:       w.dataDir,
		ActivePath:    w.activePath,
		ActiveRecords: w.activeRecords.Load(),
		TotalRecords:  w.totalRecords.Load(),
		Rotations:     w.rotations.Load(),
		QueueDepth:    w.queue.Len(),
		LastTransfer:  w.lastTransfer.Load(),
	}
	if err := w.Err(); err != nil {
		s.Error = err.Error()
	}
	return s
}

// errIdleDeadline signals that the rotation deadline passed while waiting
// for the next read.
var errIdleDeadline = errors.New("writer: rotation deadline")

// Run consumes reads until ctx is cancelled, the queue is closed, or an I/O
// error occurs. The active file is flushed and closed on every return path.
// Reads still queued when Run returns are left in the queue. Run returns nil
// on a clean shutdown and the fatal error otherwise; it may be called once.
func (w *Writer) Run(ctx context.Context) (err error) {
	if !w.started.CompareAndSwap(false, true) {
		return errors.New("writer.Run: already started")
	}
	slog.Info("writer started",
		"data_dir", w.dataDir,
		"transfer_dir", w.transferDir,
		"max_tags_per_file", w.cfg.MaxTagsPerFile,
		"max_time_per_file", w.cfg.MaxTimePerFile)

	defer func() {
		if cerr := w.closeActive(); cerr != nil && err == nil {
			err = cerr
		}
		w.state.Store(int32(StateStopped))
		if err != nil {
			w.errMu.Lock()
			w.err = err
			w.errMu.Unlock()
		}
	}()

	for {
		var r tag.Read
		derr := ctx.Err()
		if derr == nil {
			r, derr = w.next(ctx)
		}
		switch {
		case derr == nil:
		case errors.Is(derr, errIdleDeadline):
			if rerr := w.rotate(ReasonIdle); rerr != nil {
				slog.Error("writer stopped: rotation failed", "reason", ReasonIdle, "error", rerr)
				return rerr
			}
			continue
		case ctx.Err() != nil, errors.Is(derr, queue.ErrClosed):
			slog.Info("writer shutting down",
				"active_records", w.count,
				"unwritten_reads", w.queue.Len())
			return nil
		default:
			slog.Error("writer stopped: dequeue failed", "error", derr)
			return fmt.Errorf("writer.Run: dequeue: %w", derr)
		}

		metrics.QueueDepth.Set(float64(w.queue.Len()))
		if werr := w.write(r); werr != nil {
			slog.Error("writer stopped: error writing tag read", "read", r.String(), "error", werr)
			return werr
		}
	}
}

// next blocks for the next read. While the active file holds records and a
// time limit is set, the wait is bounded by the rotation deadline.
func (w *Writer) next(ctx context.Context) (tag.Read, error) {
	if w.count == 0 || w.cfg.MaxTimePerFile <= 0 {
		return w.queue.Dequeue(ctx)
	}
	deadline := w.lastRotation.Add(w.cfg.MaxTimePerFile)
	dctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	r, err := w.queue.Dequeue(dctx)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return tag.Read{}, errIdleDeadline
	}
	return r, err
}

// write appends one record and rotates if a threshold has been crossed.
func (w *Writer) write(r tag.Read) error {
	if w.file == nil {
		if err := w.open(); err != nil {
			return err
		}
	}

	now := time.Now()
	if w.count == 0 {
		// An empty file does not age: restart the clock at its first record.
		if w.cfg.MaxTimePerFile > 0 && now.Sub(w.lastRotation) > w.cfg.MaxTimePerFile {
			w.lastRotation = now
		}
		w.firstRead = r.Time
	}

	w.line = tag.AppendRecord(w.line[:0], r, w.cfg.Location)
	// Keep every flush on a record boundary.
	if w.buf.Available() < len(w.line) && w.buf.Buffered() > 0 {
		if err := w.buf.Flush(); err != nil {
			metrics.WriteErrors.WithLabelValues("write").Inc()
			return fmt.Errorf("writer: flush %s: %w", w.activePath, err)
		}
	}
	if _, err := w.buf.Write(w.line); err != nil {
		metrics.WriteErrors.WithLabelValues("write").Inc()
		return fmt.Errorf("writer: write %s: %w", w.activePath, err)
	}

	w.count++
	w.lastRead = r.Time
	w.activeRecords.Store(int64(w.count))
	w.totalRecords.Add(1)
	metrics.RecordsWritten.Inc()
	metrics.ActiveFileRecords.Set(float64(w.count))

	if w.queue.Len() == 0 {
		if err := w.buf.Flush(); err != nil {
			metrics.WriteErrors.WithLabelValues("write").Inc()
			return fmt.Errorf("writer: flush %s: %w", w.activePath, err)
		}
	}

	if reason, ok := w.shouldRotate(now); ok {
		return w.rotate(reason)
	}
	return nil
}

// shouldRotate applies the rotation policy after a write. The record limit
// is inclusive: a file holds at most MaxTagsPerFile records. The time limit
// is exclusive. Non-positive limits rotate after every record.
func (w *Writer) shouldRotate(now time.Time) (Reason, bool) {
	if w.count >= w.cfg.MaxTagsPerFile {
		return ReasonCount, true
	}
	if now.Sub(w.lastRotation) > w.cfg.MaxTimePerFile {
		return ReasonTime, true
	}
	return "", false
}
