// Package ingest bridges read callbacks from a source into the write queue.
package ingest

import (
	"errors"
	"log/slog"

	"github.com/dronescan/tagscan/pkg/metrics"
	"github.com/dronescan/tagscan/pkg/queue"
	"github.com/dronescan/tagscan/pkg/tag"
)

// Listener receives callbacks from a read source. Implementations must not
// block for long or panic: sources invoke them from their own goroutines.
type Listener interface {
	OnRead(r tag.Read)
	OnReadError(source string, err error)
}

// Enqueuer is the producer side of the write queue.
type Enqueuer interface {
	Enqueue(r tag.Read) error
	Len() int
}

// Handler is the Listener that feeds the writer's queue.
type Handler struct {
	queue Enqueuer
}

// NewHandler returns a Handler that enqueues onto q.
func NewHandler(q Enqueuer) *Handler {
	return &Handler{queue: q}
}

// OnRead queues a read for the writer. An invalid read or a failed enqueue
// is logged and the read is lost; the error never reaches the caller.
func (h *Handler) OnRead(r tag.Read) {
	if err := r.Validate(); err != nil {
		metrics.ReadsDropped.WithLabelValues("invalid").Inc()
		slog.Error("dropping invalid tag read", "error", err)
		return
	}
	if err := h.queue.Enqueue(r); err != nil {
		reason := "enqueue_error"
		if errors.Is(err, queue.ErrClosed) {
			reason = "queue_closed"
		}
		metrics.ReadsDropped.WithLabelValues(reason).Inc()
		slog.Error("failed to queue tag read", "read", r.String(), "error", err)
		return
	}
	metrics.ReadsEnqueued.Inc()
	metrics.QueueDepth.Set(float64(h.queue.Len()))
}

// OnReadError logs a read exception reported by a source. Ingestion continues.
func (h *Handler) OnReadError(source string, err error) {
	metrics.ReaderErrors.WithLabelValues(source).Inc()
	slog.Error("read exception", "source", source, "error", err)
}
