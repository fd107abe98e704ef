package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/robfig/cron/v3"

	"github.com/dronescan/tagscan/pkg/metrics"
)

// Prune deletes entries rotated before now-retention and returns how many
// were removed. A non-positive retention keeps everything.
func (l *Ledger) Prune(retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-retention).UnixNano()

	var stale [][]byte
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(rotatedPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		// Keys are ordered by rotation time, oldest first.
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			at, name, ok := parseRotatedKey(key)
			if !ok {
				continue
			}
			if at >= cutoff {
				break
			}
			stale = append(stale, key, transferKey(name))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("ledger.Prune: scan: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	wb := l.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range stale {
		if err := wb.Delete(key); err != nil {
			return 0, fmt.Errorf("ledger.Prune: delete: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("ledger.Prune: flush: %w", err)
	}

	n := len(stale) / 2
	metrics.LedgerPruned.Add(float64(n))
	slog.Info("ledger retention completed", "pruned", n, "retention", retention)
	return n, nil
}

func parseRotatedKey(key []byte) (int64, string, bool) {
	rest := bytes.TrimPrefix(key, []byte(rotatedPrefix))
	i := bytes.IndexByte(rest, ':')
	if i < 0 {
		return 0, "", false
	}
	at, err := strconv.ParseInt(string(rest[:i]), 10, 64)
	if err != nil {
		return 0, "", false
	}
	return at, string(rest[i+1:]), true
}

// CollectGarbage runs badger value log GC until there is nothing left to
// rewrite.
func (l *Ledger) CollectGarbage() error {
	for {
		err := l.db.RunValueLogGC(0.5)
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("ledger.CollectGarbage: %w", err)
		}
	}
}

// maintain is one scheduled maintenance pass.
func (l *Ledger) maintain(retention time.Duration) {
	if _, err := l.Prune(retention); err != nil {
		slog.Error("ledger retention failed", "error", err)
	}
	if err := l.CollectGarbage(); err != nil {
		slog.Error("ledger value log gc failed", "error", err)
	}
}

// RunMaintenance prunes entries older than retention and compacts the value
// log on the given cron schedule until ctx is cancelled. An empty schedule
// disables maintenance.
func (l *Ledger) RunMaintenance(ctx context.Context, schedule string, retention time.Duration) error {
	if schedule == "" {
		<-ctx.Done()
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { l.maintain(retention) }); err != nil {
		return fmt.Errorf("ledger.RunMaintenance: schedule %q: %w", schedule, err)
	}
	c.Start()
	slog.Info("ledger maintenance scheduled", "schedule", schedule, "retention", retention)

	<-ctx.Done()
	// Wait for a pass in progress before the database is closed.
	<-c.Stop().Done()
	return nil
}
