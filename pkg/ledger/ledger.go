// Package ledger keeps a persistent record of every data file moved into the
// transfer directory.
//
// Entries are stored in badger as msgpack values under two key families:
//
//	transfer:<name>                        -> Entry
//	rotated:<rotatedAt unix nanos>:<name>  -> name
//
// The second family orders entries by rotation time for listing and
// retention.
package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dronescan/tagscan/pkg/metrics"
	"github.com/dronescan/tagscan/pkg/writer"
)

// ErrNotFound is returned by Get for an unknown transfer name.
var ErrNotFound = errors.New("ledger: transfer not found")

const (
	transferPrefix = "transfer:"
	rotatedPrefix  = "rotated:"
)

// Entry is one rotated data file.
type Entry struct {
	Name      string        `msgpack:"name" json:"name"`
	Path      string        `msgpack:"path" json:"path"`
	Records   int           `msgpack:"records" json:"records"`
	FirstRead time.Time     `msgpack:"first_read" json:"first_read"`
	LastRead  time.Time     `msgpack:"last_read" json:"last_read"`
	OpenedAt  time.Time     `msgpack:"opened_at" json:"opened_at"`
	RotatedAt time.Time     `msgpack:"rotated_at" json:"rotated_at"`
	Reason    writer.Reason `msgpack:"reason" json:"reason"`
	RunID     string        `msgpack:"run_id" json:"run_id"`
}

// Ledger is the badger-backed transfer record store.
type Ledger struct {
	db    *badger.DB
	runID string
}

// Open opens (creating if needed) the ledger database at path. Every entry
// recorded through this handle is stamped with runID.
func Open(path, runID string) (*Ledger, error) {
	opts := badger.DefaultOptions(path).
		WithLogger(badgerLogger{}).
		WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("ledger.Open: %s: %w", path, err)
	}
	slog.Info("transfer ledger opened", "path", path, "run_id", runID)
	return &Ledger{db: db, runID: runID}, nil
}

// Close flushes and closes the database.
func (l *Ledger) Close() error {
	if err := l.db.Close(); err != nil {
		return fmt.Errorf("ledger.Close: %w", err)
	}
	return nil
}

func transferKey(name string) []byte {
	return []byte(transferPrefix + name)
}

func rotatedKey(at time.Time, name string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", rotatedPrefix, at.UnixNano(), name))
}

// FileRotated records t. It satisfies writer.RotationObserver.
func (l *Ledger) FileRotated(t writer.Transfer) error {
	e := Entry{
		Name:      t.Name,
		Path:      t.Path,
		Records:   t.Records,
		FirstRead: t.FirstRead,
		LastRead:  t.LastRead,
		OpenedAt:  t.OpenedAt,
		RotatedAt: t.RotatedAt,
		Reason:    t.Reason,
		RunID:     l.runID,
	}
	if err := l.Put(e); err != nil {
		metrics.LedgerEntries.WithLabelValues("error").Inc()
		return err
	}
	metrics.LedgerEntries.WithLabelValues("success").Inc()
	return nil
}

// Put stores e, replacing any entry with the same name.
func (l *Ledger) Put(e Entry) error {
	buf, err := msgpack.Marshal(&e)
	if err != nil {
		return fmt.Errorf("ledger.Put: marshal %s: %w", e.Name, err)
	}
	err = l.db.Update(func(txn *badger.Txn) error {
		if old, err := getEntry(txn, e.Name); err == nil {
			if err := txn.Delete(rotatedKey(old.RotatedAt, old.Name)); err != nil {
				return err
			}
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		if err := txn.Set(transferKey(e.Name), buf); err != nil {
			return err
		}
		return txn.Set(rotatedKey(e.RotatedAt, e.Name), []byte(e.Name))
	})
	if err != nil {
		return fmt.Errorf("ledger.Put: %s: %w", e.Name, err)
	}
	return nil
}

// Get returns the entry for name or ErrNotFound.
func (l *Ledger) Get(name string) (Entry, error) {
	var e Entry
	err := l.db.View(func(txn *badger.Txn) error {
		var err error
		e, err = getEntry(txn, name)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("ledger.Get: %s: %w", name, err)
	}
	return e, nil
}

func getEntry(txn *badger.Txn, name string) (Entry, error) {
	var e Entry
	item, err := txn.Get(transferKey(name))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	err = item.Value(func(val []byte) error {
		return msgpack.Unmarshal(val, &e)
	})
	return e, err
}

// List returns up to limit entries, most recently rotated first. A
// non-positive limit returns every entry.
func (l *Ledger) List(limit int) ([]Entry, error) {
	var out []Entry
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(rotatedPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration starts at the largest key with the prefix.
		for it.Seek(append([]byte(rotatedPrefix), 0xff)); it.Valid(); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var name string
			if err := it.Item().Value(func(val []byte) error {
				name = string(val)
				return nil
			}); err != nil {
				return err
			}
			e, err := getEntry(txn, name)
			if errors.Is(err, ErrNotFound) {
				slog.Warn("ledger index points at missing entry", "name", name)
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ledger.List: %w", err)
	}
	return out, nil
}

// badgerLogger routes badger's internal logging through slog.
type badgerLogger struct{}

func (badgerLogger) Errorf(f string, args ...interface{}) {
	slog.Error(fmt.Sprintf(f, args...), "component", "badger")
}

func (badgerLogger) Warningf(f string, args ...interface{}) {
	slog.Warn(fmt.Sprintf(f, args...), "component", "badger")
}

func (badgerLogger) Infof(f string, args ...interface{}) {
	slog.Info(fmt.Sprintf(f, args...), "component", "badger")
}

func (badgerLogger) Debugf(f string, args ...interface{}) {
	slog.Debug(fmt.Sprintf(f, args...), "component", "badger")
}
