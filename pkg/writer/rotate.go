package writer

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dronescan/tagscan/pkg/metrics"
	"github.com/dronescan/tagscan/pkg/tag"
)

// ErrNotDirectory is returned when the data or transfer path exists but is
// not a directory.
var ErrNotDirectory = errors.New("not a directory")

// PrepareDirs ensures dataDir and its transfer subdirectory exist, creating
// them if absent, and returns the transfer directory path.
func PrepareDirs(dataDir string) (string, error) {
	if created, err := ensureDir(dataDir); err != nil {
		return "", err
	} else if created {
		slog.Info("created data directory", "path", dataDir)
	}

	transferDir := filepath.Join(dataDir, TransferDirName)
	if created, err := ensureDir(transferDir); err != nil {
		return "", err
	} else if created {
		slog.Info("created transfer directory", "path", transferDir)
	}
	return transferDir, nil
}

func ensureDir(path string) (bool, error) {
	fi, err := os.Stat(path)
	switch {
	case err == nil:
		if !fi.IsDir() {
			return false, fmt.Errorf("%s: %w", path, ErrNotDirectory)
		}
		return false, nil
	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(path, 0o755); err != nil {
			return false, fmt.Errorf("create %s: %w", path, err)
		}
		return true, nil
	default:
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
}

// dirBaseName returns the last element of the absolute data directory path,
// used as the prefix of transfer file names.
func dirBaseName(dataDir string) string {
	if abs, err := filepath.Abs(dataDir); err == nil {
		dataDir = abs
	}
	return filepath.Base(dataDir)
}

// open opens the active file for append, creating it if needed. The column
// header is written only when the file is empty.
func (w *Writer) open() error {
	f, err := os.OpenFile(w.activePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		metrics.WriteErrors.WithLabelValues("open").Inc()
		return fmt.Errorf("writer: open %s: %w", w.activePath, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		metrics.WriteErrors.WithLabelValues("open").Inc()
		return fmt.Errorf("writer: stat %s: %w", w.activePath, err)
	}

	if w.buf == nil {
		w.buf = bufio.NewWriterSize(f, w.cfg.BufferSize)
	} else {
		w.buf.Reset(f)
	}
	w.file = f
	w.openedAt = time.Now()

	switch {
	case fi.Size() == 0:
		if _, err := w.buf.WriteString(tag.Header + "\n"); err != nil {
			w.abandon()
			metrics.WriteErrors.WithLabelValues("write").Inc()
			return fmt.Errorf("writer: write header %s: %w", w.activePath, err)
		}
	default:
		// Carried over from a previous run: terminate a torn final line so
		// the next record starts on its own line.
		torn, err := lastByteIsNot(w.activePath, fi.Size(), '\n')
		if err != nil {
			w.abandon()
			metrics.WriteErrors.WithLabelValues("open").Inc()
			return fmt.Errorf("writer: inspect %s: %w", w.activePath, err)
		}
		if torn {
			w.buf.WriteByte('\n')
		}
		slog.Info("appending to existing data file", "path", w.activePath, "bytes", fi.Size())
	}

	w.state.Store(int32(StateWriting))
	return nil
}

func lastByteIsNot(path string, size int64, b byte) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, size-1); err != nil && err != io.EOF {
		return false, err
	}
	return last[0] != b, nil
}

// abandon drops the active file handle after a failed open.
func (w *Writer) abandon() {
	if w.file != nil {
		w.file.Close()
	}
	w.file = nil
}

// closeActive flushes, syncs and closes the active file. It is a no-op when
// no file is open.
func (w *Writer) closeActive() error {
	if w.file == nil {
		return nil
	}
	f := w.file
	w.file = nil
	w.state.Store(int32(StateIdle))

	if err := w.buf.Flush(); err != nil {
		f.Close()
		metrics.WriteErrors.WithLabelValues("write").Inc()
		return fmt.Errorf("writer: flush %s: %w", w.activePath, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		metrics.WriteErrors.WithLabelValues("sync").Inc()
		return fmt.Errorf("writer: sync %s: %w", w.activePath, err)
	}
	if err := f.Close(); err != nil {
		metrics.WriteErrors.WithLabelValues("close").Inc()
		return fmt.Errorf("writer: close %s: %w", w.activePath, err)
	}
	return nil
}

// rotate closes the active file, moves it into the transfer directory and
// opens a fresh active file.
func (w *Writer) rotate(reason Reason) error {
	start := time.Now()
	if err := w.closeActive(); err != nil {
		return err
	}

	now := time.Now()
	name, err := w.transferName(now)
	if err != nil {
		metrics.WriteErrors.WithLabelValues("rename").Inc()
		return fmt.Errorf("writer: name transfer file: %w", err)
	}
	dst := filepath.Join(w.transferDir, name)
	if err := os.Rename(w.activePath, dst); err != nil {
		metrics.WriteErrors.WithLabelValues("rename").Inc()
		return fmt.Errorf("writer: move %s to %s: %w", w.activePath, dst, err)
	}

	t := Transfer{
		Name:      name,
		Path:      dst,
		Records:   w.count,
		FirstRead: w.firstRead,
		LastRead:  w.lastRead,
		OpenedAt:  w.openedAt,
		RotatedAt: now,
		Reason:    reason,
	}
	w.count = 0
	w.lastRotation = now
	w.activeRecords.Store(0)
	w.rotations.Add(1)
	w.lastTransfer.Store(&t)

	metrics.Rotations.WithLabelValues(string(reason)).Inc()
	metrics.ActiveFileRecords.Set(0)
	metrics.RotationDuration.Observe(time.Since(start).Seconds())
	slog.Info("data file ready for transfer",
		"name", name,
		"records", t.Records,
		"reason", reason)

	if w.observer != nil {
		if err := w.observer.FileRotated(t); err != nil {
			slog.Warn("rotation observer failed", "name", name, "error", err)
		}
	}

	return w.open()
}

// transferName returns <dataDirBaseName>-<epochMillis>. The millisecond part
// is kept strictly increasing and skips names already present in the
// transfer directory.
func (w *Writer) transferName(now time.Time) (string, error) {
	ms := now.UnixMilli()
	if ms <= w.lastNameMs {
		ms = w.lastNameMs + 1
	}
	for {
		name := w.baseName + "-" + strconv.FormatInt(ms, 10)
		_, err := os.Lstat(filepath.Join(w.transferDir, name))
		if errors.Is(err, fs.ErrNotExist) {
			w.lastNameMs = ms
			return name, nil
		}
		if err != nil {
			return "", err
		}
		ms++
	}
}
