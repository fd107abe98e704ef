package ledger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/dronescan/tagscan/pkg/writer"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "ledger"), "run-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func transfer(name string, at time.Time) writer.Transfer {
	return writer.Transfer{
		Name:      name,
		Path:      "/data/transfer/" + name,
		Records:   3,
		FirstRead: at.Add(-time.Minute),
		LastRead:  at.Add(-time.Second),
		OpenedAt:  at.Add(-2 * time.Minute),
		RotatedAt: at,
		Reason:    writer.ReasonCount,
	}
}

func TestFileRotatedAndGet(t *testing.T) {
	l := openTestLedger(t)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if err := l.FileRotated(transfer("data-1714564800000", at)); err != nil {
		t.Fatal(err)
	}

	e, err := l.Get("data-1714564800000")
	if err != nil {
		t.Fatal(err)
	}
	if e.Records != 3 || e.Reason != writer.ReasonCount || e.RunID != "run-1" {
		t.Errorf("entry = %+v", e)
	}
	if !e.RotatedAt.Equal(at) || !e.FirstRead.Equal(at.Add(-time.Minute)) {
		t.Errorf("times not preserved: %+v", e)
	}
}

func TestGetUnknown(t *testing.T) {
	l := openTestLedger(t)
	if _, err := l.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListNewestFirst(t *testing.T) {
	l := openTestLedger(t)
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		if err := l.FileRotated(transfer(fmt.Sprintf("data-%d", i), base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatal(err)
		}
	}

	all, err := l.List(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Fatalf("List(0) = %d entries, want 5", len(all))
	}
	for i, e := range all {
		if want := fmt.Sprintf("data-%d", 4-i); e.Name != want {
			t.Errorf("entry %d = %s, want %s", i, e.Name, want)
		}
	}

	top, err := l.List(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(top) != 2 || top[0].Name != "data-4" || top[1].Name != "data-3" {
		t.Errorf("List(2) = %+v", top)
	}
}

func TestPutReplacesIndex(t *testing.T) {
	l := openTestLedger(t)
	at := time.Now()
	if err := l.FileRotated(transfer("data-1", at)); err != nil {
		t.Fatal(err)
	}
	if err := l.FileRotated(transfer("data-1", at.Add(time.Second))); err != nil {
		t.Fatal(err)
	}
	all, err := l.List(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("entries = %d, want 1 after re-put", len(all))
	}
}

func TestPrune(t *testing.T) {
	l := openTestLedger(t)
	now := time.Now()
	l.FileRotated(transfer("old-1", now.Add(-72*time.Hour)))
	l.FileRotated(transfer("old-2", now.Add(-48*time.Hour)))
	l.FileRotated(transfer("new-1", now.Add(-time.Hour)))

	n, err := l.Prune(24 * time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("pruned = %d, want 2", n)
	}
	if _, err := l.Get("old-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("old-1 still present: %v", err)
	}
	all, _ := l.List(0)
	if len(all) != 1 || all[0].Name != "new-1" {
		t.Errorf("remaining = %+v", all)
	}

	if n, err := l.Prune(0); err != nil || n != 0 {
		t.Errorf("Prune(0) = %d, %v", n, err)
	}
}

func TestCollectGarbage(t *testing.T) {
	l := openTestLedger(t)
	if err := l.CollectGarbage(); err != nil {
		t.Fatalf("CollectGarbage on fresh ledger: %v", err)
	}
}

func TestReopenKeepsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger")
	l, err := Open(path, "run-a")
	if err != nil {
		t.Fatal(err)
	}
	l.FileRotated(transfer("data-1", time.Now()))
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	l2, err := Open(path, "run-b")
	if err != nil {
		t.Fatal(err)
	}
	defer l2.Close()
	e, err := l2.Get("data-1")
	if err != nil {
		t.Fatal(err)
	}
	if e.RunID != "run-a" {
		t.Errorf("RunID = %s, want run-a", e.RunID)
	}
}

func TestRunMaintenance(t *testing.T) {
	l := openTestLedger(t)
	l.FileRotated(transfer("old", time.Now().Add(-48*time.Hour)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.RunMaintenance(ctx, "@every 1s", time.Hour) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := l.Get("old"); errors.Is(err, ErrNotFound) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("scheduled retention did not prune")
		}
		time.Sleep(50 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestRunMaintenanceBadSchedule(t *testing.T) {
	l := openTestLedger(t)
	if err := l.RunMaintenance(context.Background(), "every tuesday", time.Hour); err == nil {
		t.Fatal("expected schedule error")
	}
}
