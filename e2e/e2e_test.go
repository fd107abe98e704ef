package e2e

import (
	"context"
	"fmt"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dronescan/tagscan/pkg/client"
	"github.com/dronescan/tagscan/pkg/control"
	"github.com/dronescan/tagscan/pkg/ingest"
	"github.com/dronescan/tagscan/pkg/ledger"
	"github.com/dronescan/tagscan/pkg/queue"
	"github.com/dronescan/tagscan/pkg/source"
	"github.com/dronescan/tagscan/pkg/tag"
	"github.com/dronescan/tagscan/pkg/writer"
)

// testEnv holds all the moving parts for one e2e scenario.
type testEnv struct {
	dataDir string
	q       *queue.Queue[tag.Read]
	handler *ingest.Handler
	writer  *writer.Writer
	ledger  *ledger.Ledger
	client  *client.Client
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan error
}

// newTestEnv boots queue, writer, ledger and control API against temp dirs.
func newTestEnv(t *testing.T, maxTags int, maxTime time.Duration) *testEnv {
	t.Helper()

	dataDir := filepath.Join(t.TempDir(), "site1")
	q := queue.New[tag.Read]()
	handler := ingest.NewHandler(q)

	led, err := ledger.Open(filepath.Join(t.TempDir(), "ledger"), "e2e-run")
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}

	w, err := writer.New(writer.Config{
		DataDir:        dataDir,
		MaxTagsPerFile: maxTags,
		MaxTimePerFile: maxTime,
		Location:       time.UTC,
	}, q, writer.WithObserver(led))
	if err != nil {
		t.Fatalf("create writer: %v", err)
	}

	srv := control.NewServer(control.ServerConfig{RunID: "e2e-run"}, w, handler, led)
	ts := httptest.NewServer(srv.Handler())

	ctx, cancel := context.WithCancel(context.Background())
	env := &testEnv{
		dataDir: dataDir,
		q:       q,
		handler: handler,
		writer:  w,
		ledger:  led,
		client:  client.New(ts.URL),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan error, 1),
	}
	go func() { env.done <- w.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-env.done:
			if err != nil {
				t.Logf("writer exit: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Log("WARNING: writer did not exit within 5s")
		}
		ts.Close()
		q.Close()
		led.Close()
	})
	return env
}

func (e *testEnv) waitRecords(t *testing.T, n int64) {
	t.Helper()
	waitFor(t, func() bool { return e.writer.Status().TotalRecords >= n })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func readEPCs(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	if lines[0] != tag.Header {
		t.Fatalf("%s: first line = %q, want header", path, lines[0])
	}
	var out []string
	for _, l := range lines[1:] {
		out = append(out, strings.SplitN(l, ",", 2)[0])
	}
	return out
}

func reads(epcs ...string) []tag.Read {
	out := make([]tag.Read, len(epcs))
	for i, epc := range epcs {
		out[i] = tag.New(epc, time.Now(), -55, 300, 1)
	}
	return out
}

// ──────────────────────────────── Tests ────────────────────────────────

func TestE2E_HTTPReadsRotateIntoLedger(t *testing.T) {
	env := newTestEnv(t, 2, time.Hour)

	resp, err := env.client.PostReads(reads("E1", "E2", "E3"))
	if err != nil {
		t.Fatalf("PostReads: %v", err)
	}
	if resp.Accepted != 3 {
		t.Fatalf("accepted = %d, want 3", resp.Accepted)
	}
	env.waitRecords(t, 3)

	entries, err := env.client.Transfers(10)
	if err != nil {
		t.Fatalf("Transfers: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("transfers = %+v, want 1", entries)
	}
	e := entries[0]
	if e.Records != 2 || e.Reason != writer.ReasonCount || e.RunID != "e2e-run" {
		t.Errorf("entry = %+v", e)
	}
	if !strings.HasPrefix(e.Name, "site1-") {
		t.Errorf("transfer name %q lacks data dir prefix", e.Name)
	}
	if got := readEPCs(t, e.Path); strings.Join(got, ",") != "E1,E2" {
		t.Errorf("transfer file EPCs = %v", got)
	}

	active := filepath.Join(env.dataDir, "tags.csv")
	waitFor(t, func() bool {
		data, _ := os.ReadFile(active)
		return strings.Contains(string(data), "E3,")
	})
	if got := readEPCs(t, active); strings.Join(got, ",") != "E3" {
		t.Errorf("active file EPCs = %v", got)
	}

	st, err := env.client.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Writer.Rotations != 1 || st.Writer.TotalRecords != 3 {
		t.Errorf("writer status = %+v", st.Writer)
	}
}

func TestE2E_TCPSourceFeedsWriter(t *testing.T) {
	env := newTestEnv(t, 3, time.Hour)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	src := source.NewTCPSource(ln.Addr().String(), env.handler)
	srcDone := make(chan error, 1)
	go func() { srcDone <- src.Serve(env.ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	ms := time.Date(2024, 3, 9, 14, 5, 6, 0, time.UTC).UnixMilli()
	fmt.Fprintln(conn, "epc,time,rssi,phase,antenna")
	for i := 1; i <= 7; i++ {
		fmt.Fprintf(conn, "E%d,%d,-60,%d,2\n", i, ms+int64(i), i*10)
	}
	fmt.Fprintln(conn, "garbage")
	conn.Close()

	env.waitRecords(t, 7)

	entries, err := env.ledger.List(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("ledger has %d entries, want 2", len(entries))
	}
	var got []string
	for i := len(entries) - 1; i >= 0; i-- {
		got = append(got, readEPCs(t, entries[i].Path)...)
	}
	if strings.Join(got, ",") != "E1,E2,E3,E4,E5,E6" {
		t.Errorf("transferred EPCs = %v", got)
	}

	env.cancel()
	select {
	case err := <-srcDone:
		if err != nil {
			t.Errorf("tcp source: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("tcp source did not stop")
	}
}

func TestE2E_IdleFileRotatesOnTime(t *testing.T) {
	env := newTestEnv(t, 1000, 100*time.Millisecond)

	if _, err := env.client.PostReads(reads("E1")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		entries, err := env.ledger.List(1)
		return err == nil && len(entries) == 1
	})

	e, err := env.ledger.List(1)
	if err != nil {
		t.Fatal(err)
	}
	if e[0].Reason == writer.ReasonCount || e[0].Records != 1 {
		t.Errorf("entry = %+v, want a time-driven rotation of 1 record", e[0])
	}
	got, err := env.client.Transfer(e[0].Name)
	if err != nil || got.Path != e[0].Path {
		t.Errorf("Transfer(%s) = %+v, %v", e[0].Name, got, err)
	}
}
