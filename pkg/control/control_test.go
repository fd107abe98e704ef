package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dronescan/tagscan/pkg/ledger"
	"github.com/dronescan/tagscan/pkg/tag"
	"github.com/dronescan/tagscan/pkg/writer"
)

type fakeStatus struct{ s writer.Status }

func (f fakeStatus) Status() writer.Status { return f.s }

type fakeListener struct {
	mu     sync.Mutex
	reads  []tag.Read
	errors []error
}

func (f *fakeListener) OnRead(r tag.Read) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, r)
}

func (f *fakeListener) OnReadError(source string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, err)
}

type fakeIndex struct {
	entries []ledger.Entry
	err     error
}

func (f *fakeIndex) List(limit int) ([]ledger.Entry, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit > 0 && limit < len(f.entries) {
		return f.entries[:limit], nil
	}
	return f.entries, nil
}

func (f *fakeIndex) Get(name string) (ledger.Entry, error) {
	for _, e := range f.entries {
		if e.Name == name {
			return e, nil
		}
	}
	return ledger.Entry{}, ledger.ErrNotFound
}

func newTestServer(idx TransferIndex) (*Server, *fakeListener) {
	l := &fakeListener{}
	st := fakeStatus{writer.Status{State: "writing", ActiveRecords: 7, TotalRecords: 42, Rotations: 3, QueueDepth: 1}}
	return NewServer(ServerConfig{RunID: "run-xyz"}, st, l, idx), l
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleStatus(t *testing.T) {
	s, _ := newTestServer(nil)
	rec := do(t, s.Handler(), "GET", "/api/v1/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp StatusResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.RunID != "run-xyz" || resp.Writer.TotalRecords != 42 || resp.Writer.State != "writing" {
		t.Errorf("response = %+v", resp)
	}
}

func TestHandleTransferList(t *testing.T) {
	idx := &fakeIndex{}
	for i := 3; i > 0; i-- {
		idx.entries = append(idx.entries, ledger.Entry{Name: fmt.Sprintf("data-%d", i), Records: i})
	}
	s, _ := newTestServer(idx)

	rec := do(t, s.Handler(), "GET", "/api/v1/transfers?limit=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var entries []ledger.Entry
	if err := json.NewDecoder(rec.Body).Decode(&entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Name != "data-3" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestHandleTransferListEmpty(t *testing.T) {
	s, _ := newTestServer(&fakeIndex{})
	rec := do(t, s.Handler(), "GET", "/api/v1/transfers", "")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("body = %q, want []", rec.Body.String())
	}
}

func TestHandleTransferListError(t *testing.T) {
	s, _ := newTestServer(&fakeIndex{err: errors.New("db closed")})
	rec := do(t, s.Handler(), "GET", "/api/v1/transfers", "")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestHandleTransferGet(t *testing.T) {
	s, _ := newTestServer(&fakeIndex{entries: []ledger.Entry{{Name: "data-1", Records: 5}}})

	rec := do(t, s.Handler(), "GET", "/api/v1/transfers/data-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var e ledger.Entry
	json.NewDecoder(rec.Body).Decode(&e)
	if e.Records != 5 {
		t.Errorf("entry = %+v", e)
	}

	rec = do(t, s.Handler(), "GET", "/api/v1/transfers/data-2", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown transfer status = %d, want 404", rec.Code)
	}
}

func TestTransfersDisabled(t *testing.T) {
	s, _ := newTestServer(nil)
	for _, path := range []string{"/api/v1/transfers", "/api/v1/transfers/x"} {
		if rec := do(t, s.Handler(), "GET", path, ""); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s status = %d, want 503", path, rec.Code)
		}
	}
}

func TestHandleReads(t *testing.T) {
	fixed := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	timeNow = func() time.Time { return fixed }
	defer func() { timeNow = time.Now }()

	s, l := newTestServer(nil)
	body := `[
		{"epc":"E1","time":"2024-06-01T07:59:59.123Z","rssi":-55,"phase":12,"antenna":1},
		{"epc":"E2","rssi":-60,"phase":3,"antenna":2},
		{"epc":"","antenna":1},
		{"epc":"E4","antenna":0},
		{"epc":"E5","time":"yesterday","antenna":1},
		{"epc":"E6,forged","antenna":1},
		{"epc":"E7\nepc,time,rssi,phase,antenna","antenna":1}
	]`
	rec := do(t, s.Handler(), "POST", "/api/v1/reads", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp IngestResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Accepted != 2 || resp.Rejected != 5 {
		t.Errorf("response = %+v, want 2 accepted, 5 rejected", resp)
	}
	if len(l.reads) != 2 || len(l.errors) != 5 {
		t.Fatalf("listener saw %d reads, %d errors", len(l.reads), len(l.errors))
	}
	if got := l.reads[0].Time; !got.Equal(time.Date(2024, 6, 1, 7, 59, 59, 123_000_000, time.UTC)) {
		t.Errorf("E1 time = %v", got)
	}
	if !l.reads[1].Time.Equal(fixed) {
		t.Errorf("E2 time = %v, want now", l.reads[1].Time)
	}
}

func TestHandleReadsBadJSON(t *testing.T) {
	s, _ := newTestServer(nil)
	rec := do(t, s.Handler(), "POST", "/api/v1/reads", `{"epc":`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestServe(t *testing.T) {
	s, l := newTestServer(nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/api/v1/reads"
	resp, err := http.Post(url, "application/json", strings.NewReader(`[{"epc":"E1","antenna":1}]`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || len(l.reads) != 1 {
		t.Errorf("status = %d, reads = %d", resp.StatusCode, len(l.reads))
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
