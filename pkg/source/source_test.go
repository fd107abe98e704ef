package source

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/dronescan/tagscan/pkg/tag"
)

type collector struct {
	mu     sync.Mutex
	reads  []tag.Read
	errors []error
}

func (c *collector) OnRead(r tag.Read) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads = append(c.reads, r)
}

func (c *collector) OnReadError(source string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, err)
}

func (c *collector) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reads), len(c.errors)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func startTCP(t *testing.T, c *collector) (string, context.CancelFunc, chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	src := NewTCPSource(ln.Addr().String(), c)
	go func() { done <- src.Serve(ctx, ln) }()
	t.Cleanup(cancel)
	return ln.Addr().String(), cancel, done
}

func TestTCPSourceParsesRecords(t *testing.T) {
	c := &collector{}
	addr, _, _ := startTCP(t, c)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	fmt.Fprint(conn, "epc,time,rssi,phase,antenna\n")
	fmt.Fprint(conn, "E1,1700000000123,-55,1024,1\n")
	fmt.Fprint(conn, "E2,1700000000456,-61,7,2\n")

	waitFor(t, func() bool { n, _ := c.counts(); return n == 2 })
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reads[0].EPC != "E1" || !c.reads[0].Time.Equal(time.UnixMilli(1700000000123)) {
		t.Errorf("read 0 = %+v", c.reads[0])
	}
	if c.reads[1].RSSI != -61 || c.reads[1].Phase != 7 || c.reads[1].Antenna != 2 {
		t.Errorf("read 1 = %+v", c.reads[1])
	}
}

func TestTCPSourceMalformedLinesKeepConnection(t *testing.T) {
	c := &collector{}
	addr, _, _ := startTCP(t, c)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	fmt.Fprint(conn, "E1,notatime,-55,1,1\n")
	fmt.Fprint(conn, "E2,1700000000000,-55\n")
	fmt.Fprint(conn, "E3,1700000000000,-55,1,0\n")
	fmt.Fprint(conn, "\"E5\nepc\",1700000000000,-55,1,1\n")
	fmt.Fprint(conn, "E4,1700000000000,-55,1,1\n")

	waitFor(t, func() bool { n, e := c.counts(); return n == 1 && e == 4 })
}

func TestTCPSourceMultipleConnections(t *testing.T) {
	c := &collector{}
	addr, _, _ := startTCP(t, c)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := net.Dial("tcp", addr)
			if err != nil {
				t.Error(err)
				return
			}
			defer conn.Close()
			for j := 0; j < 25; j++ {
				fmt.Fprintf(conn, "E%d%04X,1700000000000,-50,1,1\n", i, j)
			}
		}(i)
	}
	wg.Wait()
	waitFor(t, func() bool { n, _ := c.counts(); return n == 100 })
}

func TestTCPSourceStopsOnCancel(t *testing.T) {
	c := &collector{}
	addr, cancel, done := startTCP(t, c)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	fmt.Fprint(conn, "E1,1700000000000,-50,1,1\n")
	waitFor(t, func() bool { n, _ := c.counts(); return n == 1 })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("source did not stop with an open connection")
	}
}

func TestTCPSourceRunBadAddr(t *testing.T) {
	src := NewTCPSource("256.0.0.1:bad", &collector{})
	if err := src.Run(context.Background()); err == nil {
		t.Fatal("expected listen error")
	}
}

func TestNewSimulatedSourceValidation(t *testing.T) {
	for _, cfg := range []SimulateConfig{
		{Rate: 0, Tags: 1, Antennas: []int{1}},
		{Rate: 10, Tags: 0, Antennas: []int{1}},
		{Rate: 10, Tags: 1},
		{Rate: 10, Tags: 1, Antennas: []int{1}, Session: 4},
	} {
		if _, err := NewSimulatedSource(cfg, &collector{}); err == nil {
			t.Errorf("config %+v accepted", cfg)
		}
	}
}

func TestSimulatedSourceRate(t *testing.T) {
	c := &collector{}
	src, err := NewSimulatedSource(SimulateConfig{
		Rate:     500,
		Tags:     20,
		Antennas: []int{1, 3},
		Duration: 300 * time.Millisecond,
	}, c)
	if err != nil {
		t.Fatal(err)
	}
	if err := src.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	n, _ := c.counts()
	if n < 50 || n > 200 {
		t.Errorf("reads in 300ms at 500/s = %d", n)
	}
	for _, r := range c.reads {
		if err := r.Validate(); err != nil {
			t.Fatalf("invalid read %+v: %v", r, err)
		}
		if r.Antenna != 1 && r.Antenna != 3 {
			t.Fatalf("read on unconfigured antenna %d", r.Antenna)
		}
	}
}

func TestSimulatedSourceSessionPersistence(t *testing.T) {
	c := &collector{}
	src, err := NewSimulatedSource(SimulateConfig{Rate: 1000, Tags: 3, Antennas: []int{1}, Session: 2}, c)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		if r, ok := src.next(now); ok {
			if seen[r.EPC] {
				t.Fatalf("tag %s read twice inside its persistence window", r.EPC)
			}
			seen[r.EPC] = true
		}
	}
	if len(seen) != 3 {
		t.Errorf("distinct tags = %d, want 3", len(seen))
	}
	if _, ok := src.next(now.Add(3 * time.Second)); !ok {
		t.Error("tags should answer again after persistence expires")
	}
}

func TestSimulatedSourceStopsOnCancel(t *testing.T) {
	src, err := NewSimulatedSource(SimulateConfig{Rate: 10, Tags: 1, Antennas: []int{1}}, &collector{})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("simulated source did not stop")
	}
}
