// Package source produces tag reads and delivers them to an ingest.Listener.
package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dronescan/tagscan/pkg/ingest"
	"github.com/dronescan/tagscan/pkg/tag"
)

// Source is a producer of tag reads.
type Source interface {
	Name() string
	Run(ctx context.Context) error
}

// TCPSource accepts reader connections streaming newline-delimited CSV
// records of the form epc,epochMillis,rssi,phase,antenna.
type TCPSource struct {
	addr     string
	listener ingest.Listener

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewTCPSource returns a source listening on addr.
func NewTCPSource(addr string, l ingest.Listener) *TCPSource {
	return &TCPSource{addr: addr, listener: l, conns: make(map[net.Conn]struct{})}
}

func (s *TCPSource) Name() string { return "tcp" }

// Run listens on the configured address and serves until ctx is cancelled.
func (s *TCPSource) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("source.TCPSource: listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled. Open connections
// are closed on return.
func (s *TCPSource) Serve(ctx context.Context, ln net.Listener) error {
	slog.Info("tcp read source listening", "addr", ln.Addr().String())

	stop := context.AfterFunc(ctx, func() {
		ln.Close()
		s.closeConns()
	})
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				slog.Warn("tcp accept error", "error", err)
				continue
			}
			ln.Close()
			s.closeConns()
			return fmt.Errorf("source.TCPSource: accept: %w", err)
		}
		if !s.track(conn) {
			conn.Close()
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.untrack(conn)
			s.handleConn(conn)
		}()
	}
}

func (s *TCPSource) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *TCPSource) untrack(c net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.Close()
	delete(s.conns, c)
}

func (s *TCPSource) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

// handleConn decodes records until the peer disconnects. Malformed records
// are reported and skipped; the connection stays open.
func (s *TCPSource) handleConn(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	slog.Info("reader connected", "remote", remote)

	r := csv.NewReader(conn)
	r.FieldsPerRecord = 5
	r.TrimLeadingSpace = true
	r.ReuseRecord = true

	var reads int
	for {
		fields, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var pe *csv.ParseError
		if errors.As(err, &pe) {
			s.listener.OnReadError(s.Name(), fmt.Errorf("%s: %w", remote, err))
			continue
		}
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.listener.OnReadError(s.Name(), fmt.Errorf("%s: %w", remote, err))
			}
			break
		}
		if strings.EqualFold(fields[0], "epc") {
			continue
		}

		rd, err := parseLine(fields)
		if err != nil {
			line, _ := r.FieldPos(0)
			s.listener.OnReadError(s.Name(), fmt.Errorf("%s line %d: %w", remote, line, err))
			continue
		}
		s.listener.OnRead(rd)
		reads++
	}
	slog.Info("reader disconnected", "remote", remote, "reads", reads)
}

func parseLine(fields []string) (tag.Read, error) {
	ms, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return tag.Read{}, fmt.Errorf("time: %w", err)
	}
	var nums [3]int
	for i, f := range fields[2:] {
		n, err := strconv.Atoi(f)
		if err != nil {
			return tag.Read{}, fmt.Errorf("field %d: %w", i+3, err)
		}
		nums[i] = n
	}
	rd := tag.New(fields[0], time.UnixMilli(ms), nums[0], nums[1], nums[2])
	if err := rd.Validate(); err != nil {
		return tag.Read{}, err
	}
	return rd, nil
}
