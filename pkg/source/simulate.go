package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/dronescan/tagscan/pkg/ingest"
	"github.com/dronescan/tagscan/pkg/tag"
)

// persistence is how long a tag stays quiet after inventory in Gen2
// sessions 1..3. Session 0 tags answer every round.
var persistence = [4]time.Duration{0, 500 * time.Millisecond, 2 * time.Second, 2 * time.Second}

// SimulateConfig configures a SimulatedSource.
type SimulateConfig struct {
	Rate     float64       // reads per second
	Tags     int           // tag population
	Antennas []int         // antenna ports reads are attributed to
	Session  int           // Gen2 session 0..3
	Duration time.Duration // stop after this long; 0 runs until cancelled
}

// SimulatedSource generates reads from a fixed tag population.
type SimulatedSource struct {
	cfg      SimulateConfig
	listener ingest.Listener
	epcs     []string
	lastSeen []time.Time
	rng      *rand.Rand
}

// NewSimulatedSource validates cfg and builds the tag population.
func NewSimulatedSource(cfg SimulateConfig, l ingest.Listener) (*SimulatedSource, error) {
	if cfg.Rate <= 0 {
		return nil, fmt.Errorf("source.NewSimulatedSource: rate must be positive, got %v", cfg.Rate)
	}
	if cfg.Tags <= 0 {
		return nil, fmt.Errorf("source.NewSimulatedSource: tags must be positive, got %d", cfg.Tags)
	}
	if len(cfg.Antennas) == 0 {
		return nil, errors.New("source.NewSimulatedSource: at least one antenna is required")
	}
	if cfg.Session < 0 || cfg.Session > 3 {
		return nil, fmt.Errorf("source.NewSimulatedSource: session must be 0..3, got %d", cfg.Session)
	}
	epcs := make([]string, cfg.Tags)
	for i := range epcs {
		epcs[i] = fmt.Sprintf("E2801160%016X", i+1)
	}
	return &SimulatedSource{
		cfg:      cfg,
		listener: l,
		epcs:     epcs,
		lastSeen: make([]time.Time, cfg.Tags),
		rng:      rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x7a67)),
	}, nil
}

func (s *SimulatedSource) Name() string { return "simulate" }

// Run emits reads at the configured rate until ctx is cancelled or the
// configured duration elapses.
func (s *SimulatedSource) Run(ctx context.Context) error {
	if s.cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Duration)
		defer cancel()
	}

	tick := time.Duration(float64(time.Second) / s.cfg.Rate)
	if tick < time.Millisecond {
		tick = time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	slog.Info("simulated read source started",
		"rate", s.cfg.Rate,
		"tags", s.cfg.Tags,
		"antennas", s.cfg.Antennas,
		"session", s.cfg.Session)

	start := time.Now()
	var sent int64
	for {
		select {
		case <-ctx.Done():
			slog.Info("simulated read source stopped", "reads", sent)
			return nil
		case now := <-ticker.C:
			due := int64(s.cfg.Rate * now.Sub(start).Seconds())
			for ; sent < due; sent++ {
				if rd, ok := s.next(now); ok {
					s.listener.OnRead(rd)
				}
			}
		}
	}
}

// next picks a tag that is not held quiet by its session and reads it.
func (s *SimulatedSource) next(now time.Time) (tag.Read, bool) {
	quiet := persistence[s.cfg.Session]
	i := s.rng.IntN(len(s.epcs))
	for tries := 0; tries < len(s.epcs); tries++ {
		j := (i + tries) % len(s.epcs)
		if quiet > 0 && !s.lastSeen[j].IsZero() && now.Sub(s.lastSeen[j]) < quiet {
			continue
		}
		s.lastSeen[j] = now
		return tag.New(
			s.epcs[j],
			now,
			-30-s.rng.IntN(46),
			s.rng.IntN(4096),
			s.cfg.Antennas[s.rng.IntN(len(s.cfg.Antennas))],
		), true
	}
	return tag.Read{}, false
}
