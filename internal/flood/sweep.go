package flood

import (
	"context"
	"sync"
	"time"

	"masterbook/internal/metrics"
)

// SweepStats is the outcome of one sweep.
type SweepStats struct {
	FloodReset         int
	NonRecognizedReset int
	Failed             int
}

// Sweep resets flood and non-recognition counters whose window has expired.
// Each user is reset independently; failures are logged and skipped.
func (g *Gate) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	cutoff := g.opts.Now().Add(-g.opts.Window)

	floodIDs, err := g.store.ExpiredFloodIDs(ctx, cutoff)
	if err != nil {
		return stats, err
	}
	for _, id := range floodIDs {
		if err := g.store.ResetFlood(ctx, id); err != nil {
			stats.Failed++
			g.logger.Error().Err(err).Int64("user_id", id).Msg("reset flood counter")
			continue
		}
		stats.FloodReset++
	}

	nrIDs, err := g.store.ExpiredNonRecognizedIDs(ctx, cutoff)
	if err != nil {
		return stats, err
	}
	for _, id := range nrIDs {
		if err := g.store.ResetNonRecognized(ctx, id); err != nil {
			stats.Failed++
			g.logger.Error().Err(err).Int64("user_id", id).Msg("reset non-recognized counter")
			continue
		}
		stats.NonRecognizedReset++
	}

	metrics.AddSweepResets("flood", stats.FloodReset)
	metrics.AddSweepResets("non_recognized", stats.NonRecognizedReset)
	return stats, nil
}

// Sweeper runs Sweep on a timer.
type Sweeper struct {
	gate     *Gate
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

func NewSweeper(gate *Gate, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{gate: gate, interval: interval}
}

// Start begins the sweep loop.
func (s *Sweeper) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stop := s.stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(stop)
	s.gate.logger.Info().Dur("interval", s.interval).Msg("Flood sweeper started")
}

// Stop waits for the running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.gate.logger.Info().Msg("Flood sweeper stopped")
}

func (s *Sweeper) loop(stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.run()
		}
	}
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	stats, err := s.gate.Sweep(ctx)
	if err != nil {
		s.gate.logger.Error().Err(err).Msg("flood sweep failed")
		return
	}
	if stats.FloodReset+stats.NonRecognizedReset+stats.Failed > 0 {
		s.gate.logger.Info().
			Int("flood_reset", stats.FloodReset).
			Int("non_recognized_reset", stats.NonRecognizedReset).
			Int("failed", stats.Failed).
			Msg("flood sweep finished")
	}
}
