package creditledger

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultSweepInterval = 15 * time.Second
	DefaultSweepBatch    = 100
)

// Sweeper periodically releases held reservations whose expiry has passed,
// so a crashed or lost generation never keeps credit on hold forever.
type Sweeper struct {
	broker   *GenerationBroker
	interval time.Duration
	batch    int
	logger   *slog.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepInterval sets the time between sweep passes.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.interval = d }
}

// WithSweepBatch sets how many expired holds one pass releases at most.
func WithSweepBatch(n int) SweeperOption {
	return func(s *Sweeper) { s.batch = n }
}

// NewSweeper creates a Sweeper that resolves through broker, so releases
// are metered like any other.
func NewSweeper(broker *GenerationBroker, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		broker:   broker,
		interval: DefaultSweepInterval,
		batch:    DefaultSweepBatch,
		logger:   broker.logger,
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.interval <= 0 {
		s.interval = DefaultSweepInterval
	}
	if s.batch <= 0 {
		s.batch = DefaultSweepBatch
	}
	return s
}

// Start launches the background loop. It returns immediately.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)

	s.logger.Info("sweeper started",
		"interval", s.interval,
		"batch", s.batch,
	)
}

// Stop ends the loop and waits for an in-flight pass to finish.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one pass and returns how many holds it released. A hold that
// was resolved concurrently is skipped, not counted as an error.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	start := time.Now()
	b := s.broker

	expired, err := b.store.ListExpired(ctx, b.now(), s.batch)
	if err != nil {
		b.meter.OnSweep(SweepEvent{Duration: time.Since(start), Error: err})
		return 0, wrap("sweep", "", err)
	}

	released := 0
	var sweepErr error
	for _, res := range expired {
		if _, err := b.resolve(ctx, res, ReservationReleased, "", true); err != nil {
			if errors.Is(err, ErrReservationResolved) {
				continue
			}
			sweepErr = errors.Join(sweepErr, err)
			continue
		}
		released++
	}

	b.meter.OnSweep(SweepEvent{
		Expired:  len(expired),
		Released: released,
		Duration: time.Since(start),
		Error:    sweepErr,
	})
	return released, sweepErr
}
