package lifecycle

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"ecoshare/agreement"
	"ecoshare/metrics"
)

// Sweeper cancels agreements whose signing deadline has passed. Each
// candidate goes through Engine.Expire, so a signature racing the sweep
// either lands first (and the sweep becomes a no-op) or fails with ErrExpired.
type Sweeper struct {
	engine      *Engine
	store       agreement.Store
	log         zerolog.Logger
	batch       int
	concurrency int
}

// NewSweeper builds a Sweeper. Non-positive batch or concurrency fall back to 100 and 4.
func NewSweeper(engine *Engine, batch, concurrency int) *Sweeper {
	if batch <= 0 {
		batch = 100
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Sweeper{
		engine:      engine,
		store:       engine.store,
		log:         engine.log.With().Str("component", "sweeper").Logger(),
		batch:       batch,
		concurrency: concurrency,
	}
}

// Run performs one pass and returns how many agreements it cancelled.
// Failures on individual agreements are logged and skipped.
func (s *Sweeper) Run(ctx context.Context) (int, error) {
	start := time.Now()
	candidates, err := s.store.ListExpired(ctx, s.engine.clock(), s.batch)
	if err != nil {
		return 0, err
	}

	var cancelled atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, a := range candidates {
		id := a.ID
		g.Go(func() error {
			fired, err := s.engine.Expire(gctx, id)
			switch {
			case err == nil:
				if fired {
					cancelled.Add(1)
				}
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return err
			default:
				s.log.Warn().Err(err).Str("agreement_id", id).Msg("expire agreement failed")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(cancelled.Load()), err
	}

	n := int(cancelled.Load())
	metrics.ObserveSweep(n, time.Since(start))
	if n > 0 {
		s.log.Info().Int("cancelled", n).Int("candidates", len(candidates)).Msg("expiry sweep finished")
	}
	return n, nil
}
