// Package syncer implements the background worker that propagates registry
// changes from PostgreSQL into the Redis L2 registry and announces them on
// the change feed.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rafaeljc/bifrost/internal/cache"
	"github.com/rafaeljc/bifrost/internal/changefeed"
	"github.com/rafaeljc/bifrost/internal/config"
	"github.com/rafaeljc/bifrost/internal/observability"
	"github.com/rafaeljc/bifrost/internal/ruleengine"
	"github.com/rafaeljc/bifrost/internal/store"
	"github.com/rafaeljc/bifrost/internal/validation"
)

// ChangeLister is the polling side of the registry store.
type ChangeLister interface {
	ListChangedSince(ctx context.Context, since time.Time, limit int) ([]store.Change, error)
}

// TombstonePruner is implemented by stores that keep deletion records.
type TombstonePruner interface {
	PruneTombstones(ctx context.Context, before time.Time) (int64, error)
}

// L2Writer is the write side of the Redis L2 registry.
type L2Writer interface {
	PutFlag(ctx context.Context, flag *ruleengine.FeatureFlag) (cache.SetResult, error)
	PutFlagValue(ctx context.Context, v *ruleengine.FlagValue) (cache.SetResult, error)
	ForgetValues(ctx context.Context, flagID string) error
	Forget(ctx context.Context, flagKey, flagID string) error
}

// Service orchestrates the synchronization process.
type Service struct {
	logger    *slog.Logger
	config    config.SyncerConfig
	changes   ChangeLister
	l2        L2Writer
	publisher changefeed.Publisher

	// Owned by the Run goroutine.
	cursor   time.Time
	cycles   int
	hydrated bool
}

// New creates a new Syncer service.
func New(logger *slog.Logger, cfg config.SyncerConfig, changes ChangeLister, l2 L2Writer, publisher changefeed.Publisher) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	validation.AssertPresent(changes, "change lister")
	validation.AssertPresent(l2, "l2 writer")
	validation.AssertPresent(publisher, "change publisher")

	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}

	return &Service{
		logger:    logger,
		config:    cfg,
		changes:   changes,
		l2:        l2,
		publisher: publisher,
	}
}

// Cursor returns the timestamp of the last change fully propagated.
// It is only safe to call when Run is not executing.
func (s *Service) Cursor() time.Time {
	return s.cursor
}

// Run starts the syncer loop. It blocks until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("starting syncer service",
		slog.Duration("interval", s.config.Interval),
		slog.Int("batch_size", s.config.BatchSize),
	)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	// The first cycle hydrates L2 from an empty cursor and announces AllChanged.
	s.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("syncer service stopping...")
			return nil
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

func (s *Service) runCycle(ctx context.Context) {
	start := time.Now()
	err := s.Sync(ctx)
	observability.SyncerCycleDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		observability.SyncerCyclesTotal.WithLabelValues("fail").Inc()
		// Retry on next tick from the last good cursor.
		s.logger.Error("sync cycle failed", slog.Any("error", err))
		return
	}
	observability.SyncerCyclesTotal.WithLabelValues("success").Inc()
	if !s.cursor.IsZero() {
		observability.SyncerLagSeconds.Set(time.Since(s.cursor).Seconds())
	}
}

// Sync performs a single synchronization cycle: it drains every change after
// the cursor in batches, refreshes L2, publishes one change per flag whose L2
// record moved, and advances the cursor past what was propagated.
func (s *Service) Sync(ctx context.Context) error {
	bootstrap := !s.hydrated
	s.cycles++

	var synced, published int
	lookback := s.config.Lookback
	for {
		since := s.cursor
		if !since.IsZero() {
			since = since.Add(-lookback)
		}

		batch, err := s.changes.ListChangedSince(ctx, since, s.config.BatchSize)
		if err != nil {
			return fmt.Errorf("failed to list changes: %w", err)
		}

		progressed := false
		for _, c := range batch {
			moved, err := s.apply(ctx, c)
			if err != nil {
				observability.SyncerFlagsTotal.WithLabelValues("fail").Inc()
				return fmt.Errorf("failed to sync flag %q: %w", c.Key, err)
			}
			observability.SyncerFlagsTotal.WithLabelValues("success").Inc()
			synced++

			// A bootstrap announces everything at once below.
			if moved && !bootstrap {
				s.publish(ctx, changefeed.FlagChanged(c.Key, c.FlagID, c.ChangedAt))
				published++
			}
			if c.ChangedAt.After(s.cursor) {
				s.cursor = c.ChangedAt
				progressed = true
			}
		}

		if len(batch) < s.config.BatchSize {
			break
		}
		if !progressed {
			if lookback == 0 {
				break
			}
			// The lookback window alone fills a batch: continue strictly after the cursor.
			lookback = 0
		}
	}

	if bootstrap || (s.config.FullResyncEvery > 0 && s.cycles%s.config.FullResyncEvery == 0) {
		s.publish(ctx, changefeed.AllChanged(time.Now().UTC()))
		published++
	}

	s.hydrated = true
	s.pruneTombstones(ctx)

	if synced > 0 || published > 0 {
		s.logger.Info("sync cycle completed",
			slog.Int("synced", synced),
			slog.Int("published", published),
			slog.Bool("bootstrap", bootstrap),
			slog.Time("cursor", s.cursor),
		)
	}
	return nil
}

// apply writes one change into L2 and reports whether any cached record moved.
func (s *Service) apply(ctx context.Context, c store.Change) (bool, error) {
	if c.Deleted {
		return true, s.l2.Forget(ctx, c.Key, c.FlagID)
	}

	res, err := s.l2.PutFlag(ctx, c.Flag)
	if err != nil {
		return false, err
	}
	moved := res != cache.SetResultSkipped

	// A newer flag record may follow an override deletion, which leaves nothing
	// to copy; rebuild the override hash from the listed values instead.
	if res == cache.SetResultUpdated {
		if err := s.l2.ForgetValues(ctx, c.FlagID); err != nil {
			return false, err
		}
	}

	for _, v := range c.Values {
		vres, err := s.l2.PutFlagValue(ctx, v)
		if err != nil {
			return false, err
		}
		if vres != cache.SetResultSkipped {
			moved = true
		}
	}
	return moved, nil
}

// publish is best-effort: consumers that miss an event still converge on the
// L2 TTL and the next full resync.
func (s *Service) publish(ctx context.Context, c changefeed.Change) {
	if err := s.publisher.Publish(ctx, c); err != nil {
		s.logger.Warn("failed to publish change",
			slog.String("kind", string(c.Kind)),
			slog.String("flag_key", c.FlagKey),
			slog.Any("error", err),
		)
	}
}

func (s *Service) pruneTombstones(ctx context.Context) {
	pruner, ok := s.changes.(TombstonePruner)
	if !ok || s.config.TombstoneRetention <= 0 {
		return
	}
	n, err := pruner.PruneTombstones(ctx, time.Now().Add(-s.config.TombstoneRetention))
	if err != nil {
		s.logger.Warn("failed to prune tombstones", slog.Any("error", err))
		return
	}
	if n > 0 {
		s.logger.Debug("pruned tombstones", slog.Int64("count", n))
	}
}
