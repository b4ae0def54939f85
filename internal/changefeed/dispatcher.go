package changefeed

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rafaeljc/bifrost/internal/observability"
)

// maxBackoff caps the reconnect delay of a failing source.
const maxBackoff = 30 * time.Second

// Dispatcher runs sources and delivers their changes to one handler.
type Dispatcher struct {
	logger  *slog.Logger
	sources []Source
	handle  Handler
	backoff time.Duration
}

// NewDispatcher creates a Dispatcher. backoff is the initial reconnect delay,
// doubled on every consecutive failure of a source.
func NewDispatcher(logger *slog.Logger, handle Handler, backoff time.Duration, sources ...Source) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if handle == nil {
		panic("changefeed: handler cannot be nil")
	}
	if backoff <= 0 {
		backoff = time.Second
	}

	return &Dispatcher{
		logger:  logger,
		sources: sources,
		handle:  handle,
		backoff: backoff,
	}
}

// Run blocks until ctx is cancelled. A failing source is restarted with
// backoff and never stops the others.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, src := range d.sources {
		g.Go(func() error {
			d.runSource(ctx, src)
			return nil
		})
	}

	return g.Wait()
}

func (d *Dispatcher) runSource(ctx context.Context, src Source) {
	log := d.logger.With(slog.String("source", src.Name()))
	handle := func(ctx context.Context, c Change) {
		observability.ChangeFeedEventsTotal.WithLabelValues(src.Name(), string(c.Kind)).Inc()
		d.handle(ctx, c)
	}

	backoff := d.backoff
	for {
		log.Info("change feed source starting")
		started := time.Now()

		err := src.Run(ctx, handle)
		if ctx.Err() != nil {
			log.Info("change feed source stopped")
			return
		}

		observability.ChangeFeedErrorsTotal.WithLabelValues(src.Name()).Inc()
		log.Warn("change feed source failed",
			slog.Any("error", err),
			slog.Duration("retry_in", backoff),
		)

		// Anything may have changed while disconnected.
		d.handle(ctx, AllChanged(time.Now().UTC()))

		// A source that ran for a while before failing starts over from the initial delay.
		if time.Since(started) > maxBackoff {
			backoff = d.backoff
		}

		retry := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			retry.Stop()
			return
		case <-retry.C:
		}
		backoff = min(backoff*2, maxBackoff)
	}
}
