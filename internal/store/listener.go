package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rafaeljc/bifrost/internal/changefeed"
	"github.com/rafaeljc/bifrost/internal/validation"
)

// NotifyChannel is the channel the registry triggers notify on
// (migrations/00002_flag_change_notifications.sql).
const NotifyChannel = "flag_changes"

var _ changefeed.Source = (*Listener)(nil)

// Listener is a change source fed by PostgreSQL LISTEN/NOTIFY. The registry
// triggers publish a JSON changefeed.Change on every write to flags or
// flag_values, so the engine learns about changes without waiting for the syncer.
type Listener struct {
	logger  *slog.Logger
	pool    *pgxpool.Pool
	channel string
}

// NewListener creates a source listening on NotifyChannel.
func NewListener(log *slog.Logger, pool *pgxpool.Pool) *Listener {
	validation.AssertNotNil(pool, "database pool")
	if log == nil {
		log = slog.Default()
	}
	return &Listener{logger: log, pool: pool, channel: NotifyChannel}
}

// Name implements changefeed.Source.
func (l *Listener) Name() string { return "postgres" }

// Run implements changefeed.Source. It holds one pooled connection for the
// lifetime of the subscription and returns nil when ctx is cancelled.
func (l *Listener) Run(ctx context.Context, handle changefeed.Handler) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to acquire listen connection: %w", err)
	}
	// LISTEN state is per session; a reused connection must not keep it.
	defer func() {
		_ = conn.Conn().Close(context.WithoutCancel(ctx))
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to listen on %q: %w", l.channel, err)
	}
	l.logger.Info("listening for flag changes", slog.String("channel", l.channel))

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("wait for notification on %q: %w", l.channel, err)
		}

		change, err := changefeed.Unmarshal([]byte(n.Payload))
		if err != nil {
			l.logger.Warn("skipping malformed flag change notification",
				slog.String("payload", n.Payload),
				slog.Any("error", err),
			)
			continue
		}
		handle(ctx, change)
	}
}
