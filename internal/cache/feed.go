package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rafaeljc/bifrost/internal/changefeed"
	"github.com/rafaeljc/bifrost/internal/observability"
	"github.com/rafaeljc/bifrost/internal/validation"
)

// RedisFeed carries change events over Redis pub/sub as "flagKey:version"
// messages, where the version is the change time in microseconds and an
// empty flag key means every flag changed.
type RedisFeed struct {
	logger  *slog.Logger
	client  *redis.Client
	channel string
}

var (
	_ changefeed.Source    = (*RedisFeed)(nil)
	_ changefeed.Publisher = (*RedisFeed)(nil)
)

// NewRedisFeed creates a feed on "<prefix>:<channel>".
func NewRedisFeed(log *slog.Logger, client *redis.Client, prefix, channel string) *RedisFeed {
	validation.AssertNotNil(client, "redis client")
	if log == nil {
		log = slog.Default()
	}
	return &RedisFeed{logger: log, client: client, channel: prefix + ":" + channel}
}

// Name implements changefeed.Source.
func (f *RedisFeed) Name() string { return "redis" }

// Channel returns the pub/sub channel name.
func (f *RedisFeed) Channel() string { return f.channel }

// Publish implements changefeed.Publisher.
func (f *RedisFeed) Publish(ctx context.Context, c changefeed.Change) error {
	key := ""
	if c.Kind == changefeed.KindFlag {
		key = c.FlagKey
	}
	msg := encodeChangeMessage(key, c.At.UnixMicro())
	if err := f.client.Publish(ctx, f.channel, msg).Err(); err != nil {
		observability.ChangeFeedPublishedTotal.WithLabelValues("redis", "fail").Inc()
		return fmt.Errorf("failed to publish change %q: %w", msg, err)
	}
	observability.ChangeFeedPublishedTotal.WithLabelValues("redis", "success").Inc()
	return nil
}

// Run implements changefeed.Source. It returns nil when ctx is cancelled and
// an error when the subscription breaks.
func (f *RedisFeed) Run(ctx context.Context, handle changefeed.Handler) error {
	sub := f.client.Subscribe(ctx, f.channel)
	defer sub.Close()

	// Wait for the subscription confirmation so no message published after
	// Run starts is missed.
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to subscribe to %q: %w", f.channel, err)
	}
	f.logger.Info("subscribed to change feed", slog.String("channel", f.channel))

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("redis subscription closed")
			}
			handle(ctx, decodeChange(msg.Payload))
		}
	}
}

func decodeChange(payload string) changefeed.Change {
	key, version := parseChangeMessage(payload)
	at := time.Now().UTC()
	if version > 0 {
		at = time.UnixMicro(version).UTC()
	}
	if key == "" {
		return changefeed.AllChanged(at)
	}
	return changefeed.FlagChanged(key, "", at)
}

// encodeChangeMessage builds the change-feed message "flagKey:version".
// An empty flag key means every flag changed.
func encodeChangeMessage(flagKey string, version int64) string {
	return flagKey + ":" + strconv.FormatInt(version, 10)
}

// parseChangeMessage parses "flagKey:version". Messages without a parsable
// version decode to (message, 0).
func parseChangeMessage(msg string) (string, int64) {
	sep := strings.LastIndexByte(msg, ':')
	if sep < 0 {
		return msg, 0
	}
	version, err := strconv.ParseInt(msg[sep+1:], 10, 64)
	if err != nil {
		return msg, 0
	}
	return msg[:sep], version
}
