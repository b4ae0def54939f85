package changefeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/rafaeljc/bifrost/internal/observability"
)

// KafkaConfig contains the parameters shared by the Kafka source and publisher.
type KafkaConfig struct {
	// Brokers is the list of Kafka broker addresses (host:port).
	Brokers []string
	Topic   string
	// GroupID names the consumer group. Empty means every engine instance reads
	// every partition on its own, which is what cache invalidation needs.
	GroupID string
	// MaxAttempts is how many times Publish retries a write. Defaults to 3.
	MaxAttempts int
	// Timeout is the per-attempt write timeout. Defaults to 5s.
	Timeout time.Duration
}

func (c *KafkaConfig) applyDefaults() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka: at least one broker required")
	}
	if c.Topic == "" {
		return fmt.Errorf("kafka: topic required")
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	return nil
}

// messageWriter is the subset of *kafka.Writer used by KafkaPublisher.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes changes to a topic, keyed by flag key so that the
// changes of one flag stay ordered within a partition.
type KafkaPublisher struct {
	writer      messageWriter
	maxAttempts int
	timeout     time.Duration
}

// NewKafkaPublisher creates a publisher.
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.Timeout,
		RequiredAcks: kafka.RequireOne,
	}

	return newKafkaPublisher(w, cfg.MaxAttempts, cfg.Timeout), nil
}

func newKafkaPublisher(w messageWriter, maxAttempts int, timeout time.Duration) *KafkaPublisher {
	return &KafkaPublisher{writer: w, maxAttempts: maxAttempts, timeout: timeout}
}

// Publish implements Publisher with bounded retries and exponential backoff.
func (p *KafkaPublisher) Publish(ctx context.Context, c Change) error {
	value, err := c.Marshal()
	if err != nil {
		return err
	}
	msg := kafka.Message{Key: []byte(c.FlagKey), Value: value, Time: c.At}

	var lastErr error
	backoff := 100 * time.Millisecond

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, p.timeout)
		lastErr = p.writer.WriteMessages(attemptCtx, msg)
		cancel()

		if lastErr == nil {
			observability.ChangeFeedPublishedTotal.WithLabelValues("kafka", "success").Inc()
			return nil
		}
		if attempt == p.maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			observability.ChangeFeedPublishedTotal.WithLabelValues("kafka", "fail").Inc()
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}

	observability.ChangeFeedPublishedTotal.WithLabelValues("kafka", "fail").Inc()
	return fmt.Errorf("kafka publish failed after %d attempts: %w", p.maxAttempts, lastErr)
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// messageReader is the subset of *kafka.Reader used by KafkaSource.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaSource consumes changes from a topic.
type KafkaSource struct {
	logger    *slog.Logger
	newReader func() messageReader
}

// NewKafkaSource creates a source. A fresh reader is opened on every Run so a
// reconnect starts from a clean connection.
func NewKafkaSource(logger *slog.Logger, cfg KafkaConfig) (*KafkaSource, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	newReader := func() messageReader {
		rc := kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			Topic:    cfg.Topic,
			GroupID:  cfg.GroupID,
			MinBytes: 1,
			MaxBytes: 1 << 20,
			MaxWait:  500 * time.Millisecond,
		}
		if cfg.GroupID == "" {
			// Without a group only new changes matter; history is already
			// reflected in the registry.
			rc.StartOffset = kafka.LastOffset
		}
		return kafka.NewReader(rc)
	}

	return newKafkaSource(logger, newReader), nil
}

func newKafkaSource(logger *slog.Logger, newReader func() messageReader) *KafkaSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaSource{logger: logger, newReader: newReader}
}

// Name implements Source.
func (s *KafkaSource) Name() string { return "kafka" }

// Run implements Source.
func (s *KafkaSource) Run(ctx context.Context, handle Handler) error {
	r := s.newReader()
	defer r.Close()

	for {
		msg, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("read kafka change: %w", err)
		}

		c, err := Unmarshal(msg.Value)
		if err != nil {
			s.logger.Warn("skipping malformed kafka change",
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
				slog.String("error", err.Error()),
			)
			continue
		}
		handle(ctx, c)
	}
}
