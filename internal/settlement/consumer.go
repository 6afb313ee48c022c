package settlement

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/ksred/stockhold-api/internal/config"
	"github.com/ksred/stockhold-api/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// WebhookProcessor applies a decoded payment notification.
type WebhookProcessor interface {
	ProcessWebhook(ctx context.Context, event *WebhookEvent) (*types.WebhookResult, error)
}

// MessageReader is the subset of *kafka.Reader the consumer needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageWriter is the subset of *kafka.Writer used for dead letters.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer feeds payment notifications from a Kafka topic into the
// settlement service. A message that cannot be applied is copied to the
// dead-letter topic before its offset is committed, so it neither stalls
// the partition nor disappears. Conflicts are final answers and are only
// logged.
type Consumer struct {
	reader     MessageReader
	deadLetter MessageWriter
	processor  WebhookProcessor
	retries    int
	retryDelay time.Duration
	wg         sync.WaitGroup
}

func NewConsumer(cfg config.KafkaConfig, processor WebhookProcessor) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})

	var deadLetter MessageWriter
	if cfg.DeadLetterTopic != "" {
		deadLetter = &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.DeadLetterTopic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		}
	}
	return newConsumer(reader, deadLetter, processor)
}

// newConsumer wires the loop; a nil deadLetter drops failed messages.
func newConsumer(reader MessageReader, deadLetter MessageWriter, processor WebhookProcessor) *Consumer {
	return &Consumer{
		reader:     reader,
		deadLetter: deadLetter,
		processor:  processor,
		retries:    3,
		retryDelay: time.Second,
	}
}

// Start consumes until ctx is cancelled. It returns immediately; use Stop
// to wait for the in-flight message.
func (c *Consumer) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
}

// Stop waits for the consume loop to exit and closes the reader and the
// dead-letter writer.
func (c *Consumer) Stop() error {
	c.wg.Wait()
	err := c.reader.Close()
	if c.deadLetter != nil {
		err = errors.Join(err, c.deadLetter.Close())
	}
	return err
}

func (c *Consumer) run(ctx context.Context) {
	logger := log.With().Str("component", "webhook_consumer").Logger()
	logger.Info().Msg("starting webhook consumer")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				logger.Info().Msg("shutting down webhook consumer")
				return
			}
			logger.Error().Err(err).Msg("failed to fetch message")
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.retryDelay):
			}
			continue
		}

		c.handleMessage(ctx, msg)
		if ctx.Err() != nil {
			// Left uncommitted so the message is redelivered after restart
			return
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			logger.Error().
				Err(err).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("failed to commit message")
		}
	}
}

// handleMessage processes one message, retrying outcomes that may change
// on a later attempt. Messages that end without an answer go to the
// dead-letter topic.
func (c *Consumer) handleMessage(ctx context.Context, msg kafka.Message) {
	logger := log.With().
		Str("component", "webhook_consumer").
		Int("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Logger()

	event, err := ParseWebhookEvent(msg.Value)
	if err != nil {
		logger.Error().Err(err).Msg("malformed webhook message")
		c.sendToDeadLetter(ctx, msg, err)
		return
	}

	for attempt := 1; ; attempt++ {
		result, err := c.processor.ProcessWebhook(ctx, event)
		if err == nil {
			logger.Info().
				Str("idempotency_key", event.IdempotencyKey).
				Uint64("order_id", result.OrderID).
				Str("order_status", string(result.Status)).
				Bool("duplicate", result.Duplicate).
				Msg("webhook message processed")
			return
		}

		if types.KindOf(err) == types.KindConflict {
			logger.Info().
				Err(err).
				Str("idempotency_key", event.IdempotencyKey).
				Msg("webhook message rejected")
			return
		}

		if !types.IsRetryable(err) || attempt >= c.retries {
			logger.Error().
				Err(err).
				Str("idempotency_key", event.IdempotencyKey).
				Int("attempts", attempt).
				Msg("giving up on webhook message")
			c.sendToDeadLetter(ctx, msg, err)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.retryDelay):
		}
	}
}

// sendToDeadLetter copies msg to the dead-letter topic with the failure in
// its headers. It keeps trying until the write succeeds or ctx is done; in
// the latter case run leaves the offset uncommitted.
func (c *Consumer) sendToDeadLetter(ctx context.Context, msg kafka.Message, cause error) {
	logger := log.With().
		Str("component", "webhook_consumer").
		Int("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Logger()

	if c.deadLetter == nil {
		logger.Warn().Msg("no dead-letter topic, dropping webhook message")
		return
	}

	letter := kafka.Message{
		Key:   msg.Key,
		Value: msg.Value,
		Headers: append(append([]kafka.Header(nil), msg.Headers...),
			kafka.Header{Key: "x-error", Value: []byte(cause.Error())},
			kafka.Header{Key: "x-source-topic", Value: []byte(msg.Topic)},
			kafka.Header{Key: "x-source-partition", Value: []byte(strconv.Itoa(msg.Partition))},
			kafka.Header{Key: "x-source-offset", Value: []byte(strconv.FormatInt(msg.Offset, 10))},
		),
	}

	for {
		err := c.deadLetter.WriteMessages(ctx, letter)
		if err == nil {
			logger.Info().Msg("webhook message sent to dead-letter topic")
			return
		}
		logger.Error().Err(err).Msg("failed to write dead letter")

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.retryDelay):
		}
	}
}
