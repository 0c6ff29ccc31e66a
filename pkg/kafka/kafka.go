package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/contracts"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/logging"
	"github.com/GroomCloudTeam2/e-commerce-v2-sub000/pkg/outbox"
)

type Client struct {
	Brokers []string
}

func NewClient(brokersCSV string) *Client {
	brokers := []string{}
	for _, b := range strings.Split(brokersCSV, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return &Client{Brokers: brokers}
}

func (c *Client) Enabled() bool {
	return len(c.Brokers) > 0
}

// NewWriter hashes on the message key; with the aggregate id as key every
// event of one aggregate lands on the same partition.
func (c *Client) NewWriter(topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(c.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
}

func (c *Client) NewReader(topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.Brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
	})
}

var ErrDisabled = errors.New("kafka disabled")

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Publisher writes outbox records to Kafka.
type Publisher struct {
	Writer MessageWriter
}

func (p *Publisher) Publish(ctx context.Context, rec outbox.Record) error {
	if p == nil || p.Writer == nil {
		return ErrDisabled
	}
	return p.Writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(rec.Key),
		Value: rec.Payload,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(rec.EventID)},
		},
	})
}

var _ outbox.Publisher = (*Publisher)(nil)

type Dispatcher interface {
	Dispatch(ctx context.Context, evt contracts.Event) error
}

// Consumer commits an offset only after every handler for the message
// succeeded. A failing message is retried in place with capped backoff, so
// later messages on the partition wait behind it. Failed commits are retried
// the same way without dispatching again.
type Consumer struct {
	Reader     MessageReader
	Dispatcher Dispatcher
	Logger     *zap.Logger
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Run returns only once ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.Reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				c.Logger.Info("consumer stopped")
				return nil
			}
			c.Logger.Error("kafka fetch failed", zap.Error(err))
			if !sleep(ctx, c.minBackoff()) {
				return nil
			}
			continue
		}
		if !c.handle(ctx, msg) {
			c.Logger.Info("consumer stopped", zap.Int64("pending_offset", msg.Offset))
			return nil
		}
	}
}

// handle reports false when ctx ended before the message was committed.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) bool {
	var evt contracts.Event
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		// Undecodable payloads can never succeed; skip them.
		c.Logger.Error("dropping undecodable message", zap.String("key", string(msg.Key)), zap.Int64("offset", msg.Offset), zap.Error(err))
		return c.commit(ctx, msg)
	}

	ok := c.retry(ctx, func() error { return c.Dispatcher.Dispatch(ctx, evt) }, func(attempt int, backoff time.Duration, err error) {
		c.Logger.Warn("event dispatch failed, retrying",
			logging.EventID(evt.EventID), logging.OrderID(evt.OrderID),
			zap.String("type", evt.Type), zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff), zap.Error(err))
	})
	return ok && c.commit(ctx, msg)
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) bool {
	return c.retry(ctx, func() error { return c.Reader.CommitMessages(ctx, msg) }, func(attempt int, backoff time.Duration, err error) {
		c.Logger.Error("offset commit failed, retrying",
			zap.Int("partition", msg.Partition), zap.Int64("offset", msg.Offset),
			zap.Int("attempt", attempt), zap.Duration("backoff", backoff), zap.Error(err))
	})
}

// retry runs fn until it succeeds or ctx ends, doubling the pause up to
// MaxBackoff.
func (c *Consumer) retry(ctx context.Context, fn func() error, onErr func(attempt int, backoff time.Duration, err error)) bool {
	backoff := c.minBackoff()
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		onErr(attempt, backoff, err)
		if !sleep(ctx, backoff) {
			return false
		}
		backoff *= 2
		if ceil := c.maxBackoff(); backoff > ceil {
			backoff = ceil
		}
	}
}

func (c *Consumer) minBackoff() time.Duration {
	if c.MinBackoff <= 0 {
		return 200 * time.Millisecond
	}
	return c.MinBackoff
}

func (c *Consumer) maxBackoff() time.Duration {
	if c.MaxBackoff <= 0 {
		return 30 * time.Second
	}
	return c.MaxBackoff
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
