// Package kafka consumes inventory events from a Kafka consumer group that
// subscribes to both the general update topic and the below-threshold topic.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/lalithlochan/stockpulse/internal/intake"
)

const (
	sourceName = "kafka"

	// MaxPollWait bounds how long a fetch waits for new data.
	MaxPollWait = 2 * time.Second
)

// Reader is the subset of *kafka.Reader used here.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Config struct {
	Brokers []string
	GroupID string
	Topics  []string
}

// ParseBrokers splits a comma-separated broker list.
func ParseBrokers(brokers string) []string {
	if brokers == "" {
		return nil
	}
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func (c Config) validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka brokers cannot be empty")
	}
	if len(c.Topics) == 0 {
		return errors.New("kafka topics cannot be empty")
	}
	if c.GroupID == "" {
		return errors.New("kafka group id cannot be empty")
	}
	return nil
}

// Consumer reads one message per Receive. Deliveries may be acked out of
// order, so a partition's offset only advances past the longest run of acked
// messages; anything not yet processed is redelivered after a restart.
type Consumer struct {
	reader Reader
	logger *zap.Logger

	mu       sync.Mutex
	inflight map[partitionKey][]*tracked
}

type partitionKey struct {
	topic     string
	partition int
}

type tracked struct {
	msg  kafka.Message
	done bool
}

// NewConsumer creates a group reader over cfg.Topics.
func NewConsumer(cfg Config, logger *zap.Logger) (*Consumer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		GroupTopics: cfg.Topics,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     MaxPollWait,
		StartOffset: kafka.FirstOffset,
	})

	logger.Info("kafka consumer initialized",
		zap.Strings("brokers", cfg.Brokers),
		zap.Strings("topics", cfg.Topics),
		zap.String("group_id", cfg.GroupID),
	)
	return NewConsumerWithReader(reader, logger), nil
}

func NewConsumerWithReader(reader Reader, logger *zap.Logger) *Consumer {
	return &Consumer{reader: reader, logger: logger, inflight: make(map[partitionKey][]*tracked)}
}

// Receive blocks until a message is available or ctx is done.
func (c *Consumer) Receive(ctx context.Context) ([]intake.Delivery, error) {
	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return nil, fmt.Errorf("kafka fetch failed: %w", err)
	}
	t := c.track(msg)
	return []intake.Delivery{{
		Source: sourceName,
		Topic:  msg.Topic,
		Body:   msg.Value,
		Ack: func(ctx context.Context) error {
			return c.complete(ctx, t)
		},
	}}, nil
}

func (c *Consumer) track(msg kafka.Message) *tracked {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := partitionKey{topic: msg.Topic, partition: msg.Partition}
	list := c.inflight[key]
	if n := len(list); n > 0 && msg.Offset <= list[n-1].msg.Offset {
		// The partition was rewound by a rebalance; earlier entries will be redelivered.
		list = nil
	}
	t := &tracked{msg: msg}
	c.inflight[key] = append(list, t)
	return t
}

// complete marks t processed and commits the highest offset below which every
// fetched message of the partition has been acked. The lock is held through
// the commit so offsets never move backwards.
func (c *Consumer) complete(ctx context.Context, t *tracked) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t.done = true
	key := partitionKey{topic: t.msg.Topic, partition: t.msg.Partition}
	list := c.inflight[key]
	i := 0
	for i < len(list) && list[i].done {
		i++
	}
	if i == 0 {
		return nil
	}
	last := list[i-1].msg
	if i == len(list) {
		delete(c.inflight, key)
	} else {
		c.inflight[key] = list[i:]
	}

	if err := c.reader.CommitMessages(ctx, last); err != nil {
		return fmt.Errorf("kafka commit failed: %w", err)
	}
	return nil
}

func (c *Consumer) Close() error {
	if err := c.reader.Close(); err != nil {
		c.logger.Error("error closing kafka consumer", zap.Error(err))
		return err
	}
	c.logger.Info("kafka consumer closed")
	return nil
}
