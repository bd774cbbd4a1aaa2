// Package kafka carries router messages over Kafka. Each destination domain
// reads its own topic; the record key is the source domain so one source's
// messages stay in one partition.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"openwork/internal/domain"
	"openwork/internal/logging"
	"openwork/internal/router"
)

const topicPrefix = "openwork.domain."

// Topic returns the inbound topic of a domain.
func Topic(domainID uint32) string {
	return topicPrefix + strconv.FormatUint(uint64(domainID), 10)
}

// Encode builds the Kafka record for msg.
func Encode(msg domain.Message) (kafka.Message, error) {
	value, err := json.Marshal(msg)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	return kafka.Message{
		Topic: Topic(msg.Destination),
		Key:   []byte(strconv.FormatUint(uint64(msg.Source), 10)),
		Value: value,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(msg.Kind)},
			{Key: "msg_id", Value: []byte(msg.ID)},
		},
	}, nil
}

// Decode parses a record produced by Encode.
func Decode(rec kafka.Message) (domain.Message, error) {
	var msg domain.Message
	if err := json.Unmarshal(rec.Value, &msg); err != nil {
		return msg, fmt.Errorf("%w: decode record at offset %d: %v", domain.ErrInvalidInput, rec.Offset, err)
	}
	return msg, nil
}

// Transport publishes outbound router messages.
type Transport struct {
	writer *kafka.Writer
}

func NewTransport(brokers []string) (*Transport, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka transport requires at least one broker")
	}
	return &Transport{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			RequiredAcks:           kafka.RequireAll,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		},
	}, nil
}

// Send implements router.Transport. The handle is the message id; Kafka does
// not report offsets for synchronous batch writes.
func (t *Transport) Send(ctx context.Context, msg domain.Message) (string, error) {
	rec, err := Encode(msg)
	if err != nil {
		return "", err
	}
	rec.Time = time.Now().UTC()
	if err := t.writer.WriteMessages(ctx, rec); err != nil {
		return "", fmt.Errorf("publish to %s: %w", rec.Topic, err)
	}
	return msg.ID, nil
}

func (t *Transport) Close() error {
	return t.writer.Close()
}

// Receiver is the inbound side of a node.
type Receiver interface {
	Receive(ctx context.Context, msg domain.Message) (router.Outcome, error)
}

// Consumer feeds a domain's topic into its router.
type Consumer struct {
	reader *kafka.Reader
	log    *slog.Logger
	// Backoff is the pause before redelivering a message the receiver failed.
	Backoff time.Duration
}

func NewConsumer(brokers []string, groupID string, domainID uint32, log *slog.Logger) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka consumer requires at least one broker")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka consumer requires group id")
	}
	if log == nil {
		log = logging.NewNop()
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  groupID,
		Topic:    Topic(domainID),
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	return &Consumer{reader: reader, log: log, Backoff: time.Second}, nil
}

// Run reads until ctx is cancelled. A record is committed only after the
// receiver consumed it; undecodable records are logged and skipped.
func (c *Consumer) Run(ctx context.Context, r Receiver) error {
	for {
		rec, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("fetch: %w", err)
		}
		msg, err := Decode(rec)
		if err != nil {
			c.log.Error("dropping undecodable record", "topic", rec.Topic, "offset", rec.Offset, "error", err)
		} else if err := c.deliver(ctx, r, msg); err != nil {
			return nil
		}
		if err := c.reader.CommitMessages(ctx, rec); err != nil {
			return fmt.Errorf("commit offset %d: %w", rec.Offset, err)
		}
	}
}

func (c *Consumer) deliver(ctx context.Context, r Receiver, msg domain.Message) error {
	for {
		outcome, err := r.Receive(ctx, msg)
		if err == nil {
			c.log.Debug("message received", "source", msg.Source, "seq", msg.Sequence, "kind", msg.Kind, "outcome", outcome)
			return nil
		}
		c.log.Warn("receive failed; retrying", "source", msg.Source, "seq", msg.Sequence, "kind", msg.Kind, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.Backoff):
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
