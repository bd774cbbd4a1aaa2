// Package kafka publishes burn requests to the bridge service's topic. The
// bridge reports mints out of band; the attestation handed back here is the
// transfer id itself.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"openwork/internal/transfer"
)

const DefaultTopic = "openwork.transfers.burn"

type Capability struct {
	writer *kafka.Writer
	topic  string
}

func New(brokers []string, topic string) (*Capability, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka capability requires at least one broker")
	}
	if topic == "" {
		topic = DefaultTopic
	}
	return &Capability{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
		topic: topic,
	}, nil
}

// Record builds the burn request record, keyed by transfer id so retries
// land on the same partition.
func Record(topic string, req transfer.Request) (kafka.Message, error) {
	value, err := json.Marshal(req)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode burn request %s: %w", req.TransferID, err)
	}
	return kafka.Message{Topic: topic, Key: []byte(req.TransferID), Value: value}, nil
}

func (c *Capability) BurnAndRoute(ctx context.Context, req transfer.Request) (transfer.Attestation, error) {
	rec, err := Record(c.topic, req)
	if err != nil {
		return transfer.Attestation{}, err
	}
	rec.Time = time.Now().UTC()
	if err := c.writer.WriteMessages(ctx, rec); err != nil {
		return transfer.Attestation{}, fmt.Errorf("publish burn request: %w", err)
	}
	return transfer.Attestation{TransferID: req.TransferID, Handle: req.TransferID}, nil
}

func (c *Capability) Close() error {
	return c.writer.Close()
}
