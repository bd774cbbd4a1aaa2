package kafka

import (
	"encoding/json"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openwork/internal/domain"
)

func TestEncodeRoutesByDestinationAndKeysBySource(t *testing.T) {
	msg := domain.Message{ID: "m1", Source: 1, Destination: 2, Sequence: 5, Kind: domain.KindJobPosted, Payload: json.RawMessage(`{"job_id":"1-1"}`)}
	rec, err := Encode(msg)
	require.NoError(t, err)
	assert.Equal(t, "openwork.domain.2", rec.Topic)
	assert.Equal(t, "1", string(rec.Key))
	assert.Equal(t, "job.posted", string(rec.Headers[0].Value))

	back, err := Decode(rec)
	require.NoError(t, err)
	assert.Equal(t, msg.Sequence, back.Sequence)
	assert.JSONEq(t, `{"job_id":"1-1"}`, string(back.Payload))
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode(kafka.Message{Value: []byte("not json")})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestConstructorsRequireBrokers(t *testing.T) {
	_, err := NewTransport(nil)
	assert.Error(t, err)
	_, err = NewConsumer(nil, "g", 1, nil)
	assert.Error(t, err)
	_, err = NewConsumer([]string{"localhost:9092"}, "", 1, nil)
	assert.Error(t, err)
}
