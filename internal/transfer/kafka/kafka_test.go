package kafka

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openwork/internal/domain"
	"openwork/internal/transfer"
)

func TestRecordKeyedByTransfer(t *testing.T) {
	req := transfer.Request{TransferID: "t-1", JobID: "1-1", Kind: domain.TransferRelease, Amount: 99, TargetDomain: 1, Recipient: "bob"}
	rec, err := Record(DefaultTopic, req)
	require.NoError(t, err)
	assert.Equal(t, "t-1", string(rec.Key))
	assert.Equal(t, DefaultTopic, rec.Topic)

	var back transfer.Request
	require.NoError(t, json.Unmarshal(rec.Value, &back))
	assert.Equal(t, req, back)
}

func TestNewRequiresBrokers(t *testing.T) {
	_, err := New(nil, "")
	assert.Error(t, err)
	c, err := New([]string{"localhost:9092"}, "")
	require.NoError(t, err)
	assert.Equal(t, DefaultTopic, c.topic)
}
