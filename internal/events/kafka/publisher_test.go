package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cabalcoin-lab/internal/domain"
	"cabalcoin-lab/internal/events"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func testEnvelopes() []events.Envelope {
	ledger := domain.MustParseAddress("0xa11ce")
	tx := &domain.TransactionRecord{
		Hash:    "0xabc",
		Version: 3,
		Events: []domain.LedgerEvent{
			{Type: domain.EventClaimed, Ledger: ledger, Account: domain.MustParseAddress("0xb0b"), Amount: 100},
			{Type: domain.EventDeposit, Ledger: ledger, Account: domain.MustParseAddress("0xb0b"), Amount: 100, Balance: 100},
		},
	}
	return events.NewEnvelopes(tx, time.Unix(1_700_000_000, 0))
}

func TestPublisher_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := &Publisher{writer: w}

	envs := testEnvelopes()
	require.NoError(t, p.Publish(context.Background(), envs))
	require.Len(t, w.msgs, 2)

	for i, m := range w.msgs {
		assert.Equal(t, envs[i].Event.Ledger.String(), string(m.Key))
		assert.Equal(t, string(envs[i].Event.Type), string(m.Headers[0].Value))
		assert.Equal(t, "0xabc", string(m.Headers[1].Value))

		var decoded events.Envelope
		require.NoError(t, json.Unmarshal(m.Value, &decoded))
		assert.Equal(t, envs[i].ID, decoded.ID)
		assert.Equal(t, envs[i].Event.Amount, decoded.Event.Amount)
	}
}

func TestPublisher_Empty(t *testing.T) {
	w := &fakeWriter{err: errors.New("should not be called")}
	p := &Publisher{writer: w}

	assert.NoError(t, p.Publish(context.Background(), nil))
}

func TestPublisher_WriteError(t *testing.T) {
	cause := errors.New("broker unavailable")
	p := &Publisher{writer: &fakeWriter{err: cause}}

	err := p.Publish(context.Background(), testEnvelopes())
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
}

func TestPublisher_Close(t *testing.T) {
	w := &fakeWriter{}
	p := &Publisher{writer: w}

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestNewPublisher_DefaultTopic(t *testing.T) {
	p := NewPublisher([]string{"localhost:9092"}, "")
	w, ok := p.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.Equal(t, DefaultTopic, w.Topic)
}
