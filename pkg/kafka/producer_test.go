// 文件: pkg/kafka/producer_test.go

package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"max.com/perpcore/pkg/event"
	"max.com/perpcore/pkg/num"
)

func keyChecker(want string) mocks.MessageChecker {
	return func(msg *sarama.ProducerMessage) error {
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != want {
			return errors.New("unexpected key " + string(key))
		}
		if msg.Topic != "perp.events" {
			return errors.New("unexpected topic " + msg.Topic)
		}
		return nil
	}
}

func TestProducerPublishKeysByAccount(t *testing.T) {
	mp := mocks.NewAsyncProducer(t, nil)
	mp.ExpectInputWithMessageCheckerFunctionAndSucceed(keyChecker("alice"))
	mp.ExpectInputWithMessageCheckerFunctionAndSucceed(keyChecker("bob"))

	p := newProducer(mp, DefaultProducerConfig(nil, "perp.events"))
	err := p.Publish(context.Background(), []event.Event{
		{Seq: 1, Type: event.TypeCollateralDeposited, Account: "alice", Data: event.CollateralChange{Token: "USDC", Amount: num.New(1)}},
		{Seq: 2, Type: event.TypeOrderSubmitted, Account: "bob"},
	})
	require.NoError(t, err)
	require.NoError(t, p.Close())

	assert.Equal(t, int64(2), p.Stats().SentCount)
	assert.Zero(t, p.Stats().ErrorCount)
}

func TestProducerCountsAsyncErrors(t *testing.T) {
	mp := mocks.NewAsyncProducer(t, nil)
	mp.ExpectInputAndFail(sarama.ErrOutOfBrokers)

	p := newProducer(mp, DefaultProducerConfig(nil, "perp.events"))
	require.NoError(t, p.Publish(context.Background(), []event.Event{{Seq: 1, Type: event.TypeDeficitLoss}}))
	require.NoError(t, p.Close())

	assert.Equal(t, int64(1), p.Stats().ErrorCount)
}

func TestProducerRejectsAfterClose(t *testing.T) {
	mp := mocks.NewAsyncProducer(t, nil)
	p := newProducer(mp, DefaultProducerConfig(nil, "perp.events"))
	require.NoError(t, p.Close())

	err := p.Publish(context.Background(), []event.Event{{Seq: 1}})
	assert.ErrorIs(t, err, ErrProducerClosed)
	assert.NoError(t, p.Close(), "close is idempotent")
}

func TestEventMessageValueRoundTrip(t *testing.T) {
	ev := event.Event{Seq: 7, Type: event.TypeLiquidityAdded, Account: "lp", Timestamp: 100,
		Data: event.LiquidityChange{Amount: num.New(5), Shares: num.Wad(5), Receiver: "lp"}}
	msg := NewEventMessage("perp.events", ev)
	assert.Equal(t, "lp", msg.Key())

	data, err := msg.Value()
	require.NoError(t, err)
	env, err := event.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, int64(7), env.Seq)
	assert.Equal(t, event.TypeLiquidityAdded, env.Type)
	assert.JSONEq(t, `{"amount":"5","shares":"5000000000000000000","receiver":"lp"}`, string(env.Data))
}
