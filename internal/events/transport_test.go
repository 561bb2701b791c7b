package events

import (
	"context"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRabbitDeliveryCount(t *testing.T) {
	assert.Equal(t, 1, rabbitDeliveryCount(amqp.Delivery{}))
	assert.Equal(t, 2, rabbitDeliveryCount(amqp.Delivery{Redelivered: true}))
	assert.Equal(t, 4, rabbitDeliveryCount(amqp.Delivery{Headers: amqp.Table{HeaderDeliveryCount: int64(3)}}))
}

func TestTableToHeaders(t *testing.T) {
	headers := tableToHeaders(amqp.Table{
		"traceparent": "00-abc-def-01",
		"raw":         []byte("bytes"),
		"n":           int32(7),
	})
	assert.Equal(t, map[string]string{"traceparent": "00-abc-def-01", "raw": "bytes", "n": "7"}, headers)
}

func TestKafkaHeaders(t *testing.T) {
	hs := toKafkaHeaders(map[string]string{"b": "2", "a": "1"})
	assert.Equal(t, []kafka.Header{{Key: "a", Value: []byte("1")}, {Key: "b", Value: []byte("2")}}, hs)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, fromKafkaHeaders(hs))

	assert.Equal(t, 1, kafkaDeliveryCount(map[string]string{}))
	assert.Equal(t, 3, kafkaDeliveryCount(map[string]string{HeaderDeliveryCount: "2"}))

	m := kafka.Message{Key: []byte("key-1")}
	assert.Equal(t, "key-1", kafkaMessageID(m, map[string]string{}))
	assert.Equal(t, "id-1", kafkaMessageID(m, map[string]string{HeaderMessageID: "id-1"}))
}

func TestOffsetTrackerCommitsContiguousOffsets(t *testing.T) {
	tr := newOffsetTracker()
	for _, o := range []int64{10, 11, 12} {
		tr.fetched(0, o)
	}
	tr.fetched(1, 4)

	_, ok := tr.settle(0, 12)
	assert.False(t, ok, "12 settled while 10 and 11 are in flight")
	_, ok = tr.settle(0, 11)
	assert.False(t, ok)

	commit, ok := tr.settle(1, 4)
	require.True(t, ok)
	assert.Equal(t, int64(4), commit)

	commit, ok = tr.settle(0, 10)
	require.True(t, ok)
	assert.Equal(t, int64(12), commit)

	tr.fetched(0, 13)
	commit, ok = tr.settle(0, 13)
	require.True(t, ok)
	assert.Equal(t, int64(13), commit)
}

func TestOffsetTrackerResetsOnRewind(t *testing.T) {
	tr := newOffsetTracker()
	tr.fetched(0, 20)
	tr.fetched(0, 21)

	// The reader rewinds after a rebalance and hands out 20 again.
	tr.fetched(0, 20)

	_, ok := tr.settle(0, 21)
	assert.False(t, ok, "21 belongs to the generation before the rewind")

	commit, ok := tr.settle(0, 20)
	require.True(t, ok)
	assert.Equal(t, int64(20), commit)

	tr.fetched(0, 21)
	_, ok = tr.settle(0, 21)
	assert.True(t, ok)
}

func TestRabbitQueueArgs(t *testing.T) {
	b := &RabbitBroker{queue: "sales-queue"}
	assert.Equal(t, amqp.Table{"x-queue-type": "quorum"}, b.queueArgs("sales-queue"))
	assert.Nil(t, b.queueArgs("sales-queue.dlq"))
	assert.Nil(t, b.queueArgs("sales-results"))
}

func reachable(t *testing.T, addr string) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
	if err != nil {
		t.Skipf("broker not reachable at %s: %v", addr, err)
	}
	conn.Close()
}

func TestRabbitBrokerRoundTrip(t *testing.T) {
	url := os.Getenv("RABBITMQ_URL")
	if url == "" {
		t.Skip("RABBITMQ_URL not set")
	}
	host := strings.TrimPrefix(url[strings.LastIndex(url, "@")+1:], "amqp://")
	reachable(t, strings.TrimSuffix(host, "/"))

	queue := "games-test-" + time.Now().Format("150405.000")
	b, err := NewRabbitBroker(url, queue, 5, zap.NewNop())
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msg, err := NewJSONMessage(ctx, map[string]string{"transactionId": "t1"})
	require.NoError(t, err)
	require.NoError(t, b.Send(ctx, queue, msg))

	d, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, d.ID())
	require.NoError(t, d.DeadLetter(ctx, ReasonValidation, "Dados da venda inválidos"))

	dead, err := b.PeekDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, ReasonValidation, dead[0].Reason)
	assert.Equal(t, 1, dead[0].DeliveryCount)
}

func TestKafkaBrokerRoundTrip(t *testing.T) {
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		t.Skip("KAFKA_BROKERS not set")
	}
	addrs := strings.Split(brokers, ",")
	reachable(t, addrs[0])

	topic := "games-test-" + time.Now().Format("150405")
	b := NewKafkaBroker(addrs, topic, topic, zap.NewNop())
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	msg, err := NewJSONMessage(ctx, map[string]string{"transactionId": "t1"})
	require.NoError(t, err)
	require.NoError(t, b.Send(ctx, topic, msg))

	d, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, d.ID())
	require.NoError(t, d.Abandon(ctx))

	again, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, again.DeliveryCount())
	require.NoError(t, again.Complete(ctx))
	assert.True(t, b.IsHealthy(ctx))
}
