package events

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	kafkaBatchTimeout = 10 * time.Millisecond
	kafkaPeekTimeout  = 2 * time.Second
)

// KafkaBroker consumes a topic in a consumer group. Kafka has no per-message
// acknowledgment, so settlement is emulated: Complete commits the offset,
// Abandon re-produces the message with an incremented delivery count and
// commits, and DeadLetter produces to "<topic>.dlq" and commits. Commits only
// cover offsets whose predecessors on the partition have all settled.
type KafkaBroker struct {
	brokers []string
	topic   string
	dlq     string
	log     *zap.Logger

	reader  *kafka.Reader
	writer  *kafka.Writer
	offsets *offsetTracker
}

// NewKafkaBroker creates a broker reading topic as groupID.
func NewKafkaBroker(brokers []string, topic, groupID string, log *zap.Logger) *KafkaBroker {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.LeastBytes{},
		BatchTimeout:           kafkaBatchTimeout,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}

	log.Info("Kafka broker configured",
		zap.Strings("brokers", brokers),
		zap.String("topic", topic),
		zap.String("group_id", groupID),
	)

	return &KafkaBroker{
		brokers: brokers,
		topic:   topic,
		dlq:     topic + ".dlq",
		log:     log,
		reader:  reader,
		writer:  writer,
		offsets: newOffsetTracker(),
	}
}

func (b *KafkaBroker) Name() string  { return "kafka" }
func (b *KafkaBroker) Queue() string { return b.topic }

// Receive fetches the next message without committing it.
func (b *KafkaBroker) Receive(ctx context.Context) (Delivery, error) {
	m, err := b.reader.FetchMessage(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrClosed
		}
		return nil, err
	}
	b.offsets.fetched(m.Partition, m.Offset)
	return &kafkaDelivery{broker: b, m: m, headers: fromKafkaHeaders(m.Headers)}, nil
}

// Send produces msg to topic queue keyed by the message id.
func (b *KafkaBroker) Send(ctx context.Context, queue string, msg Message) error {
	headers := map[string]string{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[HeaderMessageID] = msg.ID
	if msg.ContentType != "" {
		headers["content-type"] = msg.ContentType
	}

	err := b.writer.WriteMessages(ctx, kafka.Message{
		Topic:   queue,
		Key:     []byte(msg.ID),
		Value:   msg.Body,
		Headers: toKafkaHeaders(headers),
	})
	if err != nil {
		return fmt.Errorf("failed to produce to %s: %w", queue, err)
	}
	return nil
}

// PeekDeadLetters reads up to max messages from the first partition of the
// dead-letter topic without a consumer group, so no offsets move.
func (b *KafkaBroker) PeekDeadLetters(ctx context.Context, max int) ([]DeadLetter, error) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   b.brokers,
		Topic:     b.dlq,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer r.Close()

	if err := r.SetOffset(kafka.FirstOffset); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, kafkaPeekTimeout)
	defer cancel()

	out := []DeadLetter{}
	for len(out) < max {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				break
			}
			return out, err
		}
		headers := fromKafkaHeaders(m.Headers)
		out = append(out, DeadLetter{
			MessageID:     kafkaMessageID(m, headers),
			Body:          string(m.Value),
			Reason:        headers[HeaderDeadLetterReason],
			Description:   headers[HeaderDeadLetterDescription],
			DeliveryCount: kafkaDeliveryCount(headers),
			EnqueuedAt:    m.Time.UTC(),
		})
	}
	return out, nil
}

// IsHealthy dials the first reachable broker
func (b *KafkaBroker) IsHealthy(ctx context.Context) bool {
	for _, addr := range b.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			return true
		}
	}
	return false
}

// Close closes the reader and the writer
func (b *KafkaBroker) Close() error {
	rerr := b.reader.Close()
	werr := b.writer.Close()
	if rerr != nil {
		return rerr
	}
	return werr
}

type kafkaDelivery struct {
	broker  *KafkaBroker
	m       kafka.Message
	headers map[string]string
}

func (k *kafkaDelivery) ID() string                 { return kafkaMessageID(k.m, k.headers) }
func (k *kafkaDelivery) Body() []byte               { return k.m.Value }
func (k *kafkaDelivery) Headers() map[string]string { return k.headers }
func (k *kafkaDelivery) DeliveryCount() int         { return kafkaDeliveryCount(k.headers) }

func (k *kafkaDelivery) Complete(ctx context.Context) error {
	return k.commit(ctx)
}

// Abandon puts a copy at the tail of the topic. Ordering relative to other
// messages of the same key is not preserved.
func (k *kafkaDelivery) Abandon(ctx context.Context) error {
	headers := k.copyHeaders()
	headers[HeaderDeliveryCount] = strconv.Itoa(k.DeliveryCount())
	return k.forward(ctx, k.broker.topic, headers)
}

func (k *kafkaDelivery) DeadLetter(ctx context.Context, reason, description string) error {
	headers := k.copyHeaders()
	headers[HeaderDeadLetterReason] = reason
	headers[HeaderDeadLetterDescription] = description
	headers[HeaderDeliveryCount] = strconv.Itoa(k.DeliveryCount() - 1)
	return k.forward(ctx, k.broker.dlq, headers)
}

func (k *kafkaDelivery) forward(ctx context.Context, topic string, headers map[string]string) error {
	headers[HeaderMessageID] = k.ID()
	if err := k.broker.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     k.m.Key,
		Value:   k.m.Value,
		Headers: toKafkaHeaders(headers),
	}); err != nil {
		return fmt.Errorf("failed to produce to %s: %w", topic, err)
	}
	return k.commit(ctx)
}

// commit advances the group offset to the highest contiguous settled offset
// of the partition. Settling behind an in-flight message commits nothing yet.
func (k *kafkaDelivery) commit(ctx context.Context) error {
	offset, ok := k.broker.offsets.settle(k.m.Partition, k.m.Offset)
	if !ok {
		return nil
	}
	return k.broker.reader.CommitMessages(ctx, kafka.Message{
		Topic:     k.m.Topic,
		Partition: k.m.Partition,
		Offset:    offset,
	})
}

func (k *kafkaDelivery) copyHeaders() map[string]string {
	out := make(map[string]string, len(k.headers)+3)
	for key, v := range k.headers {
		out[key] = v
	}
	return out
}

func kafkaMessageID(m kafka.Message, headers map[string]string) string {
	if id := headers[HeaderMessageID]; id != "" {
		return id
	}
	return string(m.Key)
}

// kafkaDeliveryCount reads the number of previous deliveries from the
// header, so the first delivery counts as 1.
func kafkaDeliveryCount(headers map[string]string) int {
	n, err := strconv.Atoi(headers[HeaderDeliveryCount])
	if err != nil || n < 0 {
		return 1
	}
	return n + 1
}

func fromKafkaHeaders(hs []kafka.Header) map[string]string {
	out := make(map[string]string, len(hs))
	for _, h := range hs {
		out[h.Key] = string(h.Value)
	}
	return out
}

func toKafkaHeaders(headers map[string]string) []kafka.Header {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]kafka.Header, 0, len(keys))
	for _, k := range keys {
		out = append(out, kafka.Header{Key: k, Value: []byte(headers[k])})
	}
	return out
}
