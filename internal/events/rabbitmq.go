package events

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	// Retry configuration
	maxRetries     = 3
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second

	confirmTimeout = 5 * time.Second
	dialAttempts   = 5
	dialBackoff    = 2 * time.Second
)

// RabbitBroker consumes a durable RabbitMQ queue with manual acknowledgment
// and dead-letters into "<queue>.dlq".
type RabbitBroker struct {
	url   string
	queue string
	dlq   string
	log   *zap.Logger

	conn      *amqp.Connection
	consumeCh *amqp.Channel
	publishCh *amqp.Channel

	consumeOnce sync.Once
	consumeErr  error
	deliveries  <-chan amqp.Delivery

	mu       sync.Mutex
	declared map[string]bool
}

// NewRabbitBroker connects to url, declares queue and its dead-letter queue
// and limits unacknowledged deliveries to prefetch.
func NewRabbitBroker(url, queue string, prefetch int, log *zap.Logger) (*RabbitBroker, error) {
	conn, err := dial(url, log)
	if err != nil {
		return nil, err
	}

	consumeCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := consumeCh.Qos(prefetch, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}

	publishCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	// Enable publisher confirms for reliability
	if err := publishCh.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	b := &RabbitBroker{
		url:       url,
		queue:     queue,
		dlq:       queue + ".dlq",
		log:       log,
		conn:      conn,
		consumeCh: consumeCh,
		publishCh: publishCh,
		declared:  map[string]bool{},
	}

	for _, name := range []string{b.queue, b.dlq} {
		if err := b.declare(name); err != nil {
			conn.Close()
			return nil, err
		}
	}

	log.Info("Connected to RabbitMQ",
		zap.String("queue", queue),
		zap.String("dead_letter_queue", b.dlq),
		zap.Int("prefetch", prefetch),
	)
	return b, nil
}

func dial(url string, log *zap.Logger) (*amqp.Connection, error) {
	var conn *amqp.Connection
	var err error

	for attempt := 1; attempt <= dialAttempts; attempt++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			return conn, nil
		}
		log.Warn("Failed to connect to RabbitMQ", zap.Int("attempt", attempt), zap.Error(err))
		if attempt < dialAttempts {
			time.Sleep(dialBackoff)
		}
	}
	return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
}

func (b *RabbitBroker) Name() string  { return "rabbitmq" }
func (b *RabbitBroker) Queue() string { return b.queue }

func (b *RabbitBroker) declare(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.declared[name] {
		return nil
	}
	if _, err := b.publishCh.QueueDeclare(
		name,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		b.queueArgs(name),
	); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	b.declared[name] = true
	return nil
}

// queueArgs makes the consumed queue a quorum queue so redeliveries carry
// x-delivery-count. A classic queue declared under the same name must be
// deleted first or the broker refuses the declaration.
func (b *RabbitBroker) queueArgs(name string) amqp.Table {
	if name != b.queue {
		return nil
	}
	return amqp.Table{"x-queue-type": "quorum"}
}

// Receive returns the next delivery of the queue. Consumption starts on the
// first call.
func (b *RabbitBroker) Receive(ctx context.Context) (Delivery, error) {
	b.consumeOnce.Do(func() {
		b.deliveries, b.consumeErr = b.consumeCh.Consume(
			b.queue,
			"",    // consumer tag
			false, // auto-ack
			false, // exclusive
			false, // no-local
			false, // no-wait
			nil,   // args
		)
	})
	if b.consumeErr != nil {
		return nil, fmt.Errorf("failed to register consumer: %w", b.consumeErr)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case d, ok := <-b.deliveries:
		if !ok {
			return nil, ErrClosed
		}
		return &rabbitDelivery{broker: b, d: d}, nil
	}
}

// Send publishes msg to queue as a persistent message and waits for the
// broker confirm, retrying with exponential backoff.
func (b *RabbitBroker) Send(ctx context.Context, queue string, msg Message) error {
	if err := b.declare(queue); err != nil {
		return err
	}

	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}

	return b.publishWithRetry(ctx, queue, amqp.Publishing{
		ContentType:  msg.ContentType,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		MessageId:    msg.ID,
		Body:         msg.Body,
		Headers:      headers,
	})
}

// publishWithRetry publishes with exponential backoff retry
func (b *RabbitBroker) publishWithRetry(ctx context.Context, queue string, pub amqp.Publishing) error {
	backoff := initialBackoff
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			}
		}

		confirm, err := b.publishCh.PublishWithDeferredConfirmWithContext(
			ctx,
			"",    // default exchange
			queue, // routing key
			false, // mandatory
			false, // immediate
			pub,
		)
		if err != nil {
			lastErr = err
			b.log.Warn("Failed to publish message, retrying",
				zap.String("queue", queue),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			continue
		}

		waitCtx, cancel := context.WithTimeout(ctx, confirmTimeout)
		acked, err := confirm.WaitContext(waitCtx)
		cancel()
		if err == nil && acked {
			b.log.Debug("Message published",
				zap.String("queue", queue),
				zap.String("message_id", pub.MessageId),
			)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			lastErr = fmt.Errorf("confirmation timeout: %w", err)
		} else {
			lastErr = fmt.Errorf("message not acknowledged")
		}

		b.log.Warn("Publish not confirmed, retrying",
			zap.String("queue", queue),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)
	}

	b.log.Error("Failed to publish message after retries",
		zap.String("queue", queue),
		zap.String("message_id", pub.MessageId),
		zap.Int("attempts", maxRetries),
		zap.Error(lastErr),
	)
	return fmt.Errorf("failed to publish message after %d attempts: %w", maxRetries, lastErr)
}

// PeekDeadLetters reads up to max messages of the dead-letter queue and
// returns them to the queue.
func (b *RabbitBroker) PeekDeadLetters(ctx context.Context, max int) ([]DeadLetter, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	// Closing the channel requeues anything still unacknowledged.
	defer ch.Close()

	var peeked []amqp.Delivery
	for len(peeked) < max {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d, ok, err := ch.Get(b.dlq, false)
		if err != nil {
			return nil, fmt.Errorf("failed to read dead-letter queue: %w", err)
		}
		if !ok {
			break
		}
		peeked = append(peeked, d)
	}

	out := make([]DeadLetter, 0, len(peeked))
	for _, d := range peeked {
		headers := tableToHeaders(d.Headers)
		out = append(out, DeadLetter{
			MessageID:     d.MessageId,
			Body:          string(d.Body),
			Reason:        headers[HeaderDeadLetterReason],
			Description:   headers[HeaderDeadLetterDescription],
			DeliveryCount: rabbitDeliveryCount(d),
			EnqueuedAt:    d.Timestamp.UTC(),
		})
	}
	if n := len(peeked); n > 0 {
		if err := peeked[n-1].Nack(true, true); err != nil {
			b.log.Warn("Failed to requeue peeked dead letters", zap.Error(err))
		}
	}
	return out, nil
}

// IsHealthy checks if the connection is open
func (b *RabbitBroker) IsHealthy(ctx context.Context) bool {
	return b.conn != nil && !b.conn.IsClosed()
}

// Close closes the channels and the connection
func (b *RabbitBroker) Close() error {
	for _, ch := range []*amqp.Channel{b.consumeCh, b.publishCh} {
		if ch != nil {
			if err := ch.Close(); err != nil {
				b.log.Error("Failed to close channel", zap.Error(err))
			}
		}
	}
	if b.conn != nil && !b.conn.IsClosed() {
		if err := b.conn.Close(); err != nil {
			b.log.Error("Failed to close connection", zap.Error(err))
			return err
		}
	}
	b.log.Info("RabbitMQ broker closed")
	return nil
}

type rabbitDelivery struct {
	broker *RabbitBroker
	d      amqp.Delivery
}

func (r *rabbitDelivery) ID() string                 { return r.d.MessageId }
func (r *rabbitDelivery) Body() []byte               { return r.d.Body }
func (r *rabbitDelivery) Headers() map[string]string { return tableToHeaders(r.d.Headers) }
func (r *rabbitDelivery) DeliveryCount() int         { return rabbitDeliveryCount(r.d) }

func (r *rabbitDelivery) Complete(ctx context.Context) error {
	return r.d.Ack(false)
}

func (r *rabbitDelivery) Abandon(ctx context.Context) error {
	return r.d.Nack(false, true) // Requeue for retry
}

// DeadLetter copies the message into the dead-letter queue with the reason
// headers, then acknowledges the original.
func (r *rabbitDelivery) DeadLetter(ctx context.Context, reason, description string) error {
	headers := amqp.Table{}
	for k, v := range r.d.Headers {
		headers[k] = v
	}
	headers[HeaderDeadLetterReason] = reason
	headers[HeaderDeadLetterDescription] = description
	// Stored as previous deliveries, the way quorum queues count them.
	headers[HeaderDeliveryCount] = int64(rabbitDeliveryCount(r.d) - 1)

	if err := r.broker.publishWithRetry(ctx, r.broker.dlq, amqp.Publishing{
		ContentType:  r.d.ContentType,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		MessageId:    r.d.MessageId,
		Body:         r.d.Body,
		Headers:      headers,
	}); err != nil {
		return err
	}
	return r.d.Ack(false)
}

func tableToHeaders(t amqp.Table) map[string]string {
	headers := make(map[string]string, len(t))
	for k, v := range t {
		switch val := v.(type) {
		case string:
			headers[k] = val
		case []byte:
			headers[k] = string(val)
		default:
			headers[k] = fmt.Sprint(val)
		}
	}
	return headers
}

// rabbitDeliveryCount uses the x-delivery-count header of quorum queues and
// falls back to the redelivered flag of classic queues.
func rabbitDeliveryCount(d amqp.Delivery) int {
	if v, ok := d.Headers[HeaderDeliveryCount]; ok {
		if n, err := strconv.Atoi(fmt.Sprint(v)); err == nil {
			return n + 1
		}
	}
	if d.Redelivered {
		return 2
	}
	return 1
}
