package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultLockDuration     = 30 * time.Second
	defaultMaxDeliveryCount = 10
)

// MemoryOption configures a MemoryBroker
type MemoryOption func(*MemoryBroker)

// WithLockDuration sets how long a received message stays invisible to other receivers.
func WithLockDuration(d time.Duration) MemoryOption {
	return func(b *MemoryBroker) { b.lockDuration = d }
}

// WithMaxDeliveryCount sets after how many deliveries an abandoned message is dead-lettered.
func WithMaxDeliveryCount(n int) MemoryOption {
	return func(b *MemoryBroker) { b.maxDeliveryCount = n }
}

// MemoryBroker is an in-process peek-lock queue. A received message is locked
// for the lock duration; it returns to the queue when abandoned or when its
// lock expires, and moves to the dead-letter sub-queue when dead-lettered or
// delivered too many times.
type MemoryBroker struct {
	queue            string
	lockDuration     time.Duration
	maxDeliveryCount int

	mu     sync.Mutex
	queues map[string]*memQueue
	tokens uint64
	closed bool
	wake   chan struct{}
}

type memQueue struct {
	ready  []*memMessage
	locked map[*memMessage]struct{}
	dead   []DeadLetter
}

type memMessage struct {
	id            string
	body          []byte
	headers       map[string]string
	enqueuedAt    time.Time
	deliveryCount int
	lockToken     uint64
	lockedUntil   time.Time
}

// NewMemoryBroker creates an in-process broker receiving from queue.
func NewMemoryBroker(queue string, opts ...MemoryOption) *MemoryBroker {
	b := &MemoryBroker{
		queue:            queue,
		lockDuration:     defaultLockDuration,
		maxDeliveryCount: defaultMaxDeliveryCount,
		queues:           map[string]*memQueue{},
		wake:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *MemoryBroker) Name() string  { return "memory" }
func (b *MemoryBroker) Queue() string { return b.queue }

// IsHealthy reports whether the broker is open
func (b *MemoryBroker) IsHealthy(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

// Send enqueues msg on queue.
func (b *MemoryBroker) Send(ctx context.Context, queue string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	id := msg.ID
	if id == "" {
		id = uuid.New().String()
	}
	headers := make(map[string]string, len(msg.Headers))
	for k, v := range msg.Headers {
		headers[k] = v
	}

	q := b.queueLocked(queue)
	q.ready = append(q.ready, &memMessage{
		id:         id,
		body:       append([]byte(nil), msg.Body...),
		headers:    headers,
		enqueuedAt: time.Now().UTC(),
	})
	b.signalLocked()
	return nil
}

// Receive locks and returns the next message of the broker queue.
func (b *MemoryBroker) Receive(ctx context.Context) (Delivery, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}

		now := time.Now()
		q := b.queueLocked(b.queue)
		b.reclaimLocked(q, now)

		if len(q.ready) > 0 {
			m := q.ready[0]
			q.ready = q.ready[1:]

			b.tokens++
			m.deliveryCount++
			m.lockToken = b.tokens
			m.lockedUntil = now.Add(b.lockDuration)
			q.locked[m] = struct{}{}

			d := &memDelivery{
				broker:        b,
				queue:         b.queue,
				msg:           m,
				token:         m.lockToken,
				id:            m.id,
				body:          m.body,
				headers:       m.headers,
				deliveryCount: m.deliveryCount,
			}
			b.mu.Unlock()
			return d, nil
		}

		wait := b.nextExpiryLocked(q, now)
		wake := b.wake
		b.mu.Unlock()

		var timer *time.Timer
		var expired <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			expired = timer.C
		}

		select {
		case <-ctx.Done():
			err := ctx.Err()
			if timer != nil {
				timer.Stop()
			}
			return nil, err
		case <-wake:
		case <-expired:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// PeekDeadLetters returns up to max dead-lettered messages of the broker queue.
func (b *MemoryBroker) PeekDeadLetters(ctx context.Context, max int) ([]DeadLetter, error) {
	return b.DeadLetters(b.queue, max), nil
}

// DeadLetters returns up to max dead-lettered messages of queue. max <= 0 returns all.
func (b *MemoryBroker) DeadLetters(queue string, max int) []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queueLocked(queue)
	n := len(q.dead)
	if max > 0 && max < n {
		n = max
	}
	out := make([]DeadLetter, n)
	copy(out, q.dead[:n])
	return out
}

// Active returns the number of messages of queue that are ready or locked.
func (b *MemoryBroker) Active(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queueLocked(queue)
	return len(q.ready) + len(q.locked)
}

// Messages returns the bodies of the ready messages of queue in order.
func (b *MemoryBroker) Messages(queue string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queueLocked(queue)
	out := make([][]byte, 0, len(q.ready))
	for _, m := range q.ready {
		out = append(out, m.body)
	}
	return out
}

// Close wakes blocked receivers with ErrClosed. Outstanding deliveries can
// still be settled.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		b.signalLocked()
	}
	return nil
}

func (b *MemoryBroker) queueLocked(name string) *memQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memQueue{locked: map[*memMessage]struct{}{}}
		b.queues[name] = q
	}
	return q
}

func (b *MemoryBroker) signalLocked() {
	close(b.wake)
	b.wake = make(chan struct{})
}

func (b *MemoryBroker) reclaimLocked(q *memQueue, now time.Time) {
	for m := range q.locked {
		if now.Before(m.lockedUntil) {
			continue
		}
		delete(q.locked, m)
		b.requeueLocked(q, m)
	}
}

func (b *MemoryBroker) requeueLocked(q *memQueue, m *memMessage) {
	m.lockToken = 0
	if b.maxDeliveryCount > 0 && m.deliveryCount >= b.maxDeliveryCount {
		b.deadLetterLocked(q, m, ReasonMaxDeliveryCount, "Message could not be consumed after maximum delivery attempts.")
		return
	}
	q.ready = append(q.ready, m)
}

func (b *MemoryBroker) deadLetterLocked(q *memQueue, m *memMessage, reason, description string) {
	q.dead = append(q.dead, DeadLetter{
		MessageID:     m.id,
		Body:          string(m.body),
		Reason:        reason,
		Description:   description,
		DeliveryCount: m.deliveryCount,
		EnqueuedAt:    m.enqueuedAt,
	})
}

func (b *MemoryBroker) nextExpiryLocked(q *memQueue, now time.Time) time.Duration {
	var next time.Duration
	for m := range q.locked {
		wait := m.lockedUntil.Sub(now)
		if next == 0 || wait < next {
			next = wait
		}
	}
	if next < 0 {
		next = time.Millisecond
	}
	return next
}

type memDelivery struct {
	broker *MemoryBroker
	queue  string
	msg    *memMessage
	token  uint64

	id            string
	body          []byte
	headers       map[string]string
	deliveryCount int
}

func (d *memDelivery) ID() string                 { return d.id }
func (d *memDelivery) Body() []byte               { return d.body }
func (d *memDelivery) Headers() map[string]string { return d.headers }
func (d *memDelivery) DeliveryCount() int         { return d.deliveryCount }

func (d *memDelivery) Complete(ctx context.Context) error {
	return d.settle(func(q *memQueue) {})
}

func (d *memDelivery) Abandon(ctx context.Context) error {
	return d.settle(func(q *memQueue) {
		d.broker.requeueLocked(q, d.msg)
		d.broker.signalLocked()
	})
}

func (d *memDelivery) DeadLetter(ctx context.Context, reason, description string) error {
	return d.settle(func(q *memQueue) {
		d.broker.deadLetterLocked(q, d.msg, reason, description)
	})
}

// RenewLock extends the lock by the broker lock duration.
func (d *memDelivery) RenewLock(ctx context.Context) error {
	b := d.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := d.heldLocked(); err != nil {
		return err
	}
	d.msg.lockedUntil = time.Now().Add(b.lockDuration)
	return nil
}

func (d *memDelivery) settle(fn func(q *memQueue)) error {
	b := d.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	q, err := d.heldLocked()
	if err != nil {
		return err
	}
	delete(q.locked, d.msg)
	d.msg.lockToken = 0
	fn(q)
	return nil
}

func (d *memDelivery) heldLocked() (*memQueue, error) {
	q := d.broker.queueLocked(d.queue)
	if _, ok := q.locked[d.msg]; !ok || d.msg.lockToken != d.token {
		return nil, ErrLockLost
	}
	if !time.Now().Before(d.msg.lockedUntil) {
		delete(q.locked, d.msg)
		d.broker.requeueLocked(q, d.msg)
		d.broker.signalLocked()
		return nil, ErrLockLost
	}
	return q, nil
}
