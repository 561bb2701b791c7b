// Package intake runs the sale message loop: it receives deliveries with
// bounded concurrency, reconciles each sale and settles the delivery
// according to the outcome.
package intake

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fcg/games/internal/events"
	"github.com/fcg/games/internal/metrics"
	"github.com/fcg/games/internal/sales"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	tracerName = "github.com/fcg/games/internal/intake"

	defaultMaxConcurrentCalls = 5
	defaultMessageTimeout     = 5 * time.Minute
	defaultLockRenewInterval  = 10 * time.Second
	defaultMaxDeliveryCount   = 10

	settleTimeout  = 30 * time.Second
	receiveBackoff = time.Second
)

// Settlement actions.
const (
	ActionComplete   = "complete"
	ActionAbandon    = "abandon"
	ActionDeadLetter = "dead_letter"
)

// statusDeserializationFailed labels messages that never reached the engine.
const statusDeserializationFailed = "DeserializationFailed"

// ErrAlreadyRunning is returned by Start on a running processor.
var ErrAlreadyRunning = errors.New("processor already running")

// Engine reconciles one sale.
type Engine interface {
	ProcessSale(ctx context.Context, msg sales.Message) sales.Outcome
}

// Option configures a Processor
type Option func(*Processor)

// WithMaxConcurrentCalls bounds the number of messages processed at once.
func WithMaxConcurrentCalls(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.maxConcurrent = n
		}
	}
}

// WithMessageTimeout bounds the processing of a single message, lock
// renewal included.
func WithMessageTimeout(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithLockRenewInterval sets how often delivery locks are renewed. Zero disables renewal.
func WithLockRenewInterval(d time.Duration) Option {
	return func(p *Processor) { p.renewEvery = d }
}

// WithMaxDeliveryCount dead-letters a message that would be abandoned on its
// n-th delivery. Zero or less leaves redelivery to the broker.
func WithMaxDeliveryCount(n int) Option {
	return func(p *Processor) { p.maxDeliveries = n }
}

// WithResults publishes every outcome to queue through sender.
func WithResults(sender events.Sender, queue string) Option {
	return func(p *Processor) {
		p.results = sender
		p.resultQueue = queue
	}
}

// WithMetrics records settlements on m
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// Stats is a snapshot of the processor counters.
type Stats struct {
	Running            bool      `json:"isRunning"`
	StartedAt          time.Time `json:"startedAt,omitempty"`
	MaxConcurrentCalls int       `json:"maxConcurrentCalls"`
	InFlight           int64     `json:"inFlight"`
	Received           int64     `json:"received"`
	Completed          int64     `json:"completed"`
	Abandoned          int64     `json:"abandoned"`
	DeadLettered       int64     `json:"deadLettered"`
	SettleFailures     int64     `json:"settleFailures"`
}

// Processor is the message intake loop.
type Processor struct {
	receiver      events.Receiver
	engine        Engine
	log           *zap.Logger
	metrics       *metrics.Metrics
	tracer        trace.Tracer
	maxConcurrent int
	timeout       time.Duration
	renewEvery    time.Duration
	maxDeliveries int
	results       events.Sender
	resultQueue   string

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	inFlight       atomic.Int64
	received       atomic.Int64
	completed      atomic.Int64
	abandoned      atomic.Int64
	deadLettered   atomic.Int64
	settleFailures atomic.Int64
}

// NewProcessor creates an intake loop reading from receiver.
func NewProcessor(receiver events.Receiver, engine Engine, log *zap.Logger, opts ...Option) *Processor {
	p := &Processor{
		receiver:      receiver,
		engine:        engine,
		log:           log,
		tracer:        otel.Tracer(tracerName),
		maxConcurrent: defaultMaxConcurrentCalls,
		timeout:       defaultMessageTimeout,
		renewEvery:    defaultLockRenewInterval,
		maxDeliveries: defaultMaxDeliveryCount,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the receive loop in the background. The loop runs until
// Stop is called or ctx is cancelled.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	p.startedAt = time.Now().UTC()

	go p.loop(runCtx, p.done)

	p.log.Info("Sale processor started",
		zap.Int("max_concurrent_calls", p.maxConcurrent),
		zap.Duration("message_timeout", p.timeout),
		zap.Int("max_delivery_count", p.maxDeliveries),
		zap.Bool("publish_results", p.results != nil && p.resultQueue != ""),
	)
	return nil
}

// Stop stops receiving and waits for in-flight messages to be settled, or
// for ctx to end.
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.cancel()
	done := p.done
	p.mu.Unlock()

	p.log.Info("Stopping sale processor", zap.Int64("in_flight", p.inFlight.Load()))

	select {
	case <-done:
		p.log.Info("Sale processor stopped")
		return nil
	case <-ctx.Done():
		p.log.Warn("Sale processor did not drain in time", zap.Int64("in_flight", p.inFlight.Load()))
		return ctx.Err()
	}
}

// Running reports whether the receive loop is active.
func (p *Processor) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Stats returns a snapshot of the processor counters.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	running, startedAt := p.running, p.startedAt
	p.mu.Unlock()

	return Stats{
		Running:            running,
		StartedAt:          startedAt,
		MaxConcurrentCalls: p.maxConcurrent,
		InFlight:           p.inFlight.Load(),
		Received:           p.received.Load(),
		Completed:          p.completed.Load(),
		Abandoned:          p.abandoned.Load(),
		DeadLettered:       p.deadLettered.Load(),
		SettleFailures:     p.settleFailures.Load(),
	}
}

func (p *Processor) loop(ctx context.Context, done chan struct{}) {
	sem := semaphore.NewWeighted(int64(p.maxConcurrent))
	// In-flight messages outlive the receive loop so they can drain.
	base := context.WithoutCancel(ctx)
	var wg sync.WaitGroup

	defer func() {
		wg.Wait()
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		close(done)
	}()

	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}

		d, err := p.receiver.Receive(ctx)
		if err != nil {
			sem.Release(1)
			if ctx.Err() != nil || errors.Is(err, events.ErrClosed) {
				return
			}
			p.log.Error("Failed to receive message", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(receiveBackoff):
			}
			continue
		}

		p.received.Add(1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			p.handle(base, d)
		}()
	}
}

func (p *Processor) handle(base context.Context, d events.Delivery) {
	start := time.Now()
	p.inFlight.Add(1)
	p.metrics.MessageStarted()
	defer func() {
		p.inFlight.Add(-1)
		p.metrics.MessageFinished()
	}()

	ctx := otel.GetTextMapPropagator().Extract(base, propagation.MapCarrier(d.Headers()))
	ctx, span := p.tracer.Start(ctx, "sales.intake",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.message.id", d.ID()),
			attribute.Int("messaging.delivery_count", d.DeliveryCount()),
		),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	log := p.log.With(
		zap.String("message_id", d.ID()),
		zap.Int("delivery_count", d.DeliveryCount()),
	)

	stopRenewal := p.renewLock(ctx, d, log)

	msg, err := sales.ParseMessage(d.Body())
	if err != nil {
		stopRenewal()
		log.Error("Failed to deserialize sale message", zap.Error(err))
		span.SetStatus(codes.Error, "deserialization failed")
		p.settle(ctx, d, log, statusDeserializationFailed, ActionDeadLetter,
			events.ReasonDeserialization, err.Error(), start)
		return
	}

	if msg.TransactionID == "" {
		msg.TransactionID = fallbackTransactionID(d)
		log.Debug("Transaction id taken from the message envelope", zap.String("transaction_id", msg.TransactionID))
	}

	out := p.engine.ProcessSale(ctx, *msg)
	stopRenewal()

	p.publishResult(ctx, out, log)

	action, reason := Settlement(out.Class())
	if action == ActionAbandon && p.maxDeliveries > 0 && d.DeliveryCount() >= p.maxDeliveries {
		log.Warn("Delivery limit reached, dead-lettering instead of abandoning",
			zap.Int("max_delivery_count", p.maxDeliveries),
			zap.String("status", string(out.Status)),
		)
		action, reason = ActionDeadLetter, events.ReasonMaxDeliveryCount
	}
	if action == ActionDeadLetter && len(out.Errors) > 0 {
		log.Info("Sale rejected", zap.String("transaction_id", out.TransactionID), zap.Strings("errors", out.Errors))
	}
	span.SetAttributes(
		attribute.String("sale.status", string(out.Status)),
		attribute.String("sale.settlement", action),
	)
	p.settle(ctx, d, log, string(out.Status), action, reason, out.Message, start)
}

// Settlement maps a failure class to a settlement action and, for
// dead-lettering, its reason.
func Settlement(class sales.Class) (action, reason string) {
	switch class {
	case sales.ClassNone:
		return ActionComplete, ""
	case sales.ClassValidation:
		return ActionDeadLetter, events.ReasonValidation
	case sales.ClassBusinessRule:
		return ActionDeadLetter, events.ReasonBusinessRule
	default:
		return ActionAbandon, ""
	}
}

func (p *Processor) settle(ctx context.Context, d events.Delivery, log *zap.Logger, status, action, reason, description string, start time.Time) {
	// Settlement must survive the message deadline.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	var err error
	switch action {
	case ActionComplete:
		err = d.Complete(ctx)
		p.completed.Add(1)
	case ActionDeadLetter:
		err = d.DeadLetter(ctx, reason, description)
		p.deadLettered.Add(1)
	default:
		err = d.Abandon(ctx)
		p.abandoned.Add(1)
	}

	p.metrics.MessageSettled(status, action, time.Since(start))

	if err != nil {
		p.settleFailures.Add(1)
		log.Error("Failed to settle message",
			zap.String("action", action),
			zap.String("status", status),
			zap.Error(err),
		)
		return
	}
	log.Info("Message settled",
		zap.String("action", action),
		zap.String("status", status),
		zap.String("reason", reason),
		zap.Duration("elapsed", time.Since(start)),
	)
}

// renewLock keeps the delivery lock alive until the returned func is called
// or ctx ends.
func (p *Processor) renewLock(ctx context.Context, d events.Delivery, log *zap.Logger) func() {
	renewer, ok := d.(events.LockRenewer)
	if !ok || p.renewEvery <= 0 {
		return func() {}
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.renewEvery)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := renewer.RenewLock(ctx); err != nil {
					log.Warn("Failed to renew message lock", zap.Error(err))
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
		})
	}
}

func (p *Processor) publishResult(ctx context.Context, out sales.Outcome, log *zap.Logger) {
	if p.results == nil || p.resultQueue == "" {
		return
	}
	msg, err := events.NewJSONMessage(ctx, out)
	if err == nil {
		err = p.results.Send(ctx, p.resultQueue, msg)
	}
	if err != nil {
		log.Warn("Failed to publish sale outcome",
			zap.String("queue", p.resultQueue),
			zap.String("transaction_id", out.TransactionID),
			zap.Error(err),
		)
	}
}

func fallbackTransactionID(d events.Delivery) string {
	if id := d.ID(); id != "" {
		return id
	}
	return uuid.New().String()
}
