// Package events is the queue transport of the sale intake: a receive side
// with peek-lock style settlement and a send side for outbound messages.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Dead-letter reasons set by the intake loop.
const (
	ReasonDeserialization = "DESERIALIZATION_ERROR"
	ReasonValidation      = "VALIDATION_ERROR"
	ReasonBusinessRule    = "BUSINESS_RULE_ERROR"
	// ReasonMaxDeliveryCount is set by brokers that give up redelivering.
	ReasonMaxDeliveryCount = "MaxDeliveryCountExceeded"
)

// Header names carried on every transport.
const (
	HeaderMessageID             = "message-id"
	HeaderDeliveryCount         = "x-delivery-count"
	HeaderDeadLetterReason      = "x-dead-letter-reason"
	HeaderDeadLetterDescription = "x-dead-letter-description"
)

var (
	// ErrClosed is returned by Receive after Close.
	ErrClosed = errors.New("broker closed")
	// ErrLockLost is returned when settling a delivery whose lock expired or
	// which was already settled.
	ErrLockLost = errors.New("message lock lost")
)

// Delivery is one received message awaiting settlement. Exactly one of
// Complete, Abandon or DeadLetter should be called.
type Delivery interface {
	ID() string
	Body() []byte
	Headers() map[string]string
	// DeliveryCount starts at 1 for the first delivery.
	DeliveryCount() int

	Complete(ctx context.Context) error
	Abandon(ctx context.Context) error
	DeadLetter(ctx context.Context, reason, description string) error
}

// LockRenewer is implemented by deliveries whose lock expires.
type LockRenewer interface {
	RenewLock(ctx context.Context) error
}

// Receiver hands out deliveries of one queue.
type Receiver interface {
	// Receive blocks until a delivery is available or ctx is done.
	Receive(ctx context.Context) (Delivery, error)
	Close() error
}

// Sender publishes messages to a named queue or topic.
type Sender interface {
	Send(ctx context.Context, queue string, msg Message) error
}

// DeadLetter is a dead-lettered message as shown by the broker monitor.
type DeadLetter struct {
	MessageID     string    `json:"messageId"`
	Body          string    `json:"body"`
	Reason        string    `json:"deadLetterReason"`
	Description   string    `json:"deadLetterErrorDescription"`
	DeliveryCount int       `json:"deliveryCount"`
	EnqueuedAt    time.Time `json:"enqueuedTime"`
}

// DeadLetterPeeker reads dead-lettered messages without removing them.
type DeadLetterPeeker interface {
	PeekDeadLetters(ctx context.Context, max int) ([]DeadLetter, error)
}

// Broker is a transport that can both receive and send.
type Broker interface {
	Receiver
	Sender
	DeadLetterPeeker
	Name() string
	Queue() string
	IsHealthy(ctx context.Context) bool
}

// Message is an outbound message.
type Message struct {
	ID          string
	ContentType string
	Body        []byte
	Headers     map[string]string
}

// NewJSONMessage marshals payload and stamps a new message id. The trace
// context of ctx is injected into the headers.
func NewJSONMessage(ctx context.Context, payload interface{}) (Message, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal message: %w", err)
	}

	headers := map[string]string{}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))

	return Message{
		ID:          uuid.New().String(),
		ContentType: "application/json",
		Body:        body,
		Headers:     headers,
	}, nil
}
