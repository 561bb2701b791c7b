// Package notify carries expected validation and business-rule failures from
// nested service calls back to the boundary of a single request or message.
//
// Every request or message opens its own scope with NewContext. Services
// publish into whatever scope the context carries; the boundary inspects the
// Collector once to decide between success and a structured failure.
package notify

import (
	"context"
	"sync"
)

// Notification codes.
const (
	CodeGameNotFound         = "GameNotFound"
	CodeInvalidGame          = "InvalidGame"
	CodeInvalidQuantity      = "InvalidQuantity"
	CodeStockNotFound        = "StockNotFound"
	CodeInsufficientStock    = "InsufficientStock"
	CodeStockConflict        = "StockConflict"
	CodeSaleAlreadyProcessed = "SaleAlreadyProcessed"
	CodeValidation           = "ValidationError"
)

// Notification is a single (code, message) pair.
type Notification struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Collector accumulates the notifications of one call chain.
type Collector struct {
	mu    sync.Mutex
	items []Notification
}

// Add appends a notification.
func (c *Collector) Add(code, message string) {
	c.mu.Lock()
	c.items = append(c.items, Notification{Code: code, Message: message})
	c.mu.Unlock()
}

// HasNotifications reports whether anything was published in this scope.
func (c *Collector) HasNotifications() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items) > 0
}

// Notifications returns a copy of the collected notifications.
func (c *Collector) Notifications() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Notification, len(c.items))
	copy(out, c.items)
	return out
}

// Messages returns the message of every collected notification.
func (c *Collector) Messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.items))
	for _, n := range c.items {
		out = append(out, n.Message)
	}
	return out
}

type collectorKey struct{}

// NewContext opens a fresh notification scope. Scopes never share collectors,
// even when ctx already carries one.
func NewContext(ctx context.Context) (context.Context, *Collector) {
	c := &Collector{}
	return context.WithValue(ctx, collectorKey{}, c), c
}

// FromContext returns the collector of the current scope, or nil.
func FromContext(ctx context.Context) *Collector {
	c, _ := ctx.Value(collectorKey{}).(*Collector)
	return c
}

// Publish adds a notification to the current scope. Without a scope it is a no-op.
func Publish(ctx context.Context, code, message string) {
	if c := FromContext(ctx); c != nil {
		c.Add(code, message)
	}
}
