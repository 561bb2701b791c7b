package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishWithoutScopeIsNoop(t *testing.T) {
	ctx := context.Background()
	Publish(ctx, CodeGameNotFound, "missing")
	assert.Nil(t, FromContext(ctx))
}

func TestCollectorAccumulatesInOrder(t *testing.T) {
	ctx, notes := NewContext(context.Background())

	assert.False(t, notes.HasNotifications())
	Publish(ctx, CodeInvalidQuantity, "first")
	Publish(ctx, CodeGameNotFound, "second")

	assert.True(t, notes.HasNotifications())
	assert.Equal(t, []string{"first", "second"}, notes.Messages())
	assert.Equal(t, CodeGameNotFound, notes.Notifications()[1].Code)
}

func TestNestedScopesAreIsolated(t *testing.T) {
	outerCtx, outer := NewContext(context.Background())
	innerCtx, inner := NewContext(outerCtx)

	Publish(innerCtx, CodeStockNotFound, "inner only")

	assert.True(t, inner.HasNotifications())
	assert.False(t, outer.HasNotifications())
}

func TestConcurrentScopesDoNotLeak(t *testing.T) {
	const workers = 20
	var wg sync.WaitGroup
	results := make([][]string, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, notes := NewContext(context.Background())
			Publish(ctx, CodeValidation, fmt.Sprintf("msg-%d", i))
			results[i] = notes.Messages()
		}(i)
	}
	wg.Wait()

	for i, msgs := range results {
		assert.Equal(t, []string{fmt.Sprintf("msg-%d", i)}, msgs)
	}
}

func TestRejectPublishesAndWraps(t *testing.T) {
	sentinel := errors.New("insufficient stock")
	ctx, notes := NewContext(context.Background())

	err := Reject(ctx, sentinel, CodeInsufficientStock, "only 2 left")

	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
	assert.True(t, IsRejection(err))
	assert.Equal(t, "only 2 left", err.Error())
	assert.Equal(t, []Notification{{Code: CodeInsufficientStock, Message: "only 2 left"}}, notes.Notifications())

	assert.False(t, IsRejection(errors.New("db down")))
	assert.True(t, IsRejection(fmt.Errorf("wrapped: %w", err)))
}
