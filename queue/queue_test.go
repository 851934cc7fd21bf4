package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ailets/ailets-go/errs"
	"github.com/ailets/ailets-go/handle"
)

func TestRegisterNotifyWait(t *testing.T) {
	q := New()
	h := q.Register("test-handle")

	done := make(chan int32, 1)
	go func() {
		payload, err := q.Wait(context.Background(), h)
		require.NoError(t, err)
		done <- payload
	}()

	// give the waiter a moment to register before notifying.
	time.Sleep(10 * time.Millisecond)
	n, err := q.Notify(h, 42)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(42), <-done)
}

func TestNotifyOnUnregisteredHandleIsError(t *testing.T) {
	q := New()
	_, err := q.Notify(handle.Handle(99), 1)
	require.Error(t, err)
}

func TestWaitTimeoutExpires(t *testing.T) {
	q := New()
	h := q.Register("slow")
	_, ok, err := q.WaitTimeout(context.Background(), h, 20*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWaitTimeoutObservesNotify(t *testing.T) {
	q := New()
	h := q.Register("fast")
	go func() {
		time.Sleep(5 * time.Millisecond)
		_, _ = q.Notify(h, 7)
	}()
	payload, ok, err := q.WaitTimeout(context.Background(), h, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(7), payload)
}

func TestSubscribeDeliversEveryNotify(t *testing.T) {
	q := New()
	h := q.Register("sub")
	sub, err := q.Subscribe(h, 4, "sub-hint")
	require.NoError(t, err)
	defer sub.Close()

	for i := int32(0); i < 3; i++ {
		_, err := q.Notify(h, i)
		require.NoError(t, err)
	}
	for i := int32(0); i < 3; i++ {
		assert.Equal(t, i, <-sub.C)
	}
}

func TestSubscribeOverflowDropsRatherThanBlocksNotify(t *testing.T) {
	q := New()
	h := q.Register("overflow")
	sub, err := q.Subscribe(h, 1, "overflow-hint")
	require.NoError(t, err)
	defer sub.Close()

	// fill the one-slot buffer, then notify again: Notify must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			_, _ = q.Notify(h, int32(i))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a full subscriber channel")
	}
	assert.Greater(t, sub.Overflow(), int64(0))
}

func TestWaiterCapExceeded(t *testing.T) {
	q := New(WithMaxWaiters(2))
	h := q.Register("capped")

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.Wait(ctx, h)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	_, err := q.Wait(ctx, h)
	require.Error(t, err)
	assert.Equal(t, errs.CodeWaiterCapExceeded, errs.CodeOf(err))
}

func TestCancelledWaiterDoesNotLeak(t *testing.T) {
	q := New()
	h := q.Register("cancel")
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		_, _ = q.Wait(ctx, h)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	time.Sleep(10 * time.Millisecond)

	q.mu.Lock()
	remaining := len(q.entries[h].waiters)
	q.mu.Unlock()
	assert.Equal(t, 0, remaining)
}

func TestProperty_NotifyOrderPerSubscriberIsCallOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("a subscriber observes notify payloads in call order", prop.ForAll(
		func(payloads []int32) bool {
			q := New(WithMaxSubscribers(1))
			h := q.Register("prop")
			sub, err := q.Subscribe(h, len(payloads)+1, "prop-hint")
			if err != nil {
				return false
			}
			for _, p := range payloads {
				if _, err := q.Notify(h, p); err != nil {
					return false
				}
			}
			for _, want := range payloads {
				got := <-sub.C
				if got != want {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Int32Range(0, 1000)),
	))
	properties.TestingRun(t)
}
