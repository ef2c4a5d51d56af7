package xrdcore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFutureFulfillOnce(t *testing.T) {
	f, fulfill := NewFuture[int]()
	fulfill(42, nil)
	fulfill(99, errors.New("ignored"))

	v, err := f.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestFutureGetRespectsContextCancellation(t *testing.T) {
	f, _ := NewFuture[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Get(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFutureBroadcastsToMultipleWaiters(t *testing.T) {
	f, fulfill := NewFuture[string]()
	results := make(chan string, 3)
	for i := 0; i < 3; i++ {
		go func() {
			v, err := f.Get(context.Background())
			require.NoError(t, err)
			results <- v
		}()
	}
	fulfill("done", nil)

	for i := 0; i < 3; i++ {
		assert.Equal(t, "done", <-results)
	}
}

func TestResolved(t *testing.T) {
	f := Resolved[int64](7, nil)
	v, err := f.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)
}

func TestSumFutures(t *testing.T) {
	a, fulfillA := NewFuture[int64]()
	b, fulfillB := NewFuture[int64]()
	sum := SumFutures(a, b)

	fulfillA(10, nil)
	fulfillB(32, nil)

	v, err := sum.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)
}

func TestSumFuturesPropagatesFirstError(t *testing.T) {
	a, fulfillA := NewFuture[int64]()
	b, fulfillB := NewFuture[int64]()
	sum := SumFutures(a, b)

	wantErr := errors.New("source a failed")
	fulfillA(0, wantErr)
	fulfillB(32, nil)

	_, err := sum.Get(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, wantErr)
}
