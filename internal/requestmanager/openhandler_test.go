package requestmanager

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dertexaner/xrdreqmgr/internal/xrdcore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 100}))
}

func TestOpenHandlerSucceeds(t *testing.T) {
	src := newFakeSource("server-a:1094", 10)
	client := newFakeClient(openResult{src: src})

	var onResultCalls int32
	h := newOpenHandler(client, xrdcore.OpenParams{Name: "/store/f"}, discardLogger(),
		func(xrdcore.OpenOutcome) { atomic.AddInt32(&onResultCalls, 1) },
		func() string { return "" })

	future, err := h.Open()
	require.NoError(t, err)

	got, err := future.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, src, got)
	assert.Equal(t, int32(1), atomic.LoadInt32(&onResultCalls))
}

func TestOpenHandlerCoalescesConcurrentCallers(t *testing.T) {
	block := make(chan struct{})
	src := newFakeSource("server-a:1094", 10)
	client := &blockingOnceClient{src: src, release: block}

	h := newOpenHandler(client, xrdcore.OpenParams{Name: "/store/f"}, discardLogger(),
		func(xrdcore.OpenOutcome) {}, func() string { return "" })

	var wg sync.WaitGroup
	futures := make([]*xrdcore.Future[xrdcore.Source], 5)
	for i := range futures {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f, err := h.Open()
			require.NoError(t, err)
			futures[i] = f
		}(i)
	}
	wg.Wait()
	close(block)

	for _, f := range futures {
		got, err := f.Get(context.Background())
		require.NoError(t, err)
		assert.Equal(t, src, got)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&client.calls), "concurrent Open callers must coalesce onto one in-flight attempt")
}

func TestOpenHandlerSubmissionFailure(t *testing.T) {
	client := &failingSubmitClient{err: errors.New("no route to redirector")}
	h := newOpenHandler(client, xrdcore.OpenParams{Name: "/store/f"}, discardLogger(),
		func(xrdcore.OpenOutcome) {}, func() string { return "" })

	future, err := h.Open()
	require.Error(t, err)
	_, ferr := future.Get(context.Background())
	require.Error(t, ferr)
	var openErr *xrdcore.FileOpenError
	require.ErrorAs(t, ferr, &openErr)
}

func TestOpenHandlerShutdownIgnoresLateResponse(t *testing.T) {
	block := make(chan struct{})
	src := newFakeSource("server-a:1094", 10)
	client := &blockingOnceClient{src: src, release: block}

	h := newOpenHandler(client, xrdcore.OpenParams{Name: "/store/f"}, discardLogger(),
		func(xrdcore.OpenOutcome) {}, func() string { return "" })

	_, err := h.Open()
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		h.Shutdown(2 * time.Second)
		close(done)
	}()

	close(block)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not return after the in-flight open completed")
	}
}

func TestBuildTriedOpaque(t *testing.T) {
	assert.Equal(t, "http://redirector/file", buildTriedOpaque("http://redirector/file", nil))
	assert.Equal(t, "http://redirector/file?tried=a,b", buildTriedOpaque("http://redirector/file", []string{"a", "b"}))
	assert.Equal(t, "http://redirector/file?x=1&tried=a", buildTriedOpaque("http://redirector/file?x=1", []string{"a"}))
}

// blockingOnceClient submits exactly once and waits on release before
// invoking the callback, letting tests assert on coalescing.
type blockingOnceClient struct {
	src     *fakeSource
	release chan struct{}
	calls   int32
}

func (c *blockingOnceClient) OpenSync(context.Context, xrdcore.OpenParams, string) (xrdcore.Source, error) {
	return c.src, nil
}

func (c *blockingOnceClient) OpenAsync(params xrdcore.OpenParams, tried string, callback func(xrdcore.OpenOutcome)) error {
	atomic.AddInt32(&c.calls, 1)
	go func() {
		<-c.release
		callback(xrdcore.OpenOutcome{Source: c.src})
	}()
	return nil
}

type failingSubmitClient struct{ err error }

func (c *failingSubmitClient) OpenSync(context.Context, xrdcore.OpenParams, string) (xrdcore.Source, error) {
	return nil, c.err
}

func (c *failingSubmitClient) OpenAsync(xrdcore.OpenParams, string, func(xrdcore.OpenOutcome)) error {
	return c.err
}
