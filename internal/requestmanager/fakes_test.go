package requestmanager

import (
	"context"
	"sync"
	"time"

	"github.com/dertexaner/xrdreqmgr/internal/xrdcore"
)

// fakeSource is a deterministic, in-memory xrdcore.Source used across
// this package's tests: no network, synchronous unless a test wires a
// blocking handleFunc.
type fakeSource struct {
	mu            sync.Mutex
	id            string
	quality       int
	lastDowngrade time.Time
	handleFunc    func(ctx context.Context, req *xrdcore.ClientRequest) (int64, error)
	handleCalls   int
}

func newFakeSource(id string, quality int) *fakeSource {
	return &fakeSource{
		id:      id,
		quality: quality,
		handleFunc: func(ctx context.Context, req *xrdcore.ClientRequest) (int64, error) {
			return req.TotalBytes(), nil
		},
	}
}

func (s *fakeSource) ID() string { return s.id }

func (s *fakeSource) Quality() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quality
}

func (s *fakeSource) setQuality(q int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quality = q
}

func (s *fakeSource) LastDowngrade() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDowngrade
}

func (s *fakeSource) SetLastDowngrade(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastDowngrade = t
}

func (s *fakeSource) FileHandle() any { return s.id }

func (s *fakeSource) Handle(ctx context.Context, req *xrdcore.ClientRequest, onFailure func(error)) (*xrdcore.Future[int64], error) {
	s.mu.Lock()
	s.handleCalls++
	fn := s.handleFunc
	s.mu.Unlock()

	future, fulfill := xrdcore.NewFuture[int64]()
	n, err := fn(ctx, req)
	fulfill(n, err)
	return future, nil
}

// openResult scripts one OpenSync/OpenAsync outcome.
type openResult struct {
	src *fakeSource
	err error
}

// fakeClient is a scripted xrdcore.FileClient: each OpenSync/OpenAsync
// call consumes the next queued result, repeating the last one once
// the queue is exhausted.
type fakeClient struct {
	mu    sync.Mutex
	queue []openResult
	calls int
	tried []string
}

func newFakeClient(results ...openResult) *fakeClient {
	return &fakeClient{queue: results}
}

func (c *fakeClient) next() openResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.calls
	if idx >= len(c.queue) {
		idx = len(c.queue) - 1
	}
	c.calls++
	return c.queue[idx]
}

func (c *fakeClient) OpenSync(ctx context.Context, params xrdcore.OpenParams, triedOpaque string) (xrdcore.Source, error) {
	c.mu.Lock()
	c.tried = append(c.tried, triedOpaque)
	c.mu.Unlock()

	r := c.next()
	if r.err != nil {
		return nil, r.err
	}
	return r.src, nil
}

func (c *fakeClient) OpenAsync(params xrdcore.OpenParams, triedOpaque string, callback func(xrdcore.OpenOutcome)) error {
	// Always dispatched on a separate goroutine, as the
	// xrdcore.FileClient.OpenAsync contract requires.
	go func() {
		r := c.next()
		if r.err != nil {
			callback(xrdcore.OpenOutcome{Err: r.err})
			return
		}
		callback(xrdcore.OpenOutcome{Source: r.src})
	}()
	return nil
}
