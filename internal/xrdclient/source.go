package xrdclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dertexaner/xrdreqmgr/internal/xrdcore"
)

// Client is a reference xrdcore.FileClient backed by ConnectionPool:
// OpenSync/OpenAsync dial the redirector address given at
// construction, exchange one openRequest/openResponse frame pair, and
// hand back a Source bound to whatever data server the redirector
// named. Grounded on the teacher's downloadWorker.fetchChunkAttempt
// open-stream/write/read shape (connection_manager.go, worker.go).
type Client struct {
	redirectorAddr string
	pool           *ConnectionPool
	logger         *slog.Logger
	openTimeout    time.Duration
}

func NewClient(redirectorAddr string, pool *ConnectionPool, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		redirectorAddr: redirectorAddr,
		pool:           pool,
		logger:         logger.With("component", "xrdclient", "redirector", redirectorAddr),
		openTimeout:    10 * time.Second,
	}
}

func (c *Client) OpenSync(ctx context.Context, params xrdcore.OpenParams, triedOpaque string) (xrdcore.Source, error) {
	ctx, cancel := context.WithTimeout(ctx, c.openTimeout)
	defer cancel()

	resp, err := c.doOpen(ctx, params, triedOpaque)
	if err != nil {
		return nil, &xrdcore.FileClientOpenError{
			Props: xrdcore.ServerProps{DataServer: c.redirectorAddr},
			Err:   err,
		}
	}
	if !resp.Accepted {
		return nil, &xrdcore.FileClientOpenError{
			Props: xrdcore.ServerProps{
				DataServer: resp.DataServer,
				LastURL:    resp.LastURL,
				Status:     resp.Status,
				Errno:      resp.Errno,
				Code:       resp.Code,
			},
			Err: xrdcore.ErrOpenFailedTerminal,
		}
	}

	return newQUICSource(resp.SourceAddr, c.pool, c.logger), nil
}

func (c *Client) OpenAsync(params xrdcore.OpenParams, triedOpaque string, callback func(xrdcore.OpenOutcome)) error {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.openTimeout)
		defer cancel()

		resp, err := c.doOpen(ctx, params, triedOpaque)
		if err != nil {
			callback(xrdcore.OpenOutcome{Props: xrdcore.ServerProps{DataServer: c.redirectorAddr}, Err: err})
			return
		}
		if !resp.Accepted {
			callback(xrdcore.OpenOutcome{
				Props: xrdcore.ServerProps{
					DataServer: resp.DataServer,
					LastURL:    resp.LastURL,
					Status:     resp.Status,
					Errno:      resp.Errno,
					Code:       resp.Code,
				},
				Err: xrdcore.ErrOpenFailedTerminal,
			})
			return
		}
		callback(xrdcore.OpenOutcome{Source: newQUICSource(resp.SourceAddr, c.pool, c.logger)})
	}()
	return nil
}

func (c *Client) doOpen(ctx context.Context, params xrdcore.OpenParams, triedOpaque string) (*openResponse, error) {
	conn, err := c.pool.GetOrConnect(ctx, c.redirectorAddr)
	if err != nil {
		return nil, fmt.Errorf("connect to redirector %s: %w", c.redirectorAddr, err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		c.pool.Invalidate(c.redirectorAddr)
		return nil, fmt.Errorf("open stream to redirector %s: %w", c.redirectorAddr, err)
	}
	defer func() { _ = stream.Close() }()

	req := &openRequest{Name: params.Name, Flags: int(params.Flags), Perms: int(params.Perms), TriedOpaque: triedOpaque}
	if err := NewFrameWriter(stream).WriteMsg(ctx, req); err != nil {
		return nil, fmt.Errorf("send open request: %w", err)
	}
	if err := stream.Close(); err != nil {
		c.logger.Debug("error half-closing open request stream", "error", err)
	}

	var resp openResponse
	if err := NewFrameReader(stream).ReadMsg(ctx, &resp); err != nil {
		return nil, fmt.Errorf("read open response: %w", err)
	}
	return &resp, nil
}

// quicSource is the xrdcore.Source returned by a successful open: one
// data server address, read via a fresh stream per request, with a
// quality estimate smoothed from observed read latency.
type quicSource struct {
	addr   string
	pool   *ConnectionPool
	logger *slog.Logger

	readTimeout time.Duration

	mu            sync.Mutex
	quality       int
	lastDowngrade time.Time
}

func newQUICSource(addr string, pool *ConnectionPool, logger *slog.Logger) *quicSource {
	return &quicSource{
		addr:        addr,
		pool:        pool,
		logger:      logger.With("source", addr),
		readTimeout: 60 * time.Second,
		quality:     xrdcore.QualityFudge,
	}
}

func (s *quicSource) ID() string { return s.addr }

func (s *quicSource) Quality() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quality
}

func (s *quicSource) LastDowngrade() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDowngrade
}

func (s *quicSource) SetLastDowngrade(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastDowngrade = t
}

func (s *quicSource) FileHandle() any { return s.addr }

// Handle opens a fresh stream for req, exchanges one
// readRequest/readResponse frame pair, and updates quality from the
// observed latency. It never returns a submission error itself (the
// dispatch always starts); failures surface through the returned
// future, so onFailure is unused — kept to satisfy xrdcore.Source.
func (s *quicSource) Handle(ctx context.Context, req *xrdcore.ClientRequest, onFailure func(error)) (*xrdcore.Future[int64], error) {
	future, fulfill := xrdcore.NewFuture[int64]()

	go func() {
		start := time.Now()
		n, err := s.doRead(ctx, req)
		s.updateQuality(time.Since(start), err)
		fulfill(n, err)
	}()

	return future, nil
}

func (s *quicSource) doRead(ctx context.Context, req *xrdcore.ClientRequest) (int64, error) {
	readCtx, cancel := context.WithTimeout(ctx, s.readTimeout)
	defer cancel()

	conn, err := s.pool.GetOrConnect(readCtx, s.addr)
	if err != nil {
		return 0, fmt.Errorf("connect to data server %s: %w", s.addr, err)
	}

	stream, err := conn.OpenStreamSync(readCtx)
	if err != nil {
		s.pool.Invalidate(s.addr)
		return 0, fmt.Errorf("open stream to %s: %w", s.addr, err)
	}
	defer func() { _ = stream.Close() }()

	wire := make([]wireChunk, len(req.Chunks))
	for i, c := range req.Chunks {
		wire[i] = wireChunk{Offset: c.Offset, Size: c.Size}
	}
	wreq := &readRequest{ID: req.ID, Chunks: wire}
	if err := NewFrameWriter(stream).WriteMsg(readCtx, wreq); err != nil {
		return 0, fmt.Errorf("send read request to %s: %w", s.addr, err)
	}
	if err := stream.Close(); err != nil {
		s.logger.Debug("error half-closing read request stream", "error", err)
	}

	var resp readResponse
	if err := NewFrameReader(stream).ReadMsg(readCtx, &resp); err != nil {
		return 0, fmt.Errorf("read response from %s: %w", s.addr, err)
	}
	if resp.Errno != 0 {
		return 0, fmt.Errorf("%w: %s (errno %d)", xrdcore.ErrInvalidResponse, resp.Message, resp.Errno)
	}
	return resp.BytesRead, nil
}

// updateQuality folds a new latency sample into the running quality
// estimate (lower is better), in milliseconds, matching the teacher's
// preference for simple exponential smoothing over exact histograms.
// A failed read jumps quality straight past the hard-demote threshold
// so the next checkSources pass demotes this source promptly.
func (s *quicSource) updateQuality(elapsed time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.quality = xrdcore.DemoteHardQuality + xrdcore.QualityFudge
		return
	}
	sample := int(elapsed / time.Millisecond)
	s.quality = (s.quality*3 + sample) / 4
}
