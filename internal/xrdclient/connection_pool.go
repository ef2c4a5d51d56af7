// Package xrdclient is a reference FileClient/Source implementation
// over QUIC, exercising quic-go the way the teacher's connection
// manager and download worker do: a small LRU pool of dialed
// connections reused across requests, one stream per request.
//
// It is one possible backend for requestmanager.Manager, not the only
// one a caller could supply — anything satisfying xrdcore.FileClient
// works.
package xrdclient

import (
	"container/list"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	defaultDialTimeout          = 5 * time.Second
	defaultHandshakeIdleTimeout = 10 * time.Second
	defaultMaxIdleTimeout       = 30 * time.Second
	defaultMaxRetries           = 3
	defaultRetryBaseDelay       = 500 * time.Millisecond
	defaultMaxConnections       = 64
	alpnProtocol                = "xrdreqmgr"
	closeErrorCodeNoError       = 0
	closeReasonPoolShutdown     = "connection pool shutdown"
	closeReasonInvalidated      = "connection invalidated by client"
)

var (
	ErrMaxRetriesExceeded = errors.New("exceeded maximum dial retries")
	ErrPoolClosed         = errors.New("connection pool is closed")
)

// PoolConfig configures a ConnectionPool.
type PoolConfig struct {
	MaxConnections       int // maximum number of connections retained in the LRU cache
	DialTimeout          time.Duration
	HandshakeIdleTimeout time.Duration
	MaxIdleTimeout       time.Duration
	MaxRetries           int
	RetryBaseDelay       time.Duration
	TLSClientConfig      *tls.Config
	Logger               *slog.Logger
}

func (c *PoolConfig) setDefaults() {
	if c.MaxConnections <= 0 {
		c.MaxConnections = defaultMaxConnections
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.HandshakeIdleTimeout <= 0 {
		c.HandshakeIdleTimeout = defaultHandshakeIdleTimeout
	}
	if c.MaxIdleTimeout <= 0 {
		c.MaxIdleTimeout = defaultMaxIdleTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = defaultRetryBaseDelay
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type managedConnection struct {
	conn     quic.Connection
	lruEntry *list.Element
}

// ConnectionPool dials and caches QUIC connections to data servers,
// keyed by address, evicting the least-recently-used entry once
// MaxConnections is reached. Grounded on the teacher's
// connection_manager.go LRU/retry design.
type ConnectionPool struct {
	mu          sync.RWMutex
	connections map[string]*managedConnection
	lruList     *list.List
	config      PoolConfig
	closed      bool
}

func NewConnectionPool(config PoolConfig) *ConnectionPool {
	config.setDefaults()
	return &ConnectionPool{
		connections: make(map[string]*managedConnection),
		lruList:     list.New(),
		config:      config,
	}
}

// GetOrConnect returns a live QUIC connection to addr, reusing a
// pooled one if it still answers a stream-open probe, dialing a fresh
// one otherwise.
func (p *ConnectionPool) GetOrConnect(ctx context.Context, addr string) (quic.Connection, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrPoolClosed
	}

	if mc, ok := p.connections[addr]; ok {
		if mc.conn.Context().Err() == nil {
			probeCtx, probeCancel := context.WithTimeout(ctx, p.config.DialTimeout/2)
			stream, err := mc.conn.OpenStreamSync(probeCtx)
			probeCancel()

			if err == nil {
				_ = stream.Close()
				p.mu.RUnlock()
				p.mu.Lock()
				if !p.closed {
					p.lruList.MoveToFront(mc.lruEntry)
				}
				p.mu.Unlock()
				p.config.Logger.Debug("reusing pooled QUIC connection", "address", addr)
				return mc.conn, nil
			}
			p.config.Logger.Warn("pooled connection failed probe, will redial", "address", addr, "error", err)
		} else {
			p.config.Logger.Warn("pooled connection context already closed, will redial", "address", addr, "error", mc.conn.Context().Err())
		}
		p.mu.RUnlock()
		p.removeConnection(addr, "stale connection")
	} else {
		p.mu.RUnlock()
	}

	return p.dialAndStore(ctx, addr)
}

func (p *ConnectionPool) dialAndStore(ctx context.Context, addr string) (quic.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}

	if mc, ok := p.connections[addr]; ok {
		if mc.conn.Context().Err() == nil {
			p.lruList.MoveToFront(mc.lruEntry)
			return mc.conn, nil
		}
		p.evictElement(mc.lruEntry, mc.conn, "stale connection found during double-check")
	}

	tlsConf := p.config.TLSClientConfig
	if tlsConf == nil {
		tlsConf = &tls.Config{}
	}
	tlsConfCopy := tlsConf.Clone()
	tlsConfCopy.NextProtos = []string{alpnProtocol}

	quicConf := &quic.Config{
		MaxIdleTimeout:       p.config.MaxIdleTimeout,
		HandshakeIdleTimeout: p.config.HandshakeIdleTimeout,
	}

	var conn quic.Connection
	var lastErr error

	for i := 0; i <= p.config.MaxRetries; i++ {
		dialCtx, dialCancel := context.WithTimeout(ctx, p.config.DialTimeout)
		p.config.Logger.Debug("dialing QUIC connection", "address", addr, "attempt", i+1)

		var err error
		conn, err = quic.DialAddr(dialCtx, addr, tlsConfCopy, quicConf)
		dialCancel()

		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		p.config.Logger.Warn("dial attempt failed", "address", addr, "attempt", i+1, "error", err)

		if i < p.config.MaxRetries {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("dial context cancelled: %w", ctx.Err())
			}
			delay := p.config.RetryBaseDelay * (1 << i)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("dial context cancelled during retry: %w", ctx.Err())
			}
		}
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w to %s: %w", ErrMaxRetriesExceeded, addr, lastErr)
	}

	if p.lruList.Len() >= p.config.MaxConnections {
		if lruElement := p.lruList.Back(); lruElement != nil {
			evictAddr := lruElement.Value.(string)
			if mcToEvict, ok := p.connections[evictAddr]; ok {
				p.evictElement(mcToEvict.lruEntry, mcToEvict.conn, "LRU eviction")
			}
		}
	}

	element := p.lruList.PushFront(addr)
	p.connections[addr] = &managedConnection{conn: conn, lruEntry: element}
	return conn, nil
}

// Invalidate closes and drops the cached connection to addr, if any.
func (p *ConnectionPool) Invalidate(addr string) {
	p.removeConnection(addr, closeReasonInvalidated)
}

func (p *ConnectionPool) removeConnection(addr, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if mc, ok := p.connections[addr]; ok {
		p.evictElement(mc.lruEntry, mc.conn, reason)
	}
}

func (p *ConnectionPool) evictElement(element *list.Element, conn quic.Connection, reason string) {
	if element == nil || conn == nil {
		return
	}
	addr := element.Value.(string)
	p.lruList.Remove(element)
	delete(p.connections, addr)

	p.config.Logger.Debug("evicting connection", "address", addr, "reason", reason)
	if err := conn.CloseWithError(quic.ApplicationErrorCode(closeErrorCodeNoError), reason); err != nil {
		p.config.Logger.Warn("error closing evicted QUIC connection", "address", addr, "error", err)
	}
}

// Close closes every pooled connection and marks the pool unusable.
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.closed = true

	var failures []string
	for addr, mc := range p.connections {
		if err := mc.conn.CloseWithError(quic.ApplicationErrorCode(closeErrorCodeNoError), closeReasonPoolShutdown); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", addr, err))
		}
	}
	p.connections = make(map[string]*managedConnection)
	p.lruList.Init()

	if len(failures) > 0 {
		return fmt.Errorf("errors closing some connections: %v", failures)
	}
	return nil
}
