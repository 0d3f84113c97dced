package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Pool defaults.
const (
	DefaultPoolSize       = 5
	DefaultAcquireTimeout = 10 * time.Second
)

// DialFunc opens one connection.
type DialFunc func(ctx context.Context) (*Client, error)

// PoolConfig sizes a Pool.
type PoolConfig struct {
	Size           int
	AcquireTimeout time.Duration
}

// PoolStats is a snapshot of pool occupancy.
type PoolStats struct {
	Size  int `yaml:"size"`
	Open  int `yaml:"open"`
	Idle  int `yaml:"idle"`
	InUse int `yaml:"in_use"`
}

// Pool hands out at most Size connections. Connections are dialed on first
// demand and reused afterwards; an exhausted pool blocks acquirers until one
// is released or the acquisition timeout fires.
type Pool struct {
	dial    DialFunc
	size    int
	timeout time.Duration
	sem     *semaphore.Weighted
	logger  *slog.Logger

	mu     sync.Mutex
	idle   []*Client
	open   int
	inUse  int
	closed bool
}

// NewPool creates a pool. No connection is opened until the first Acquire.
func NewPool(dial DialFunc, cfg PoolConfig, logger *slog.Logger) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = DefaultPoolSize
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		dial:    dial,
		size:    cfg.Size,
		timeout: cfg.AcquireTimeout,
		sem:     semaphore.NewWeighted(int64(cfg.Size)),
		logger:  logger,
	}
}

// NewClientPool creates a pool dialing SurrealDB with cfg.
func NewClientPool(cfg Config, poolCfg PoolConfig, logger *slog.Logger) *Pool {
	return NewPool(func(ctx context.Context) (*Client, error) {
		return NewClient(ctx, cfg, logger)
	}, poolCfg, logger)
}

// Acquire returns a connection, dialing one if none is idle. It fails with
// ErrStorageTimeout if none frees up within the acquisition timeout.
// Every successful Acquire must be paired with Release.
func (p *Pool) Acquire(ctx context.Context) (*Client, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}

	acquireCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrStorage, ctx.Err())
		}
		p.logger.Warn("connection pool exhausted", "size", p.size, "timeout", p.timeout)
		return nil, ErrStorageTimeout
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, ErrPoolClosed
	}
	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.inUse++
		p.mu.Unlock()
		return c, nil
	}
	p.open++
	p.inUse++
	p.mu.Unlock()

	c, err := p.dial(ctx)
	if err != nil {
		p.mu.Lock()
		p.open--
		p.inUse--
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, fmt.Errorf("%w: dial: %w", ErrStorage, err)
	}
	p.logger.Debug("opened pooled connection", "open", p.Stats().Open, "size", p.size)
	return c, nil
}

// Release returns c to the pool. After Close, released connections are closed.
func (p *Pool) Release(c *Client) {
	p.mu.Lock()
	p.inUse--
	if p.closed {
		p.open--
		p.mu.Unlock()
		_ = c.Close(context.Background())
		p.sem.Release(1)
		return
	}
	p.idle = append(p.idle, c)
	p.mu.Unlock()
	p.sem.Release(1)
}

// Discard closes c instead of returning it, freeing its slot.
func (p *Pool) Discard(c *Client) {
	p.mu.Lock()
	p.inUse--
	p.open--
	p.mu.Unlock()
	_ = c.Close(context.Background())
	p.sem.Release(1)
}

// With runs fn on a pooled connection and releases it on every exit path.
func (p *Pool) With(ctx context.Context, fn func(*Client) error) error {
	c, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			p.Discard(c)
			panic(r)
		}
		p.Release(c)
	}()
	return fn(c)
}

// Close closes idle connections and marks the pool closed. Connections still
// in use are closed when released.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.open -= len(idle)
	p.mu.Unlock()

	var errs []error
	for _, c := range idle {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats returns current occupancy.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{Size: p.size, Open: p.open, Idle: len(p.idle), InUse: p.inUse}
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
