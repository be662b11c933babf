// Package connpool bounds concurrent upstream connections per target.
package connpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/i2y/docsgate/internal/domain"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("connection pool closed")

// Config sizes the pool.
type Config struct {
	// MaxPerTarget is the maximum number of connections checked out per target.
	MaxPerTarget int
	// AcquireTimeout bounds how long Acquire waits for a free slot.
	AcquireTimeout time.Duration
	// IdleTimeout closes returned connections left unused for this long.
	IdleTimeout time.Duration
	// DialTimeout bounds establishing a new TCP connection.
	DialTimeout time.Duration
}

// Conn is one checked-out upstream connection. Its client is backed by a
// dedicated transport holding at most one socket to the target.
type Conn struct {
	target    string
	pool      *targetPool
	client    *http.Client
	transport *http.Transport
	lastUsed  time.Time
	released  bool
}

// Client returns the HTTP client bound to this connection.
func (c *Conn) Client() *http.Client { return c.client }

// Target returns the target this connection belongs to.
func (c *Conn) Target() string { return c.target }

func (c *Conn) close() { c.transport.CloseIdleConnections() }

// targetPool is the state of one target. Its mutex is never held together
// with another target's, so targets do not contend.
type targetPool struct {
	mu     sync.Mutex
	sem    *semaphore.Weighted
	idle   []*Conn
	inUse  int
	closed bool
}

// Stats is a snapshot of one target's pool.
type Stats struct {
	InUse int
	Idle  int
	Max   int
}

// Option configures a Pool.
type Option func(*Pool)

// WithClock overrides the time source used for idle accounting.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// Pool hands out at most MaxPerTarget connections per target. Waiters are
// served as slots are released; a waiter gives up after AcquireTimeout.
type Pool struct {
	cfg     Config
	mu      sync.RWMutex // guards targets and closed
	targets map[string]*targetPool
	closed  bool
	now     func() time.Time
	logger  *slog.Logger
}

// New creates a Pool.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Pool {
	if cfg.MaxPerTarget < 1 {
		cfg.MaxPerTarget = 1
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	p := &Pool{
		cfg:     cfg,
		targets: make(map[string]*targetPool),
		now:     time.Now,
		logger:  logger.With("component", "connpool"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pool) targetFor(target string) (*targetPool, error) {
	p.mu.RLock()
	tp, ok := p.targets[target]
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, ErrPoolClosed
	}
	if ok {
		return tp, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	tp, ok := p.targets[target]
	if !ok {
		tp = &targetPool{sem: semaphore.NewWeighted(int64(p.cfg.MaxPerTarget))}
		p.targets[target] = tp
	}
	return tp, nil
}

// Acquire checks out a connection to target, waiting up to AcquireTimeout.
func (p *Pool) Acquire(ctx context.Context, target string) (*Conn, error) {
	tp, err := p.targetFor(target)
	if err != nil {
		return nil, domain.WrapError(domain.KindPoolExhausted, "pool closed", err)
	}

	actx := ctx
	if p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}
	if err := tp.sem.Acquire(actx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, domain.AsError(ctx.Err())
		}
		p.logger.Warn("Connection pool exhausted", slog.String("target", target), slog.Int("max", p.cfg.MaxPerTarget))
		return nil, domain.WrapError(domain.KindPoolExhausted,
			fmt.Sprintf("no connection to %s available within %s", target, p.cfg.AcquireTimeout), err)
	}

	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.closed {
		tp.sem.Release(1)
		return nil, domain.WrapError(domain.KindPoolExhausted, "pool closed", ErrPoolClosed)
	}
	p.reapLocked(tp)

	var c *Conn
	if n := len(tp.idle); n > 0 {
		c = tp.idle[n-1]
		tp.idle = tp.idle[:n-1]
	} else {
		c = p.newConn(target, tp)
	}
	c.released = false
	tp.inUse++
	return c, nil
}

// Release returns c to its target's free list. Releasing twice is a no-op.
func (p *Pool) Release(c *Conn) {
	if c == nil {
		return
	}
	tp := c.pool
	tp.mu.Lock()
	if c.released {
		tp.mu.Unlock()
		return
	}
	c.released = true
	tp.inUse--
	if tp.closed {
		c.close()
	} else {
		c.lastUsed = p.now()
		tp.idle = append(tp.idle, c)
	}
	tp.mu.Unlock()
	tp.sem.Release(1)
}

// Do runs fn with a connection to target and always releases it.
func (p *Pool) Do(ctx context.Context, target string, fn func(*Conn) error) error {
	c, err := p.Acquire(ctx, target)
	if err != nil {
		return err
	}
	defer p.Release(c)
	return fn(c)
}

// Stats returns a snapshot for target.
func (p *Pool) Stats(target string) Stats {
	p.mu.RLock()
	tp, ok := p.targets[target]
	p.mu.RUnlock()

	s := Stats{Max: p.cfg.MaxPerTarget}
	if ok {
		tp.mu.Lock()
		s.InUse = tp.inUse
		s.Idle = len(tp.idle)
		tp.mu.Unlock()
	}
	return s
}

// Close closes every idle connection and rejects further Acquire calls.
// Checked-out connections are closed when released.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	targets := make([]*targetPool, 0, len(p.targets))
	for _, tp := range p.targets {
		targets = append(targets, tp)
	}
	p.mu.Unlock()

	for _, tp := range targets {
		tp.mu.Lock()
		tp.closed = true
		for _, c := range tp.idle {
			c.close()
		}
		tp.idle = nil
		tp.mu.Unlock()
	}
	p.logger.Info("Connection pool closed")
}

// reapLocked closes idle connections older than IdleTimeout. Callers hold tp.mu.
func (p *Pool) reapLocked(tp *targetPool) {
	if p.cfg.IdleTimeout <= 0 || len(tp.idle) == 0 {
		return
	}
	now := p.now()
	kept := tp.idle[:0]
	for _, c := range tp.idle {
		if now.Sub(c.lastUsed) >= p.cfg.IdleTimeout {
			c.close()
			continue
		}
		kept = append(kept, c)
	}
	tp.idle = kept
}

func (p *Pool) newConn(target string, tp *targetPool) *Conn {
	dialer := &net.Dialer{Timeout: p.cfg.DialTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxConnsPerHost:       1,
		MaxIdleConnsPerHost:   1,
		IdleConnTimeout:       p.cfg.IdleTimeout,
		TLSHandshakeTimeout:   p.cfg.DialTimeout,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}
	p.logger.Debug("Opening upstream connection", slog.String("target", target))
	return &Conn{
		target:    target,
		pool:      tp,
		client:    &http.Client{Transport: transport},
		transport: transport,
	}
}
