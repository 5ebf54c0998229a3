package couchbase

import (
	"context"
	"sync"
	"time"

	"github.com/pior/couchbase/internal/coarsetime"
)

// NewChannelPool creates the default pool: idle connections wait in a
// buffered channel sized to maxSize.
func NewChannelPool(constructor ConnectionConstructor, maxSize int32) (Pool, error) {
	return &channelPool{
		dial:  constructor,
		limit: maxSize,
		idle:  make(chan *pooledConn, maxSize),
		freed: make(chan struct{}, maxSize),
	}, nil
}

// pooledConn is a connection leased from a channelPool.
type pooledConn struct {
	conn     *Connection
	owner    *channelPool
	created  time.Time
	lastUsed time.Time
}

func (c *pooledConn) Value() *Connection { return c.conn }

func (c *pooledConn) Release() {
	c.lastUsed = coarsetime.Now()
	c.owner.checkin(c)
}

func (c *pooledConn) ReleaseUnused() { c.owner.checkin(c) }

func (c *pooledConn) Destroy() {
	_ = c.conn.Close()
	c.owner.stats.recordDestroy()
	c.owner.freeSlot()
}

func (c *pooledConn) CreationTime() time.Time { return c.created }

func (c *pooledConn) IdleDuration() time.Duration { return coarsetime.Since(c.lastUsed) }

type channelPool struct {
	dial  ConnectionConstructor
	limit int32

	mu     sync.Mutex
	idle   chan *pooledConn
	freed  chan struct{} // signalled when a slot opens up
	open   int32         // connections dialed or being dialed
	closed bool

	stats poolStatsCollector
}

func (p *channelPool) Acquire(ctx context.Context) (Resource, error) {
	p.stats.recordAcquire()

	if c, full, err := p.acquireNow(ctx); !full {
		return c, err
	}

	waitStart := coarsetime.Now()
	for {
		select {
		case c, ok := <-p.idle:
			if !ok {
				p.stats.recordAcquireError()
				return nil, ErrPoolClosed
			}
			p.stats.recordAcquireWait(coarsetime.Since(waitStart))
			p.stats.recordAcquireFromIdle()
			return c, nil

		case <-p.freed:
			if c, full, err := p.acquireNow(ctx); !full {
				p.stats.recordAcquireWait(coarsetime.Since(waitStart))
				return c, err
			}

		case <-ctx.Done():
			p.stats.recordAcquireError()
			return nil, ctx.Err()
		}
	}
}

// acquireNow hands out an idle connection or dials into a free slot. full
// is true when neither is possible without waiting.
func (p *channelPool) acquireNow(ctx context.Context) (res Resource, full bool, err error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.stats.recordAcquireError()
		return nil, false, ErrPoolClosed
	}
	select {
	case c := <-p.idle:
		p.mu.Unlock()
		p.stats.recordAcquireFromIdle()
		return c, false, nil
	default:
	}
	reserved := p.reserveLocked()
	p.mu.Unlock()

	if !reserved {
		return nil, true, nil
	}
	c, err := p.connect(ctx)
	if err != nil {
		p.stats.recordAcquireError()
		return nil, false, err
	}
	return c, false, nil
}

// reserveLocked claims a slot for a new connection.
func (p *channelPool) reserveLocked() bool {
	if p.open >= p.limit {
		return false
	}
	p.open++
	return true
}

// connect dials into a reserved slot and returns the connection leased.
func (p *channelPool) connect(ctx context.Context) (*pooledConn, error) {
	conn, err := p.dial(ctx)
	if err != nil {
		p.freeSlot()
		return nil, err
	}
	p.stats.recordCreate()
	p.stats.recordActivate()

	now := coarsetime.Now()
	return &pooledConn{conn: conn, owner: p, created: now, lastUsed: now}, nil
}

func (p *channelPool) CreateIdle(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	reserved := p.reserveLocked()
	p.mu.Unlock()
	if !reserved {
		return nil
	}

	c, err := p.connect(ctx)
	if err != nil {
		return err
	}
	p.checkin(c)
	return nil
}

// checkin puts a leased connection back in the idle set, or closes it once
// the pool is closed.
func (p *channelPool) checkin(c *pooledConn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		select {
		case p.idle <- c:
			p.stats.recordRelease()
			return
		default:
			// only reachable if open exceeded limit
		}
	}
	_ = c.conn.Close()
	p.open--
	p.stats.recordDestroy()
}

func (p *channelPool) freeSlot() {
	p.mu.Lock()
	p.open--
	p.mu.Unlock()

	select {
	case p.freed <- struct{}{}:
	default:
	}
}

func (p *channelPool) AcquireAllIdle() []Resource {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}

	var leased []Resource
	for {
		select {
		case c := <-p.idle:
			p.stats.recordAcquireFromIdle()
			leased = append(leased, c)
		default:
			return leased
		}
	}
}

// Close closes idle connections. Leased ones are closed on release.
func (p *channelPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true

	close(p.idle)
	for c := range p.idle {
		_ = c.conn.Close()
		p.open--
		p.stats.recordDestroyIdle()
	}
}

func (p *channelPool) Stats() PoolStats {
	return p.stats.snapshot()
}
