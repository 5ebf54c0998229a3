package couchbase

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/jackc/puddle/v2"
)

// NewPuddlePool creates a pool backed by jackc/puddle.
//
//	cfg.Pool = couchbase.NewPuddlePool
func NewPuddlePool(constructor ConnectionConstructor, maxSize int32) (Pool, error) {
	p := &puddlePool{}
	inner, err := puddle.NewPool(&puddle.Config[*Connection]{
		Constructor: p.counting(constructor),
		Destructor:  p.destroy,
		MaxSize:     maxSize,
	})
	if err != nil {
		return nil, err
	}
	p.inner = inner
	return p, nil
}

// puddlePool adapts puddle.Pool; *puddle.Resource[*Connection] already
// satisfies Resource.
type puddlePool struct {
	inner     *puddle.Pool[*Connection]
	created   atomic.Uint64
	destroyed atomic.Uint64
}

func (p *puddlePool) counting(dial ConnectionConstructor) puddle.Constructor[*Connection] {
	return func(ctx context.Context) (*Connection, error) {
		conn, err := dial(ctx)
		if err != nil {
			return nil, err
		}
		p.created.Add(1)
		return conn, nil
	}
}

func (p *puddlePool) destroy(conn *Connection) {
	p.destroyed.Add(1)
	_ = conn.Close()
}

func fromPuddle(err error) error {
	if errors.Is(err, puddle.ErrClosedPool) {
		return ErrPoolClosed
	}
	return err
}

func (p *puddlePool) Acquire(ctx context.Context) (Resource, error) {
	res, err := p.inner.Acquire(ctx)
	if err != nil {
		return nil, fromPuddle(err)
	}
	return res, nil
}

func (p *puddlePool) AcquireAllIdle() []Resource {
	idle := p.inner.AcquireAllIdle()
	out := make([]Resource, 0, len(idle))
	for _, res := range idle {
		out = append(out, res)
	}
	return out
}

func (p *puddlePool) CreateIdle(ctx context.Context) error {
	if st := p.inner.Stat(); st.TotalResources() >= st.MaxResources() {
		return nil
	}
	// ErrNotAvailable means another goroutine filled the last slot.
	if err := p.inner.CreateResource(ctx); err != nil && !errors.Is(err, puddle.ErrNotAvailable) {
		return fromPuddle(err)
	}
	return nil
}

func (p *puddlePool) Close() {
	p.inner.Close()
}

func (p *puddlePool) Stats() PoolStats {
	st := p.inner.Stat()
	return PoolStats{
		AcquireCount:      uint64(st.AcquireCount()),
		AcquireWaitCount:  uint64(st.EmptyAcquireCount()),
		AcquireWaitTimeNs: uint64(st.EmptyAcquireWaitTime()),
		AcquireErrors:     uint64(st.CanceledAcquireCount()),
		CreatedConns:      p.created.Load(),
		DestroyedConns:    p.destroyed.Load(),
		TotalConns:        st.TotalResources(),
		IdleConns:         st.IdleResources(),
		ActiveConns:       st.AcquiredResources(),
	}
}
