package couchbase

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/pior/couchbase/internal/testutils"
)

var poolFactories = map[string]PoolFactory{
	"channel": NewChannelPool,
	"puddle":  NewPuddlePool,
}

func mockConstructor(created *atomic.Int32) ConnectionConstructor {
	return func(ctx context.Context) (*Connection, error) {
		if created != nil {
			created.Add(1)
		}
		return NewConnection(testutils.NewConnectionMock(), "node1:11210"), nil
	}
}

func TestPool_AcquireReusesIdle(t *testing.T) {
	for name, factory := range poolFactories {
		t.Run(name, func(t *testing.T) {
			var created atomic.Int32
			pool, err := factory(mockConstructor(&created), 2)
			require.NoError(t, err)
			defer pool.Close()

			ctx := context.Background()
			res, err := pool.Acquire(ctx)
			require.NoError(t, err)
			first := res.Value()
			res.Release()

			res, err = pool.Acquire(ctx)
			require.NoError(t, err)
			assert.Same(t, first, res.Value())
			res.Release()

			assert.Equal(t, int32(1), created.Load())
			stats := pool.Stats()
			assert.Equal(t, int32(1), stats.TotalConns)
			assert.Equal(t, int32(1), stats.IdleConns)
			assert.Equal(t, uint64(1), stats.CreatedConns)
		})
	}
}

func TestPool_MaxSize(t *testing.T) {
	for name, factory := range poolFactories {
		t.Run(name, func(t *testing.T) {
			pool, err := factory(mockConstructor(nil), 2)
			require.NoError(t, err)
			defer pool.Close()

			ctx := context.Background()
			r1, err := pool.Acquire(ctx)
			require.NoError(t, err)
			r2, err := pool.Acquire(ctx)
			require.NoError(t, err)

			short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
			defer cancel()
			_, err = pool.Acquire(short)
			require.ErrorIs(t, err, context.DeadlineExceeded)
			assert.Equal(t, int32(2), pool.Stats().TotalConns)

			got := make(chan Resource, 1)
			go func() {
				res, err := pool.Acquire(ctx)
				if err == nil {
					got <- res
				}
			}()

			time.Sleep(10 * time.Millisecond)
			want := r1.Value()
			r1.Release()

			select {
			case res := <-got:
				assert.Same(t, want, res.Value())
				res.Release()
			case <-time.After(time.Second):
				t.Fatal("waiter was not woken by Release")
			}
			r2.Release()
		})
	}
}

func TestPool_DestroyFreesSlot(t *testing.T) {
	for name, factory := range poolFactories {
		t.Run(name, func(t *testing.T) {
			var created atomic.Int32
			pool, err := factory(mockConstructor(&created), 1)
			require.NoError(t, err)
			defer pool.Close()

			ctx := context.Background()
			res, err := pool.Acquire(ctx)
			require.NoError(t, err)
			conn := res.Value()
			res.Destroy()

			// The slot is only handed out again once the old connection is gone.
			res, err = pool.Acquire(ctx)
			require.NoError(t, err)
			assert.NotSame(t, conn, res.Value())
			assert.True(t, conn.IsClosed())
			res.Release()

			assert.Equal(t, int32(2), created.Load())
			assert.Equal(t, uint64(1), pool.Stats().DestroyedConns)
		})
	}
}

func TestPool_ConstructorError(t *testing.T) {
	for name, factory := range poolFactories {
		t.Run(name, func(t *testing.T) {
			dialErr := errors.New("connection refused")
			pool, err := factory(func(ctx context.Context) (*Connection, error) {
				return nil, dialErr
			}, 1)
			require.NoError(t, err)
			defer pool.Close()

			_, err = pool.Acquire(context.Background())
			require.ErrorIs(t, err, dialErr)
		})
	}
}

func TestPool_CreateIdle(t *testing.T) {
	for name, factory := range poolFactories {
		t.Run(name, func(t *testing.T) {
			pool, err := factory(mockConstructor(nil), 2)
			require.NoError(t, err)
			defer pool.Close()

			ctx := context.Background()
			require.NoError(t, pool.CreateIdle(ctx))
			require.NoError(t, pool.CreateIdle(ctx))
			require.NoError(t, pool.CreateIdle(ctx))

			stats := pool.Stats()
			assert.Equal(t, int32(2), stats.TotalConns)
			assert.Equal(t, int32(2), stats.IdleConns)

			idle := pool.AcquireAllIdle()
			assert.Len(t, idle, 2)
			for _, res := range idle {
				res.ReleaseUnused()
			}
		})
	}
}

func TestPool_AcquireAfterClose(t *testing.T) {
	for name, factory := range poolFactories {
		t.Run(name, func(t *testing.T) {
			pool, err := factory(mockConstructor(nil), 2)
			require.NoError(t, err)

			res, err := pool.Acquire(context.Background())
			require.NoError(t, err)
			conn := res.Value()
			res.Release()

			pool.Close()
			assert.True(t, conn.IsClosed())

			_, err = pool.Acquire(context.Background())
			assert.ErrorIs(t, err, ErrPoolClosed)
		})
	}
}

func TestPool_ConcurrentLeases(t *testing.T) {
	const (
		maxSize    = 4
		workers    = 50
		iterations = 200
	)
	for name, factory := range poolFactories {
		t.Run(name, func(t *testing.T) {
			var created atomic.Int32
			pool, err := factory(mockConstructor(&created), maxSize)
			require.NoError(t, err)
			defer pool.Close()

			var (
				leased sync.Map
				inUse  atomic.Int32
				peak   atomic.Int32
				double atomic.Int32
			)
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
			defer cancel()

			g, gctx := errgroup.WithContext(ctx)
			for w := 0; w < workers; w++ {
				g.Go(func() error {
					for i := 0; i < iterations; i++ {
						res, err := pool.Acquire(gctx)
						if err != nil {
							return err
						}
						conn := res.Value()
						if _, loaded := leased.LoadOrStore(conn, struct{}{}); loaded {
							double.Add(1)
						}
						n := inUse.Add(1)
						for {
							p := peak.Load()
							if n <= p || peak.CompareAndSwap(p, n) {
								break
							}
						}

						inUse.Add(-1)
						leased.Delete(conn)
						switch (w + i) % 10 {
						case 0:
							res.Destroy()
						case 1:
							res.ReleaseUnused()
						default:
							res.Release()
						}
					}
					return nil
				})
			}
			require.NoError(t, g.Wait())

			assert.Zero(t, double.Load(), "connection leased twice")
			assert.LessOrEqual(t, peak.Load(), int32(maxSize))
			assert.Zero(t, inUse.Load())

			stats := pool.Stats()
			assert.LessOrEqual(t, stats.TotalConns, int32(maxSize))
			assert.Zero(t, stats.ActiveConns)
			assert.Equal(t, uint64(created.Load()), stats.CreatedConns)
			// puddle runs destructors in the background.
			assert.Eventually(t, func() bool {
				st := pool.Stats()
				return st.CreatedConns-st.DestroyedConns == uint64(st.TotalConns)
			}, time.Second, 5*time.Millisecond)
		})
	}
}
