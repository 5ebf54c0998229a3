package couchbase

import (
	"context"
	"errors"
	"testing"
	"time"

	metrics "github.com/rcrowley/go-metrics"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pior/couchbase/internal/testutils"
	"github.com/pior/couchbase/memd"
)

func newTestNodePool(t *testing.T, srv *testutils.FakeServer, mutate func(*Config)) *NodePool {
	t.Helper()
	config := Config{
		Bucket:         "default",
		MaxSize:        2,
		ConnectTimeout: time.Second,
		Metrics:        metrics.NewRegistry(),
	}
	if mutate != nil {
		mutate(&config)
	}
	np, err := NewNodePool(srv.Addr(), config)
	require.NoError(t, err)
	t.Cleanup(np.Close)
	return np
}

func TestNodePool_Execute(t *testing.T) {
	srv := newTestServer(t)
	srv.Store("greeting", []byte("hello"), 3)
	np := newTestNodePool(t, srv, nil)

	resp, err := np.Execute(context.Background(), memd.NewGet([]byte("greeting")))
	require.NoError(t, err)
	assert.Equal(t, memd.StatusSuccess, resp.Status)
	assert.Equal(t, "hello", string(resp.Value))
	assert.Equal(t, uint32(3), resp.Flags)

	stats := np.Stats()
	assert.Equal(t, srv.Addr(), stats.Addr)
	assert.Equal(t, int32(1), stats.PoolStats.IdleConns)
	assert.Equal(t, int64(1), np.timer.Count())
}

func TestNodePool_StatusDoesNotTripBreaker(t *testing.T) {
	srv := newTestServer(t)
	np := newTestNodePool(t, srv, func(c *Config) {
		c.NewCircuitBreaker = NewCircuitBreakerConfig(1, time.Minute, time.Minute)
	})

	for range 5 {
		resp, err := np.Execute(context.Background(), memd.NewGet([]byte("missing")))
		require.NoError(t, err)
		assert.Equal(t, memd.StatusKeyNotFound, resp.Status)
	}
	assert.Equal(t, gobreaker.StateClosed, np.Stats().CircuitBreakerState)
	assert.Equal(t, 1, srv.Connections())
}

func TestNodePool_TransportErrorsTripBreaker(t *testing.T) {
	srv := newTestServer(t)
	srv.InjectDisconnect(memd.OpGet, 10)
	np := newTestNodePool(t, srv, func(c *Config) {
		c.NewCircuitBreaker = NewCircuitBreakerConfig(1, time.Minute, time.Minute)
	})

	for range 3 {
		_, err := np.Execute(context.Background(), memd.NewGet([]byte("k")))
		require.Error(t, err)
		assert.True(t, IsTransportError(err))
		assert.False(t, isNotSent(err))
	}
	assert.Equal(t, gobreaker.StateOpen, np.Stats().CircuitBreakerState)

	_, err := np.Execute(context.Background(), memd.NewGet([]byte("k")))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, isNotSent(err))
	assert.True(t, isCircuitOpen(err))
	assert.Equal(t, 3, srv.Count(memd.OpGet))
}

func TestNodePool_ClosedConnectionIsReplaced(t *testing.T) {
	srv := newTestServer(t)
	np := newTestNodePool(t, srv, nil)
	ctx := context.Background()

	_, err := np.Ping(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, srv.Connections())

	srv.DropConnections()
	require.Eventually(t, func() bool {
		idle := np.pool.AcquireAllIdle()
		closed := len(idle) == 1 && idle[0].Value().IsClosed()
		for _, res := range idle {
			res.ReleaseUnused()
		}
		return closed
	}, time.Second, 5*time.Millisecond)

	_, err = np.Ping(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, srv.Connections())
	assert.Equal(t, int32(1), np.Stats().PoolStats.TotalConns)
}

func TestNodePool_DialFailureIsNotSent(t *testing.T) {
	np, err := NewNodePool("127.0.0.1:1", Config{ConnectTimeout: 100 * time.Millisecond})
	require.NoError(t, err)
	defer np.Close()

	_, err = np.Execute(context.Background(), memd.NewNoop())
	require.Error(t, err)
	assert.True(t, isNotSent(err))

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "dial", te.Op)
}

func TestNodePool_CheckConnections(t *testing.T) {
	srv := newTestServer(t)
	np := newTestNodePool(t, srv, func(c *Config) {
		c.MinSize = 2
		c.MaxConnLifetime = time.Hour
	})
	ctx := context.Background()

	np.checkConnections(ctx, time.Now())
	stats := np.Stats().PoolStats
	assert.Equal(t, int32(2), stats.TotalConns)
	assert.Equal(t, int32(2), stats.IdleConns)
	assert.Equal(t, 0, srv.Count(memd.OpNoop))

	np.checkConnections(ctx, time.Now())
	assert.Equal(t, 2, srv.Count(memd.OpNoop), "idle connections are pinged")
	assert.Equal(t, uint64(2), np.Stats().PoolStats.CreatedConns)

	// Past the lifetime every connection is replaced.
	np.checkConnections(ctx, time.Now().Add(2*time.Hour))
	stats = np.Stats().PoolStats
	assert.Equal(t, int32(2), stats.TotalConns)
	assert.Equal(t, uint64(4), stats.CreatedConns)
	assert.Equal(t, uint64(2), stats.DestroyedConns)
}

func TestNodePool_Constructor(t *testing.T) {
	dialErr := errors.New("no route")
	np, err := NewNodePool("node1:11210", Config{
		constructor: func(ctx context.Context) (*Connection, error) { return nil, dialErr },
	})
	require.NoError(t, err)
	defer np.Close()

	_, err = np.Lease(context.Background())
	require.ErrorIs(t, err, dialErr)
	assert.True(t, isNotSent(err))
}

func TestBreakerSuccess(t *testing.T) {
	assert.True(t, breakerSuccess(nil))
	assert.True(t, breakerSuccess(&ServerStatusError{Status: memd.StatusTmpFail}))
	assert.True(t, breakerSuccess(context.Canceled))
	assert.False(t, breakerSuccess(&TransportError{Op: "read", Err: errors.New("reset")}))
	assert.False(t, breakerSuccess(&memd.FramingError{Message: "invalid magic"}))
}
