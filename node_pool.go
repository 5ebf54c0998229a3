package couchbase

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	log "github.com/couchbase/clog"
	metrics "github.com/rcrowley/go-metrics"
	"github.com/sony/gobreaker/v2"

	"github.com/pior/couchbase/memd"
)

const defaultHealthCheckTimeout = 2 * time.Second

// notSentError marks a failure that happened before the request reached
// the wire: leasing a connection, dialing, or a breaker rejection. Such
// failures can be retried whatever the operation.
type notSentError struct {
	err error
}

func (e *notSentError) Error() string { return e.err.Error() }
func (e *notSentError) Unwrap() error { return e.err }

func isNotSent(err error) bool {
	var ns *notSentError
	return errors.As(err, &ns)
}

// NodePool wraps the connection pool, the circuit breaker and the
// maintenance policy of one data node.
type NodePool struct {
	addr    string
	pool    Pool
	breaker *gobreaker.CircuitBreaker[*memd.Response]
	timer   metrics.Timer

	minSize         int32
	maxConnLifetime time.Duration
	maxConnIdleTime time.Duration
	pingTimeout     time.Duration
}

// NewNodePool builds the pool of the data node at addr. Unset pool, dialer
// and metrics fields of config fall back to their defaults.
func NewNodePool(addr string, config Config) (*NodePool, error) {
	constructor := config.constructor
	if constructor == nil {
		if config.Dialer == nil {
			config.Dialer = &net.Dialer{}
		}
		connConfig := config.connectionConfig()
		constructor = func(ctx context.Context) (*Connection, error) {
			return Open(ctx, addr, connConfig)
		}
	}

	newPool := config.Pool
	if newPool == nil {
		newPool = NewChannelPool
	}
	maxSize := config.MaxSize
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	pool, err := newPool(constructor, maxSize)
	if err != nil {
		return nil, fmt.Errorf("couchbase: pool for %s: %w", addr, err)
	}

	np := &NodePool{
		addr:            addr,
		pool:            pool,
		timer:           metrics.GetOrRegisterTimer("couchbase.dispatch."+addr, config.Metrics),
		minSize:         min(config.MinSize, maxSize),
		maxConnLifetime: config.MaxConnLifetime,
		maxConnIdleTime: config.MaxConnIdleTime,
		pingTimeout:     defaultHealthCheckTimeout,
	}
	if config.ConnectTimeout > 0 {
		np.pingTimeout = config.ConnectTimeout
	}
	if config.NewCircuitBreaker != nil {
		np.breaker = config.NewCircuitBreaker(addr)
	}
	return np, nil
}

func (np *NodePool) Address() string {
	return np.addr
}

// Lease returns a connection that is not closed. Closed idle connections
// found on the way are destroyed.
func (np *NodePool) Lease(ctx context.Context) (Resource, error) {
	for {
		res, err := np.pool.Acquire(ctx)
		if err != nil {
			return nil, &notSentError{err: err}
		}
		if !res.Value().IsClosed() {
			return res, nil
		}
		res.Destroy()
		if err := ctx.Err(); err != nil {
			return nil, &notSentError{err: err}
		}
	}
}

// Release returns res to the pool, or destroys it if its connection closed
// while leased.
func (np *NodePool) Release(res Resource) {
	if res.Value().IsClosed() {
		res.Destroy()
		return
	}
	res.Release()
}

// Invalidate destroys res.
func (np *NodePool) Invalidate(res Resource) {
	res.Destroy()
}

// Execute leases a connection, sends op and waits for its response. The
// connection is invalidated when the error leaves it unusable. A response
// with a non-success status is not an error here.
func (np *NodePool) Execute(ctx context.Context, op *memd.Operation) (*memd.Response, error) {
	if np.breaker == nil {
		return np.execute(ctx, op)
	}

	resp, err := np.breaker.Execute(func() (*memd.Response, error) {
		return np.execute(ctx, op)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &notSentError{err: fmt.Errorf("%w: %s: %w", ErrCircuitOpen, np.addr, err)}
	}
	return resp, err
}

func (np *NodePool) execute(ctx context.Context, op *memd.Operation) (*memd.Response, error) {
	res, err := np.Lease(ctx)
	if err != nil {
		return nil, err
	}

	var resp *memd.Response
	err = Timer(func() error {
		var execErr error
		resp, execErr = res.Value().Execute(ctx, op)
		return execErr
	}, np.timer)
	if err != nil {
		if ShouldCloseConnection(err) {
			np.Invalidate(res)
		} else {
			np.Release(res)
		}
		return nil, err
	}

	np.Release(res)
	return resp, nil
}

// checkConnections applies the lifetime and idle limits to idle
// connections, pings the survivors and tops the pool up to MinSize.
func (np *NodePool) checkConnections(ctx context.Context, now time.Time) {
	total := np.pool.Stats().TotalConns

	for _, res := range np.pool.AcquireAllIdle() {
		if np.maxConnLifetime > 0 && now.Sub(res.CreationTime()) > np.maxConnLifetime {
			res.Destroy()
			total--
			continue
		}

		if np.maxConnIdleTime > 0 && res.IdleDuration() > np.maxConnIdleTime && total > np.minSize {
			res.Destroy()
			total--
			continue
		}

		if err := np.ping(ctx, res.Value()); err != nil {
			log.Warnf("couchbase: node %s: health check failed, closing connection: %v", np.addr, err)
			res.Destroy()
			total--
			continue
		}

		res.ReleaseUnused()
	}

	for i := int32(0); i < np.minSize && np.pool.Stats().TotalConns < np.minSize; i++ {
		if err := np.pool.CreateIdle(ctx); err != nil {
			if !errors.Is(err, ErrPoolClosed) {
				log.Warnf("couchbase: node %s: cannot open idle connection: %v", np.addr, err)
			}
			return
		}
	}
}

func (np *NodePool) ping(ctx context.Context, conn *Connection) error {
	if conn.IsClosed() {
		return ErrConnectionClosed
	}
	ctx, cancel := context.WithTimeout(ctx, np.pingTimeout)
	defer cancel()
	return conn.Ping(ctx)
}

// Ping sends a noop on a leased connection and returns its round trip.
func (np *NodePool) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	_, err := np.Execute(ctx, memd.NewNoop())
	return time.Since(start), err
}

func (np *NodePool) Close() {
	np.pool.Close()
}

// NodePoolStats contains stats for a single node pool.
type NodePoolStats struct {
	Addr                 string
	PoolStats            PoolStats
	CircuitBreakerState  gobreaker.State
	CircuitBreakerCounts gobreaker.Counts
}

func (np *NodePool) Stats() NodePoolStats {
	stats := NodePoolStats{
		Addr:      np.addr,
		PoolStats: np.pool.Stats(),
	}
	if np.breaker != nil {
		stats.CircuitBreakerState = np.breaker.State()
		stats.CircuitBreakerCounts = np.breaker.Counts()
	}
	return stats
}
