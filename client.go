package couchbase

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/couchbase/clog"
	"golang.org/x/sync/singleflight"

	"github.com/pior/couchbase/memd"
	"github.com/pior/couchbase/vbucket"
)

// Client is a key-value client for one bucket. It keeps the bucket
// topology current, routes every operation to the node owning its key and
// retries transient failures.
type Client struct {
	config Config

	holder       *vbucket.Holder
	orchestrator *Orchestrator
	stats        *clientStatsCollector

	mu     sync.RWMutex
	pools  map[string]*NodePool
	closed bool

	listener    *ConfigListener
	unsubscribe func()

	refreshGroup singleflight.Group
	refreshNext  int

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ Dispatcher = (*Client)(nil)
var _ Refresher = (*Client)(nil)

// NewClient creates a client. It does not wait for the topology; use
// WaitUntilReady for that. Operations issued earlier are retried until the
// first map arrives or their time budget ends.
func NewClient(config Config) (*Client, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	c := &Client{
		config: cfg,
		holder: vbucket.NewHolder(),
		stats:  newClientStatsCollector(cfg.Metrics),
		pools:  make(map[string]*NodePool),
		stop:   make(chan struct{}),
	}
	c.orchestrator = newOrchestrator(c.holder, c, c, cfg, c.stats)

	if !cfg.DisableConfigStream && len(cfg.Seeds) > 0 {
		listener, err := cfg.Streams.Acquire(c.listenerConfig())
		if err != nil {
			return nil, err
		}
		c.listener = listener
		c.unsubscribe = listener.Subscribe(ObserverFunc(c.applyTopology))
	}

	if c.listener == nil || len(cfg.KVSeeds) > 0 {
		c.wg.Add(1)
		go c.pollLoop()
	}

	c.wg.Add(1)
	go c.topologyLoop()

	if cfg.HealthCheckInterval > 0 {
		c.wg.Add(1)
		go c.healthCheckLoop()
	}

	return c, nil
}

func (c *Client) listenerConfig() ListenerConfig {
	return ListenerConfig{
		Bucket:     c.config.Bucket,
		Username:   c.config.Username,
		Password:   c.config.Password,
		Seeds:      c.config.Seeds,
		TLS:        c.config.TLSConfig != nil,
		HTTPClient: c.config.HTTPClient,
		Stream:     c.config.Stream,
	}
}

// Close stops the background loops and closes every connection.
// Operations in flight fail.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
		if c.listener != nil {
			c.config.Streams.Release(c.listener)
		}
		c.wg.Wait()

		c.mu.Lock()
		c.closed = true
		pools := c.pools
		c.pools = make(map[string]*NodePool)
		c.mu.Unlock()

		for _, np := range pools {
			np.Close()
		}
	})
}

// Bucket returns the bucket name.
func (c *Client) Bucket() string {
	return c.config.Bucket
}

// Topology returns the current map, nil before the first one.
func (c *Client) Topology() *vbucket.Map {
	return c.holder.Load()
}

// WaitUntilReady blocks until a topology is known.
func (c *Client) WaitUntilReady(ctx context.Context) error {
	if _, err := c.holder.Wait(ctx, -1); err != nil {
		return fmt.Errorf("couchbase: waiting for topology of %s: %w", c.config.Bucket, err)
	}
	return nil
}

// applyTopology is the single entry for maps from the stream and from
// cluster config fetches.
func (c *Client) applyTopology(m *vbucket.Map) {
	if c.holder.Apply(m) {
		c.stats.recordTopologyUpdate()
	}
}

// Dispatch sends one attempt of op to the node at addr.
func (c *Client) Dispatch(ctx context.Context, addr string, op *memd.Operation) (*memd.Response, error) {
	np, err := c.nodePool(addr)
	if err != nil {
		return nil, err
	}
	return np.Execute(ctx, op)
}

// nodePool gets or creates the pool of the node at addr.
func (c *Client) nodePool(addr string) (*NodePool, error) {
	c.mu.RLock()
	np, exists := c.pools[addr]
	closed := c.closed
	c.mu.RUnlock()
	if exists {
		return np, nil
	}
	if closed {
		return nil, ErrClientClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClientClosed
	}
	if np, exists := c.pools[addr]; exists {
		return np, nil
	}

	np, err := NewNodePool(addr, c.config)
	if err != nil {
		return nil, &notSentError{err: err}
	}
	c.pools[addr] = np
	return np, nil
}

// Refresh fetches the cluster config from a data node and applies it.
// Concurrent calls share one fetch; each caller stops waiting when its own
// ctx ends while the fetch runs on, bounded by ConnectTimeout.
func (c *Client) Refresh(ctx context.Context) error {
	ch := c.refreshGroup.DoChan("config", func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.ConnectTimeout)
		defer cancel()
		go func() {
			select {
			case <-c.stop:
				cancel()
			case <-fetchCtx.Done():
			}
		}()
		return nil, c.fetchConfig(fetchCtx)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) refreshCandidates() []string {
	useTLS := c.config.TLSConfig != nil
	if m := c.holder.Load(); m != nil {
		if addrs := m.KVAddresses(useTLS); len(addrs) > 0 {
			return addrs
		}
	}
	return c.config.KVSeeds
}

func (c *Client) fetchConfig(ctx context.Context) error {
	candidates := c.refreshCandidates()
	if len(candidates) == 0 {
		return vbucket.ErrTopologyUnavailable
	}

	var lastErr error
	start := c.refreshNext
	c.refreshNext++
	for i := range candidates {
		addr := candidates[(start+i)%len(candidates)]
		m, err := c.fetchConfigFrom(ctx, addr)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		c.applyTopology(m)
		return nil
	}
	return fmt.Errorf("couchbase: fetching cluster config: %w", lastErr)
}

func (c *Client) fetchConfigFrom(ctx context.Context, addr string) (*vbucket.Map, error) {
	resp, err := c.Dispatch(ctx, addr, memd.NewGetClusterConfig())
	if err != nil {
		return nil, err
	}
	if !resp.Success() {
		return nil, newServerStatusError(resp)
	}
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	return vbucket.ParseConfig(resp.Value, host)
}

// pollLoop fetches the config over the data service, for clients without
// a config stream or with data node seeds to bootstrap from.
func (c *Client) pollLoop() {
	defer c.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(c.config.ConfigPollInterval)
	defer ticker.Stop()

	for {
		// With a stream, polling only bootstraps.
		if c.listener != nil && c.holder.Load() != nil {
			return
		}
		if err := c.pollOnce(ctx); err != nil && ctx.Err() == nil {
			log.Warnf("couchbase: %s: cluster config poll failed: %v", c.config.Bucket, err)
		}

		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}
	}
}

func (c *Client) pollOnce(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()
	return c.Refresh(ctx)
}

// topologyLoop closes the pools of nodes that left the topology.
func (c *Client) topologyLoop() {
	defer c.wg.Done()

	for {
		changed := c.holder.Changed()
		select {
		case <-c.stop:
			return
		case <-changed:
			if m := c.holder.Load(); m != nil {
				c.prunePools(m)
			}
		}
	}
}

func (c *Client) prunePools(m *vbucket.Map) {
	keep := make(map[string]bool, len(m.Nodes))
	for _, addr := range m.KVAddresses(c.config.TLSConfig != nil) {
		keep[addr] = true
	}

	var gone []*NodePool
	c.mu.Lock()
	for addr, np := range c.pools {
		if !keep[addr] {
			gone = append(gone, np)
			delete(c.pools, addr)
		}
	}
	c.mu.Unlock()

	for _, np := range gone {
		log.Printf("couchbase: %s: node %s left the topology at revision %d", c.config.Bucket, np.Address(), m.Revision)
		np.Close()
	}
}

// healthCheckLoop periodically checks idle connections for health and lifecycle limits.
func (c *Client) healthCheckLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.checkAllPools()
		}
	}
}

func (c *Client) checkAllPools() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := time.Now()
	for _, np := range c.nodePools() {
		np.checkConnections(ctx, now)
	}
}

func (c *Client) nodePools() []*NodePool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pools := make([]*NodePool, 0, len(c.pools))
	for _, np := range c.pools {
		pools = append(pools, np)
	}
	return pools
}

// AllNodePoolStats returns stats for all node pools.
func (c *Client) AllNodePoolStats() []NodePoolStats {
	pools := c.nodePools()
	stats := make([]NodePoolStats, 0, len(pools))
	for _, np := range pools {
		stats = append(stats, np.Stats())
	}
	return stats
}
