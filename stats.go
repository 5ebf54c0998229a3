package couchbase

import (
	"fmt"
	"io"
	"math"
	"sync/atomic"
	"time"

	metrics "github.com/rcrowley/go-metrics"
)

// PoolStats contains statistics about a connection pool.
//
// For Prometheus integration, expose these as:
//   - Gauges: TotalConns, IdleConns, ActiveConns
//   - Counters: AcquireCount, AcquireWaitCount, CreatedConns, DestroyedConns, AcquireErrors
//   - Histogram: AcquireWaitDuration (use AcquireWaitCount and AcquireWaitTimeNs to calculate)
type PoolStats struct {
	AcquireCount      uint64 // Total acquire attempts
	AcquireWaitCount  uint64 // Acquires that had to wait
	CreatedConns      uint64 // Total connections created
	DestroyedConns    uint64 // Total connections destroyed
	AcquireErrors     uint64 // Failed acquire attempts
	AcquireWaitTimeNs uint64 // Total nanoseconds spent waiting

	TotalConns  int32 // Total connections in pool (active + idle)
	IdleConns   int32 // Idle connections available
	ActiveConns int32 // Connections currently in use
}

// ClientStats contains statistics about client operations.
type ClientStats struct {
	Gets            uint64 // Get, GetReplica and GetAndTouch operations
	GetHits         uint64 // Gets that found the key
	Mutations       uint64 // Upsert, Insert, Replace, Remove, Append, Prepend, Touch
	Counters        uint64 // Increment and Decrement
	Retries         uint64 // Attempts beyond the first
	NotMyVBucket    uint64 // NotMyVBucket responses
	TopologyUpdates uint64 // Topology revisions applied
	Errors          uint64 // Operations that returned an error
}

// poolStatsCollector is updated by the pools themselves.
type poolStatsCollector struct {
	acquireCount      atomic.Uint64
	acquireWaitCount  atomic.Uint64
	createdConns      atomic.Uint64
	destroyedConns    atomic.Uint64
	acquireErrors     atomic.Uint64
	acquireWaitTimeNs atomic.Uint64

	totalConns  atomic.Int32
	idleConns   atomic.Int32
	activeConns atomic.Int32
}

func (c *poolStatsCollector) recordAcquire() {
	c.acquireCount.Add(1)
}

func (c *poolStatsCollector) recordAcquireWait(d time.Duration) {
	c.acquireWaitCount.Add(1)
	c.acquireWaitTimeNs.Add(uint64(d.Nanoseconds()))
}

func (c *poolStatsCollector) recordCreate() {
	c.createdConns.Add(1)
	c.totalConns.Add(1)
}

// recordDestroy accounts for an active connection being destroyed.
func (c *poolStatsCollector) recordDestroy() {
	c.destroyedConns.Add(1)
	c.totalConns.Add(-1)
	c.activeConns.Add(-1)
}

func (c *poolStatsCollector) recordDestroyIdle() {
	c.destroyedConns.Add(1)
	c.totalConns.Add(-1)
	c.idleConns.Add(-1)
}

func (c *poolStatsCollector) recordAcquireError() {
	c.acquireErrors.Add(1)
}

func (c *poolStatsCollector) recordAcquireFromIdle() {
	c.idleConns.Add(-1)
	c.activeConns.Add(1)
}

func (c *poolStatsCollector) recordActivate() {
	c.activeConns.Add(1)
}

func (c *poolStatsCollector) recordRelease() {
	c.idleConns.Add(1)
	c.activeConns.Add(-1)
}

func (c *poolStatsCollector) snapshot() PoolStats {
	return PoolStats{
		TotalConns:        c.totalConns.Load(),
		IdleConns:         c.idleConns.Load(),
		ActiveConns:       c.activeConns.Load(),
		AcquireCount:      c.acquireCount.Load(),
		AcquireWaitCount:  c.acquireWaitCount.Load(),
		CreatedConns:      c.createdConns.Load(),
		DestroyedConns:    c.destroyedConns.Load(),
		AcquireErrors:     c.acquireErrors.Load(),
		AcquireWaitTimeNs: c.acquireWaitTimeNs.Load(),
	}
}

// clientStatsCollector is updated by the client.
type clientStatsCollector struct {
	gets            atomic.Uint64
	getHits         atomic.Uint64
	mutations       atomic.Uint64
	counters        atomic.Uint64
	retries         atomic.Uint64
	notMyVBucket    atomic.Uint64
	topologyUpdates atomic.Uint64
	errors          atomic.Uint64

	registry metrics.Registry
}

func newClientStatsCollector(registry metrics.Registry) *clientStatsCollector {
	if registry == nil {
		registry = metrics.NewRegistry()
	}
	return &clientStatsCollector{registry: registry}
}

func (c *clientStatsCollector) recordGet(found bool) {
	c.gets.Add(1)
	if found {
		c.getHits.Add(1)
	}
}

func (c *clientStatsCollector) recordMutation()       { c.mutations.Add(1) }
func (c *clientStatsCollector) recordCounter()        { c.counters.Add(1) }
func (c *clientStatsCollector) recordRetry()          { c.retries.Add(1) }
func (c *clientStatsCollector) recordNotMyVBucket()   { c.notMyVBucket.Add(1) }
func (c *clientStatsCollector) recordTopologyUpdate() { c.topologyUpdates.Add(1) }
func (c *clientStatsCollector) recordError()          { c.errors.Add(1) }

// opTimer returns the latency timer of a whole operation, retries included.
func (c *clientStatsCollector) opTimer(name string) metrics.Timer {
	return metrics.GetOrRegisterTimer("couchbase.op."+name, c.registry)
}

// dispatchTimer returns the latency timer of one attempt against addr.
func (c *clientStatsCollector) dispatchTimer(addr string) metrics.Timer {
	return metrics.GetOrRegisterTimer("couchbase.dispatch."+addr, c.registry)
}

func (c *clientStatsCollector) snapshot() ClientStats {
	return ClientStats{
		Gets:            c.gets.Load(),
		GetHits:         c.getHits.Load(),
		Mutations:       c.mutations.Load(),
		Counters:        c.counters.Load(),
		Retries:         c.retries.Load(),
		NotMyVBucket:    c.notMyVBucket.Load(),
		TopologyUpdates: c.topologyUpdates.Load(),
		Errors:          c.errors.Load(),
	}
}

// Timer runs f and records its duration in t.
func Timer(f func() error, t metrics.Timer) error {
	var err error
	t.Time(func() {
		err = f()
	})
	return err
}

var timerPercentiles = []float64{0.5, 0.75, 0.95, 0.99, 0.999}

// WriteTimerJSON writes a snapshot of timer as one JSON object, durations
// in nanoseconds.
func WriteTimerJSON(w io.Writer, timer metrics.Timer) {
	t := timer.Snapshot()
	p := t.Percentiles(timerPercentiles)

	fmt.Fprintf(w, `{"count":%d,"min":%d,"max":%d`, t.Count(), t.Min(), t.Max())
	if mean := t.Mean(); !math.IsNaN(mean) && !math.IsInf(mean, 0) {
		fmt.Fprintf(w, `,"mean":%.2f`, mean)
	}
	fmt.Fprintf(w, `,"percentiles":{"median":%.2f,"75%%":%.2f,"95%%":%.2f,"99%%":%.2f,"99.9%%":%.2f}`,
		p[0], p[1], p[2], p[3], p[4])
	fmt.Fprintf(w, `,"rates":{"1-min":%.2f,"5-min":%.2f,"15-min":%.2f,"mean":%.2f}}`,
		t.Rate1(), t.Rate5(), t.Rate15(), t.RateMean())
}

// MetricsRegistry returns the registry holding the client's latency timers.
func (c *Client) MetricsRegistry() metrics.Registry {
	return c.stats.registry
}

// Stats returns a snapshot of client statistics.
func (c *Client) Stats() ClientStats {
	return c.stats.snapshot()
}
