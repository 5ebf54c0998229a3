package couchbase

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"net"
	"time"

	log "github.com/couchbase/clog"

	"github.com/pior/couchbase/memd"
	"github.com/pior/couchbase/vbucket"
)

// Dispatcher sends one attempt of an operation to the data node at addr.
// A non-success status is returned as a response, not an error.
type Dispatcher interface {
	Dispatch(ctx context.Context, addr string, op *memd.Operation) (*memd.Response, error)
}

// Refresher fetches a fresh topology and applies it.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// DecisionKind is what the orchestrator does after an attempt.
type DecisionKind int

const (
	Return DecisionKind = iota
	RetryNow
	RetryAfter
	RerouteAndRetry
	Fail
)

func (k DecisionKind) String() string {
	switch k {
	case Return:
		return "return"
	case RetryNow:
		return "retry"
	case RetryAfter:
		return "retry-after"
	case RerouteAndRetry:
		return "reroute"
	case Fail:
		return "fail"
	}
	return "unknown"
}

// Decision is the outcome of classifying one attempt.
type Decision struct {
	Kind  DecisionKind
	Delay time.Duration
	// Err is the cause for Fail and the last error for retries.
	Err error
}

// Orchestrator runs an operation until it succeeds, fails terminally or
// runs out of attempts or time.
type Orchestrator struct {
	holder     *vbucket.Holder
	router     *vbucket.Router
	dispatcher Dispatcher
	refresher  Refresher
	stats      *clientStatsCollector

	retry   RetryConfig
	timeout time.Duration
	policy  NotMyVBucketPolicy
	useTLS  bool
}

// NewOrchestrator builds an orchestrator routing over holder. refresher may
// be nil. config defaults are applied to the retry settings.
func NewOrchestrator(holder *vbucket.Holder, dispatcher Dispatcher, refresher Refresher, config Config) *Orchestrator {
	return newOrchestrator(holder, dispatcher, refresher, config, newClientStatsCollector(config.Metrics))
}

func newOrchestrator(holder *vbucket.Holder, dispatcher Dispatcher, refresher Refresher, config Config, stats *clientStatsCollector) *Orchestrator {
	timeout := config.OperationTimeout
	if timeout <= 0 {
		timeout = defaultOperationTimeout
	}
	return &Orchestrator{
		holder:     holder,
		router:     vbucket.NewRouter(holder, config.NodeSelector),
		dispatcher: dispatcher,
		refresher:  refresher,
		stats:      stats,
		retry:      config.Retry.withDefaults(),
		timeout:    timeout,
		policy:     config.NotMyVBucketPolicy,
		useTLS:     config.TLSConfig != nil,
	}
}

// attempt is what the last try left behind, for the final error.
type attempt struct {
	route     vbucket.Route
	addr      string
	response  *memd.Response
	err       error
	status    memd.Status
	hasStatus bool
}

// Execute runs op against the active node of its key.
func (o *Orchestrator) Execute(ctx context.Context, op *memd.Operation) (*memd.Response, error) {
	return o.execute(ctx, op, 0)
}

// ExecuteReplica runs op against the replica-th replica (1-based) of its key.
func (o *Orchestrator) ExecuteReplica(ctx context.Context, op *memd.Operation, replica int) (*memd.Response, error) {
	return o.execute(ctx, op, replica)
}

func (o *Orchestrator) execute(ctx context.Context, op *memd.Operation, replica int) (*memd.Response, error) {
	start := time.Now()
	if op.CreationTime.IsZero() {
		op.CreationTime = start
	}

	budget, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	var last attempt
	for {
		if ctx.Err() != nil {
			return nil, o.fail(op, &last, start, &retryFailure{kind: ErrCancelled, cause: causeOr(last.err, ctx.Err())})
		}
		if budget.Err() != nil || op.Attempts >= o.retry.MaxAttempts {
			return nil, o.fail(op, &last, start, &retryFailure{kind: ErrRetryExhausted, cause: last.err})
		}

		op.Attempts++
		if op.Attempts > 1 {
			o.stats.recordRetry()
		}

		d := o.try(budget, op, replica, &last)
		if d.Kind != Return && d.Kind != Fail {
			log.Debugf("couchbase: retry: %s %s attempt %d: %s after %v: %v",
				op.Name(), log.Tag(log.UserData, string(op.Key)), op.Attempts, d.Kind, d.Delay, d.Err)
		}

		switch d.Kind {
		case Return:
			return last.response, nil
		case Fail:
			if budget.Err() != nil && isContextError(d.Err) {
				// Reported as cancelled or exhausted at the top of the loop.
				continue
			}
			return nil, o.fail(op, &last, start, d.Err)
		case RetryAfter:
			sleep(budget, d.Delay)
		case RetryNow, RerouteAndRetry:
		}
	}
}

// try routes and sends one attempt and classifies its outcome.
func (o *Orchestrator) try(ctx context.Context, op *memd.Operation, replica int, last *attempt) Decision {
	var (
		route vbucket.Route
		err   error
	)
	if replica > 0 {
		route, err = o.router.RouteReplica(op.Key, replica)
	} else {
		route, err = o.router.Route(op.Key, 0)
	}
	if err != nil {
		last.err = err
		if errors.Is(err, vbucket.ErrNoReplica) && o.holder.Load() != nil {
			return Decision{Kind: Fail, Err: err}
		}
		return Decision{Kind: RetryAfter, Delay: o.retry.backoff(op.Attempts), Err: err}
	}

	op.VBucketID = route.VBucketID
	op.LastRevisionTried = route.Revision
	last.route = route
	last.addr = route.Node.KVAddress(o.useTLS)

	resp, err := o.dispatcher.Dispatch(ctx, last.addr, op)
	if err != nil {
		last.err = err
		return o.classifyError(op, err)
	}
	last.response = resp

	if resp.Success() {
		last.err = nil
		return Decision{Kind: Return}
	}

	last.status = resp.Status
	last.hasStatus = true
	statusErr := newServerStatusError(resp)
	last.err = statusErr

	if resp.Status == memd.StatusNotMyVBucket {
		o.stats.recordNotMyVBucket()
		o.notMyVBucket(ctx, op, resp, last.addr)
		if !op.CanRetry() {
			return Decision{Kind: Fail, Err: statusErr}
		}
		return Decision{Kind: RerouteAndRetry, Err: statusErr}
	}

	if !op.CanRetry() {
		return Decision{Kind: Fail, Err: statusErr}
	}

	switch ClassOf(resp.Status) {
	case ClassTransient:
		return Decision{Kind: RetryAfter, Delay: o.retry.backoff(op.Attempts), Err: statusErr}
	case ClassTopology:
		return Decision{Kind: RerouteAndRetry, Err: statusErr}
	default:
		return Decision{Kind: Fail, Err: statusErr}
	}
}

// classifyError decides on a dispatch error.
func (o *Orchestrator) classifyError(op *memd.Operation, err error) Decision {
	switch {
	case isNotSent(err):
		// Nothing reached the node; circuit rejections land here too.
		return Decision{Kind: RetryAfter, Delay: o.retry.backoff(op.Attempts), Err: err}
	case isContextError(err):
		return Decision{Kind: Fail, Err: err}
	case IsTransportError(err) || memd.IsFramingError(err):
		if !op.CanRetry() {
			return Decision{Kind: Fail, Err: err}
		}
		return Decision{Kind: RerouteAndRetry, Err: err}
	default:
		return Decision{Kind: Fail, Err: err}
	}
}

// notMyVBucket applies the config carried by the response, forces a
// refresh and waits for a revision newer than the one that was tried.
func (o *Orchestrator) notMyVBucket(ctx context.Context, op *memd.Operation, resp *memd.Response, addr string) {
	localRev := o.holder.Revision()
	bodyRev := int64(-1)

	if len(resp.Value) > 0 {
		host := addr
		if h, _, err := net.SplitHostPort(addr); err == nil {
			host = h
		}
		m, err := vbucket.ParseConfig(resp.Value, host)
		if err != nil {
			log.Debugf("couchbase: retry: ignoring config in not-my-vbucket from %s: %v", addr, err)
		} else {
			bodyRev = m.Revision
			if o.holder.Apply(m) {
				o.stats.recordTopologyUpdate()
				log.Printf("couchbase: topology: applied revision %d from %s", m.Revision, addr)
			}
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, o.retry.NotMyVBucketRetryDelay)
	defer cancel()

	trustLocal := o.policy == TrustNewerLocal && bodyRev >= 0 && localRev > bodyRev
	if o.refresher != nil && !trustLocal {
		if err := o.refresher.Refresh(waitCtx); err != nil {
			log.Debugf("couchbase: retry: topology refresh after not-my-vbucket failed: %v", err)
		}
	}

	_, _ = o.holder.Wait(waitCtx, op.LastRevisionTried)
}

func (o *Orchestrator) fail(op *memd.Operation, last *attempt, start time.Time, err error) error {
	o.stats.recordError()
	return &OperationError{
		Op:         op.Name(),
		Key:        string(op.Key),
		VBucketID:  last.route.VBucketID,
		Node:       last.addr,
		LastStatus: last.status,
		HasStatus:  last.hasStatus,
		Attempts:   op.Attempts,
		Elapsed:    time.Since(start),
		Err:        err,
	}
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func causeOr(err, fallback error) error {
	if err != nil {
		return err
	}
	return fallback
}

// backoff returns the delay before the attempt after attempt n (1-based).
func (r RetryConfig) backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(r.InitialBackoff) * math.Pow(r.BackoffFactor, float64(n-1))
	if d > float64(r.MaxBackoff) || math.IsInf(d, 0) {
		d = float64(r.MaxBackoff)
	}
	if r.Jitter > 0 {
		d -= rand.Float64() * r.Jitter * d
	}
	return time.Duration(d)
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
