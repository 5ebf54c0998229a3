package couchbase

import (
	"errors"
	"time"

	log "github.com/couchbase/clog"
	"github.com/sony/gobreaker/v2"

	"github.com/pior/couchbase/memd"
)

// ErrCircuitOpen is returned when a node's breaker rejects a request
// without sending it.
var ErrCircuitOpen = errors.New("couchbase: circuit breaker open")

// NewCircuitBreakerConfig returns a breaker factory for Config.NewCircuitBreaker.
// A breaker trips when at least 3 requests were seen in the interval and
// 60% of them failed at the transport level. Server statuses never count
// as failures.
func NewCircuitBreakerConfig(maxRequests uint32, interval, timeout time.Duration) func(addr string) *gobreaker.CircuitBreaker[*memd.Response] {
	return func(addr string) *gobreaker.CircuitBreaker[*memd.Response] {
		settings := gobreaker.Settings{
			Name:        addr,
			MaxRequests: maxRequests,
			Interval:    interval,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 3 && failureRatio >= 0.6
			},
			IsSuccessful: breakerSuccess,
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warnf("couchbase: node %s: circuit breaker %s -> %s", name, from, to)
			},
		}
		return gobreaker.NewCircuitBreaker[*memd.Response](settings)
	}
}

// breakerSuccess counts only stream failures against a node.
func breakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	return !IsTransportError(err) && !memd.IsFramingError(err)
}

// isCircuitOpen reports whether err is a breaker rejection.
func isCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests)
}
