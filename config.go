package couchbase

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"

	metrics "github.com/rcrowley/go-metrics"
	"github.com/sony/gobreaker/v2"

	"github.com/pior/couchbase/memd"
	"github.com/pior/couchbase/vbucket"
)

// DialFunc opens the raw stream to a data node.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// NotMyVBucketPolicy decides whether a NotMyVBucket response forces a
// topology refresh when the local map is already newer than the one the
// responding node sent.
type NotMyVBucketPolicy int

const (
	// RefreshAlways fetches a fresh config on every NotMyVBucket.
	RefreshAlways NotMyVBucketPolicy = iota
	// TrustNewerLocal skips the fetch when the local revision is newer than
	// the config carried in the response.
	TrustNewerLocal
)

// Config holds the client configuration. Zero values get the defaults
// documented on each field.
type Config struct {
	// Seeds are cluster manager addresses (host or host:port, port 8091 or
	// 18091 with TLS by default) used to open the config stream.
	Seeds []string

	// KVSeeds are data node addresses (host:port) used to bootstrap over
	// GET_CLUSTER_CONFIG when no manager is reachable or streaming is off.
	KVSeeds []string

	// Bucket is required.
	Bucket string

	Username string
	Password string

	// TLSConfig enables TLS for data and manager connections.
	TLSConfig *tls.Config

	// UserAgent is sent in HELLO. Defaults to "pior-couchbase".
	UserAgent string

	// MinSize is the number of connections kept open per node.
	MinSize int32

	// MaxSize is the maximum number of connections per node. Defaults to 4.
	MaxSize int32

	// MaxConnLifetime is the maximum duration a connection can be reused.
	// Zero means no limit.
	MaxConnLifetime time.Duration

	// MaxConnIdleTime is the maximum duration a connection can be idle before being closed.
	// Zero means no limit.
	MaxConnIdleTime time.Duration

	// HealthCheckInterval is how often idle connections are checked and
	// MaxConnLifetime and MaxConnIdleTime enforced. Defaults to 30s when
	// either limit is set; otherwise zero disables health checks.
	HealthCheckInterval time.Duration

	// ConnectTimeout bounds dial plus handshake. Defaults to 10s.
	ConnectTimeout time.Duration

	// Dialer is used when DialFunc is nil.
	Dialer *net.Dialer

	// DialFunc replaces the dialer. TLS is not applied on top of it.
	DialFunc DialFunc

	// Authenticator runs after HELLO. Defaults to PlainAuthenticator when
	// Username is set.
	Authenticator Authenticator

	// Pool is the connection pool factory function.
	// If nil, uses NewChannelPool.
	Pool PoolFactory

	// NewCircuitBreaker creates the breaker of a node. Called once per node.
	// If nil, no circuit breaker is used.
	NewCircuitBreaker func(addr string) *gobreaker.CircuitBreaker[*memd.Response]

	// NodeSelector places keys of memcached (ketama) buckets.
	NodeSelector vbucket.NodeSelector

	// OperationTimeout bounds one operation including retries. The caller's
	// context can only shorten it. Defaults to 2.5s.
	OperationTimeout time.Duration

	Retry RetryConfig

	Stream StreamConfig

	NotMyVBucketPolicy NotMyVBucketPolicy

	// DisableConfigStream turns off the HTTP config stream. Topology then
	// comes from GET_CLUSTER_CONFIG every ConfigPollInterval.
	DisableConfigStream bool

	// ConfigPollInterval defaults to 2.5s when streaming is disabled.
	ConfigPollInterval time.Duration

	// Streams shares config streams between clients. Defaults to
	// DefaultConfigStreams.
	Streams *ConfigStreams

	// HTTPClient overrides the client used for the config stream and
	// manager pings.
	HTTPClient *http.Client

	// Metrics receives the latency timers. Defaults to a private registry.
	Metrics metrics.Registry

	// for testing purposes only
	constructor ConnectionConstructor
}

// RetryConfig controls the retry orchestrator.
type RetryConfig struct {
	// MaxAttempts bounds attempts per operation, the first one included.
	// Defaults to 10.
	MaxAttempts int

	// InitialBackoff, MaxBackoff and BackoffFactor shape the delay before
	// retrying a transient failure. Defaults 1ms, 500ms and 2.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64

	// Jitter is the fraction of each delay randomized, in [0, 1].
	// Defaults to 0.2; negative disables jitter.
	Jitter float64

	// NotMyVBucketRetryDelay is the longest wait for a new topology after a
	// NotMyVBucket before routing again. Defaults to 100ms.
	NotMyVBucketRetryDelay time.Duration
}

// StreamConfig controls reconnection of the config stream.
type StreamConfig struct {
	// Defaults 100ms, 10s and 2.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

const (
	defaultUserAgent           = "pior-couchbase"
	defaultMaxSize             = 4
	defaultConnectTimeout      = 10 * time.Second
	defaultHealthCheckInterval = 30 * time.Second
	defaultOperationTimeout    = 2500 * time.Millisecond
	defaultPollInterval        = 2500 * time.Millisecond
	defaultMgmtPort            = "8091"
	defaultMgmtTLSPort         = "18091"
)

var (
	ErrNoBucketName = errors.New("couchbase: config: bucket name is required")
	ErrNoSeeds      = errors.New("couchbase: config: at least one seed is required")
	ErrInvalidSize  = errors.New("couchbase: config: MinSize must not exceed MaxSize")
)

// withDefaults returns a copy of c with defaults applied.
func (c Config) withDefaults() Config {
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.MaxSize <= 0 {
		c.MaxSize = defaultMaxSize
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.HealthCheckInterval <= 0 && (c.MaxConnLifetime > 0 || c.MaxConnIdleTime > 0) {
		c.HealthCheckInterval = defaultHealthCheckInterval
	}
	if c.Dialer == nil {
		c.Dialer = &net.Dialer{KeepAlive: 30 * time.Second}
	}
	if c.Authenticator == nil && c.Username != "" {
		c.Authenticator = &PlainAuthenticator{Username: c.Username, Password: c.Password}
	}
	if c.Pool == nil {
		c.Pool = NewChannelPool
	}
	if c.NodeSelector == nil {
		c.NodeSelector = vbucket.DefaultNodeSelector
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultOperationTimeout
	}
	if c.ConfigPollInterval <= 0 {
		c.ConfigPollInterval = defaultPollInterval
	}
	if c.HTTPClient == nil {
		c.HTTPClient = NewStreamingHTTPClient(c.TLSConfig)
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NewRegistry()
	}
	if c.Streams == nil {
		c.Streams = DefaultConfigStreams
	}
	c.Retry = c.Retry.withDefaults()
	c.Stream = c.Stream.withDefaults()
	c.Seeds = normalizeSeeds(c.Seeds, c.TLSConfig != nil)
	return c
}

func (c Config) validate() error {
	if c.Bucket == "" {
		return ErrNoBucketName
	}
	if len(c.Seeds) == 0 && len(c.KVSeeds) == 0 {
		return ErrNoSeeds
	}
	if c.MinSize < 0 || c.MinSize > c.MaxSize {
		return ErrInvalidSize
	}
	return nil
}

func (r RetryConfig) withDefaults() RetryConfig {
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 10
	}
	if r.InitialBackoff <= 0 {
		r.InitialBackoff = time.Millisecond
	}
	if r.MaxBackoff <= 0 {
		r.MaxBackoff = 500 * time.Millisecond
	}
	if r.BackoffFactor < 1 {
		r.BackoffFactor = 2
	}
	if r.Jitter == 0 || r.Jitter > 1 {
		r.Jitter = 0.2
	}
	if r.NotMyVBucketRetryDelay <= 0 {
		r.NotMyVBucketRetryDelay = 100 * time.Millisecond
	}
	return r
}

func (s StreamConfig) withDefaults() StreamConfig {
	if s.InitialBackoff <= 0 {
		s.InitialBackoff = 100 * time.Millisecond
	}
	if s.MaxBackoff <= 0 {
		s.MaxBackoff = 10 * time.Second
	}
	if s.BackoffFactor < 1 {
		s.BackoffFactor = 2
	}
	return s
}

// normalizeSeeds adds the default manager port to bare hosts.
func normalizeSeeds(seeds []string, useTLS bool) []string {
	port := defaultMgmtPort
	if useTLS {
		port = defaultMgmtTLSPort
	}
	out := make([]string, 0, len(seeds))
	for _, s := range seeds {
		if _, _, err := net.SplitHostPort(s); err == nil {
			out = append(out, s)
			continue
		}
		out = append(out, net.JoinHostPort(trimBrackets(s), port))
	}
	return out
}

func trimBrackets(host string) string {
	if len(host) > 1 && host[0] == '[' && host[len(host)-1] == ']' {
		return host[1 : len(host)-1]
	}
	return host
}

// connectionConfig derives the per-connection settings.
func (c Config) connectionConfig() ConnectionConfig {
	dial := c.DialFunc
	if dial == nil {
		if c.TLSConfig != nil {
			td := &tls.Dialer{NetDialer: c.Dialer, Config: c.TLSConfig}
			dial = td.DialContext
		} else {
			dial = c.Dialer.DialContext
		}
	}
	return ConnectionConfig{
		Bucket:         c.Bucket,
		UserAgent:      c.UserAgent,
		Authenticator:  c.Authenticator,
		DialFunc:       dial,
		ConnectTimeout: c.ConnectTimeout,
	}
}
