package couchbase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/couchbase/clog"
	"github.com/zeebo/xxh3"

	"github.com/pior/couchbase/vbucket"
)

// ListenerState is the lifecycle stage of a ConfigListener.
type ListenerState int32

const (
	ListenerIdle ListenerState = iota
	ListenerConnecting
	ListenerStreaming
	ListenerReconnecting
	ListenerStopped
)

func (s ListenerState) String() string {
	switch s {
	case ListenerIdle:
		return "idle"
	case ListenerConnecting:
		return "connecting"
	case ListenerStreaming:
		return "streaming"
	case ListenerReconnecting:
		return "reconnecting"
	case ListenerStopped:
		return "stopped"
	}
	return fmt.Sprintf("listener-state(%d)", int32(s))
}

// Observer receives every topology the listener applies.
type Observer interface {
	ConfigUpdated(m *vbucket.Map)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(m *vbucket.Map)

func (f ObserverFunc) ConfigUpdated(m *vbucket.Map) { f(m) }

// ListenerConfig configures a ConfigListener.
type ListenerConfig struct {
	Bucket   string
	Username string
	Password string

	// Seeds are manager addresses (host:port) tried until a map is known.
	Seeds []string

	// TLS selects https and the TLS manager ports of the map.
	TLS bool

	HTTPClient *http.Client

	Stream StreamConfig
}

var (
	ErrNoListenerSeeds = errors.New("couchbase: configstream: no manager address")
	errStreamEnded     = errors.New("couchbase: configstream: stream ended")
)

// ConfigListener follows the streaming bucket config of a cluster manager
// and publishes every newer revision to its observers.
type ConfigListener struct {
	cfg    ListenerConfig
	holder *vbucket.Holder
	state  atomic.Int32

	// notifyMu orders deliveries: a new subscriber's initial map and
	// published maps do not interleave.
	notifyMu  sync.Mutex
	mu        sync.Mutex
	observers map[uint64]Observer
	nextID    uint64
	next      int
	started   bool
	cancel    context.CancelFunc
	done      chan struct{}

	lastFingerprint uint64
	haveFingerprint bool
}

func NewConfigListener(cfg ListenerConfig) (*ConfigListener, error) {
	if len(cfg.Seeds) == 0 {
		return nil, ErrNoListenerSeeds
	}
	if cfg.Bucket == "" {
		return nil, ErrNoBucketName
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = NewStreamingHTTPClient(nil)
	}
	cfg.Stream = cfg.Stream.withDefaults()

	return &ConfigListener{
		cfg:       cfg,
		holder:    vbucket.NewHolder(),
		observers: make(map[uint64]Observer),
		done:      make(chan struct{}),
	}, nil
}

// Start launches the stream goroutine. Later calls do nothing.
func (l *ConfigListener) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return
	}
	l.started = true

	ctx, l.cancel = context.WithCancel(ctx)
	go l.run(ctx)
}

// Stop ends the stream and waits for the goroutine to exit.
func (l *ConfigListener) Stop() {
	l.mu.Lock()
	if !l.started {
		l.started = true
		l.setState(ListenerStopped)
		close(l.done)
		l.mu.Unlock()
		return
	}
	cancel := l.cancel
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-l.done
}

func (l *ConfigListener) State() ListenerState {
	return ListenerState(l.state.Load())
}

func (l *ConfigListener) setState(s ListenerState) {
	if prev := ListenerState(l.state.Swap(int32(s))); prev != s {
		log.Debugf("couchbase: configstream: %s: %s -> %s", l.cfg.Bucket, prev, s)
	}
}

// Current returns the latest map, nil before the first one.
func (l *ConfigListener) Current() *vbucket.Map {
	return l.holder.Load()
}

// Holder exposes the listener's snapshot holder.
func (l *ConfigListener) Holder() *vbucket.Holder {
	return l.holder
}

// Subscribe registers o and hands it the current map, if any. The returned
// function unregisters it. Observers must not call Subscribe from their
// callback.
func (l *ConfigListener) Subscribe(o Observer) (unsubscribe func()) {
	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()

	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.observers[id] = o
	l.mu.Unlock()

	if m := l.holder.Load(); m != nil {
		o.ConfigUpdated(m)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.observers, id)
			l.mu.Unlock()
		})
	}
}

// Publish applies m and notifies observers when it is newer than the
// current map. It reports whether m was applied.
func (l *ConfigListener) Publish(m *vbucket.Map) bool {
	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()

	if !l.holder.Apply(m) {
		return false
	}
	log.Printf("couchbase: configstream: %s: revision %d with %d node(s)", l.cfg.Bucket, m.Revision, len(m.Nodes))

	l.mu.Lock()
	observers := make([]Observer, 0, len(l.observers))
	for _, o := range l.observers {
		observers = append(observers, o)
	}
	l.mu.Unlock()

	for _, o := range observers {
		o.ConfigUpdated(m)
	}
	return true
}

func (l *ConfigListener) run(ctx context.Context) {
	defer close(l.done)
	defer l.setState(ListenerStopped)

	backoff := l.cfg.Stream.InitialBackoff
	for {
		addr := l.nextCandidate()
		l.setState(ListenerConnecting)

		progressed, err := l.stream(ctx, addr)
		if ctx.Err() != nil {
			return
		}
		if progressed {
			backoff = l.cfg.Stream.InitialBackoff
		}

		l.setState(ListenerReconnecting)
		log.Warnf("couchbase: configstream: %s: stream from %s ended, reconnecting in %v: %v",
			l.cfg.Bucket, addr, backoff, err)

		sleep(ctx, backoff)
		if ctx.Err() != nil {
			return
		}
		backoff = nextBackoff(backoff, l.cfg.Stream)
	}
}

func nextBackoff(d time.Duration, s StreamConfig) time.Duration {
	next := time.Duration(float64(d) * s.BackoffFactor)
	if next > s.MaxBackoff || next <= 0 {
		return s.MaxBackoff
	}
	return next
}

// nextCandidate rotates over the manager addresses of the latest map,
// or over the seeds while no map is known.
func (l *ConfigListener) nextCandidate() string {
	candidates := l.cfg.Seeds
	if m := l.holder.Load(); m != nil {
		if addrs := m.MgmtAddresses(l.cfg.TLS); len(addrs) > 0 {
			candidates = addrs
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	addr := candidates[l.next%len(candidates)]
	l.next++
	return addr
}

func (l *ConfigListener) streamURL(addr string) string {
	scheme := "http"
	if l.cfg.TLS {
		scheme = "https"
	}
	return scheme + "://" + addr + "/pools/default/bs/" + url.PathEscape(l.cfg.Bucket)
}

// stream reads documents from one node until the stream fails. It reports
// whether at least one document was received.
func (l *ConfigListener) stream(ctx context.Context, addr string) (bool, error) {
	u := l.streamURL(addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, err
	}
	if l.cfg.Username != "" {
		req.SetBasicAuth(l.cfg.Username, l.cfg.Password)
	}

	resp, err := l.cfg.HTTPClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return false, fmt.Errorf("couchbase: configstream: GET %s: %s: %s", u, resp.Status, body)
	}
	l.setState(ListenerStreaming)

	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}

	progressed := false
	dec := json.NewDecoder(resp.Body)
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				err = errStreamEnded
			}
			return progressed, err
		}
		progressed = true

		fp := fingerprint(host, raw)
		if l.haveFingerprint && fp == l.lastFingerprint {
			continue
		}

		m, err := vbucket.ParseConfig(raw, host)
		if err != nil {
			return progressed, err
		}
		l.lastFingerprint, l.haveFingerprint = fp, true
		l.Publish(m)
	}
}

// fingerprint identifies a document as seen from host, since $HOST makes
// the same bytes mean different maps on different nodes.
func fingerprint(host string, doc []byte) uint64 {
	h := xxh3.New()
	_, _ = h.WriteString(host)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(doc)
	return h.Sum64()
}
