package couchbase

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/zeebo/xxh3"
)

// ConfigStreams shares one ConfigListener per bucket and cluster between
// clients. A listener starts with its first reference and stops with its
// last.
type ConfigStreams struct {
	mu      sync.Mutex
	streams map[string]*sharedListener
}

type sharedListener struct {
	refs     int
	listener *ConfigListener
}

// DefaultConfigStreams is used by clients without Config.Streams.
var DefaultConfigStreams = NewConfigStreams()

func NewConfigStreams() *ConfigStreams {
	return &ConfigStreams{streams: make(map[string]*sharedListener)}
}

// streamKey identifies a listener. Clients share one only when they would
// open the same stream with the same credentials; the password enters the
// key as a hash.
func streamKey(cfg ListenerConfig) string {
	seeds := append([]string(nil), cfg.Seeds...)
	sort.Strings(seeds)
	scheme := "http"
	if cfg.TLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s|%s|%s|%016x|%s", scheme, cfg.Bucket, cfg.Username,
		xxh3.HashString(cfg.Password), strings.Join(seeds, ","))
}

// Acquire returns the running listener for cfg, starting one if needed.
// Every Acquire must be paired with a Release.
func (s *ConfigStreams) Acquire(cfg ListenerConfig) (*ConfigListener, error) {
	key := streamKey(cfg)

	s.mu.Lock()
	defer s.mu.Unlock()

	if sl, ok := s.streams[key]; ok && sl.refs > 0 {
		sl.refs++
		return sl.listener, nil
	}

	l, err := NewConfigListener(cfg)
	if err != nil {
		return nil, err
	}
	s.streams[key] = &sharedListener{refs: 1, listener: l}
	l.Start(context.Background())
	return l, nil
}

// Release drops one reference to l and stops it when none remain.
func (s *ConfigStreams) Release(l *ConfigListener) {
	key := streamKey(l.cfg)

	s.mu.Lock()
	sl, ok := s.streams[key]
	if !ok || sl.listener != l {
		s.mu.Unlock()
		return
	}
	sl.refs--
	last := sl.refs == 0
	if last {
		delete(s.streams, key)
	}
	s.mu.Unlock()

	if last {
		l.Stop()
	}
}

// Refs returns the number of references held on the listener for cfg.
func (s *ConfigStreams) Refs(cfg ListenerConfig) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok := s.streams[streamKey(cfg)]; ok {
		return sl.refs
	}
	return 0
}
