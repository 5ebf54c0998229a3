package vbucket

import (
	"context"
	"sync"
	"sync/atomic"
)

// Holder publishes the current Map. Readers never block; Apply is the only
// way to change the snapshot and it only moves forward in revision.
type Holder struct {
	current atomic.Pointer[Map]

	mu      sync.Mutex
	changed chan struct{}
}

func NewHolder() *Holder {
	return &Holder{changed: make(chan struct{})}
}

// Load returns the current snapshot, nil before the first Apply.
func (h *Holder) Load() *Map {
	return h.current.Load()
}

// Revision returns the current revision, or -1 when no map is loaded.
func (h *Holder) Revision() int64 {
	if m := h.current.Load(); m != nil {
		return m.Revision
	}
	return -1
}

// Apply installs m when its revision is strictly greater than the current
// one. It reports whether m was installed; applying the same or an older
// revision is a no-op.
func (h *Holder) Apply(m *Map) bool {
	if m == nil {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	cur := h.current.Load()
	if cur != nil && m.Revision <= cur.Revision {
		return false
	}
	if !h.current.CompareAndSwap(cur, m) {
		return false
	}

	close(h.changed)
	h.changed = make(chan struct{})
	return true
}

// Changed returns a channel closed on the next successful Apply.
func (h *Holder) Changed() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.changed
}

// Wait blocks until the revision is greater than afterRev and returns that
// snapshot. Pass -1 to wait for the first map.
func (h *Holder) Wait(ctx context.Context, afterRev int64) (*Map, error) {
	for {
		ch := h.Changed()
		if m := h.current.Load(); m != nil && m.Revision > afterRev {
			return m, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
