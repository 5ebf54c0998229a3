package vbucket

import (
	"errors"
	"fmt"
	"hash/crc32"
)

var (
	ErrTopologyUnavailable = errors.New("vbucket: topology unavailable")
	ErrNoPrimary           = errors.New("vbucket: vbucket has no active node")
	ErrNoReplica           = errors.New("vbucket: replica not available")

	// ErrPartitionCount means the caller expects more vbuckets than the
	// map holds.
	ErrPartitionCount = errors.New("vbucket: partition count exceeds vbucket map")
)

// Route is where one key goes under one snapshot.
type Route struct {
	VBucketID uint16
	NodeIndex int
	Node      *Node
	Revision  int64
}

// VBucketID hashes key onto one of n vbuckets.
func VBucketID(key []byte, n int) uint16 {
	crc := crc32.ChecksumIEEE(key)
	return uint16(((crc >> 16) & 0x7fff) % uint32(n))
}

// Route returns the vbucket and active node for key. partitionCount
// overrides the table size when non zero; a count beyond the table fails
// with ErrPartitionCount.
func (m *Map) Route(key []byte, partitionCount int) (Route, error) {
	return m.route(key, partitionCount, 0, DefaultNodeSelector)
}

// RouteReplica returns the node holding the n-th replica (1-based) of key.
func (m *Map) RouteReplica(key []byte, n int) (Route, error) {
	if n < 1 {
		return Route{}, ErrNoReplica
	}
	return m.route(key, 0, n, DefaultNodeSelector)
}

func (m *Map) route(key []byte, partitionCount, replica int, selector NodeSelector) (Route, error) {
	if m.Locator == LocatorKetama {
		if replica > 0 {
			return Route{}, ErrNoReplica
		}
		if len(m.Nodes) == 0 {
			return Route{}, ErrTopologyUnavailable
		}
		idx := selector(key, len(m.Nodes))
		return Route{NodeIndex: idx, Node: &m.Nodes[idx], Revision: m.Revision}, nil
	}

	if len(m.VBuckets) == 0 {
		return Route{}, ErrTopologyUnavailable
	}
	n := partitionCount
	if n > len(m.VBuckets) {
		return Route{NodeIndex: -1, Revision: m.Revision}, fmt.Errorf("%w: %d > %d", ErrPartitionCount, n, len(m.VBuckets))
	}
	if n <= 0 {
		n = len(m.VBuckets)
	}
	vb := VBucketID(key, n)
	entry := m.VBuckets[vb]

	idx := entry.Primary
	if replica > 0 {
		if replica > len(entry.Replicas) {
			return Route{VBucketID: vb, NodeIndex: -1, Revision: m.Revision}, ErrNoReplica
		}
		idx = entry.Replicas[replica-1]
		if idx < 0 {
			return Route{VBucketID: vb, NodeIndex: -1, Revision: m.Revision}, ErrNoReplica
		}
	}
	if idx < 0 || idx >= len(m.Nodes) {
		return Route{VBucketID: vb, NodeIndex: -1, Revision: m.Revision}, ErrNoPrimary
	}
	return Route{VBucketID: vb, NodeIndex: idx, Node: &m.Nodes[idx], Revision: m.Revision}, nil
}

// Router routes keys against the latest snapshot of a Holder.
type Router struct {
	holder   *Holder
	selector NodeSelector
}

// NewRouter returns a Router over holder. A nil selector uses DefaultNodeSelector.
func NewRouter(holder *Holder, selector NodeSelector) *Router {
	if selector == nil {
		selector = DefaultNodeSelector
	}
	return &Router{holder: holder, selector: selector}
}

// Route maps key to its vbucket and active node under the current snapshot.
func (r *Router) Route(key []byte, partitionCount int) (Route, error) {
	m := r.holder.Load()
	if m == nil {
		return Route{}, ErrTopologyUnavailable
	}
	return m.route(key, partitionCount, 0, r.selector)
}

// RouteReplica maps key to the node holding its n-th replica.
func (r *Router) RouteReplica(key []byte, n int) (Route, error) {
	m := r.holder.Load()
	if m == nil {
		return Route{}, ErrTopologyUnavailable
	}
	if n < 1 {
		return Route{}, ErrNoReplica
	}
	return m.route(key, 0, n, r.selector)
}
