// Package vbucket holds the cluster topology of a bucket and routes keys to
// the data nodes that own them.
//
// A Map is an immutable snapshot parsed from a bucket configuration
// document. The Holder publishes snapshots atomically and only moves
// forward in revision; the Router reads whatever snapshot is current.
package vbucket

import (
	"net"
	"strconv"
)

// Locator is the key placement scheme of a bucket.
type Locator string

const (
	// LocatorVBucket hashes keys onto a fixed vbucket table (couchbase buckets).
	LocatorVBucket Locator = "vbucket"
	// LocatorKetama hashes keys directly onto nodes (memcached buckets).
	LocatorKetama Locator = "ketama"
)

// MaxVBuckets bounds the vbucket table; vbucket ids travel as uint16.
const MaxVBuckets = 65536

// Ports are the service ports a node exposes. Zero means not exposed.
type Ports struct {
	KV      int
	KVSSL   int
	Mgmt    int
	MgmtSSL int
}

type Node struct {
	Hostname string
	Ports    Ports
	Health   string
}

// KVAddress returns host:port of the data service.
func (n Node) KVAddress(useTLS bool) string {
	port := n.Ports.KV
	if useTLS {
		port = n.Ports.KVSSL
	}
	return net.JoinHostPort(n.Hostname, strconv.Itoa(port))
}

// MgmtAddress returns host:port of the cluster manager.
func (n Node) MgmtAddress(useTLS bool) string {
	port := n.Ports.Mgmt
	if useTLS {
		port = n.Ports.MgmtSSL
	}
	return net.JoinHostPort(n.Hostname, strconv.Itoa(port))
}

// Entry lists the node indexes serving one vbucket. -1 means unassigned.
type Entry struct {
	Primary  int
	Replicas []int
}

// Map is one revision of a bucket topology. It must not be modified once
// published to a Holder.
type Map struct {
	Revision   int64
	BucketName string
	BucketUUID string
	Locator    Locator
	Nodes      []Node
	VBuckets   []Entry
}

// NumVBuckets returns the size of the vbucket table.
func (m *Map) NumVBuckets() int {
	return len(m.VBuckets)
}

// KVAddresses lists the data service address of every node, in node order.
func (m *Map) KVAddresses(useTLS bool) []string {
	addrs := make([]string, 0, len(m.Nodes))
	for _, n := range m.Nodes {
		port := n.Ports.KV
		if useTLS {
			port = n.Ports.KVSSL
		}
		if port == 0 {
			continue
		}
		addrs = append(addrs, n.KVAddress(useTLS))
	}
	return addrs
}

// MgmtAddresses lists the cluster manager address of every node that has one.
func (m *Map) MgmtAddresses(useTLS bool) []string {
	addrs := make([]string, 0, len(m.Nodes))
	for _, n := range m.Nodes {
		port := n.Ports.Mgmt
		if useTLS {
			port = n.Ports.MgmtSSL
		}
		if port == 0 {
			continue
		}
		addrs = append(addrs, n.MgmtAddress(useTLS))
	}
	return addrs
}
