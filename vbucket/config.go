package vbucket

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"

	cb "github.com/couchbase/go-couchbase"
)

// hostPlaceholder is what the cluster writes in place of the address the
// document was requested from.
const hostPlaceholder = "$HOST"

// terseConfig is the bucket configuration document served by the cluster
// manager streaming endpoint and by GET_CLUSTER_CONFIG.
type terseConfig struct {
	Rev              int64                `json:"rev"`
	Name             string               `json:"name"`
	UUID             string               `json:"uuid"`
	NodeLocator      string               `json:"nodeLocator"`
	Nodes            []terseNode          `json:"nodes"`
	NodesExt         []terseNodeExt       `json:"nodesExt"`
	VBucketServerMap *cb.VBucketServerMap `json:"vBucketServerMap"`
}

type terseNode struct {
	Hostname string `json:"hostname"`
	Status   string `json:"status"`
	Ports    struct {
		Direct int `json:"direct"`
	} `json:"ports"`
}

type terseNodeExt struct {
	Hostname string         `json:"hostname"`
	Services map[string]int `json:"services"`
}

// ConfigError reports a configuration document that cannot be turned into a Map.
type ConfigError struct {
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("vbucket: invalid config: %s: %v", e.Reason, e.Err)
	}
	return "vbucket: invalid config: " + e.Reason
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ParseConfig builds a Map from a bucket configuration document.
// sourceHost is the host the document was fetched from; it replaces the
// $HOST placeholder.
func ParseConfig(data []byte, sourceHost string) (*Map, error) {
	host := sourceHost
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]"
	}
	data = bytes.ReplaceAll(data, []byte(hostPlaceholder), []byte(host))

	var tc terseConfig
	if err := json.Unmarshal(data, &tc); err != nil {
		return nil, &ConfigError{Reason: "malformed document", Err: err}
	}

	m := &Map{
		Revision:   tc.Rev,
		BucketName: tc.Name,
		BucketUUID: tc.UUID,
		Locator:    Locator(tc.NodeLocator),
	}
	if m.Locator == "" {
		m.Locator = LocatorVBucket
	}

	switch m.Locator {
	case LocatorVBucket:
		if err := parseVBucketMap(&tc, m, sourceHost); err != nil {
			return nil, err
		}
	case LocatorKetama:
		m.Nodes = ketamaNodes(&tc, sourceHost)
		if len(m.Nodes) == 0 {
			return nil, &ConfigError{Reason: "ketama bucket without data nodes"}
		}
	default:
		return nil, &ConfigError{Reason: "unknown node locator " + strconv.Quote(tc.NodeLocator)}
	}
	return m, nil
}

func parseVBucketMap(tc *terseConfig, m *Map, sourceHost string) error {
	sm := tc.VBucketServerMap
	if sm == nil {
		return &ConfigError{Reason: "missing vBucketServerMap"}
	}
	if len(sm.VBucketMap) == 0 || len(sm.VBucketMap) > MaxVBuckets {
		return &ConfigError{Reason: fmt.Sprintf("vbucket count %d out of range", len(sm.VBucketMap))}
	}

	m.Nodes = make([]Node, len(sm.ServerList))
	for i, server := range sm.ServerList {
		h, p, err := net.SplitHostPort(server)
		if err != nil {
			return &ConfigError{Reason: "bad server " + strconv.Quote(server), Err: err}
		}
		kv, err := strconv.Atoi(p)
		if err != nil {
			return &ConfigError{Reason: "bad server port " + strconv.Quote(server), Err: err}
		}
		m.Nodes[i] = lookupNode(tc, h, kv, sourceHost)
	}

	m.VBuckets = make([]Entry, len(sm.VBucketMap))
	for vb, chain := range sm.VBucketMap {
		if len(chain) == 0 {
			return &ConfigError{Reason: fmt.Sprintf("vbucket %d has no server chain", vb)}
		}
		for _, idx := range chain {
			if idx < -1 || idx >= len(m.Nodes) {
				return &ConfigError{Reason: fmt.Sprintf("vbucket %d references server %d of %d", vb, idx, len(m.Nodes))}
			}
		}
		entry := Entry{Primary: chain[0]}
		if len(chain) > 1 {
			entry.Replicas = append([]int(nil), chain[1:]...)
		}
		m.VBuckets[vb] = entry
	}
	return nil
}

// lookupNode completes a server list entry with the ports advertised in
// nodesExt, falling back to the legacy nodes list.
func lookupNode(tc *terseConfig, host string, kv int, sourceHost string) Node {
	n := Node{Hostname: host, Ports: Ports{KV: kv}}

	for _, ext := range tc.NodesExt {
		extHost := ext.Hostname
		if extHost == "" {
			extHost = sourceHost
		}
		if trimBrackets(extHost) != host || ext.Services["kv"] != kv {
			continue
		}
		n.Ports.KVSSL = ext.Services["kvSSL"]
		n.Ports.Mgmt = ext.Services["mgmt"]
		n.Ports.MgmtSSL = ext.Services["mgmtSSL"]
		break
	}

	for _, legacy := range tc.Nodes {
		h, p, err := net.SplitHostPort(legacy.Hostname)
		if err != nil || h != host || legacy.Ports.Direct != kv {
			continue
		}
		n.Health = legacy.Status
		if n.Ports.Mgmt == 0 {
			n.Ports.Mgmt, _ = strconv.Atoi(p)
		}
		break
	}
	return n
}

func ketamaNodes(tc *terseConfig, sourceHost string) []Node {
	var nodes []Node
	if len(tc.NodesExt) > 0 {
		for _, ext := range tc.NodesExt {
			if ext.Services["kv"] == 0 {
				continue
			}
			host := ext.Hostname
			if host == "" {
				host = sourceHost
			}
			nodes = append(nodes, Node{
				Hostname: trimBrackets(host),
				Ports: Ports{
					KV:      ext.Services["kv"],
					KVSSL:   ext.Services["kvSSL"],
					Mgmt:    ext.Services["mgmt"],
					MgmtSSL: ext.Services["mgmtSSL"],
				},
			})
		}
		return nodes
	}
	for _, legacy := range tc.Nodes {
		h, p, err := net.SplitHostPort(legacy.Hostname)
		if err != nil || legacy.Ports.Direct == 0 {
			continue
		}
		mgmt, _ := strconv.Atoi(p)
		nodes = append(nodes, Node{
			Hostname: h,
			Ports:    Ports{KV: legacy.Ports.Direct, Mgmt: mgmt},
			Health:   legacy.Status,
		})
	}
	return nodes
}

func trimBrackets(host string) string {
	return strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
}

// ConfigRevision extracts the revision of a configuration document without
// building a Map. It returns false when the document carries none.
func ConfigRevision(data []byte) (int64, bool) {
	var head struct {
		Rev *int64 `json:"rev"`
	}
	if err := json.Unmarshal(data, &head); err != nil || head.Rev == nil {
		return 0, false
	}
	return *head.Rev, true
}
