package testutils

import (
	"encoding/json"
	"net"
	"strconv"
)

// ConfigNode is one node of a generated bucket config.
type ConfigNode struct {
	Host string
	KV   int
	Mgmt int
}

// BucketConfig builds a terse bucket config document. vbMap[vb] is the
// server chain of vb, indexes into nodes, -1 for unassigned.
func BucketConfig(rev int64, bucket string, nodes []ConfigNode, vbMap [][]int) []byte {
	type nodeExt struct {
		Hostname string         `json:"hostname"`
		Services map[string]int `json:"services"`
	}
	type legacyNode struct {
		Hostname string         `json:"hostname"`
		Status   string         `json:"status"`
		Ports    map[string]int `json:"ports"`
	}

	serverList := make([]string, len(nodes))
	exts := make([]nodeExt, len(nodes))
	legacy := make([]legacyNode, len(nodes))
	for i, n := range nodes {
		serverList[i] = net.JoinHostPort(n.Host, strconv.Itoa(n.KV))
		services := map[string]int{"kv": n.KV}
		if n.Mgmt != 0 {
			services["mgmt"] = n.Mgmt
		}
		exts[i] = nodeExt{Hostname: n.Host, Services: services}
		legacy[i] = legacyNode{
			Hostname: net.JoinHostPort(n.Host, strconv.Itoa(n.Mgmt)),
			Status:   "healthy",
			Ports:    map[string]int{"direct": n.KV},
		}
	}

	numReplicas := 0
	if len(vbMap) > 0 {
		numReplicas = len(vbMap[0]) - 1
	}

	doc := map[string]any{
		"rev":         rev,
		"name":        bucket,
		"uuid":        "8f1a2e0c9b7d4e6f",
		"nodeLocator": "vbucket",
		"nodes":       legacy,
		"nodesExt":    exts,
		"vBucketServerMap": map[string]any{
			"hashAlgorithm": "CRC",
			"numReplicas":   numReplicas,
			"serverList":    serverList,
			"vBucketMap":    vbMap,
		},
	}
	b, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return b
}

// UniformMap assigns numVBuckets round robin over n nodes, with replicas
// copies on the following nodes.
func UniformMap(numVBuckets, n, replicas int) [][]int {
	vbMap := make([][]int, numVBuckets)
	for vb := range vbMap {
		chain := make([]int, replicas+1)
		for r := range chain {
			chain[r] = (vb + r) % n
		}
		vbMap[vb] = chain
	}
	return vbMap
}

// SingleNodeMap assigns every vbucket to node 0.
func SingleNodeMap(numVBuckets int) [][]int {
	return UniformMap(numVBuckets, 1, 0)
}
