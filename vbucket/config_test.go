package vbucket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoNodeConfig = `{
  "rev": 42,
  "name": "default",
  "uuid": "5f1b0a7c",
  "nodeLocator": "vbucket",
  "nodes": [
    {"hostname": "$HOST:8091", "status": "healthy", "ports": {"direct": 11210}},
    {"hostname": "10.0.0.2:8091", "status": "warmup", "ports": {"direct": 11210}}
  ],
  "nodesExt": [
    {"services": {"kv": 11210, "kvSSL": 11207, "mgmt": 8091, "mgmtSSL": 18091}},
    {"hostname": "10.0.0.2", "services": {"kv": 11210, "kvSSL": 11207, "mgmt": 8091, "mgmtSSL": 18091}}
  ],
  "vBucketServerMap": {
    "hashAlgorithm": "CRC",
    "numReplicas": 1,
    "serverList": ["$HOST:11210", "10.0.0.2:11210"],
    "vBucketMap": [[0, 1], [1, 0], [0, -1], [-1, 1]]
  }
}`

func TestParseConfig(t *testing.T) {
	m, err := ParseConfig([]byte(twoNodeConfig), "10.0.0.1")
	require.NoError(t, err)

	assert.Equal(t, int64(42), m.Revision)
	assert.Equal(t, "default", m.BucketName)
	assert.Equal(t, "5f1b0a7c", m.BucketUUID)
	assert.Equal(t, LocatorVBucket, m.Locator)
	require.Len(t, m.Nodes, 2)

	assert.Equal(t, Node{
		Hostname: "10.0.0.1",
		Ports:    Ports{KV: 11210, KVSSL: 11207, Mgmt: 8091, MgmtSSL: 18091},
		Health:   "healthy",
	}, m.Nodes[0])
	assert.Equal(t, "10.0.0.2:11207", m.Nodes[1].KVAddress(true))
	assert.Equal(t, "warmup", m.Nodes[1].Health)

	require.Equal(t, 4, m.NumVBuckets())
	assert.Equal(t, Entry{Primary: 0, Replicas: []int{1}}, m.VBuckets[0])
	assert.Equal(t, Entry{Primary: -1, Replicas: []int{1}}, m.VBuckets[3])

	assert.Equal(t, []string{"10.0.0.1:11210", "10.0.0.2:11210"}, m.KVAddresses(false))
	assert.Equal(t, []string{"10.0.0.1:18091", "10.0.0.2:18091"}, m.MgmtAddresses(true))
}

func TestParseConfigIPv6Host(t *testing.T) {
	m, err := ParseConfig([]byte(twoNodeConfig), "::1")
	require.NoError(t, err)
	assert.Equal(t, "::1", m.Nodes[0].Hostname)
	assert.Equal(t, "[::1]:11210", m.Nodes[0].KVAddress(false))
	assert.Equal(t, 8091, m.Nodes[0].Ports.Mgmt)
}

func TestParseConfigKetama(t *testing.T) {
	doc := `{"rev": 3, "name": "cache", "nodeLocator": "ketama",
	  "nodesExt": [
	    {"hostname": "a", "services": {"kv": 11210, "mgmt": 8091}},
	    {"hostname": "b", "services": {"mgmt": 8091}},
	    {"services": {"kv": 11210, "mgmt": 8091}}
	  ]}`

	m, err := ParseConfig([]byte(doc), "c")
	require.NoError(t, err)
	assert.Equal(t, LocatorKetama, m.Locator)
	require.Len(t, m.Nodes, 2)
	assert.Equal(t, "a", m.Nodes[0].Hostname)
	assert.Equal(t, "c", m.Nodes[1].Hostname)
}

func TestParseConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not json", `{"rev":`},
		{"no server map", `{"rev": 1, "nodeLocator": "vbucket"}`},
		{"empty vbucket map", `{"rev": 1, "vBucketServerMap": {"serverList": ["a:1"], "vBucketMap": []}}`},
		{"server index out of range", `{"rev": 1, "vBucketServerMap": {"serverList": ["a:1"], "vBucketMap": [[0], [1]]}}`},
		{"empty chain", `{"rev": 1, "vBucketServerMap": {"serverList": ["a:1"], "vBucketMap": [[]]}}`},
		{"bad server", `{"rev": 1, "vBucketServerMap": {"serverList": ["nohost"], "vBucketMap": [[0]]}}`},
		{"unknown locator", `{"rev": 1, "nodeLocator": "random"}`},
		{"ketama without nodes", `{"rev": 1, "nodeLocator": "ketama"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.doc), "localhost")
			var ce *ConfigError
			require.ErrorAs(t, err, &ce)
		})
	}
}

func TestConfigRevision(t *testing.T) {
	rev, ok := ConfigRevision([]byte(twoNodeConfig))
	assert.True(t, ok)
	assert.Equal(t, int64(42), rev)

	_, ok = ConfigRevision([]byte(`{"name": "x"}`))
	assert.False(t, ok)

	_, ok = ConfigRevision([]byte("Not my vbucket"))
	assert.False(t, ok)
}
