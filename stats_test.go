package couchbase

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	metrics "github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimer(t *testing.T) {
	timer := metrics.NewTimer()

	require.NoError(t, Timer(func() error {
		time.Sleep(time.Millisecond)
		return nil
	}, timer))

	boom := errors.New("boom")
	assert.ErrorIs(t, Timer(func() error { return boom }, timer), boom)

	assert.Equal(t, int64(2), timer.Count())
	assert.GreaterOrEqual(t, timer.Max(), int64(time.Millisecond))
}

func TestWriteTimerJSON(t *testing.T) {
	timer := metrics.NewTimer()
	timer.Update(2 * time.Millisecond)
	timer.Update(4 * time.Millisecond)

	var buf bytes.Buffer
	WriteTimerJSON(&buf, timer)

	var out struct {
		Count       int64              `json:"count"`
		Min         int64              `json:"min"`
		Max         int64              `json:"max"`
		Mean        float64            `json:"mean"`
		Percentiles map[string]float64 `json:"percentiles"`
		Rates       map[string]float64 `json:"rates"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out), buf.String())
	assert.Equal(t, int64(2), out.Count)
	assert.Equal(t, int64(2*time.Millisecond), out.Min)
	assert.Equal(t, int64(4*time.Millisecond), out.Max)
	assert.InDelta(t, float64(3*time.Millisecond), out.Mean, 1)
	assert.Contains(t, out.Percentiles, "99.9%")
	assert.Contains(t, out.Rates, "1-min")
}

func TestWriteTimerJSON_Empty(t *testing.T) {
	var buf bytes.Buffer
	WriteTimerJSON(&buf, metrics.NewTimer())
	assert.True(t, json.Valid(buf.Bytes()), buf.String())
}

func TestClientStatsCollector(t *testing.T) {
	c := newClientStatsCollector(nil)
	c.recordGet(true)
	c.recordGet(false)
	c.recordMutation()
	c.recordCounter()
	c.recordRetry()
	c.recordNotMyVBucket()
	c.recordTopologyUpdate()
	c.recordError()

	assert.Equal(t, ClientStats{
		Gets:            2,
		GetHits:         1,
		Mutations:       1,
		Counters:        1,
		Retries:         1,
		NotMyVBucket:    1,
		TopologyUpdates: 1,
		Errors:          1,
	}, c.snapshot())

	assert.Same(t, c.opTimer("get"), c.opTimer("get"))
	assert.NotSame(t, c.opTimer("get"), c.dispatchTimer("node1:11210"))
}
