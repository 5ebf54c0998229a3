package coarsetime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNowIsCloseToWallClock(t *testing.T) {
	require.WithinDuration(t, time.Now(), Now(), 2*tick)

	start := Now()
	require.Eventually(t, func() bool {
		return Now().After(start)
	}, time.Second, 10*time.Millisecond)
}

func TestSince(t *testing.T) {
	past := time.Now().Add(-time.Minute)
	require.InDelta(t, float64(time.Minute), float64(Since(past)), float64(2*tick))
}

// BenchmarkTimeNow/time-8         	35926340	         32.82 ns/op	       0 B/op	       0 allocs/op
// BenchmarkTimeNow/coarsetime-8   	609668066	         1.950 ns/op	       0 B/op	       0 allocs/op
func BenchmarkTimeNow(b *testing.B) {
	var t time.Time

	b.Run("time", func(b *testing.B) {
		for b.Loop() {
			t = time.Now()
		}
	})

	b.Run("coarsetime", func(b *testing.B) {
		for b.Loop() {
			t = Now()
		}
	})

	_ = t
}
