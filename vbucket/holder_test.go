package vbucket

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHolderApplyIsMonotonic(t *testing.T) {
	h := NewHolder()
	assert.Nil(t, h.Load())
	assert.Equal(t, int64(-1), h.Revision())

	rev5 := &Map{Revision: 5}
	assert.True(t, h.Apply(rev5))
	assert.False(t, h.Apply(&Map{Revision: 3}))
	assert.False(t, h.Apply(&Map{Revision: 5}))
	assert.False(t, h.Apply(nil))

	assert.Same(t, rev5, h.Load())
	assert.Equal(t, int64(5), h.Revision())

	assert.True(t, h.Apply(&Map{Revision: 6}))
	assert.Equal(t, int64(6), h.Revision())
}

func TestHolderConcurrentApply(t *testing.T) {
	h := NewHolder()

	var wg sync.WaitGroup
	for i := range 100 {
		wg.Add(1)
		go func(rev int64) {
			defer wg.Done()
			h.Apply(&Map{Revision: rev})
		}(int64(i))
	}
	wg.Wait()

	assert.Equal(t, int64(99), h.Revision())
}

func TestHolderWait(t *testing.T) {
	h := NewHolder()
	h.Apply(&Map{Revision: 1})

	t.Run("already past", func(t *testing.T) {
		m, err := h.Wait(context.Background(), 0)
		require.NoError(t, err)
		assert.Equal(t, int64(1), m.Revision)
	})

	t.Run("woken by apply", func(t *testing.T) {
		done := make(chan *Map)
		go func() {
			m, _ := h.Wait(context.Background(), 1)
			done <- m
		}()

		time.Sleep(10 * time.Millisecond)
		h.Apply(&Map{Revision: 2})

		select {
		case m := <-done:
			assert.Equal(t, int64(2), m.Revision)
		case <-time.After(time.Second):
			t.Fatal("waiter not woken")
		}
	})

	t.Run("context deadline", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		_, err := h.Wait(ctx, 100)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestHolderChanged(t *testing.T) {
	h := NewHolder()
	ch := h.Changed()

	select {
	case <-ch:
		t.Fatal("closed before apply")
	default:
	}

	h.Apply(&Map{Revision: 1})
	<-ch

	next := h.Changed()
	h.Apply(&Map{Revision: 1})
	select {
	case <-next:
		t.Fatal("closed by a rejected apply")
	default:
	}
}
