package amoura

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueSetSerializesPerConversation(t *testing.T) {
	qs := newQueueSet()
	defer qs.Close()

	var mu sync.Mutex
	var order []int
	for i := 0; i < 100; i++ {
		i := i
		qs.Apply("conv-1", func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	qs.ApplyWait("conv-1", func() {}) // barrier

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 100)
	for i, v := range order {
		assert.Equal(t, i, v, "ops must run in submission order")
	}
}

func TestQueueSetApplyWaitBlocks(t *testing.T) {
	qs := newQueueSet()
	defer qs.Close()

	ran := false
	ok := qs.ApplyWait("conv-1", func() { ran = true })
	assert.True(t, ok)
	assert.True(t, ran, "ApplyWait returns only after the op ran")
}

func TestQueueSetIndependentConversations(t *testing.T) {
	qs := newQueueSet()
	defer qs.Close()

	release := make(chan struct{})
	qs.Apply("slow", func() { <-release })

	// A different conversation's op is not stuck behind the slow one.
	done := make(chan struct{})
	go func() {
		qs.ApplyWait("fast", func() {})
		close(done)
	}()
	<-done
	close(release)
}

func TestQueueSetClose(t *testing.T) {
	qs := newQueueSet()

	ran := 0
	qs.Apply("conv-1", func() { ran++ })
	qs.Close()
	assert.Equal(t, 1, ran, "pending ops drain before Close returns")

	ok := qs.ApplyWait("conv-1", func() { ran++ })
	assert.False(t, ok, "ops after Close are dropped")
	assert.Equal(t, 1, ran)

	qs.Close() // second Close is a no-op
}
