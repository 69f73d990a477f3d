package workpool

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubmitRunsAllTasks(t *testing.T) {
	p := New(4)
	defer p.Close()

	var count atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		ok := p.Submit(func() {
			defer wg.Done()
			count.Add(1)
		})
		assert.True(t, ok)
	}
	wg.Wait()
	assert.Equal(t, int64(100), count.Load())
}

func TestCloseWaitsAndRejectsNewWork(t *testing.T) {
	p := New(2)

	var count atomic.Int64
	for i := 0; i < 10; i++ {
		p.Submit(func() { count.Add(1) })
	}
	p.Close()
	assert.Equal(t, int64(10), count.Load())

	assert.False(t, p.Submit(func() {}))
	p.Close() // idempotent
}

func TestNonPositiveWorkerCountClamped(t *testing.T) {
	p := New(0)
	defer p.Close()

	done := make(chan struct{})
	assert.True(t, p.Submit(func() { close(done) }))
	<-done
}
