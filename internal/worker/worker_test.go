package worker

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPool_RunsSubmittedTasks(t *testing.T) {
	p := New(Config{Workers: 4, QueueSize: 64}, zap.NewNop())

	var wg sync.WaitGroup
	var n atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(func() {
			defer wg.Done()
			n.Add(1)
		}))
	}
	wg.Wait()
	p.Close()

	assert.Equal(t, int32(50), n.Load())
	stats := p.Stats()
	assert.Equal(t, int64(50), stats.Submitted)
	assert.Equal(t, int64(50), stats.Completed)
}

func TestPool_FullQueueRejects(t *testing.T) {
	p := New(Config{Workers: 1, QueueSize: 1}, zap.NewNop())
	defer p.Close()

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(func() {
		close(started)
		<-block
	}))
	<-started
	require.NoError(t, p.Submit(func() {}))

	err := p.Submit(func() {})
	assert.ErrorIs(t, err, ErrFull)
	assert.Equal(t, int64(1), p.Stats().Rejected)
	close(block)
}

func TestPool_CloseDrainsQueue(t *testing.T) {
	p := New(Config{Workers: 1, QueueSize: 16}, zap.NewNop())

	var n atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(func() { n.Add(1) }))
	}
	p.Close()
	p.Close()

	assert.Equal(t, int32(10), n.Load())
	assert.ErrorIs(t, p.Submit(func() {}), ErrClosed)
}

func TestPool_PanicIsContained(t *testing.T) {
	p := New(Config{Workers: 1, QueueSize: 4}, nil)

	require.NoError(t, p.Submit(func() { panic("boom") }))
	done := make(chan struct{})
	require.NoError(t, p.Submit(func() { close(done) }))
	<-done
	p.Close()

	assert.Equal(t, int64(1), p.Stats().Panicked)
	assert.Equal(t, int64(1), p.Stats().Completed)
}
