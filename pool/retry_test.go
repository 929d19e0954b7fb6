package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestDefaultOnAcquireFail_RetryRetryFailFail(t *testing.T) {
	var attempts atomic.Int32
	attempts.Store(2)
	cfg := &AcquireFailConfig{Attempts: &attempts, Delay: 30 * time.Millisecond}
	err := errors.New("connect: connection refused")

	start := time.Now()
	assert.True(t, DefaultOnAcquireFail(err, cfg))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.True(t, DefaultOnAcquireFail(err, cfg))
	assert.False(t, DefaultOnAcquireFail(err, cfg))

	start = time.Now()
	assert.False(t, DefaultOnAcquireFail(err, cfg))
	assert.Less(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, int32(0), attempts.Load())
}

func TestDefaultOnAcquireFail_ContextEndsSleep(t *testing.T) {
	var attempts atomic.Int32
	attempts.Store(5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := &AcquireFailConfig{Attempts: &attempts, Delay: time.Hour, ctx: ctx}

	assert.False(t, DefaultOnAcquireFail(nil, cfg))
	assert.Equal(t, int32(4), attempts.Load())
}

func TestDefaultOnAcquireFail_NilConfig(t *testing.T) {
	assert.False(t, DefaultOnAcquireFail(nil, nil))
	assert.False(t, DefaultOnAcquireFail(nil, &AcquireFailConfig{}))
	assert.NotNil(t, (&AcquireFailConfig{}).Context())
}

func TestDefaultOnAcquireFail_ConcurrentDecrementNeverOverspends(t *testing.T) {
	var attempts atomic.Int32
	attempts.Store(10)
	cfg := &AcquireFailConfig{Attempts: &attempts}

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if DefaultOnAcquireFail(nil, cfg) {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(10), granted.Load())
	assert.Equal(t, int32(0), attempts.Load())
}

// Property: k failures against a budget of n grant exactly min(n, k) retries,
// all before the first refusal.
func TestProperty_SharedBudget(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("retries are granted first and never exceed the budget", prop.ForAll(
		func(n, k int) bool {
			var attempts atomic.Int32
			attempts.Store(int32(n))
			cfg := &AcquireFailConfig{Attempts: &attempts}

			granted := 0
			refused := false
			for i := 0; i < k; i++ {
				if DefaultOnAcquireFail(nil, cfg) {
					if refused {
						return false
					}
					granted++
				} else {
					refused = true
				}
			}
			want := min(n, k)
			return granted == want && int(attempts.Load()) == n-want
		},
		gen.IntRange(0, 20),
		gen.IntRange(0, 40),
	))

	properties.TestingRun(t)
}
