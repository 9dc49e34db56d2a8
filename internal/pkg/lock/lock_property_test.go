package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
	"pgregory.net/rapid"
)

// TestSerializedUpdatesProperty checks that concurrent read-modify-write
// sequences under the same key produce the sequential result.
func TestSerializedUpdatesProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		initial := rapid.Int64Range(1000, 100000).Draw(t, "initial")
		numOps := rapid.IntRange(2, 20).Draw(t, "numOps")
		key := rapid.StringMatching(`[a-f0-9]{8}`).Draw(t, "key")

		amounts := make([]int64, numOps)
		expected := initial
		for i := range amounts {
			amounts[i] = rapid.Int64Range(-500, 500).Draw(t, "amount")
			expected += amounts[i]
		}

		kl := New[string]()
		value := initial

		var wg sync.WaitGroup
		wg.Add(numOps)
		for _, amount := range amounts {
			go func(amount int64) {
				defer wg.Done()
				_ = kl.WithLock(key, func() error {
					current := value
					value = current + amount
					return nil
				})
			}(amount)
		}
		wg.Wait()

		if value != expected {
			t.Fatalf("value mismatch: expected %d, got %d", expected, value)
		}
		if kl.Len() != 0 {
			t.Fatalf("expected idle keys to be dropped, %d remain", kl.Len())
		}
	})
}

// TestIndependentKeysProperty checks that keys do not share state.
func TestIndependentKeysProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		numKeys := rapid.IntRange(2, 10).Draw(t, "numKeys")
		opsPerKey := rapid.IntRange(5, 20).Draw(t, "opsPerKey")

		kl := New[int64]()
		counters := make([]int64, numKeys)

		var wg sync.WaitGroup
		wg.Add(numKeys * opsPerKey)
		for k := 0; k < numKeys; k++ {
			for j := 0; j < opsPerKey; j++ {
				go func(k int) {
					defer wg.Done()
					kl.Lock(int64(k))
					defer kl.Unlock(int64(k))
					counters[k] += 10
				}(k)
			}
		}
		wg.Wait()

		for k, c := range counters {
			if c != int64(opsPerKey)*10 {
				t.Fatalf("key %d: expected %d, got %d", k, opsPerKey*10, c)
			}
		}
	})
}

// TestTryLockExclusiveProperty checks that TryLock never grants the same key twice.
func TestTryLockExclusiveProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		attempts := rapid.IntRange(5, 20).Draw(t, "attempts")
		kl := New[string]()

		var holders, maxHolders atomic.Int32
		var wg sync.WaitGroup
		wg.Add(attempts)
		start := make(chan struct{})

		for i := 0; i < attempts; i++ {
			go func() {
				defer wg.Done()
				<-start
				if kl.TryLock("srv") {
					n := holders.Add(1)
					for {
						m := maxHolders.Load()
						if n <= m || maxHolders.CompareAndSwap(m, n) {
							break
						}
					}
					holders.Add(-1)
					kl.Unlock("srv")
				}
			}()
		}
		close(start)
		wg.Wait()

		if maxHolders.Load() > 1 {
			t.Fatalf("lock held by %d goroutines at once", maxHolders.Load())
		}
		if !kl.TryLock("srv") {
			t.Fatal("lock should be available after all holders released")
		}
		kl.Unlock("srv")
	})
}

func TestLockWithTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	kl := New[string]()
	kl.Lock("a")
	assert.True(t, kl.IsLocked("a"))

	ok := kl.LockWithTimeout(context.Background(), "a", 20*time.Millisecond)
	assert.False(t, ok)

	kl.Unlock("a")
	assert.False(t, kl.IsLocked("a"))
	assert.True(t, kl.LockWithTimeout(context.Background(), "a", 20*time.Millisecond))
	kl.Unlock("a")
	assert.Equal(t, 0, kl.Len())
}

func TestWithLockContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	kl := New[string]()
	kl.Lock("a")

	err := kl.WithLockContext(context.Background(), "a", 10*time.Millisecond, func() error { return nil })
	assert.ErrorIs(t, err, ErrLockTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = kl.WithLockContext(ctx, "a", time.Second, func() error { return nil })
	assert.ErrorIs(t, err, context.Canceled)

	kl.Unlock("a")
	called := false
	err = kl.WithLockContext(context.Background(), "a", time.Second, func() error {
		called = true
		return nil
	})
	assert.NoError(t, err)
	assert.True(t, called)
}

func TestUnlockWithoutLockIsNoop(t *testing.T) {
	kl := New[string]()
	kl.Unlock("missing")
	assert.Equal(t, 0, kl.Len())
}
