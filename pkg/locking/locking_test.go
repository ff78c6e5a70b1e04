package locking

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedLocker_Exclusive(t *testing.T) {
	l := NewKeyedLocker()
	ctx := context.Background()

	var inside, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "operators")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak)
	assert.Empty(t, l.slots)
}

func TestKeyedLocker_KeysAreIndependent(t *testing.T) {
	l := NewKeyedLocker()
	ctx := context.Background()

	unlockA, err := l.Lock(ctx, "operators")
	require.NoError(t, err)
	defer unlockA()

	unlockB, err := l.Lock(ctx, "plants")
	require.NoError(t, err)
	unlockB()
}

func TestKeyedLocker_ContextCancel(t *testing.T) {
	l := NewKeyedLocker()

	unlock, err := l.Lock(context.Background(), "issues")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "issues")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()

	again, err := l.Lock(context.Background(), "issues")
	require.NoError(t, err)
	again()
	assert.Empty(t, l.slots)
}
