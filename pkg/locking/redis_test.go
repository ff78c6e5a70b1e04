package locking

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/internal/testutil"
	"github.com/Ramsey-B/fern/pkg/redis"
)

func TestRedisLocker(t *testing.T) {
	cfg := testutil.StartRedis(t)
	ctx := context.Background()

	client, err := redis.NewClient(ctx, cfg, testutil.Logger())
	require.NoError(t, err)
	defer client.Close()

	l := NewRedisLocker(redis.NewLocker(client, "fern:test:"), 3*time.Second, testutil.Logger())

	unlock, err := l.Lock(ctx, "operators")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_, err = l.Lock(waitCtx, "operators")
	require.Error(t, err)

	other, err := l.Lock(ctx, "plants")
	require.NoError(t, err)
	other()

	// the holder keeps the lock past its ttl through extension
	time.Sleep(4 * time.Second)
	shortCtx, cancelShort := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancelShort()
	_, err = l.Lock(shortCtx, "operators")
	require.Error(t, err)

	unlock()
	unlock()

	again, err := l.Lock(ctx, "operators")
	require.NoError(t, err)
	assert.NotNil(t, again)
	again()
}
