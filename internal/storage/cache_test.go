package storage

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/internal/logger"
	"pulse/pkg/metrics"
)

func unreachableCache() *Cache {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		ReadTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	return NewCache(client, logger.NopLogger())
}

func TestCacheOperationsObserved(t *testing.T) {
	c := unreachableCache()
	ctx := context.Background()

	before := testutil.CollectAndCount(metrics.StorageOperationDuration)

	_, err := c.Get(ctx, "k")
	require.Error(t, err)
	_, err = c.SetNX(ctx, "k", 1, time.Minute)
	require.Error(t, err)
	err = c.Del(ctx, "k")
	require.Error(t, err)

	after := testutil.CollectAndCount(metrics.StorageOperationDuration)
	assert.Equal(t, before+3, after)
}
