package quota_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadflow/internal/domain"
	"leadflow/internal/quota"
	"leadflow/internal/store"
)

func sqliteLedger(t *testing.T) quota.Ledger {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "quota.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return quota.NewSQLiteLedger(db)
}

// redisLedger runs against LEADFLOW_TEST_REDIS when set.
func redisLedger(t *testing.T) quota.Ledger {
	t.Helper()
	addr := os.Getenv("LEADFLOW_TEST_REDIS")
	if addr == "" {
		t.Skip("LEADFLOW_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	return quota.NewRedisLedger(client, "leadflow-test:"+uuid.NewString())
}

func TestDay(t *testing.T) {
	ts := time.Date(2024, 3, 9, 23, 30, 0, 0, time.FixedZone("X", -2*3600))
	assert.Equal(t, "2024-03-10", quota.Day(ts))
}

func TestRemaining(t *testing.T) {
	assert.Equal(t, 100, quota.Remaining(2000, 1900))
	assert.Equal(t, 0, quota.Remaining(2000, 2100))
}

func runLedgerSuite(t *testing.T, newLedger func(t *testing.T) quota.Ledger) {
	t.Run("increment accumulates", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		n, err := l.Usage(ctx, "t1", "2024-01-01")
		require.NoError(t, err)
		assert.Zero(t, n)

		n, err = l.Increment(ctx, "t1", "2024-01-01", 250)
		require.NoError(t, err)
		assert.Equal(t, 250, n)
		n, err = l.Increment(ctx, "t1", "2024-01-01", 50)
		require.NoError(t, err)
		assert.Equal(t, 300, n)

		other, err := l.Usage(ctx, "t1", "2024-01-02")
		require.NoError(t, err)
		assert.Zero(t, other, "a new day is a new key")

		_, err = l.Increment(ctx, "t1", "2024-01-01", -1)
		assert.Error(t, err)
	})

	t.Run("concurrent increments are not lost", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		var wg sync.WaitGroup
		for i := 0; i < 40; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := l.Increment(ctx, "t1", "2024-01-01", 5)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		n, err := l.Usage(ctx, "t1", "2024-01-01")
		require.NoError(t, err)
		assert.Equal(t, 200, n)
	})

	t.Run("reserve never exceeds the cap", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		var wg sync.WaitGroup
		var mu sync.Mutex
		granted := 0
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := l.Reserve(ctx, "t1", "2024-01-01", 250, 2000)
				if err == nil {
					mu.Lock()
					granted++
					mu.Unlock()
					return
				}
				assert.ErrorIs(t, err, domain.ErrQuotaExceeded)
			}()
		}
		wg.Wait()
		assert.Equal(t, 8, granted)
		n, err := l.Usage(ctx, "t1", "2024-01-01")
		require.NoError(t, err)
		assert.Equal(t, 2000, n)

		_, err = l.Reserve(ctx, "t2", "2024-01-01", 2001, 2000)
		assert.ErrorIs(t, err, domain.ErrQuotaExceeded)
	})
}

func TestSQLiteLedger(t *testing.T) { runLedgerSuite(t, sqliteLedger) }

func TestRedisLedger(t *testing.T) { runLedgerSuite(t, redisLedger) }
