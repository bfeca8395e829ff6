package storage_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mlattimore/gearqueue/pkg/core"
	"github.com/mlattimore/gearqueue/pkg/storage"
)

// assertExclusiveClaims hammers the store with concurrent pollers and checks
// that every job is claimed by exactly one of them.
func assertExclusiveClaims(t *testing.T, store core.Storage) {
	t.Helper()
	ctx := context.Background()

	const jobCount = 20
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < jobCount; i++ {
		require.NoError(t, store.CreateJob(ctx, pendingJob("", base.Add(time.Duration(i)*time.Second))))
	}

	var mu sync.Mutex
	claimed := make(map[string]int)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := store.ClaimNext(ctx, nil)
				assert.NoError(t, err)
				if job == nil {
					return
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, jobCount)
	for id, count := range claimed {
		assert.Equal(t, 1, count, "job %s claimed %d times", id, count)
	}
}

func TestMemoryStorage_ConcurrentClaimsAreExclusive(t *testing.T) {
	assertExclusiveClaims(t, storage.NewMemoryStorage())
}

func TestGormStorage_ConcurrentClaimsAreExclusive(t *testing.T) {
	// A shared-cache DSN keeps one in-memory database across the pool's
	// connections; one open connection sidesteps sqlite write contention
	// while the CAS claim still races at the store level.
	db, err := gorm.Open(sqlite.Open("file:claimrace?mode=memory&cache=shared&_busy_timeout=5000"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	store := storage.NewGormStorage(db)
	require.NoError(t, store.Migrate(context.Background()))
	assertExclusiveClaims(t, store)
}

func TestMemoryStorage_ClonesOnRead(t *testing.T) {
	store := storage.NewMemoryStorage()
	ctx := context.Background()

	require.NoError(t, store.CreateJob(ctx, pendingJob("job-1", time.Now().UTC())))

	job, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	job.GearName = "mutated"

	fresh, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "dcm-convert", fresh.GearName)
}
