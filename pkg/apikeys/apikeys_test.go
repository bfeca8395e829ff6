package apikeys_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlattimore/gearqueue/pkg/apikeys"
	"github.com/mlattimore/gearqueue/pkg/core"
	"github.com/mlattimore/gearqueue/pkg/storage"
)

func runningJob(t *testing.T, store core.Storage, id string) *core.Job {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, &core.Job{
		ID:          id,
		GearName:    "uploader",
		GearVersion: "1.0.0",
		State:       core.StatePending,
		Dispatched:  true,
		Modified:    time.Now().UTC(),
	}))
	job, err := store.CompareAndTransition(ctx, id, core.StatePending, core.StateRunning, core.JobUpdate{})
	require.NoError(t, err)
	return job
}

func TestManager_IssueAndValidate(t *testing.T) {
	store := storage.NewMemoryStorage()
	manager := apikeys.NewManager(store)
	ctx := context.Background()

	runningJob(t, store, "job-1")

	cred, err := manager.Issue(ctx, "alice", "job-1")
	require.NoError(t, err)
	assert.NotEmpty(t, cred.Key)

	uid, err := manager.Validate(ctx, cred.Key)
	require.NoError(t, err)
	assert.Equal(t, "alice", uid)
}

func TestManager_IssueRequiresExistingJob(t *testing.T) {
	manager := apikeys.NewManager(storage.NewMemoryStorage())

	_, err := manager.Issue(context.Background(), "alice", "ghost")
	assert.ErrorIs(t, err, core.ErrJobNotFound)
}

func TestManager_ReissueReplacesKey(t *testing.T) {
	store := storage.NewMemoryStorage()
	manager := apikeys.NewManager(store)
	ctx := context.Background()

	runningJob(t, store, "job-1")

	first, err := manager.Issue(ctx, "alice", "job-1")
	require.NoError(t, err)
	second, err := manager.Issue(ctx, "alice", "job-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.Key, second.Key)

	_, err = manager.Validate(ctx, first.Key)
	assert.ErrorIs(t, err, core.ErrInvalidCredential)
	_, err = manager.Validate(ctx, second.Key)
	assert.NoError(t, err)
}

func TestManager_ValidateDiesWithTheJob(t *testing.T) {
	store := storage.NewMemoryStorage()
	manager := apikeys.NewManager(store)
	ctx := context.Background()

	runningJob(t, store, "job-1")
	cred, err := manager.Issue(ctx, "alice", "job-1")
	require.NoError(t, err)

	// The job leaves running without anyone calling Revoke. Validation
	// re-reads job state per use, so the credential dies with it anyway.
	_, err = store.CompareAndTransition(ctx, "job-1", core.StateRunning, core.StateFailed, core.JobUpdate{})
	require.NoError(t, err)

	_, err = manager.Validate(ctx, cred.Key)
	assert.ErrorIs(t, err, core.ErrInvalidCredential)
}

func TestManager_ValidateUnknownKey(t *testing.T) {
	manager := apikeys.NewManager(storage.NewMemoryStorage())

	_, err := manager.Validate(context.Background(), "not-a-key")
	assert.ErrorIs(t, err, core.ErrInvalidCredential)
}

func TestManager_Revoke(t *testing.T) {
	store := storage.NewMemoryStorage()
	manager := apikeys.NewManager(store)
	ctx := context.Background()

	runningJob(t, store, "job-1")
	cred, err := manager.Issue(ctx, "alice", "job-1")
	require.NoError(t, err)

	require.NoError(t, manager.Revoke(ctx, "job-1"))
	_, err = manager.Validate(ctx, cred.Key)
	assert.ErrorIs(t, err, core.ErrInvalidCredential)

	// Revoking a job without a credential is a no-op.
	assert.NoError(t, manager.Revoke(ctx, "job-1"))
}
