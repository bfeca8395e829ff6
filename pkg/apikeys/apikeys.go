// Package apikeys manages job-scoped credentials: short-lived keys that let
// the external executor act as the requesting user, honored only while the
// bound job is in the running state.
package apikeys

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/mlattimore/gearqueue/pkg/core"
)

// Manager issues, validates and revokes job-scoped credentials.
type Manager struct {
	store core.Storage
}

// NewManager creates a credential manager over the given storage.
func NewManager(store core.Storage) *Manager {
	return &Manager{store: store}
}

// Issue creates a credential letting the executor act as uid for the given
// job. Re-issuing replaces any prior credential for the job, so credentials
// never accumulate.
func (m *Manager) Issue(ctx context.Context, uid, jobID string) (*core.JobCredential, error) {
	if _, err := m.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	cred := &core.JobCredential{
		Key:   uuid.New().String() + uuid.New().String(),
		JobID: jobID,
		UID:   uid,
	}
	if err := m.store.ReplaceCredential(ctx, cred); err != nil {
		return nil, err
	}
	return cred, nil
}

// Validate returns the acting-as uid for a credential key. The bound job's
// state is re-read on every call: a credential stops working the instant its
// job leaves running, with no explicit revoke required.
func (m *Manager) Validate(ctx context.Context, key string) (string, error) {
	cred, err := m.store.GetCredential(ctx, key)
	if err != nil {
		return "", err
	}
	if cred == nil {
		return "", core.ErrInvalidCredential
	}
	job, err := m.store.GetJob(ctx, cred.JobID)
	if errors.Is(err, core.ErrJobNotFound) {
		return "", core.ErrInvalidCredential
	}
	if err != nil {
		return "", err
	}
	if job.State != core.StateRunning {
		return "", core.ErrInvalidCredential
	}
	return cred.UID, nil
}

// Revoke deletes the credential bound to a job, if any. Called automatically
// whenever a job leaves the running state.
func (m *Manager) Revoke(ctx context.Context, jobID string) error {
	return m.store.DeleteCredentialForJob(ctx, jobID)
}
