package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mlattimore/gearqueue/pkg/core"
)

// claimWindow bounds how many candidates a single claim attempt inspects
// before concluding the queue is empty for this filter.
const claimWindow = 32

// GormStorage implements core.Storage using GORM.
//
// Atomicity of claims and transitions rests on conditional UPDATE statements
// guarded by the job's current state: a statement only takes effect when
// RowsAffected is 1, so two racing callers can never both win the same row.
type GormStorage struct {
	db *gorm.DB
}

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return &GormStorage{db: db}
}

// DB returns the underlying GORM handle.
func (s *GormStorage) DB() *gorm.DB {
	return s.db
}

// Migrate creates the necessary tables.
func (s *GormStorage) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&core.Job{},
		&core.Gear{},
		&core.Batch{},
		&core.JobCredential{},
	)
}

// CreateJob persists a new job.
func (s *GormStorage) CreateJob(ctx context.Context, job *core.Job) error {
	prepareJob(job)
	return s.db.WithContext(ctx).Create(job).Error
}

// CreateJobs persists a set of jobs in one transaction.
func (s *GormStorage) CreateJobs(ctx context.Context, jobs []*core.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	for _, job := range jobs {
		prepareJob(job)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(jobs).Error
	})
}

func prepareJob(job *core.Job) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.State == "" {
		job.State = core.StatePending
	}
	if job.Attempt == 0 {
		job.Attempt = 1
	}
	if job.Modified.IsZero() {
		job.Modified = time.Now().UTC()
	}
}

// GetJob returns a job by id.
func (s *GormStorage) GetJob(ctx context.Context, id string) (*core.Job, error) {
	var job core.Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ClaimNext atomically claims the next claimable pending job. Jobs flagged
// "now" are offered first, most recently modified leading; the remainder is
// FIFO by modified time.
func (s *GormStorage) ClaimNext(ctx context.Context, tags []string) (*core.Job, error) {
	passes := []struct {
		nowFlag bool
		order   string
	}{
		{true, "modified DESC"},
		{false, "modified ASC"},
	}

	for _, pass := range passes {
		query := s.db.WithContext(ctx).
			Where("state = ?", core.StatePending).
			Where("dispatched = ?", true).
			Where("now_flag = ?", pass.nowFlag)
		if len(tags) > 0 {
			// Filter in SQL so the window never fills up with jobs the
			// caller is not asking for.
			query = query.Where(s.tagClause(tags))
		}
		var candidates []core.Job
		err := query.Order(pass.order).Limit(claimWindow).Find(&candidates).Error
		if err != nil {
			return nil, err
		}

		for i := range candidates {
			candidate := &candidates[i]
			if !candidate.MatchesAnyTag(tags) {
				continue
			}
			claimed, err := s.casClaim(ctx, candidate.ID)
			if err != nil {
				return nil, err
			}
			if claimed != nil {
				return claimed, nil
			}
			// Lost the race for this candidate; try the next one.
		}
	}

	if len(tags) > 0 {
		known, err := s.anyJobCarriesTag(ctx, tags)
		if err != nil {
			return nil, err
		}
		if !known {
			return nil, core.ErrUnknownTag
		}
	}
	return nil, nil
}

// casClaim flips a single job pending -> running, conditional on it still
// being pending. Returns nil when another claimer won.
func (s *GormStorage) casClaim(ctx context.Context, id string) (*core.Job, error) {
	now := time.Now().UTC()
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND state = ?", id, core.StatePending).
		Updates(map[string]any{
			"state":     core.StateRunning,
			"modified":  now,
			"heartbeat": now,
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return s.GetJob(ctx, id)
}

// tagClause matches rows whose tags column carries any of the given tags.
// Tags are stored as a JSON array, so a quoted-substring match suffices.
func (s *GormStorage) tagClause(tags []string) *gorm.DB {
	clause := s.db.Where("1 = 0")
	for _, tag := range tags {
		clause = clause.Or("tags LIKE ?", fmt.Sprintf(`%%"%s"%%`, tag))
	}
	return clause
}

// anyJobCarriesTag checks the whole jobs table for any of the given tags.
func (s *GormStorage) anyJobCarriesTag(ctx context.Context, tags []string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&core.Job{}).Where(s.tagClause(tags)).Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// CompareAndTransition atomically moves a job between two exact states.
func (s *GormStorage) CompareAndTransition(ctx context.Context, id string, from, to core.JobState, update core.JobUpdate) (*core.Job, error) {
	now := time.Now().UTC()
	updates := map[string]any{
		"state":    to,
		"modified": now,
	}
	if to == core.StateRunning {
		updates["heartbeat"] = now
	}
	if update.FailureReason != "" {
		updates["failure_reason"] = update.FailureReason
	}
	if update.Outputs != nil {
		raw, err := json.Marshal(update.Outputs)
		if err != nil {
			return nil, fmt.Errorf("marshal outputs: %w", err)
		}
		updates["outputs"] = string(raw)
	}

	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND state = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		// Either the job vanished or its state moved under us.
		if _, err := s.GetJob(ctx, id); err != nil {
			return nil, err
		}
		return nil, core.ErrStateConflict
	}
	return s.GetJob(ctx, id)
}

// Heartbeat refreshes a running job's heartbeat. Any other state is a no-op.
func (s *GormStorage) Heartbeat(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND state = ?", id, core.StateRunning).
		Update("heartbeat", time.Now().UTC()).Error
}

// ReapNext fails one running job whose heartbeat predates the cutoff.
func (s *GormStorage) ReapNext(ctx context.Context, cutoff time.Time) (*core.Job, error) {
	var candidates []core.Job
	err := s.db.WithContext(ctx).
		Where("state = ?", core.StateRunning).
		Where("heartbeat < ?", cutoff).
		Order("heartbeat ASC").
		Limit(claimWindow).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	for i := range candidates {
		job, err := s.CompareAndTransition(ctx, candidates[i].ID, core.StateRunning, core.StateFailed,
			core.JobUpdate{FailureReason: core.ReasonHeartbeatTimeout})
		if errors.Is(err, core.ErrStateConflict) || errors.Is(err, core.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return job, nil
	}
	return nil, nil
}

// HasRetry reports whether a newer attempt references this job.
func (s *GormStorage) HasRetry(ctx context.Context, id string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("previous_job_id = ?", id).
		Count(&count).Error
	return count > 0, err
}

// ListJobs returns jobs matching the filter, most recently modified first.
func (s *GormStorage) ListJobs(ctx context.Context, filter core.JobFilter) ([]*core.Job, error) {
	query := s.db.WithContext(ctx).Model(&core.Job{}).Order("modified DESC")

	if len(filter.States) > 0 {
		query = query.Where("state IN ?", filter.States)
	}
	if filter.BatchID != "" {
		query = query.Where("batch_id = ?", filter.BatchID)
	}
	if len(filter.Tags) > 0 {
		clause := s.db.Where("1 = 0")
		for _, tag := range filter.Tags {
			clause = clause.Or("tags LIKE ?", fmt.Sprintf(`%%"%s"%%`, tag))
		}
		query = query.Where(clause)
	}
	if len(filter.Containers) > 0 {
		clause := s.db.Where("1 = 0")
		for _, ref := range filter.Containers {
			clause = clause.Or("destination_type = ? AND destination_id = ?", ref.Type, ref.ID)
			// Inputs are a JSON map of FileRefs; field order is fixed by the
			// struct, so a substring match narrows candidates cheaply.
			clause = clause.Or("inputs LIKE ?", fmt.Sprintf(`%%"type":"%s","id":"%s"%%`, ref.Type, ref.ID))
		}
		query = query.Where(clause)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var rows []*core.Job
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return verifyFilter(rows, filter), nil
}

// verifyFilter re-checks the SQL LIKE approximations precisely in Go.
func verifyFilter(rows []*core.Job, filter core.JobFilter) []*core.Job {
	if len(filter.Tags) == 0 && len(filter.Containers) == 0 {
		return rows
	}
	out := rows[:0]
	for _, job := range rows {
		if !job.MatchesAnyTag(filter.Tags) {
			continue
		}
		if len(filter.Containers) > 0 {
			mentioned := false
			for _, ref := range filter.Containers {
				if job.MentionsContainer(ref) {
					mentioned = true
					break
				}
			}
			if !mentioned {
				continue
			}
		}
		out = append(out, job)
	}
	return out
}

// JobStats aggregates queue statistics.
func (s *GormStorage) JobStats(ctx context.Context, maxAttempts int) (*core.QueueStats, error) {
	stats := &core.QueueStats{
		ByState: map[core.JobState]int64{
			core.StatePending:  0,
			core.StateRunning:  0,
			core.StateFailed:   0,
			core.StateComplete: 0,
		},
	}

	type stateRow struct {
		State core.JobState
		Count int64
	}
	var states []stateRow
	err := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Select("state, count(*) as count").
		Group("state").
		Find(&states).Error
	if err != nil {
		return nil, err
	}
	for _, row := range states {
		stats.ByState[row.State] = row.Count
	}

	type tagRow struct {
		Tags  string
		Count int64
	}
	var tagRows []tagRow
	err = s.db.WithContext(ctx).
		Model(&core.Job{}).
		Select("tags, count(*) as count").
		Group("tags").
		Find(&tagRows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range tagRows {
		var tags []string
		if row.Tags != "" {
			if err := json.Unmarshal([]byte(row.Tags), &tags); err != nil {
				return nil, fmt.Errorf("decode tag grouping: %w", err)
			}
		}
		stats.ByTag = append(stats.ByTag, core.TagCount{Tags: tags, Count: row.Count})
	}
	sort.Slice(stats.ByTag, func(i, j int) bool { return stats.ByTag[i].Count > stats.ByTag[j].Count })

	err = s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("state = ? AND attempt >= ?", core.StateFailed, maxAttempts).
		Count(&stats.Permafailed).Error
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// DispatchBatch makes every pending member of a batch claimable.
func (s *GormStorage) DispatchBatch(ctx context.Context, batchID string) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("batch_id = ? AND state = ? AND dispatched = ?", batchID, core.StatePending, false).
		Updates(map[string]any{
			"dispatched": true,
			"modified":   time.Now().UTC(),
		})
	return result.RowsAffected, result.Error
}

// CreateGear registers a gear manifest; duplicates are rejected.
func (s *GormStorage) CreateGear(ctx context.Context, gear *core.Gear) error {
	if gear.ID == "" {
		gear.ID = uuid.New().String()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		err := tx.Model(&core.Gear{}).
			Where("name = ? AND version = ?", gear.Name, gear.Version).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			return core.ErrGearExists
		}
		return tx.Create(gear).Error
	})
}

// GetGear returns a gear by name and version, or the newest version for
// core.VersionLatest.
func (s *GormStorage) GetGear(ctx context.Context, name, version string) (*core.Gear, error) {
	query := s.db.WithContext(ctx).Where("name = ?", name)
	if version == core.VersionLatest {
		query = query.Order("created DESC")
	} else {
		query = query.Where("version = ?", version)
	}
	var gear core.Gear
	err := query.First(&gear).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrGearNotFound
	}
	if err != nil {
		return nil, err
	}
	return &gear, nil
}

// ListGears returns all registered gears, newest first.
func (s *GormStorage) ListGears(ctx context.Context) ([]*core.Gear, error) {
	var gears []*core.Gear
	err := s.db.WithContext(ctx).Order("created DESC").Find(&gears).Error
	return gears, err
}

// CreateBatch persists a batch record.
func (s *GormStorage) CreateBatch(ctx context.Context, batch *core.Batch) error {
	if batch.ID == "" {
		batch.ID = uuid.New().String()
	}
	return s.db.WithContext(ctx).Create(batch).Error
}

// GetBatch returns a batch by id.
func (s *GormStorage) GetBatch(ctx context.Context, id string) (*core.Batch, error) {
	var batch core.Batch
	err := s.db.WithContext(ctx).First(&batch, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrBatchNotFound
	}
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

// BatchJobs returns every job carrying the batch id in one query.
func (s *GormStorage) BatchJobs(ctx context.Context, batchID string) ([]*core.Job, error) {
	var jobs []*core.Job
	err := s.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("created ASC").
		Find(&jobs).Error
	return jobs, err
}

// ReplaceCredential swaps the credential bound to a job.
func (s *GormStorage) ReplaceCredential(ctx context.Context, cred *core.JobCredential) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("job_id = ?", cred.JobID).Delete(&core.JobCredential{}).Error
		if err != nil {
			return err
		}
		return tx.Create(cred).Error
	})
}

// GetCredential returns a credential by key.
func (s *GormStorage) GetCredential(ctx context.Context, key string) (*core.JobCredential, error) {
	var cred core.JobCredential
	err := s.db.WithContext(ctx).First(&cred, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

// DeleteCredentialForJob removes the credential bound to a job.
func (s *GormStorage) DeleteCredentialForJob(ctx context.Context, jobID string) error {
	return s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Delete(&core.JobCredential{}).Error
}
