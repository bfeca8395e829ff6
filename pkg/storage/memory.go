package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mlattimore/gearqueue/pkg/core"
)

// MemoryStorage implements core.Storage with a single mutex. Every claim and
// transition happens under the lock, which gives the same indivisibility the
// SQL backend gets from conditional updates. Intended for tests and for
// embedding the engine without a database.
type MemoryStorage struct {
	mu      sync.Mutex
	jobs    map[string]*core.Job
	gears   []*core.Gear
	batches map[string]*core.Batch
	creds   map[string]*core.JobCredential // by key
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		jobs:    make(map[string]*core.Job),
		batches: make(map[string]*core.Batch),
		creds:   make(map[string]*core.JobCredential),
	}
}

// Migrate is a no-op for the in-memory backend.
func (s *MemoryStorage) Migrate(ctx context.Context) error {
	return nil
}

func (s *MemoryStorage) CreateJob(ctx context.Context, job *core.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertJobLocked(job)
	return nil
}

func (s *MemoryStorage) CreateJobs(ctx context.Context, jobs []*core.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range jobs {
		s.insertJobLocked(job)
	}
	return nil
}

func (s *MemoryStorage) insertJobLocked(job *core.Job) {
	prepareJob(job)
	if job.Created.IsZero() {
		job.Created = time.Now().UTC()
	}
	clone := *job
	s.jobs[job.ID] = &clone
}

func (s *MemoryStorage) GetJob(ctx context.Context, id string) (*core.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, core.ErrJobNotFound
	}
	clone := *job
	return &clone, nil
}

func (s *MemoryStorage) ClaimNext(ctx context.Context, tags []string) (*core.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var flagged, fifo []*core.Job
	for _, job := range s.jobs {
		if job.State != core.StatePending || !job.Dispatched {
			continue
		}
		if !job.MatchesAnyTag(tags) {
			continue
		}
		if job.Now {
			flagged = append(flagged, job)
		} else {
			fifo = append(fifo, job)
		}
	}
	sort.Slice(flagged, func(i, j int) bool { return flagged[i].Modified.After(flagged[j].Modified) })
	sort.Slice(fifo, func(i, j int) bool { return fifo[i].Modified.Before(fifo[j].Modified) })

	for _, job := range append(flagged, fifo...) {
		now := time.Now().UTC()
		job.State = core.StateRunning
		job.Modified = now
		job.Heartbeat = &now
		clone := *job
		return &clone, nil
	}

	if len(tags) > 0 && !s.anyTagKnownLocked(tags) {
		return nil, core.ErrUnknownTag
	}
	return nil, nil
}

func (s *MemoryStorage) anyTagKnownLocked(tags []string) bool {
	for _, job := range s.jobs {
		for _, t := range tags {
			if job.HasTag(t) {
				return true
			}
		}
	}
	return false
}

func (s *MemoryStorage) CompareAndTransition(ctx context.Context, id string, from, to core.JobState, update core.JobUpdate) (*core.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, core.ErrJobNotFound
	}
	if job.State != from {
		return nil, core.ErrStateConflict
	}

	now := time.Now().UTC()
	job.State = to
	job.Modified = now
	if to == core.StateRunning {
		job.Heartbeat = &now
	}
	if update.FailureReason != "" {
		job.FailureReason = update.FailureReason
	}
	if update.Outputs != nil {
		job.Outputs = update.Outputs
	}
	clone := *job
	return &clone, nil
}

func (s *MemoryStorage) Heartbeat(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.State != core.StateRunning {
		return nil
	}
	now := time.Now().UTC()
	job.Heartbeat = &now
	return nil
}

func (s *MemoryStorage) ReapNext(ctx context.Context, cutoff time.Time) (*core.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range s.jobs {
		if job.State != core.StateRunning || job.Heartbeat == nil || !job.Heartbeat.Before(cutoff) {
			continue
		}
		job.State = core.StateFailed
		job.FailureReason = core.ReasonHeartbeatTimeout
		job.Modified = time.Now().UTC()
		clone := *job
		return &clone, nil
	}
	return nil, nil
}

func (s *MemoryStorage) HasRetry(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.PreviousJobID != nil && *job.PreviousJobID == id {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStorage) ListJobs(ctx context.Context, filter core.JobFilter) ([]*core.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*core.Job
	for _, job := range s.jobs {
		if len(filter.States) > 0 && !containsState(filter.States, job.State) {
			continue
		}
		if filter.BatchID != "" && (job.BatchID == nil || *job.BatchID != filter.BatchID) {
			continue
		}
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
		clone := *job
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Modified.After(out[j].Modified) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func containsState(states []core.JobState, state core.JobState) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}

func (s *MemoryStorage) JobStats(ctx context.Context, maxAttempts int) (*core.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &core.QueueStats{
		ByState: map[core.JobState]int64{
			core.StatePending:  0,
			core.StateRunning:  0,
			core.StateFailed:   0,
			core.StateComplete: 0,
		},
	}
	byTag := make(map[string]*core.TagCount)
	for _, job := range s.jobs {
		stats.ByState[job.State]++
		key := tagKey(job.Tags)
		if tc, ok := byTag[key]; ok {
			tc.Count++
		} else {
			tags := append([]string(nil), job.Tags...)
			byTag[key] = &core.TagCount{Tags: tags, Count: 1}
		}
		if job.State == core.StateFailed && job.Attempt >= maxAttempts {
			stats.Permafailed++
		}
	}
	for _, tc := range byTag {
		stats.ByTag = append(stats.ByTag, *tc)
	}
	sort.Slice(stats.ByTag, func(i, j int) bool { return stats.ByTag[i].Count > stats.ByTag[j].Count })
	return stats, nil
}

func tagKey(tags []string) string {
	sorted := append([]string(nil), tags...)
	sort.Strings(sorted)
	key := ""
	for _, t := range sorted {
		key += t + "\x00"
	}
	return key
}

func (s *MemoryStorage) DispatchBatch(ctx context.Context, batchID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var flipped int64
	now := time.Now().UTC()
	for _, job := range s.jobs {
		if job.BatchID == nil || *job.BatchID != batchID {
			continue
		}
		if job.State != core.StatePending || job.Dispatched {
			continue
		}
		job.Dispatched = true
		job.Modified = now
		flipped++
	}
	return flipped, nil
}

func (s *MemoryStorage) CreateGear(ctx context.Context, gear *core.Gear) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.gears {
		if existing.Name == gear.Name && existing.Version == gear.Version {
			return core.ErrGearExists
		}
	}
	if gear.ID == "" {
		gear.ID = uuid.New().String()
	}
	if gear.Created.IsZero() {
		gear.Created = time.Now().UTC()
	}
	clone := *gear
	s.gears = append(s.gears, &clone)
	return nil
}

func (s *MemoryStorage) GetGear(ctx context.Context, name, version string) (*core.Gear, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *core.Gear
	for _, gear := range s.gears {
		if gear.Name != name {
			continue
		}
		if version == core.VersionLatest {
			if latest == nil || gear.Created.After(latest.Created) {
				latest = gear
			}
			continue
		}
		if gear.Version == version {
			clone := *gear
			return &clone, nil
		}
	}
	if latest != nil {
		clone := *latest
		return &clone, nil
	}
	return nil, core.ErrGearNotFound
}

func (s *MemoryStorage) ListGears(ctx context.Context) ([]*core.Gear, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*core.Gear, 0, len(s.gears))
	for _, gear := range s.gears {
		clone := *gear
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.After(out[j].Created) })
	return out, nil
}

func (s *MemoryStorage) CreateBatch(ctx context.Context, batch *core.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if batch.ID == "" {
		batch.ID = uuid.New().String()
	}
	if batch.Created.IsZero() {
		batch.Created = time.Now().UTC()
	}
	clone := *batch
	s.batches[batch.ID] = &clone
	return nil
}

func (s *MemoryStorage) GetBatch(ctx context.Context, id string) (*core.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batches[id]
	if !ok {
		return nil, core.ErrBatchNotFound
	}
	clone := *batch
	return &clone, nil
}

func (s *MemoryStorage) BatchJobs(ctx context.Context, batchID string) ([]*core.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*core.Job
	for _, job := range s.jobs {
		if job.BatchID != nil && *job.BatchID == batchID {
			clone := *job
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out, nil
}

func (s *MemoryStorage) ReplaceCredential(ctx context.Context, cred *core.JobCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, existing := range s.creds {
		if existing.JobID == cred.JobID {
			delete(s.creds, key)
		}
	}
	if cred.Created.IsZero() {
		cred.Created = time.Now().UTC()
	}
	clone := *cred
	s.creds[cred.Key] = &clone
	return nil
}

func (s *MemoryStorage) GetCredential(ctx context.Context, key string) (*core.JobCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.creds[key]
	if !ok {
		return nil, nil
	}
	clone := *cred
	return &clone, nil
}

func (s *MemoryStorage) DeleteCredentialForJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, cred := range s.creds {
		if cred.JobID == jobID {
			delete(s.creds, key)
		}
	}
	return nil
}
