package server

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cwbudde/meansquares/internal/store"
	"github.com/google/uuid"
)

// JobState represents the current state of a job
type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// JobConfig is shared with the checkpoint store.
type JobConfig = store.JobConfig

// Job is one registration run.
type Job struct {
	ID           string     `json:"id"`
	State        JobState   `json:"state"`
	Config       JobConfig  `json:"config"`
	Dimension    int        `json:"dimension,omitempty"`
	BestParams   []float64  `json:"bestParams,omitempty"`
	BestValue    float64    `json:"bestValue"`
	InitialValue float64    `json:"initialValue"`
	Iteration    int        `json:"iteration"`
	GradientNorm float64    `json:"gradientNorm,omitempty"`
	Converged    bool       `json:"converged,omitempty"`
	StartTime    time.Time  `json:"startTime"`
	EndTime      *time.Time `json:"endTime,omitempty"`
	Error        string     `json:"error,omitempty"`

	// InitialParams seeds a resumed job
	InitialParams []float64 `json:"initialParams,omitempty"`

	cancel context.CancelFunc
}

// Elapsed returns the run time so far, or the total once finished.
func (j *Job) Elapsed() time.Duration {
	if j.EndTime != nil {
		return j.EndTime.Sub(j.StartTime)
	}
	return time.Since(j.StartTime)
}

func (j *Job) snapshot() *Job {
	c := *j
	c.BestParams = slices.Clone(j.BestParams)
	c.InitialParams = slices.Clone(j.InitialParams)
	c.cancel = nil
	return &c
}

// JobManager tracks jobs in memory. Getters return copies, so callers never
// race with the worker updating a job.
type JobManager struct {
	mu          sync.RWMutex
	jobs        map[string]*Job
	broadcaster *EventBroadcaster
}

func NewJobManager() *JobManager {
	return &JobManager{
		jobs:        make(map[string]*Job),
		broadcaster: NewEventBroadcaster(),
	}
}

// CreateJob registers a pending job with a fresh ID.
func (jm *JobManager) CreateJob(config JobConfig) *Job {
	return jm.createJob(uuid.New().String(), config, nil)
}

// CreateResumedJob registers a pending job that continues a checkpoint. It
// keeps the checkpoint's ID so new checkpoints replace the old one.
func (jm *JobManager) CreateResumedJob(cp *store.Checkpoint) (*Job, error) {
	jm.mu.RLock()
	existing, ok := jm.jobs[cp.JobID]
	jm.mu.RUnlock()
	if ok && (existing.State == StateRunning || existing.State == StatePending) {
		return nil, fmt.Errorf("job %s is still active", cp.JobID)
	}

	jm.broadcaster.CleanupJob(cp.JobID)
	job := jm.createJob(cp.JobID, cp.Config, cp.BestParams)
	jm.UpdateJob(job.ID, func(j *Job) {
		j.Iteration = cp.Iteration
		j.BestValue = cp.BestValue
		j.InitialValue = cp.InitialValue
		j.BestParams = slices.Clone(cp.BestParams)
		j.Dimension = cp.Dimension
	})
	job, _ = jm.GetJob(job.ID)
	return job, nil
}

func (jm *JobManager) createJob(id string, config JobConfig, initial []float64) *Job {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job := &Job{
		ID:            id,
		State:         StatePending,
		Config:        config,
		StartTime:     time.Now(),
		InitialParams: slices.Clone(initial),
	}
	jm.jobs[job.ID] = job
	return job.snapshot()
}

// GetJob returns a copy of the job.
func (jm *JobManager) GetJob(id string) (*Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, ok := jm.jobs[id]
	if !ok {
		return nil, false
	}
	return job.snapshot(), true
}

// ListJobs returns copies of all jobs, oldest first.
func (jm *JobManager) ListJobs() []*Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	jobs := make([]*Job, 0, len(jm.jobs))
	for _, job := range jm.jobs {
		jobs = append(jobs, job.snapshot())
	}
	slices.SortFunc(jobs, func(a, b *Job) int {
		return a.StartTime.Compare(b.StartTime)
	})
	return jobs
}

// UpdateJob atomically updates a job using the provided function
func (jm *JobManager) UpdateJob(id string, updateFn func(*Job)) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[id]
	if !ok {
		return fmt.Errorf("job not found: %s", id)
	}
	updateFn(job)
	return nil
}

// GetRunningJobs returns copies of the jobs currently running.
func (jm *JobManager) GetRunningJobs() []*Job {
	var running []*Job
	for _, job := range jm.ListJobs() {
		if job.State == StateRunning {
			running = append(running, job)
		}
	}
	return running
}

func (jm *JobManager) setCancel(id string, cancel context.CancelFunc) {
	jm.UpdateJob(id, func(j *Job) { j.cancel = cancel })
}

// CancelJob stops a pending or running job.
func (jm *JobManager) CancelJob(id string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[id]
	if !ok {
		return fmt.Errorf("job not found: %s", id)
	}
	if job.State != StateRunning && job.State != StatePending {
		return fmt.Errorf("job %s is %s", id, job.State)
	}
	if job.cancel != nil {
		job.cancel()
	}
	return nil
}
