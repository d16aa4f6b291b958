package mcp

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
)

// JobStatus represents the current state of a background job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Job represents a background cycle step run
type Job struct {
	ID           string                      `json:"id"`
	Step         string                      `json:"step"`
	Status       JobStatus                   `json:"status"`
	StartedAt    time.Time                   `json:"started_at"`
	CompletedAt  time.Time                   `json:"completed_at,omitempty"`
	Counters     map[string]map[string]int64 `json:"counters,omitempty"`
	Segments     []string                    `json:"segments,omitempty"`
	ErrorMessage string                      `json:"error_message,omitempty"`
	Force        bool                        `json:"force"`

	// Internal fields
	ctx    context.Context
	cancel context.CancelFunc
}

func (j *Job) active() bool {
	return j.Status == JobStatusPending || j.Status == JobStatusRunning
}

// JobManager manages background jobs, at most one active job per step
type JobManager struct {
	jobs   map[string]*Job
	mu     sync.RWMutex
	bystep map[string]string // step -> jobID for active jobs
	clk    clock.Clock
}

// NewJobManager creates a new job manager. clk may be nil for the wall clock.
func NewJobManager(clk clock.Clock) *JobManager {
	if clk == nil {
		clk = clock.WallClock
	}
	return &JobManager{
		jobs:   make(map[string]*Job),
		bystep: make(map[string]string),
		clk:    clk,
	}
}

// CreateJob creates a new job for a step. When one is already active for
// the step it is returned instead.
func (m *JobManager) CreateJob(step string, force bool) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existingJobID, exists := m.bystep[step]; exists {
		existingJob := m.jobs[existingJobID]
		if existingJob != nil && existingJob.active() {
			return existingJob, nil
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		ID:        uuid.New().String(),
		Step:      step,
		Status:    JobStatusPending,
		StartedAt: m.clk.Now(),
		Force:     force,
		ctx:       ctx,
		cancel:    cancel,
	}

	m.jobs[job.ID] = job
	m.bystep[step] = job.ID

	return job, nil
}

// GetJob returns a snapshot of a job by ID, or nil
func (m *JobManager) GetJob(jobID string) *Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if job, ok := m.jobs[jobID]; ok {
		cp := *job
		return &cp
	}
	return nil
}

// GetJobByStep returns the active job for a step, or nil
func (m *JobManager) GetJobByStep(step string) *Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if jobID, exists := m.bystep[step]; exists {
		if job := m.jobs[jobID]; job != nil {
			cp := *job
			return &cp
		}
	}
	return nil
}

// IsRunning checks if a job is currently active for a step
func (m *JobManager) IsRunning(step string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if jobID, exists := m.bystep[step]; exists {
		job := m.jobs[jobID]
		return job != nil && job.active()
	}
	return false
}

// UpdateStatus updates the status of a job. A cancelled job keeps its status.
func (m *JobManager) UpdateStatus(jobID string, status JobStatus, errorMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, exists := m.jobs[jobID]
	if !exists || job.Status == JobStatusCancelled {
		return
	}
	job.Status = status
	if !job.active() {
		job.CompletedAt = m.clk.Now()
		delete(m.bystep, job.Step)
		job.cancel()
	}
	if errorMsg != "" {
		job.ErrorMessage = errorMsg
	}
}

// SetResult records counters and segments produced by a job
func (m *JobManager) SetResult(jobID string, counters map[string]map[string]int64, segments []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job, exists := m.jobs[jobID]; exists {
		job.Counters = counters
		job.Segments = segments
	}
}

// CancelJob cancels an active job
func (m *JobManager) CancelJob(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job, exists := m.jobs[jobID]; exists && job.active() {
		job.cancel()
		job.Status = JobStatusCancelled
		job.CompletedAt = m.clk.Now()
		delete(m.bystep, job.Step)
		return true
	}
	return false
}

// CancelAll cancels all active jobs
func (m *JobManager) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, job := range m.jobs {
		if job.active() {
			job.cancel()
			job.Status = JobStatusCancelled
			job.CompletedAt = m.clk.Now()
		}
	}
	m.bystep = make(map[string]string)
}

// ListJobs returns snapshots of all jobs
func (m *JobManager) ListJobs() []*Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		cp := *job
		jobs = append(jobs, &cp)
	}
	return jobs
}

// GetContext returns the context a job runs under
func (m *JobManager) GetContext(jobID string) context.Context {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if job, exists := m.jobs[jobID]; exists {
		return job.ctx
	}
	return context.Background()
}
