package kbsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mskwealth/sage/internal/rag"
)

var (
	// ErrAlreadyRunning rejects a second concurrent ingestion for the same
	// data source.
	ErrAlreadyRunning = errors.New("sync already running for data source")
	// ErrUnknownJob means the job id was never started by this manager.
	ErrUnknownJob = errors.New("unknown sync job")
)

// ReasonSyncTimeout prefixes the error recorded when the manager itself
// fails a job that outlived the maximum duration.
const ReasonSyncTimeout = "SyncTimeout"

// Trigger is the external ingestion service as the manager needs it.
type Trigger interface {
	StartIngestion(ctx context.Context, dataSourceID string) (jobID string, status rag.SyncStatus, err error)
	GetIngestion(ctx context.Context, jobID string) (status rag.SyncStatus, reason string, err error)
}

// Publisher emits sync lifecycle events for UI feedback.
type Publisher interface {
	Publish(subject string, data any) error
}

// JobStore mirrors job state into the compliance archive.
type JobStore interface {
	UpsertSyncJob(ctx context.Context, job rag.SyncJob) error
}

// Manager owns the lifecycle of sync jobs. Status transitions are monotonic:
// once a job is COMPLETE or FAILED no poll can move it back. The manager
// enforces its own maximum duration — a job the external service reports as
// IN_PROGRESS forever is failed locally with a SyncTimeout reason.
type Manager struct {
	trigger     Trigger
	maxDuration time.Duration
	events      Publisher
	store       JobStore
	logger      *slog.Logger
	now         func() time.Time

	mu     sync.Mutex
	jobs   map[string]*rag.SyncJob // by job id
	active map[string]string       // data source id -> non-terminal job id
}

func NewManager(trigger Trigger, maxDuration time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		trigger:     trigger,
		maxDuration: maxDuration,
		logger:      logger,
		now:         time.Now,
		jobs:        make(map[string]*rag.SyncJob),
		active:      make(map[string]string),
	}
}

// SetEvents attaches the optional event bus.
func (m *Manager) SetEvents(p Publisher) { m.events = p }

// SetStore attaches the optional Postgres mirror for job state.
func (m *Manager) SetStore(s JobStore) { m.store = s }

func (m *Manager) persist(ctx context.Context, job rag.SyncJob) {
	if m.store == nil {
		return
	}
	if err := m.store.UpsertSyncJob(ctx, job); err != nil {
		m.logger.Error("failed to persist sync job", "job_id", job.JobID, "error", err)
	}
}

// StartSync begins re-indexing a data source. It is rejected with
// ErrAlreadyRunning while an earlier job for the same source has not
// reached a terminal state.
func (m *Manager) StartSync(ctx context.Context, dataSourceID string) (rag.SyncJob, error) {
	m.mu.Lock()
	if jobID, ok := m.active[dataSourceID]; ok {
		// An empty job id is a reservation for a start still in flight.
		if jobID == "" {
			m.mu.Unlock()
			return rag.SyncJob{}, fmt.Errorf("%w: start in flight", ErrAlreadyRunning)
		}
		if job := m.jobs[jobID]; job != nil && !job.Status.Terminal() {
			m.mu.Unlock()
			return rag.SyncJob{}, fmt.Errorf("%w: job %s", ErrAlreadyRunning, jobID)
		}
	}
	// Reserve the data source before the remote call so a concurrent
	// StartSync cannot slip in while the request is in flight.
	m.active[dataSourceID] = ""
	m.mu.Unlock()

	jobID, status, err := m.trigger.StartIngestion(ctx, dataSourceID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		delete(m.active, dataSourceID)
		return rag.SyncJob{}, fmt.Errorf("start sync: %w", err)
	}

	now := m.now().UTC()
	job := &rag.SyncJob{
		JobID:        jobID,
		DataSourceID: dataSourceID,
		Status:       status,
		StartedAt:    now,
		LastPolledAt: now,
	}
	m.jobs[jobID] = job
	m.active[dataSourceID] = jobID

	m.publish("sage.sync.started", job)
	m.persist(ctx, *job)
	m.logger.Info("sync started", "job_id", jobID, "data_source_id", dataSourceID, "status", status)
	return *job, nil
}

// Poll refreshes a job from the external service and returns its current
// state. Safe to call repeatedly; a terminal job is returned as-is without
// touching the service, and an observed status can never regress.
func (m *Manager) Poll(ctx context.Context, jobID string) (rag.SyncJob, error) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return rag.SyncJob{}, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	if job.Status.Terminal() {
		snapshot := *job
		m.mu.Unlock()
		return snapshot, nil
	}

	now := m.now().UTC()
	if now.Sub(job.StartedAt) > m.maxDuration {
		job.Status = rag.SyncFailed
		job.Error = fmt.Sprintf("%s: job did not reach a terminal state within %s", ReasonSyncTimeout, m.maxDuration)
		job.LastPolledAt = now
		snapshot := *job
		m.mu.Unlock()
		m.publish("sage.sync.failed", &snapshot)
		m.persist(ctx, snapshot)
		m.logger.Warn("sync timed out", "job_id", jobID, "max_duration", m.maxDuration)
		return snapshot, nil
	}
	m.mu.Unlock()

	status, reason, err := m.trigger.GetIngestion(ctx, jobID)

	m.mu.Lock()
	defer m.mu.Unlock()
	job.LastPolledAt = m.now().UTC()
	if err != nil {
		// Stale data is acceptable; an incorrect transition is not.
		snapshot := *job
		return snapshot, fmt.Errorf("poll sync %s: %w", jobID, err)
	}

	if job.Status.CanTransition(status) && job.Status != status {
		job.Status = status
		if status == rag.SyncFailed {
			if reason == "" {
				reason = "reported FAILED by ingestion service"
			}
			job.Error = reason
		}
		snapshot := *job
		switch status {
		case rag.SyncComplete:
			m.publish("sage.sync.completed", &snapshot)
		case rag.SyncFailed:
			m.publish("sage.sync.failed", &snapshot)
		}
		m.persist(ctx, snapshot)
		m.logger.Info("sync status changed", "job_id", jobID, "status", status)
	}
	return *job, nil
}

// Job returns the manager's current view of a job without touching the
// external service.
func (m *Manager) Job(jobID string) (rag.SyncJob, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return rag.SyncJob{}, false
	}
	return *job, true
}

// Running reports whether a non-terminal job exists for the data source.
// Read-only UI feedback; staleness is fine.
func (m *Manager) Running(dataSourceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobID, ok := m.active[dataSourceID]
	if !ok {
		return false
	}
	if jobID == "" {
		return true // start in flight
	}
	job := m.jobs[jobID]
	return job != nil && !job.Status.Terminal()
}

// Watch polls the job at the given interval until it reaches a terminal
// state or the context is cancelled. Polling is independent of the query
// path; callers typically run this in its own goroutine.
func (m *Manager) Watch(ctx context.Context, jobID string, every time.Duration) (rag.SyncJob, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return rag.SyncJob{}, ctx.Err()
		case <-ticker.C:
			job, err := m.Poll(ctx, jobID)
			if err != nil {
				if errors.Is(err, ErrUnknownJob) {
					return rag.SyncJob{}, err
				}
				m.logger.Warn("sync poll failed", "job_id", jobID, "error", err)
				continue
			}
			if job.Status.Terminal() {
				return job, nil
			}
		}
	}
}

func (m *Manager) publish(subject string, job *rag.SyncJob) {
	if m.events == nil {
		return
	}
	if err := m.events.Publish(subject, map[string]any{
		"job_id":         job.JobID,
		"data_source_id": job.DataSourceID,
		"status":         string(job.Status),
		"error":          job.Error,
	}); err != nil {
		m.logger.Warn("failed to publish sync event", "subject", subject, "error", err)
	}
}
