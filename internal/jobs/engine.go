package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"hindsight/internal/model"
)

// JobStore is the persistence slice the engine and runner use.
type JobStore interface {
	InsertJob(ctx context.Context, j *model.Job) (*model.Job, error)
	GetJob(ctx context.Context, id uuid.UUID) (*model.Job, error)
	ClaimNextJob(ctx context.Context, queues []string) (*model.Job, error)
	CompleteJob(ctx context.Context, id uuid.UUID) error
	RetryJob(ctx context.Context, id uuid.UUID, lastError string, backoff time.Duration) (model.JobState, error)
	CancelJob(ctx context.Context, id uuid.UUID) (*model.Job, error)
	SetJobProgress(ctx context.Context, id uuid.UUID, progress int) (bool, error)
	MarkJobDead(ctx context.Context, j *model.Job, reasonCategory, lastError string) error
	InsertJobDeadLetter(ctx context.Context, jobID uuid.UUID, reasonCategory, lastError string, attempts int) error
	StuckJobs(ctx context.Context, hardTimeout time.Duration) ([]*model.Job, error)
	ReleaseJob(ctx context.Context, id uuid.UUID, note string) error
	QueueDepths(ctx context.Context) (map[string]int64, error)
	PurgeTerminal(ctx context.Context, jobAge, intentAge, deadLetterAge time.Duration) (int64, error)
}

// ErrQueueFull is returned when a queue's pending depth has reached its
// configured capacity.
var ErrQueueFull = errors.New("queue full")

// Engine is the enqueue/inspect/cancel surface over the jobs table.
type Engine struct {
	store       JobStore
	maxAttempts int
	capacities  map[string]int
}

// NewEngine builds the job engine. defaultMaxAttempts applies to jobs that
// do not set their own budget; capacities bound pending depth per queue
// (zero or absent means unbounded).
func NewEngine(store JobStore, defaultMaxAttempts int, capacities map[string]int) *Engine {
	if defaultMaxAttempts <= 0 {
		defaultMaxAttempts = 3
	}
	return &Engine{store: store, maxAttempts: defaultMaxAttempts, capacities: capacities}
}

// Enqueue inserts a job of the given type, routed to its home queue with
// the queue's default priority. parentID records the spawning job for
// fanout lineage. A queue at capacity rejects the job with ErrQueueFull.
func (e *Engine) Enqueue(ctx context.Context, jobType string, payload any, projectID, sessionID, parentID *uuid.UUID) (*model.Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode job payload: %w", err)
	}
	queue, priority := QueueFor(jobType)
	if capacity := e.capacities[queue]; capacity > 0 {
		depths, err := e.store.QueueDepths(ctx)
		if err != nil {
			return nil, err
		}
		if depths[queue] >= int64(capacity) {
			return nil, fmt.Errorf("%w: %s at %d", ErrQueueFull, queue, capacity)
		}
	}
	return e.store.InsertJob(ctx, &model.Job{
		Queue:       queue,
		Type:        jobType,
		Priority:    priority,
		Payload:     body,
		MaxAttempts: e.maxAttempts,
		ProjectID:   projectID,
		SessionID:   sessionID,
		ParentID:    parentID,
	})
}

// Get fetches one job.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	return e.store.GetJob(ctx, id)
}

// Cancel cancels a pending or running job. Running handlers observe the
// cancellation at their next progress report.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	return e.store.CancelJob(ctx, id)
}

// Depths reports pending counts per queue.
func (e *Engine) Depths(ctx context.Context) (map[string]int64, error) {
	return e.store.QueueDepths(ctx)
}
