package model

import (
	"time"

	"github.com/google/uuid"
)

// JobState is the closed lifecycle set for background jobs.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
	JobDead      JobState = "dead"
)

// IsTerminal reports whether the state admits no further transitions.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled, JobDead:
		return true
	}
	return false
}

// Job types handled by the worker runner.
const (
	JobTypeScrapeProject     = "scrape_project"
	JobTypeExtractBatch      = "extract_batch"
	JobTypeBulkOverride      = "bulk_override"
	JobTypeConsistencyRepair = "consistency_repair"
	JobTypeRetentionCleanup  = "retention_cleanup"
)

// Job is one queued unit of background work. Jobs are claimed by queue in
// strict priority order, FIFO within a priority.
type Job struct {
	ID          uuid.UUID
	Queue       string
	Type        string
	Priority    int
	State       JobState
	Payload     []byte
	Progress    int
	Attempts    int
	MaxAttempts int
	LastError   string
	ProjectID   *uuid.UUID
	SessionID   *uuid.UUID
	ParentID    *uuid.UUID
	ScheduledAt time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CDCCheckpoint is the per-table low-water mark of the change-data-capture
// bridge. Rows updated after LastSyncedAt minus the grace window are
// re-examined on the next sweep.
type CDCCheckpoint struct {
	TableName    string
	LastSyncedAt time.Time
	UpdatedAt    time.Time
}
