package jobstatus

import (
	"math"
	"time"
)

// Status represents job processing status recorded in the database.
// Valid values: queued, executing, finished, failed, retrying.
// Kept as string for readability in SQL.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusExecuting Status = "executing"
	StatusFinished  Status = "finished"
	StatusFailed    Status = "failed"
	StatusRetrying  Status = "retrying"
)

// AllStatuses returns every status a record may hold.
func AllStatuses() []Status {
	return []Status{StatusQueued, StatusExecuting, StatusFinished, StatusFailed, StatusRetrying}
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusExecuting, StatusFinished, StatusFailed, StatusRetrying:
		return true
	}
	return false
}

// HasEnded reports whether s is terminal.
func (s Status) HasEnded() bool { return s == StatusFinished || s == StatusFailed }

func (s Status) IsFinished() bool  { return s == StatusFinished }
func (s Status) IsFailed() bool    { return s == StatusFailed }
func (s Status) IsExecuting() bool { return s == StatusExecuting }
func (s Status) IsQueued() bool    { return s == StatusQueued }
func (s Status) IsRetrying() bool  { return s == StatusRetrying }

// StatusRecord is the persisted representation of one job execution.
type StatusRecord struct {
	ID            int64          `json:"id"`
	ExternalJobID *string        `json:"job_id,omitempty"` // asynq task ID
	UniqueID      *string        `json:"unique_id,omitempty"`
	BatchID       *string        `json:"batch_id,omitempty"`
	ChainID       *string        `json:"chain_id,omitempty"`
	Type          string         `json:"type"`
	QueueName     *string        `json:"queue,omitempty"`
	Attempts      int            `json:"attempts"`
	ProgressNow   int            `json:"progress_now"`
	ProgressMax   int            `json:"progress_max"`
	TotalJobs     *int           `json:"total_jobs,omitempty"`
	CurrentStep   *int           `json:"current_step,omitempty"`
	Status        Status         `json:"status"`
	StatusMessage *string        `json:"status_message,omitempty"`
	// Input and Output are stored as JSON, so numbers read back from a
	// store are float64 whatever type was submitted.
	Input         map[string]any `json:"input,omitempty"`
	Output        map[string]any `json:"output,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
}

// ProgressPercentage is ProgressNow/ProgressMax*100 rounded to two decimals,
// or 0 when no maximum is set.
func (r *StatusRecord) ProgressPercentage() float64 {
	if r.ProgressMax == 0 {
		return 0
	}
	pct := 100 * float64(r.ProgressNow) / float64(r.ProgressMax)
	return math.Round(pct*100) / 100
}

func (r *StatusRecord) IsEnded() bool     { return r.Status.HasEnded() }
func (r *StatusRecord) IsFinished() bool  { return r.Status.IsFinished() }
func (r *StatusRecord) IsFailed() bool    { return r.Status.IsFailed() }
func (r *StatusRecord) IsExecuting() bool { return r.Status.IsExecuting() }
func (r *StatusRecord) IsQueued() bool    { return r.Status.IsQueued() }
func (r *StatusRecord) IsRetrying() bool  { return r.Status.IsRetrying() }
func (r *StatusRecord) IsBatch() bool     { return r.BatchID != nil }
func (r *StatusRecord) IsChain() bool     { return r.ChainID != nil }

// Clone returns a deep copy of r.
func (r *StatusRecord) Clone() *StatusRecord {
	if r == nil {
		return nil
	}
	cp := *r
	cp.ExternalJobID = clonePtr(r.ExternalJobID)
	cp.UniqueID = clonePtr(r.UniqueID)
	cp.BatchID = clonePtr(r.BatchID)
	cp.ChainID = clonePtr(r.ChainID)
	cp.QueueName = clonePtr(r.QueueName)
	cp.TotalJobs = clonePtr(r.TotalJobs)
	cp.CurrentStep = clonePtr(r.CurrentStep)
	cp.StatusMessage = clonePtr(r.StatusMessage)
	cp.StartedAt = clonePtr(r.StartedAt)
	cp.FinishedAt = clonePtr(r.FinishedAt)
	cp.Input = cloneMap(r.Input)
	cp.Output = cloneMap(r.Output)
	return &cp
}

// HistoryEntry is an immutable audit record of one status or message change.
type HistoryEntry struct {
	ID            int64          `json:"id"`
	JobStatusID   int64          `json:"job_status_id"`
	Status        Status         `json:"status"`
	StatusMessage *string        `json:"status_message,omitempty"`
	ProgressNow   int            `json:"progress_now"`
	ProgressMax   int            `json:"progress_max"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Ptr returns a pointer to v. Handy for building Fields literals.
func Ptr[T any](v T) *T { return &v }

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
