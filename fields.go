package jobstatus

import (
	"reflect"
	"time"
)

// Fields is a partial set of StatusRecord columns. Nil members are left
// untouched by an update. Type is honoured only when a record is created.
type Fields struct {
	ExternalJobID *string
	UniqueID      *string
	BatchID       *string
	ChainID       *string
	Type          *string
	QueueName     *string
	Attempts      *int
	ProgressNow   *int
	ProgressMax   *int
	TotalJobs     *int
	CurrentStep   *int
	Status        *Status
	StatusMessage *string
	Input         map[string]any
	Output        map[string]any
	StartedAt     *time.Time
	FinishedAt    *time.Time
}

// Column is one column assignment of a Fields value.
type Column struct {
	Name  string
	Value any
}

// Column names as stored in the job_statuses table.
const (
	ColExternalJobID = "job_id"
	ColUniqueID      = "unique_id"
	ColBatchID       = "batch_id"
	ColChainID       = "chain_id"
	ColType          = "type"
	ColQueueName     = "queue"
	ColAttempts      = "attempts"
	ColProgressNow   = "progress_now"
	ColProgressMax   = "progress_max"
	ColTotalJobs     = "total_jobs"
	ColCurrentStep   = "current_step"
	ColStatus        = "status"
	ColStatusMessage = "status_message"
	ColInput         = "input"
	ColOutput        = "output"
	ColStartedAt     = "started_at"
	ColFinishedAt    = "finished_at"
	ColUpdatedAt     = "updated_at"
)

// Columns returns the set members in table column order, dereferenced.
// Type is excluded; use it only on create.
func (f Fields) Columns() []Column {
	var cols []Column
	add := func(name string, set bool, v func() any) {
		if set {
			cols = append(cols, Column{Name: name, Value: v()})
		}
	}
	add(ColExternalJobID, f.ExternalJobID != nil, func() any { return *f.ExternalJobID })
	add(ColUniqueID, f.UniqueID != nil, func() any { return *f.UniqueID })
	add(ColBatchID, f.BatchID != nil, func() any { return *f.BatchID })
	add(ColChainID, f.ChainID != nil, func() any { return *f.ChainID })
	add(ColQueueName, f.QueueName != nil, func() any { return *f.QueueName })
	add(ColAttempts, f.Attempts != nil, func() any { return *f.Attempts })
	add(ColProgressNow, f.ProgressNow != nil, func() any { return *f.ProgressNow })
	add(ColProgressMax, f.ProgressMax != nil, func() any { return *f.ProgressMax })
	add(ColTotalJobs, f.TotalJobs != nil, func() any { return *f.TotalJobs })
	add(ColCurrentStep, f.CurrentStep != nil, func() any { return *f.CurrentStep })
	add(ColStatus, f.Status != nil, func() any { return *f.Status })
	add(ColStatusMessage, f.StatusMessage != nil, func() any { return *f.StatusMessage })
	add(ColInput, f.Input != nil, func() any { return f.Input })
	add(ColOutput, f.Output != nil, func() any { return f.Output })
	add(ColStartedAt, f.StartedAt != nil, func() any { return f.StartedAt.UTC() })
	add(ColFinishedAt, f.FinishedAt != nil, func() any { return f.FinishedAt.UTC() })
	return cols
}

// IsEmpty reports whether no mutable column is set.
func (f Fields) IsEmpty() bool { return len(f.Columns()) == 0 }

// WithoutStatus returns f with the status left unset.
func (f Fields) WithoutStatus() Fields {
	f.Status = nil
	return f
}

// WithoutType returns f with the create-only type left unset.
func (f Fields) WithoutType() Fields {
	f.Type = nil
	return f
}

// Merge returns f overlaid with every member set in o.
func (f Fields) Merge(o Fields) Fields {
	out := f
	pick(&out.ExternalJobID, o.ExternalJobID)
	pick(&out.UniqueID, o.UniqueID)
	pick(&out.BatchID, o.BatchID)
	pick(&out.ChainID, o.ChainID)
	pick(&out.Type, o.Type)
	pick(&out.QueueName, o.QueueName)
	pick(&out.Attempts, o.Attempts)
	pick(&out.ProgressNow, o.ProgressNow)
	pick(&out.ProgressMax, o.ProgressMax)
	pick(&out.TotalJobs, o.TotalJobs)
	pick(&out.CurrentStep, o.CurrentStep)
	pick(&out.Status, o.Status)
	pick(&out.StatusMessage, o.StatusMessage)
	pick(&out.StartedAt, o.StartedAt)
	pick(&out.FinishedAt, o.FinishedAt)
	if o.Input != nil {
		out.Input = o.Input
	}
	if o.Output != nil {
		out.Output = o.Output
	}
	return out
}

func pick[T any](dst **T, src *T) {
	if src != nil {
		*dst = src
	}
}

// ApplyTo writes the set members onto rec. It does not touch Type,
// CreatedAt or UpdatedAt.
func (f Fields) ApplyTo(rec *StatusRecord) {
	if f.ExternalJobID != nil {
		rec.ExternalJobID = clonePtr(f.ExternalJobID)
	}
	if f.UniqueID != nil {
		rec.UniqueID = clonePtr(f.UniqueID)
	}
	if f.BatchID != nil {
		rec.BatchID = clonePtr(f.BatchID)
	}
	if f.ChainID != nil {
		rec.ChainID = clonePtr(f.ChainID)
	}
	if f.QueueName != nil {
		rec.QueueName = clonePtr(f.QueueName)
	}
	if f.Attempts != nil {
		rec.Attempts = *f.Attempts
	}
	if f.ProgressNow != nil {
		rec.ProgressNow = *f.ProgressNow
	}
	if f.ProgressMax != nil {
		rec.ProgressMax = *f.ProgressMax
	}
	if f.TotalJobs != nil {
		rec.TotalJobs = clonePtr(f.TotalJobs)
	}
	if f.CurrentStep != nil {
		rec.CurrentStep = clonePtr(f.CurrentStep)
	}
	if f.Status != nil {
		rec.Status = *f.Status
	}
	if f.StatusMessage != nil {
		rec.StatusMessage = clonePtr(f.StatusMessage)
	}
	if f.Input != nil {
		rec.Input = cloneMap(f.Input)
	}
	if f.Output != nil {
		rec.Output = cloneMap(f.Output)
	}
	if f.StartedAt != nil {
		t := f.StartedAt.UTC()
		rec.StartedAt = &t
	}
	if f.FinishedAt != nil {
		t := f.FinishedAt.UTC()
		rec.FinishedAt = &t
	}
}

// ChangedFields lists the columns whose values differ between two
// snapshots of the same record, in table column order.
func ChangedFields(prior, after *StatusRecord) []string {
	var out []string
	diff := func(name string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			out = append(out, name)
		}
	}
	diff(ColExternalJobID, deref(prior.ExternalJobID), deref(after.ExternalJobID))
	diff(ColUniqueID, deref(prior.UniqueID), deref(after.UniqueID))
	diff(ColBatchID, deref(prior.BatchID), deref(after.BatchID))
	diff(ColChainID, deref(prior.ChainID), deref(after.ChainID))
	diff(ColQueueName, deref(prior.QueueName), deref(after.QueueName))
	diff(ColAttempts, prior.Attempts, after.Attempts)
	diff(ColProgressNow, prior.ProgressNow, after.ProgressNow)
	diff(ColProgressMax, prior.ProgressMax, after.ProgressMax)
	diff(ColTotalJobs, deref(prior.TotalJobs), deref(after.TotalJobs))
	diff(ColCurrentStep, deref(prior.CurrentStep), deref(after.CurrentStep))
	diff(ColStatus, prior.Status, after.Status)
	diff(ColStatusMessage, deref(prior.StatusMessage), deref(after.StatusMessage))
	diff(ColInput, prior.Input, after.Input)
	diff(ColOutput, prior.Output, after.Output)
	diff(ColStartedAt, unixNano(prior.StartedAt), unixNano(after.StartedAt))
	diff(ColFinishedAt, unixNano(prior.FinishedAt), unixNano(after.FinishedAt))
	if !prior.UpdatedAt.Equal(after.UpdatedAt) {
		out = append(out, ColUpdatedAt)
	}
	return out
}

func deref[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

func unixNano(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}
