package jobstatus

import "context"

// TrackableJob is implemented by jobs that carry the id of their status
// record. Embedding Tracker provides it.
type TrackableJob interface {
	JobStatusID() (int64, bool)
}

// Command is a unit of work that can be enqueued. It is serialized to JSON
// as the task payload.
type Command interface {
	TaskType() string
}

// Job is a Command that knows how to run itself.
type Job interface {
	Command
	Handle(ctx context.Context) error
}

// HasUniqueID is implemented by jobs whose repeated executions belong to
// the same logical job.
type HasUniqueID interface {
	UniqueID() (string, bool)
}

// HasDisplayName overrides the record type, which otherwise is the Go type name.
type HasDisplayName interface {
	DisplayName() string
}

// BatchContext describes the batch a job was scheduled with.
type BatchContext interface {
	BatchID() string
	TotalJobs() int
	ProcessedJobs() int
}

// HasBatch is implemented by jobs scheduled as part of a batch.
type HasBatch interface {
	Batch() (BatchContext, bool)
}

// HasAttempts exposes the job's own last known attempt counter. It is the
// fallback when the queue cannot report one.
type HasAttempts interface {
	Attempts() (int, bool)
}
