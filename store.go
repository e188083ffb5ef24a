package jobstatus

import "context"

// Store abstracts persistence for job status records.
// Implementations must be safe for concurrent use.
type Store interface {
	// Create inserts a new record. Status defaults to queued; Type is required.
	Create(ctx context.Context, f Fields) (*StatusRecord, error)
	// Update merges f into the record and returns the new state. An empty
	// field set leaves the row untouched. Returns ErrNotFound for unknown ids.
	// A failed record is never set to finished; the check is atomic with
	// the write and the other fields still apply.
	Update(ctx context.Context, id int64, f Fields) (*StatusRecord, error)
	Get(ctx context.Context, id int64) (*StatusRecord, error)

	// FindLatestByUniqueID returns the most recently created record for the
	// unique id, or ErrNotFound.
	FindLatestByUniqueID(ctx context.Context, uniqueID string) (*StatusRecord, error)
	// FindAllByUniqueID returns every execution of the unique id, newest first.
	FindAllByUniqueID(ctx context.Context, uniqueID string) ([]*StatusRecord, error)
	// IsRunning reports whether any record with the unique id is executing.
	IsRunning(ctx context.Context, uniqueID string) (bool, error)

	// BatchJobs and ChainJobs return the group members ordered by step.
	BatchJobs(ctx context.Context, batchID string) ([]*StatusRecord, error)
	ChainJobs(ctx context.Context, chainID string) ([]*StatusRecord, error)
}

// HistoryLog is the append-only audit trail of status transitions.
type HistoryLog interface {
	AppendHistory(ctx context.Context, e *HistoryEntry) error
	// History lists the entries of one record, newest first.
	History(ctx context.Context, jobStatusID int64) ([]*HistoryEntry, error)
}

// ValidateCreate checks the invariants every backend enforces on insert
// and returns the status to store.
func ValidateCreate(f Fields) (Status, error) {
	if f.Type == nil || *f.Type == "" {
		return "", ErrMissingType
	}
	st := StatusQueued
	if f.Status != nil {
		st = *f.Status
	}
	if !st.Valid() {
		return "", ErrInvalidStatus
	}
	return st, nil
}

// ValidateUpdate rejects field sets carrying an unknown status.
func ValidateUpdate(f Fields) error {
	if f.Status != nil && !f.Status.Valid() {
		return ErrInvalidStatus
	}
	return nil
}
