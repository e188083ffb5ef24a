package jobstatus

import "errors"

var (
	// Store errors.
	ErrNotFound      = errors.New("jobstatus: status record not found")
	ErrPersistence   = errors.New("jobstatus: persistence failure")
	ErrInvalidStatus = errors.New("jobstatus: invalid status")
	ErrMissingType   = errors.New("jobstatus: record type is required")

	// Event adapter errors.
	ErrDeserialize         = errors.New("jobstatus: cannot decode job payload")
	ErrAttemptsUnavailable = errors.New("jobstatus: attempts unavailable")
	ErrUnknownStrategy     = errors.New("jobstatus: unknown event manager strategy")
)
