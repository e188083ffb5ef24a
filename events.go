package jobstatus

import (
	"context"
	"fmt"
	"time"
)

// QueueJob is the queue system's handle on a job being processed.
type QueueJob interface {
	// ID is the queue's own identifier for the task.
	ID() string
	Queue() string
	TaskType() string
	// Payload is the serialized command.
	Payload() []byte
	// Attempts is the current attempt number, starting at 1.
	Attempts() (int, error)
	MaxAttempts() int
	HasFailed() bool
}

// EventManager maps queue lifecycle events to status updates.
type EventManager interface {
	Before(ctx context.Context, job QueueJob) error
	After(ctx context.Context, job QueueJob) error
	Failing(ctx context.Context, job QueueJob, cause error) error
	ExceptionOccurred(ctx context.Context, job QueueJob, cause error) error
}

// NewEventManager returns the event manager for strategy.
func NewEventManager(strategy string, u *Updater) (EventManager, error) {
	switch strategy {
	case "", StrategyDefault:
		return &DefaultEventManager{updater: u, now: time.Now}, nil
	case StrategyLegacy:
		return &LegacyEventManager{updater: u, now: time.Now}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
}

// DefaultEventManager is retry aware: a failing attempt becomes failed
// only once the queue has no attempts left.
type DefaultEventManager struct {
	updater *Updater
	now     func() time.Time
}

func (m *DefaultEventManager) Before(ctx context.Context, job QueueJob) error {
	return m.updater.UpdateEvent(ctx, job, beforeFields(job, m.now()))
}

func (m *DefaultEventManager) After(ctx context.Context, job QueueJob) error {
	if job.HasFailed() {
		return nil
	}
	return m.updater.UpdateEvent(ctx, job, Fields{
		Status:     Ptr(StatusFinished),
		FinishedAt: Ptr(m.now()),
	})
}

func (m *DefaultEventManager) Failing(ctx context.Context, job QueueJob, _ error) error {
	return m.updater.UpdateEvent(ctx, job, Fields{
		Status:     Ptr(failureStatus(job)),
		FinishedAt: Ptr(m.now()),
	})
}

func (m *DefaultEventManager) ExceptionOccurred(ctx context.Context, job QueueJob, _ error) error {
	return m.updater.UpdateEvent(ctx, job, Fields{
		Status:     Ptr(failureStatus(job)),
		FinishedAt: Ptr(m.now()),
	})
}

// LegacyEventManager marks every exception as retrying and every failing
// event as failed, without looking at the attempt counters.
type LegacyEventManager struct {
	updater *Updater
	now     func() time.Time
}

func (m *LegacyEventManager) Before(ctx context.Context, job QueueJob) error {
	return m.updater.UpdateEvent(ctx, job, beforeFields(job, m.now()))
}

func (m *LegacyEventManager) After(ctx context.Context, job QueueJob) error {
	if job.HasFailed() {
		return nil
	}
	return m.updater.UpdateEvent(ctx, job, Fields{
		Status:     Ptr(StatusFinished),
		FinishedAt: Ptr(m.now()),
	})
}

func (m *LegacyEventManager) Failing(ctx context.Context, job QueueJob, _ error) error {
	return m.updater.UpdateEvent(ctx, job, Fields{
		Status:     Ptr(StatusFailed),
		FinishedAt: Ptr(m.now()),
	})
}

func (m *LegacyEventManager) ExceptionOccurred(ctx context.Context, job QueueJob, _ error) error {
	return m.updater.UpdateEvent(ctx, job, Fields{
		Status:     Ptr(StatusRetrying),
		FinishedAt: Ptr(m.now()),
	})
}

func beforeFields(job QueueJob, now time.Time) Fields {
	return Fields{
		Status:        Ptr(StatusExecuting),
		ExternalJobID: Ptr(job.ID()),
		QueueName:     Ptr(job.Queue()),
		StartedAt:     &now,
	}
}

// failureStatus is failed once the attempts are used up. An unknown attempt
// counter counts as zero attempts.
func failureStatus(job QueueJob) Status {
	attempts, err := job.Attempts()
	if err != nil {
		attempts = 0
	}
	if attempts >= job.MaxAttempts() {
		return StatusFailed
	}
	return StatusRetrying
}
