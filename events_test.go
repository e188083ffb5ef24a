package jobstatus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// fakeQueueJob is a QueueJob with fixed answers.
type fakeQueueJob struct {
	id          string
	queue       string
	taskType    string
	payload     []byte
	attempts    int
	attemptsErr error
	maxAttempts int
	failed      bool
}

func (j *fakeQueueJob) ID() string       { return j.id }
func (j *fakeQueueJob) Queue() string    { return j.queue }
func (j *fakeQueueJob) TaskType() string { return j.taskType }
func (j *fakeQueueJob) Payload() []byte  { return j.payload }
func (j *fakeQueueJob) MaxAttempts() int { return j.maxAttempts }
func (j *fakeQueueJob) HasFailed() bool  { return j.failed }
func (j *fakeQueueJob) Attempts() (int, error) {
	if j.attemptsErr != nil {
		return 0, j.attemptsErr
	}
	return j.attempts, nil
}

func queueJobFor(t *testing.T, id int64, attempts, maxAttempts int) *fakeQueueJob {
	t.Helper()
	payload, err := json.Marshal(map[string]any{"job_status_id": id})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &fakeQueueJob{
		id:          "task-1",
		queue:       "default",
		taskType:    "test:plain",
		payload:     payload,
		attempts:    attempts,
		maxAttempts: maxAttempts,
	}
}

func TestFailureStatus(t *testing.T) {
	cases := []struct {
		name string
		job  *fakeQueueJob
		want Status
	}{
		{"attempts left", &fakeQueueJob{attempts: 1, maxAttempts: 3}, StatusRetrying},
		{"last attempt", &fakeQueueJob{attempts: 3, maxAttempts: 3}, StatusFailed},
		{"past max", &fakeQueueJob{attempts: 4, maxAttempts: 3}, StatusFailed},
		{"unknown attempts", &fakeQueueJob{attemptsErr: ErrAttemptsUnavailable, maxAttempts: 3}, StatusRetrying},
		{"unknown attempts and no max", &fakeQueueJob{attemptsErr: ErrAttemptsUnavailable}, StatusFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := failureStatus(tc.job); got != tc.want {
				t.Fatalf("failureStatus = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestNewEventManager(t *testing.T) {
	u := NewUpdater(openTestStore(t))
	for _, s := range []string{"", StrategyDefault} {
		m, err := NewEventManager(s, u)
		if err != nil {
			t.Fatalf("NewEventManager(%q): %v", s, err)
		}
		if _, ok := m.(*DefaultEventManager); !ok {
			t.Fatalf("NewEventManager(%q) = %T", s, m)
		}
	}
	m, err := NewEventManager(StrategyLegacy, u)
	if err != nil {
		t.Fatalf("NewEventManager(legacy): %v", err)
	}
	if _, ok := m.(*LegacyEventManager); !ok {
		t.Fatalf("NewEventManager(legacy) = %T", m)
	}
	if _, err := NewEventManager("fancy", u); !errors.Is(err, ErrUnknownStrategy) {
		t.Fatalf("expected ErrUnknownStrategy, got %v", err)
	}
}

func TestDefaultEventManager_Before(t *testing.T) {
	store := openTestStore(t)
	u := NewUpdater(store)
	ctx := context.Background()
	rec, _ := store.Create(ctx, Fields{Type: Ptr("X")})

	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	m := &DefaultEventManager{updater: u, now: func() time.Time { return now }}
	job := queueJobFor(t, rec.ID, 2, 3)
	job.queue = "reports"
	if err := m.Before(ctx, job); err != nil {
		t.Fatalf("Before: %v", err)
	}
	got, _ := store.Get(ctx, rec.ID)
	if got.Status != StatusExecuting || got.Attempts != 2 {
		t.Fatalf("unexpected record: %+v", got)
	}
	if *got.ExternalJobID != "task-1" || *got.QueueName != "reports" {
		t.Fatalf("queue identifiers not recorded: %+v", got)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(now) {
		t.Fatalf("started_at = %v", got.StartedAt)
	}
}

func TestDefaultEventManager_AfterSkipsFailedJobs(t *testing.T) {
	store := openTestStore(t)
	u := NewUpdater(store)
	ctx := context.Background()
	rec, _ := store.Create(ctx, Fields{Type: Ptr("X"), Status: Ptr(StatusRetrying)})

	m, _ := NewEventManager(StrategyDefault, u)
	job := queueJobFor(t, rec.ID, 1, 3)
	job.failed = true
	if err := m.After(ctx, job); err != nil {
		t.Fatalf("After: %v", err)
	}
	got, _ := store.Get(ctx, rec.ID)
	if got.Status != StatusRetrying {
		t.Fatalf("after on a failed job must not finish it, got %s", got.Status)
	}
}

func TestDefaultEventManager_RetryAware(t *testing.T) {
	store := openTestStore(t)
	u := NewUpdater(store)
	ctx := context.Background()
	m, _ := NewEventManager(StrategyDefault, u)

	rec, _ := store.Create(ctx, Fields{Type: Ptr("X")})
	if err := m.ExceptionOccurred(ctx, queueJobFor(t, rec.ID, 1, 3), errors.New("boom")); err != nil {
		t.Fatalf("ExceptionOccurred: %v", err)
	}
	got, _ := store.Get(ctx, rec.ID)
	if got.Status != StatusRetrying || got.FinishedAt == nil {
		t.Fatalf("first failure should retry: %+v", got)
	}

	if err := m.Failing(ctx, queueJobFor(t, rec.ID, 3, 3), errors.New("boom")); err != nil {
		t.Fatalf("Failing: %v", err)
	}
	got, _ = store.Get(ctx, rec.ID)
	if got.Status != StatusFailed || got.Attempts != 3 {
		t.Fatalf("last failure should fail: %+v", got)
	}
}

func TestLegacyEventManager(t *testing.T) {
	store := openTestStore(t)
	u := NewUpdater(store)
	ctx := context.Background()
	m, _ := NewEventManager(StrategyLegacy, u)

	rec, _ := store.Create(ctx, Fields{Type: Ptr("X")})
	if err := m.ExceptionOccurred(ctx, queueJobFor(t, rec.ID, 3, 3), errors.New("boom")); err != nil {
		t.Fatalf("ExceptionOccurred: %v", err)
	}
	got, _ := store.Get(ctx, rec.ID)
	if got.Status != StatusRetrying {
		t.Fatalf("legacy exception should retry regardless of attempts, got %s", got.Status)
	}
	if err := m.Failing(ctx, queueJobFor(t, rec.ID, 1, 3), errors.New("boom")); err != nil {
		t.Fatalf("Failing: %v", err)
	}
	got, _ = store.Get(ctx, rec.ID)
	if got.Status != StatusFailed {
		t.Fatalf("legacy failing should fail regardless of attempts, got %s", got.Status)
	}
}
