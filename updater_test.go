package jobstatus

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// trackedRef is the smallest trackable job: just a record id.
type trackedRef struct{ id int64 }

func (r trackedRef) JobStatusID() (int64, bool) { return r.id, r.id != 0 }

// retryingJob reports its own attempts counter.
type retryingJob struct {
	Tracker
	Tries int `json:"tries"`
}

func (j *retryingJob) TaskType() string             { return "test:retrying" }
func (j *retryingJob) Attempts() (int, bool)        { return j.Tries, j.Tries > 0 }
func (j *retryingJob) Handle(context.Context) error { return nil }

func historyOf(t *testing.T, store *SQLStore, id int64) []*HistoryEntry {
	t.Helper()
	entries, err := store.History(context.Background(), id)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	return entries
}

func TestUpdater_FailedNotOverwrittenByFinished(t *testing.T) {
	store := openTestStore(t)
	u := NewUpdater(store)
	ctx := context.Background()

	rec, _ := store.Create(ctx, Fields{Type: Ptr("X"), Status: Ptr(StatusFailed)})
	err := u.UpdateJob(ctx, trackedRef{rec.ID}, Fields{Status: Ptr(StatusFinished), ProgressNow: Ptr(10)})
	if err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	got, _ := store.Get(ctx, rec.ID)
	if got.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.ProgressNow != 10 {
		t.Fatalf("other fields must still apply, progress_now = %d", got.ProgressNow)
	}
	if n := len(historyOf(t, store, rec.ID)); n != 0 {
		t.Fatalf("no status change, expected no history, got %d", n)
	}
}

func TestUpdater_FailedCanBecomeRetryingOrExecuting(t *testing.T) {
	store := openTestStore(t)
	u := NewUpdater(store)
	ctx := context.Background()

	rec, _ := store.Create(ctx, Fields{Type: Ptr("X"), Status: Ptr(StatusFailed)})
	if err := u.UpdateJob(ctx, trackedRef{rec.ID}, Fields{Status: Ptr(StatusExecuting)}); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	got, _ := store.Get(ctx, rec.ID)
	if got.Status != StatusExecuting {
		t.Fatalf("only finished is guarded, got %s", got.Status)
	}
}

func TestUpdater_HistoryOnlyOnStatusOrMessageChange(t *testing.T) {
	store := openTestStore(t)
	u := NewUpdater(store)
	ctx := context.Background()
	rec, _ := store.Create(ctx, Fields{Type: Ptr("X")})
	job := trackedRef{rec.ID}

	steps := []struct {
		f    Fields
		want int
	}{
		{Fields{ProgressMax: Ptr(10), ProgressNow: Ptr(1)}, 0},
		{Fields{Status: Ptr(StatusExecuting)}, 1},
		{Fields{Status: Ptr(StatusExecuting), ProgressNow: Ptr(2)}, 1},
		{Fields{StatusMessage: Ptr("halfway")}, 2},
		{Fields{StatusMessage: Ptr("halfway")}, 2},
		{Fields{Status: Ptr(StatusFinished), StatusMessage: Ptr("done")}, 3},
	}
	for i, s := range steps {
		if err := u.UpdateJob(ctx, job, s.f); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if n := len(historyOf(t, store, rec.ID)); n != s.want {
			t.Fatalf("step %d: history entries = %d, want %d", i, n, s.want)
		}
	}

	latest := historyOf(t, store, rec.ID)[0]
	if latest.Status != StatusFinished || latest.StatusMessage == nil || *latest.StatusMessage != "done" {
		t.Fatalf("history snapshot wrong: %+v", latest)
	}
	if latest.ProgressNow != 2 || latest.ProgressMax != 10 {
		t.Fatalf("history progress snapshot wrong: %+v", latest)
	}
	changed, _ := latest.Metadata["changed_fields"].([]any)
	var names []string
	for _, c := range changed {
		names = append(names, c.(string))
	}
	joined := strings.Join(names, ",")
	if !strings.Contains(joined, ColStatus) || !strings.Contains(joined, ColStatusMessage) {
		t.Fatalf("changed_fields = %v", names)
	}
}

func TestUpdater_TrackHistoryDisabled(t *testing.T) {
	store := openTestStore(t)
	cfg := DefaultConfig()
	cfg.TrackHistory = false
	u := NewUpdater(store, WithConfig(cfg))
	ctx := context.Background()
	rec, _ := store.Create(ctx, Fields{Type: Ptr("X")})

	if err := u.UpdateJob(ctx, trackedRef{rec.ID}, Fields{Status: Ptr(StatusExecuting)}); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	if n := len(historyOf(t, store, rec.ID)); n != 0 {
		t.Fatalf("history disabled, got %d entries", n)
	}
}

func TestUpdater_RetryScenario(t *testing.T) {
	store := openTestStore(t)
	u := NewUpdater(store)
	ctx := context.Background()
	m, _ := NewEventManager(StrategyDefault, u)

	rec, _ := store.Create(ctx, Fields{Type: Ptr("X")})
	if err := m.Before(ctx, queueJobFor(t, rec.ID, 1, 3)); err != nil {
		t.Fatalf("Before: %v", err)
	}
	if err := m.Failing(ctx, queueJobFor(t, rec.ID, 1, 3), errors.New("boom")); err != nil {
		t.Fatalf("Failing: %v", err)
	}
	got, _ := store.Get(ctx, rec.ID)
	if got.Status != StatusRetrying {
		t.Fatalf("status after first failure = %s", got.Status)
	}
	if err := m.After(ctx, queueJobFor(t, rec.ID, 2, 3)); err != nil {
		t.Fatalf("After: %v", err)
	}
	got, _ = store.Get(ctx, rec.ID)
	if got.Status != StatusFinished || got.Attempts != 2 {
		t.Fatalf("final record: %+v", got)
	}
	entries := historyOf(t, store, rec.ID)
	if len(entries) != 3 {
		t.Fatalf("history entries = %d, want 3", len(entries))
	}
	want := []Status{StatusFinished, StatusRetrying, StatusExecuting}
	for i, e := range entries {
		if e.Status != want[i] {
			t.Fatalf("history[%d] = %s, want %s", i, e.Status, want[i])
		}
	}
}

func TestUpdater_MissingRecordIsNoop(t *testing.T) {
	store := openTestStore(t)
	u := NewUpdater(store)
	ctx := context.Background()

	if err := u.UpdateJob(ctx, trackedRef{999}, Fields{Status: Ptr(StatusExecuting)}); err != nil {
		t.Fatalf("missing record should be ignored, got %v", err)
	}
	if err := u.UpdateEvent(ctx, queueJobFor(t, 999, 1, 1), Fields{Status: Ptr(StatusExecuting)}); err != nil {
		t.Fatalf("missing record should be ignored, got %v", err)
	}
}

func TestUpdater_UntrackedJobsIgnored(t *testing.T) {
	store := openTestStore(t)
	u := NewUpdater(store)
	ctx := context.Background()

	if err := u.UpdateJob(ctx, struct{}{}, Fields{Status: Ptr(StatusExecuting)}); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	job := &fakeQueueJob{taskType: "other", payload: []byte(`{"x":1}`), attempts: 1, maxAttempts: 1}
	if err := u.UpdateEvent(ctx, job, Fields{Status: Ptr(StatusExecuting)}); err != nil {
		t.Fatalf("UpdateEvent: %v", err)
	}
	job.payload = nil
	if err := u.UpdateEvent(ctx, job, Fields{Status: Ptr(StatusExecuting)}); err != nil {
		t.Fatalf("UpdateEvent with empty payload: %v", err)
	}
}

func TestUpdater_DecodeFailureIsLoggedNoop(t *testing.T) {
	store := openTestStore(t)
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	u := NewUpdater(store, WithLogger(logger))
	ctx := context.Background()
	rec, _ := store.Create(ctx, Fields{Type: Ptr("X")})

	job := &fakeQueueJob{id: "t1", taskType: "test:broken", payload: []byte(`{not json`), attempts: 1, maxAttempts: 1}
	if err := u.UpdateEvent(ctx, job, Fields{Status: Ptr(StatusExecuting)}); err != nil {
		t.Fatalf("UpdateEvent: %v", err)
	}
	got, _ := store.Get(ctx, rec.ID)
	if got.Status != StatusQueued {
		t.Fatalf("record must be untouched, got %s", got.Status)
	}
	if !strings.Contains(buf.String(), "decode job payload") {
		t.Fatalf("decode failure not logged: %q", buf.String())
	}
}

func TestUpdater_AttemptsFallsBackToJob(t *testing.T) {
	store := openTestStore(t)
	u := NewUpdater(store, WithDecoder("test:retrying", func() any { return &retryingJob{} }))
	ctx := context.Background()
	rec, _ := store.Create(ctx, Fields{Type: Ptr("X")})

	job := &fakeQueueJob{
		taskType:    "test:retrying",
		payload:     []byte(`{"job_status_id":` + itoa(rec.ID) + `,"tries":4}`),
		attemptsErr: ErrAttemptsUnavailable,
		maxAttempts: 5,
	}
	if err := u.UpdateEvent(ctx, job, Fields{Status: Ptr(StatusExecuting)}); err != nil {
		t.Fatalf("UpdateEvent: %v", err)
	}
	got, _ := store.Get(ctx, rec.ID)
	if got.Attempts != 4 || got.Status != StatusExecuting {
		t.Fatalf("expected attempts from the job itself: %+v", got)
	}

	// Neither source: attempts are left alone, the rest applies.
	job.payload = []byte(`{"job_status_id":` + itoa(rec.ID) + `}`)
	if err := u.UpdateEvent(ctx, job, Fields{Status: Ptr(StatusRetrying)}); err != nil {
		t.Fatalf("UpdateEvent: %v", err)
	}
	got, _ = store.Get(ctx, rec.ID)
	if got.Attempts != 4 || got.Status != StatusRetrying {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestUpdater_QueueAttemptsWin(t *testing.T) {
	store := openTestStore(t)
	u := NewUpdater(store, WithDecoder("test:retrying", func() any { return &retryingJob{} }))
	ctx := context.Background()
	rec, _ := store.Create(ctx, Fields{Type: Ptr("X")})

	job := &fakeQueueJob{
		taskType:    "test:retrying",
		payload:     []byte(`{"job_status_id":` + itoa(rec.ID) + `,"tries":9}`),
		attempts:    2,
		maxAttempts: 5,
	}
	if err := u.UpdateEvent(ctx, job, Fields{}); err != nil {
		t.Fatalf("UpdateEvent: %v", err)
	}
	got, _ := store.Get(ctx, rec.ID)
	if got.Attempts != 2 {
		t.Fatalf("attempts = %d, want queue value 2", got.Attempts)
	}
}

func TestUpdater_StoreErrorsSurface(t *testing.T) {
	store := openTestStore(t)
	u := NewUpdater(store)
	ctx := context.Background()
	rec, _ := store.Create(ctx, Fields{Type: Ptr("X")})

	err := u.UpdateJob(ctx, trackedRef{rec.ID}, Fields{Status: Ptr(Status("bogus"))})
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
}

func TestUpdater_RecordsSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer tp.Shutdown(context.Background())

	store := openTestStore(t)
	u := NewUpdater(store, WithTracerProvider(tp))
	ctx := context.Background()
	rec, _ := store.Create(ctx, Fields{Type: Ptr("X")})

	if err := u.UpdateJob(ctx, trackedRef{rec.ID}, Fields{Status: Ptr(StatusExecuting)}); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	spans := sr.Ended()
	if len(spans) != 1 || spans[0].Name() != "jobstatus.update" {
		t.Fatalf("unexpected spans: %v", spans)
	}
	var found bool
	for _, kv := range spans[0].Attributes() {
		if string(kv.Key) == "jobstatus.id" && kv.Value.AsInt64() == rec.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("jobstatus.id attribute missing: %v", spans[0].Attributes())
	}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
