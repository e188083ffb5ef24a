package jobstatus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mohans/jobstatus"

// Updater reconciles lifecycle events and job calls into status records.
// It is the only place status records are mutated.
type Updater struct {
	store   Store
	history HistoryLog
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer

	mu       sync.RWMutex
	decoders map[string]func() any
}

// Option configures an Updater.
type Option func(*Updater)

// WithHistory sets the history log. Stores implementing HistoryLog are
// picked up automatically.
func WithHistory(h HistoryLog) Option {
	return func(u *Updater) { u.history = h }
}

// WithConfig sets the tracking options.
func WithConfig(cfg Config) Option {
	return func(u *Updater) { u.cfg = cfg }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(u *Updater) { u.logger = l }
}

// WithTracerProvider sets the OpenTelemetry tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(u *Updater) { u.tracer = tp.Tracer(tracerName) }
}

// WithDecoder registers the Go type a task payload decodes into.
func WithDecoder(taskType string, factory func() any) Option {
	return func(u *Updater) { u.decoders[taskType] = factory }
}

// NewUpdater returns an Updater writing to store.
func NewUpdater(store Store, opts ...Option) *Updater {
	u := &Updater{
		store:    store,
		cfg:      DefaultConfig(),
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
		decoders: make(map[string]func() any),
	}
	if h, ok := store.(HistoryLog); ok {
		u.history = h
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Store returns the underlying store.
func (u *Updater) Store() Store { return u.store }

// Config returns the tracking options.
func (u *Updater) Config() Config { return u.cfg }

// Logger returns the updater's logger.
func (u *Updater) Logger() *slog.Logger { return u.logger }

// Register records the Go type payloads of taskType decode into.
func (u *Updater) Register(taskType string, factory func() any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.decoders[taskType] = factory
}

// UpdateEvent applies f to the record referenced by the job inside a queue
// event. Undecodable payloads and untracked jobs are logged no-ops.
func (u *Updater) UpdateEvent(ctx context.Context, job QueueJob, f Fields) error {
	cmd, err := u.parseJob(job)
	if err != nil {
		u.logger.Error("decode job payload",
			slog.String("task_type", job.TaskType()),
			slog.String("task_id", job.ID()),
			slog.String("error", err.Error()),
		)
		return nil
	}
	id, ok := jobStatusID(cmd)
	if !ok {
		return nil
	}

	if n, err := job.Attempts(); err == nil {
		f.Attempts = &n
	} else if n, ok := ownAttempts(cmd); ok {
		f.Attempts = &n
	} else {
		u.logger.Error("resolve attempts",
			slog.Int64("job_status_id", id),
			slog.String("task_id", job.ID()),
			slog.String("error", err.Error()),
		)
	}
	return u.apply(ctx, id, f)
}

// UpdateJob applies f to the record the job carries. Jobs without a
// record id are ignored.
func (u *Updater) UpdateJob(ctx context.Context, job any, f Fields) error {
	id, ok := jobStatusID(job)
	if !ok {
		return nil
	}
	if n, ok := ownAttempts(job); ok {
		f.Attempts = &n
	}
	return u.apply(ctx, id, f)
}

func (u *Updater) apply(ctx context.Context, id int64, f Fields) error {
	ctx, span := u.tracer.Start(ctx, "jobstatus.update",
		trace.WithAttributes(attribute.Int64("jobstatus.id", id)))
	defer span.End()

	prior, err := u.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		u.logger.Debug("status record missing, skipping update", slog.Int64("job_status_id", id))
		return nil
	}
	if err != nil {
		return u.fail(span, id, "load status record", err)
	}

	// A delayed finished signal must not replace a failure.
	if prior.IsFailed() && f.Status != nil && *f.Status == StatusFinished {
		f = f.WithoutStatus()
		span.AddEvent("finished status dropped on failed record")
	}

	after, err := u.store.Update(ctx, id, f.WithoutType())
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return u.fail(span, id, "update status record", err)
	}

	changed := ChangedFields(prior, after)
	span.SetAttributes(attribute.StringSlice("jobstatus.changed_fields", changed))
	if slices.Contains(changed, ColStatus) || slices.Contains(changed, ColStatusMessage) {
		if err := u.logHistory(ctx, after, changed); err != nil {
			return u.fail(span, id, "append history", err)
		}
	}
	return nil
}

func (u *Updater) logHistory(ctx context.Context, rec *StatusRecord, changed []string) error {
	if !u.cfg.TrackHistory || u.history == nil {
		return nil
	}
	return u.history.AppendHistory(ctx, &HistoryEntry{
		JobStatusID:   rec.ID,
		Status:        rec.Status,
		StatusMessage: clonePtr(rec.StatusMessage),
		ProgressNow:   rec.ProgressNow,
		ProgressMax:   rec.ProgressMax,
		Metadata:      map[string]any{"changed_fields": changed},
	})
}

// fail marks the span and returns err wrapped with op. Callers log it.
func (u *Updater) fail(span trace.Span, id int64, op string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, op)
	return fmt.Errorf("%s %d: %w", op, id, err)
}

// statusEnvelope decodes the record id out of any JSON payload produced by
// a job embedding Tracker.
type statusEnvelope struct {
	StatusID int64 `json:"job_status_id"`
}

func (e *statusEnvelope) JobStatusID() (int64, bool) { return e.StatusID, e.StatusID != 0 }

func (u *Updater) parseJob(job QueueJob) (any, error) {
	payload := job.Payload()
	u.mu.RLock()
	factory, ok := u.decoders[job.TaskType()]
	u.mu.RUnlock()
	if ok {
		v := factory()
		if err := json.Unmarshal(payload, v); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrDeserialize, job.TaskType(), err)
		}
		u.Bind(v)
		return v, nil
	}
	env := &statusEnvelope{}
	if len(payload) == 0 {
		return env, nil
	}
	if err := json.Unmarshal(payload, env); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDeserialize, job.TaskType(), err)
	}
	return env, nil
}

func jobStatusID(job any) (int64, bool) {
	tj, ok := job.(TrackableJob)
	if !ok {
		return 0, false
	}
	return tj.JobStatusID()
}

func ownAttempts(job any) (int, bool) {
	if ha, ok := job.(HasAttempts); ok {
		return ha.Attempts()
	}
	return 0, false
}

// Bind attaches the updater to a decoded job so its Tracker can write
// through. Jobs without a Tracker are left alone.
func (u *Updater) Bind(job any) {
	if t, ok := job.(Trackable); ok {
		t.StatusTracker().updater = u
	}
}

// PrepareStatus creates the status record of a job. It must run once,
// before any other tracking call. When creation fails tracking is disabled
// for this job instance; the job itself is unaffected.
func (u *Updater) PrepareStatus(ctx context.Context, job Trackable, extra Fields) {
	t := job.StatusTracker()
	t.updater = u
	if t.disabled {
		return
	}

	var derived Fields
	if hu, ok := job.(HasUniqueID); ok {
		if id, ok := hu.UniqueID(); ok {
			derived.UniqueID = &id
		}
	}
	if hb, ok := job.(HasBatch); ok && extra.BatchID == nil {
		if b, ok := hb.Batch(); ok {
			// ProcessedJobs races with sibling jobs; the step is best effort.
			derived.BatchID = Ptr(b.BatchID())
			derived.TotalJobs = Ptr(b.TotalJobs())
			derived.CurrentStep = Ptr(b.ProcessedJobs() + 1)
		}
	}
	f := derived.Merge(extra)
	if f.Type == nil {
		f.Type = Ptr(displayName(job))
	}

	rec, err := u.store.Create(ctx, f)
	if err != nil {
		t.disabled = true
		u.logger.Warn("create status record, tracking disabled",
			slog.String("type", *f.Type),
			slog.String("error", err.Error()),
		)
		return
	}
	t.StatusID = rec.ID
	t.ProgressNow, t.ProgressMax = rec.ProgressNow, rec.ProgressMax
}

func displayName(job any) string {
	if d, ok := job.(HasDisplayName); ok {
		return d.DisplayName()
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", job), "*")
}
