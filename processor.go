package jobstatus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/hibiken/asynq"
)

// Processor runs asynq workers and records every task's lifecycle through
// an EventManager.
type Processor struct {
	server  *asynq.Server
	mux     *asynq.ServeMux
	updater *Updater
	events  EventManager
	logger  *slog.Logger
}

type ProcessorConfig struct {
	Concurrency int
	Queues      map[string]int
	// Events overrides the manager selected by the updater's config.
	Events EventManager
}

func NewProcessor(redisOpt asynq.RedisConnOpt, updater *Updater, cfg ProcessorConfig) (*Processor, error) {
	con := cfg.Concurrency
	if con <= 0 {
		con = 10
	}
	qs := cfg.Queues
	if qs == nil {
		qs = map[string]int{"default": 1}
	}
	events := cfg.Events
	if events == nil {
		var err error
		events, err = NewEventManager(updater.Config().EventManager, updater)
		if err != nil {
			return nil, err
		}
	}
	logger := updater.Logger().With(slog.String("component", "processor"))
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: con,
		Queues:      qs,
		Logger:      asynqLogger{logger},
	})
	return &Processor{
		server:  server,
		mux:     asynq.NewServeMux(),
		updater: updater,
		events:  events,
		logger:  logger,
	}, nil
}

// Handle registers a job type. Payloads of taskType are decoded into the
// value factory returns, bound to the updater and run.
func (p *Processor) Handle(taskType string, factory func() Job) {
	p.updater.Register(taskType, func() any { return factory() })
	p.mux.HandleFunc(taskType, func(ctx context.Context, t *asynq.Task) error {
		job := factory()
		if err := json.Unmarshal(t.Payload(), job); err != nil {
			return fmt.Errorf("%w: %s: %v: %w", ErrDeserialize, taskType, err, asynq.SkipRetry)
		}
		p.updater.Bind(job)
		return job.Handle(ctx)
	})
}

// Mux exposes the underlying mux for plain asynq handlers. They are
// tracked too when their payload carries a job_status_id.
func (p *Processor) Mux() *asynq.ServeMux { return p.mux }

// Handler returns the mux wrapped in the lifecycle middleware.
func (p *Processor) Handler() asynq.Handler { return p.lifecycleMiddleware(p.mux) }

// Middleware to mark executing/finished/retrying/failed
func (p *Processor) lifecycleMiddleware(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		job := &asynqJob{ctx: ctx, task: t}
		p.observe("before", job, p.events.Before(ctx, job))

		err := p.runRecovered(ctx, next, job)
		if err != nil {
			job.failed = true
			job.skipRetry = errors.Is(err, asynq.SkipRetry)
			p.observe("exception", job, p.events.ExceptionOccurred(ctx, job, err))
			if job.final() {
				p.observe("failing", job, p.events.Failing(ctx, job, err))
			}
			return err
		}
		p.observe("after", job, p.events.After(ctx, job))
		return nil
	})
}

// runRecovered runs next and converts a handler panic into an error, so
// the attempt is recorded like any other failure.
func (p *Processor) runRecovered(ctx context.Context, next asynq.Handler, job *asynqJob) (retErr error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job handler panicked",
				slog.String("task_id", job.ID()),
				slog.String("task_type", job.TaskType()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			retErr = fmt.Errorf("panic in task %s: %v", job.TaskType(), r)
		}
	}()
	return next.ProcessTask(ctx, job.task)
}

// observe logs tracking errors; they never reach the task result.
func (p *Processor) observe(event string, job *asynqJob, err error) {
	if err == nil {
		return
	}
	p.logger.Error("record lifecycle event",
		slog.String("event", event),
		slog.String("task_id", job.ID()),
		slog.String("task_type", job.TaskType()),
		slog.String("error", err.Error()),
	)
}

// Start runs the server in the background.
func (p *Processor) Start() error { return p.server.Start(p.Handler()) }

// Run runs the server until it receives a shutdown signal.
func (p *Processor) Run() error { return p.server.Run(p.Handler()) }

func (p *Processor) Shutdown() { p.server.Shutdown() }

// asynqJob adapts the asynq handler context to QueueJob.
type asynqJob struct {
	ctx       context.Context
	task      *asynq.Task
	failed    bool
	skipRetry bool
}

func (j *asynqJob) ID() string {
	id, _ := asynq.GetTaskID(j.ctx)
	return id
}

func (j *asynqJob) Queue() string {
	q, _ := asynq.GetQueueName(j.ctx)
	return q
}

func (j *asynqJob) TaskType() string { return j.task.Type() }
func (j *asynqJob) Payload() []byte  { return j.task.Payload() }
func (j *asynqJob) HasFailed() bool  { return j.failed }

func (j *asynqJob) Attempts() (int, error) {
	n, ok := asynq.GetRetryCount(j.ctx)
	if !ok {
		return 0, ErrAttemptsUnavailable
	}
	return n + 1, nil
}

// MaxAttempts counts the first run plus every retry. A SkipRetry error
// makes the current attempt the last one.
func (j *asynqJob) MaxAttempts() int {
	if j.skipRetry {
		if n, err := j.Attempts(); err == nil {
			return n
		}
	}
	m, ok := asynq.GetMaxRetry(j.ctx)
	if !ok {
		return 0
	}
	return m + 1
}

func (j *asynqJob) final() bool {
	n, err := j.Attempts()
	return j.skipRetry || (err == nil && n >= j.MaxAttempts())
}

// asynqLogger routes asynq's internal logging to slog.
type asynqLogger struct{ l *slog.Logger }

func (a asynqLogger) Debug(args ...any) { a.l.Debug(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...any)  { a.l.Info(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...any)  { a.l.Warn(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...any) { a.l.Error(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...any) {
	a.l.Error(fmt.Sprint(args...))
	os.Exit(1)
}
