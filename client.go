package jobstatus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
)

// Client wraps asynq.Client and records the task ID of every dispatched
// command on its status record.
type Client struct {
	client  *asynq.Client
	updater *Updater
	queue   string
	logger  *slog.Logger
}

type ClientOptions struct {
	Queue string
}

func NewClient(redisOpt asynq.RedisConnOpt, updater *Updater, opts ClientOptions) *Client {
	q := opts.Queue
	if q == "" {
		q = "default"
	}
	return &Client{
		client:  asynq.NewClient(redisOpt),
		updater: updater,
		queue:   q,
		logger:  updater.Logger().With(slog.String("component", "client")),
	}
}

// Dispatch enqueues cmd with its JSON encoding as payload. Options are
// applied after the client's default queue, so asynq.Queue overrides it.
func (c *Client) Dispatch(ctx context.Context, cmd Command, options ...asynq.Option) (*asynq.TaskInfo, error) {
	if c.client == nil {
		return nil, fmt.Errorf("nil asynq client")
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	t := asynq.NewTask(cmd.TaskType(), payload)
	info, err := c.client.EnqueueContext(ctx, t, append([]asynq.Option{asynq.Queue(c.queue)}, options...)...)
	if err != nil {
		return nil, err
	}
	if err := c.updater.UpdateJob(ctx, cmd, Fields{ExternalJobID: &info.ID}); err != nil {
		c.logger.Error("record task id",
			slog.String("task_id", info.ID),
			slog.String("error", err.Error()),
		)
	}
	return info, nil
}

// DispatchSync runs job in the calling goroutine. No queue is involved, so
// no external job id is recorded.
func (c *Client) DispatchSync(ctx context.Context, job Job) error {
	c.updater.Bind(job)
	return job.Handle(ctx)
}

func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
