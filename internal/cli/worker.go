package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/mohans/jobstatus"
)

const countTaskType = "demo:count"

// countJob counts to N, reporting progress as it goes. It exists to
// exercise a tracked worker end to end.
type countJob struct {
	jobstatus.Tracker

	Key   string        `json:"key,omitempty"`
	N     int           `json:"n"`
	Delay time.Duration `json:"delay"`
	Fail  bool          `json:"fail,omitempty"`
}

func (j *countJob) TaskType() string { return countTaskType }

func (j *countJob) UniqueID() (string, bool) { return j.Key, j.Key != "" }

func (j *countJob) DisplayName() string { return "demo count" }

func (j *countJob) Handle(ctx context.Context) error {
	j.SetInput(ctx, map[string]any{"n": j.N, "fail": j.Fail})
	j.SetProgressMax(ctx, j.N)
	for i := 0; i < j.N; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(j.Delay):
		}
		j.IncrementProgress(ctx, 1, 10)
	}
	if j.Fail {
		return errors.New("demo failure requested")
	}
	j.SetOutput(ctx, map[string]any{"counted": j.N})
	return nil
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run an asynq worker that records job lifecycles",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opt, err := cfg.RedisOpt()
		if err != nil {
			return err
		}
		p, err := jobstatus.NewProcessor(opt, updater, jobstatus.ProcessorConfig{
			Concurrency: cfg.Concurrency,
			Queues:      map[string]int{cfg.Queue: 1},
		})
		if err != nil {
			return err
		}
		p.Handle(countTaskType, func() jobstatus.Job { return &countJob{} })
		logger.Info("worker starting", "queue", cfg.Queue, "concurrency", cfg.Concurrency)
		return p.Run()
	},
}

var (
	demoN       int
	demoKey     string
	demoFail    bool
	demoRetries int
	demoDelay   time.Duration
)

var enqueueDemoCmd = &cobra.Command{
	Use:   "enqueue-demo",
	Short: "Enqueue a tracked demo:count job",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opt, err := cfg.RedisOpt()
		if err != nil {
			return err
		}
		client := jobstatus.NewClient(opt, updater, jobstatus.ClientOptions{Queue: cfg.Queue})
		defer client.Close()

		ctx := cmd.Context()
		job := &countJob{Key: demoKey, N: demoN, Delay: demoDelay, Fail: demoFail}
		updater.PrepareStatus(ctx, job, jobstatus.Fields{QueueName: &cfg.Queue})

		info, err := client.Dispatch(ctx, job, asynq.MaxRetry(demoRetries))
		if err != nil {
			return err
		}
		id, _ := job.JobStatusID()
		fmt.Fprintf(cmd.OutOrStdout(), "record %d task %s queue %s\n", id, info.ID, info.Queue)
		return nil
	},
}

func init() {
	f := enqueueDemoCmd.Flags()
	f.IntVar(&demoN, "n", 100, "how far to count")
	f.StringVar(&demoKey, "key", "", "unique id grouping executions")
	f.BoolVar(&demoFail, "fail", false, "fail after counting")
	f.IntVar(&demoRetries, "retries", 2, "asynq max retry")
	f.DurationVar(&demoDelay, "delay", 50*time.Millisecond, "pause between steps")
}
