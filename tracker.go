package jobstatus

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// Trackable is implemented by every job embedding Tracker.
type Trackable interface {
	StatusTracker() *Tracker
}

// Tracker gives a job status, progress and payload tracking. Embed it by
// value in a job struct and call Updater.PrepareStatus when the job is
// created:
//
//	type ResizeJob struct {
//		jobstatus.Tracker
//		Path string `json:"path"`
//	}
//
// The record id and the progress counters travel with the job payload;
// the worker side re-attaches the updater through Updater.Bind.
type Tracker struct {
	StatusID    int64 `json:"job_status_id,omitempty"`
	ProgressNow int   `json:"progress_now,omitempty"`
	ProgressMax int   `json:"progress_max,omitempty"`

	updater  *Updater
	disabled bool
}

// StatusTracker implements Trackable.
func (t *Tracker) StatusTracker() *Tracker { return t }

// JobStatusID implements TrackableJob.
func (t *Tracker) JobStatusID() (int64, bool) {
	if t.disabled || t.StatusID == 0 {
		return 0, false
	}
	return t.StatusID, true
}

// DisableTracking turns every tracking call into a no-op. Call it before
// PrepareStatus to keep a job untracked.
func (t *Tracker) DisableTracking() { t.disabled = true }

// Tracking reports whether the job has a live status record.
func (t *Tracker) Tracking() bool {
	_, ok := t.JobStatusID()
	return ok && t.updater != nil
}

// SetProgressMax sets the progress ceiling.
func (t *Tracker) SetProgressMax(ctx context.Context, v int) {
	t.update(ctx, Fields{ProgressMax: &v})
	t.ProgressMax = v
}

// SetProgressNow records progress. The store is written only when v is a
// multiple of every or equals the ceiling; every <= 0 writes each call.
func (t *Tracker) SetProgressNow(ctx context.Context, v, every int) {
	if every <= 0 {
		every = 1
	}
	if v%every == 0 || v == t.ProgressMax {
		t.update(ctx, Fields{ProgressNow: &v})
	}
	t.ProgressNow = v
}

// IncrementProgress advances progress by offset.
func (t *Tracker) IncrementProgress(ctx context.Context, offset, every int) {
	t.SetProgressNow(ctx, t.ProgressNow+offset, every)
}

// Progress returns the locally known progress counters.
func (t *Tracker) Progress() (now, ceiling int) { return t.ProgressNow, t.ProgressMax }

// SetInput stores the job input unless input tracking is disabled.
func (t *Tracker) SetInput(ctx context.Context, v map[string]any) {
	if t.updater == nil || !t.updater.cfg.TrackInput {
		return
	}
	t.update(ctx, Fields{Input: v})
}

// SetOutput stores the job result unless output tracking is disabled.
func (t *Tracker) SetOutput(ctx context.Context, v map[string]any) {
	if t.updater == nil || !t.updater.cfg.TrackOutput {
		return
	}
	t.update(ctx, Fields{Output: v})
}

// SetStatusMessage records a human readable note, e.g. "batch 3 of 10".
func (t *Tracker) SetStatusMessage(ctx context.Context, msg string) {
	t.update(ctx, Fields{StatusMessage: &msg})
}

// SetChain records the job's position in a chain. Steps are 1-based.
func (t *Tracker) SetChain(ctx context.Context, chainID string, step, total int) {
	t.update(ctx, Fields{ChainID: &chainID, CurrentStep: &step, TotalJobs: &total})
}

// NewChainID returns a fresh identifier for a chain of jobs.
func NewChainID() string { return uuid.NewString() }

func (t *Tracker) update(ctx context.Context, f Fields) {
	if !t.Tracking() {
		return
	}
	if err := t.updater.UpdateJob(ctx, t, f); err != nil {
		t.updater.logger.Error("update job status",
			slog.Int64("job_status_id", t.StatusID),
			slog.String("error", err.Error()),
		)
	}
}
