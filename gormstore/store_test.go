package gormstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/mohans/jobstatus"
)

var dbSeq atomic.Int64

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:gormstore_%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := Open("sqlite", dsn, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	s := New(db)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open("oracle", "x", nil); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestCreateGetUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, err := s.Create(ctx, jobstatus.Fields{
		Type:     jobstatus.Ptr("Report"),
		UniqueID: jobstatus.Ptr("r-1"),
		Input:    map[string]any{"month": "2024-05"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.ID == 0 || rec.Status != jobstatus.StatusQueued {
		t.Fatalf("unexpected record: %+v", rec)
	}

	got, err := s.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Input["month"] != "2024-05" || got.Output != nil || *got.UniqueID != "r-1" {
		t.Fatalf("unexpected record: %+v", got)
	}

	updated, err := s.Update(ctx, rec.ID, jobstatus.Fields{
		Status:      jobstatus.Ptr(jobstatus.StatusFinished),
		Output:      map[string]any{"rows": 3.0},
		ProgressMax: jobstatus.Ptr(3),
		ProgressNow: jobstatus.Ptr(3),
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Status != jobstatus.StatusFinished || updated.Output["rows"] != 3.0 || updated.ProgressPercentage() != 100 {
		t.Fatalf("update not applied: %+v", updated)
	}
	if updated.Input["month"] != "2024-05" {
		t.Fatalf("input lost on update: %+v", updated.Input)
	}
}

func TestErrors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Get(ctx, 9); !errors.Is(err, jobstatus.ErrNotFound) {
		t.Fatalf("Get: expected ErrNotFound, got %v", err)
	}
	if _, err := s.Update(ctx, 9, jobstatus.Fields{ProgressNow: jobstatus.Ptr(1)}); !errors.Is(err, jobstatus.ErrNotFound) {
		t.Fatalf("Update: expected ErrNotFound, got %v", err)
	}
	if _, err := s.Create(ctx, jobstatus.Fields{Type: jobstatus.Ptr("X"), Status: jobstatus.Ptr(jobstatus.Status("nope"))}); !errors.Is(err, jobstatus.ErrInvalidStatus) {
		t.Fatalf("Create: expected ErrInvalidStatus, got %v", err)
	}
	if _, err := s.FindLatestByUniqueID(ctx, "missing"); !errors.Is(err, jobstatus.ErrNotFound) {
		t.Fatalf("FindLatestByUniqueID: expected ErrNotFound, got %v", err)
	}
}

func TestQueries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, _ := s.Create(ctx, jobstatus.Fields{Type: jobstatus.Ptr("Sync"), UniqueID: jobstatus.Ptr("t")})
	b, _ := s.Create(ctx, jobstatus.Fields{Type: jobstatus.Ptr("Sync"), UniqueID: jobstatus.Ptr("t")})
	latest, err := s.FindLatestByUniqueID(ctx, "t")
	if err != nil || latest.ID != b.ID {
		t.Fatalf("latest = %+v, %v", latest, err)
	}
	all, _ := s.FindAllByUniqueID(ctx, "t")
	if len(all) != 2 || all[1].ID != a.ID {
		t.Fatalf("expected newest first")
	}

	if _, err := s.Update(ctx, a.ID, jobstatus.Fields{Status: jobstatus.Ptr(jobstatus.StatusExecuting)}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	running, err := s.IsRunning(ctx, "t")
	if err != nil || !running {
		t.Fatalf("IsRunning = %v, %v", running, err)
	}

	for _, step := range []int{2, 1} {
		s.Create(ctx, jobstatus.Fields{Type: jobstatus.Ptr("B"), BatchID: jobstatus.Ptr("b"), CurrentStep: jobstatus.Ptr(step), TotalJobs: jobstatus.Ptr(2)})
		s.Create(ctx, jobstatus.Fields{Type: jobstatus.Ptr("C"), ChainID: jobstatus.Ptr("c"), CurrentStep: jobstatus.Ptr(step)})
	}
	batch, _ := s.BatchJobs(ctx, "b")
	if len(batch) != 2 || *batch[0].CurrentStep != 1 || *batch[0].TotalJobs != 2 {
		t.Fatalf("unexpected batch order")
	}
	chain, _ := s.ChainJobs(ctx, "c")
	if len(chain) != 2 || *chain[1].CurrentStep != 2 {
		t.Fatalf("unexpected chain order")
	}
}

func TestUpdaterHistory(t *testing.T) {
	s := newTestStore(t)
	u := jobstatus.NewUpdater(s)
	ctx := context.Background()

	rec, _ := s.Create(ctx, jobstatus.Fields{Type: jobstatus.Ptr("X")})
	job := ref(rec.ID)
	for _, f := range []jobstatus.Fields{
		{Status: jobstatus.Ptr(jobstatus.StatusExecuting)},
		{ProgressNow: jobstatus.Ptr(5)},
		{Status: jobstatus.Ptr(jobstatus.StatusFailed)},
		{Status: jobstatus.Ptr(jobstatus.StatusFinished)},
	} {
		if err := u.UpdateJob(ctx, job, f); err != nil {
			t.Fatalf("UpdateJob: %v", err)
		}
	}
	got, _ := s.Get(ctx, rec.ID)
	if got.Status != jobstatus.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	entries, err := s.History(ctx, rec.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(entries) != 2 || entries[0].Status != jobstatus.StatusFailed || entries[0].ProgressNow != 5 {
		t.Fatalf("unexpected history: %+v", entries)
	}
	if _, ok := entries[0].Metadata["changed_fields"]; !ok {
		t.Fatalf("changed_fields missing: %v", entries[0].Metadata)
	}
}

type ref int64

func (r ref) JobStatusID() (int64, bool) { return int64(r), r != 0 }

func TestFailedNeverFinished(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, _ := s.Create(ctx, jobstatus.Fields{Type: jobstatus.Ptr("X"), Status: jobstatus.Ptr(jobstatus.StatusFailed)})
	got, err := s.Update(ctx, rec.ID, jobstatus.Fields{
		Status:      jobstatus.Ptr(jobstatus.StatusFinished),
		ProgressNow: jobstatus.Ptr(10),
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Status != jobstatus.StatusFailed || got.ProgressNow != 10 {
		t.Fatalf("unexpected record: %+v", got)
	}
}
