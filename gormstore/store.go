// Package gormstore persists status records through gorm. It shares the
// table and column names of jobstatus.SQLStore.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/mohans/jobstatus"
)

var (
	_ jobstatus.Store      = (*Store)(nil)
	_ jobstatus.HistoryLog = (*Store)(nil)
)

type statusModel struct {
	ID            int64             `gorm:"column:id;primaryKey;autoIncrement"`
	JobID         *string           `gorm:"column:job_id;size:255;index:idx_job_statuses_job_id"`
	UniqueID      *string           `gorm:"column:unique_id;size:255;index:idx_job_statuses_unique_id"`
	BatchID       *string           `gorm:"column:batch_id;size:255;index:idx_job_statuses_batch,priority:1"`
	ChainID       *string           `gorm:"column:chain_id;size:255;index:idx_job_statuses_chain,priority:1"`
	Type          string            `gorm:"column:type;size:255;not null;index:idx_job_statuses_type"`
	Queue         *string           `gorm:"column:queue;size:255;index:idx_job_statuses_queue"`
	Attempts      int               `gorm:"column:attempts;not null;default:0"`
	ProgressNow   int               `gorm:"column:progress_now;not null;default:0"`
	ProgressMax   int               `gorm:"column:progress_max;not null;default:0"`
	TotalJobs     *int              `gorm:"column:total_jobs"`
	CurrentStep   *int              `gorm:"column:current_step;index:idx_job_statuses_batch,priority:2;index:idx_job_statuses_chain,priority:2"`
	Status        string            `gorm:"column:status;size:16;not null;default:queued;index:idx_job_statuses_status,priority:1"`
	StatusMessage *string           `gorm:"column:status_message"`
	Input         datatypes.JSONMap `gorm:"column:input"`
	Output        datatypes.JSONMap `gorm:"column:output"`
	CreatedAt     time.Time         `gorm:"column:created_at;not null;index:idx_job_statuses_status,priority:2"`
	UpdatedAt     time.Time         `gorm:"column:updated_at;not null"`
	StartedAt     *time.Time        `gorm:"column:started_at"`
	FinishedAt    *time.Time        `gorm:"column:finished_at"`
}

func (statusModel) TableName() string { return "job_statuses" }

type historyModel struct {
	ID            int64             `gorm:"column:id;primaryKey;autoIncrement"`
	JobStatusID   int64             `gorm:"column:job_status_id;not null;index:idx_job_status_histories_owner,priority:1"`
	Status        string            `gorm:"column:status;size:16;not null"`
	StatusMessage *string           `gorm:"column:status_message"`
	ProgressNow   int               `gorm:"column:progress_now;not null;default:0"`
	ProgressMax   int               `gorm:"column:progress_max;not null;default:0"`
	Metadata      datatypes.JSONMap `gorm:"column:metadata"`
	CreatedAt     time.Time         `gorm:"column:created_at;not null;index:idx_job_status_histories_owner,priority:2,sort:desc"`
}

func (historyModel) TableName() string { return "job_status_histories" }

// Store implements jobstatus.Store and jobstatus.HistoryLog on a gorm DB.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store { return &Store{db: db} }

// Open connects to driver ("postgres" or "sqlite") and routes gorm's
// logging to log at warn level.
func Open(driver, dsn string, log *slog.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("jobstatus/gorm: unsupported driver %q", driver)
	}
	if log == nil {
		log = slog.Default()
	}
	gormLog := gormLogger.New(
		slog.NewLogLogger(log.Handler(), slog.LevelWarn),
		gormLogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("jobstatus/gorm: open %s: %w", driver, err)
	}
	return db, nil
}

// DB returns the underlying handle.
func (s *Store) DB() *gorm.DB { return s.db }

// Migrate creates or alters both tables.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&statusModel{}, &historyModel{}); err != nil {
		return fmt.Errorf("jobstatus/gorm: migrate: %w", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, f jobstatus.Fields) (*jobstatus.StatusRecord, error) {
	status, err := jobstatus.ValidateCreate(f)
	if err != nil {
		return nil, fmt.Errorf("%w: jobstatus/gorm: create: %w", jobstatus.ErrPersistence, err)
	}
	rec := &jobstatus.StatusRecord{Type: *f.Type}
	f.ApplyTo(rec)
	rec.Status = status

	now := time.Now().UTC()
	m := fromRecord(rec)
	m.CreatedAt, m.UpdatedAt = now, now
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return nil, fmt.Errorf("%w: jobstatus/gorm: create: %w", jobstatus.ErrPersistence, err)
	}
	return m.toRecord(), nil
}

func (s *Store) Update(ctx context.Context, id int64, f jobstatus.Fields) (*jobstatus.StatusRecord, error) {
	if err := jobstatus.ValidateUpdate(f); err != nil {
		return nil, fmt.Errorf("%w: jobstatus/gorm: update: %w", jobstatus.ErrPersistence, err)
	}
	cols := f.Columns()
	if len(cols) == 0 {
		return s.Get(ctx, id)
	}
	updates := make(map[string]any, len(cols)+1)
	for _, c := range cols {
		switch v := c.Value.(type) {
		case map[string]any:
			updates[c.Name] = datatypes.JSONMap(v)
		case jobstatus.Status:
			if v == jobstatus.StatusFinished {
				updates[c.Name] = gorm.Expr("CASE WHEN status = ? THEN status ELSE ? END",
					string(jobstatus.StatusFailed), string(v))
				continue
			}
			updates[c.Name] = string(v)
		default:
			updates[c.Name] = v
		}
	}
	updates[jobstatus.ColUpdatedAt] = time.Now().UTC()

	res := s.db.WithContext(ctx).Model(&statusModel{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("%w: jobstatus/gorm: update: %w", jobstatus.ErrPersistence, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, jobstatus.ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s *Store) Get(ctx context.Context, id int64) (*jobstatus.StatusRecord, error) {
	var m statusModel
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, jobstatus.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: jobstatus/gorm: get: %w", jobstatus.ErrPersistence, err)
	}
	return m.toRecord(), nil
}

func (s *Store) FindLatestByUniqueID(ctx context.Context, uniqueID string) (*jobstatus.StatusRecord, error) {
	var m statusModel
	err := s.db.WithContext(ctx).
		Where("unique_id = ?", uniqueID).
		Order("created_at DESC").Order("id DESC").
		Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, jobstatus.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: jobstatus/gorm: find latest: %w", jobstatus.ErrPersistence, err)
	}
	return m.toRecord(), nil
}

func (s *Store) FindAllByUniqueID(ctx context.Context, uniqueID string) ([]*jobstatus.StatusRecord, error) {
	return s.list(ctx, s.db.WithContext(ctx).
		Where("unique_id = ?", uniqueID).
		Order("created_at DESC").Order("id DESC"))
}

func (s *Store) IsRunning(ctx context.Context, uniqueID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&statusModel{}).
		Where("unique_id = ? AND status = ?", uniqueID, string(jobstatus.StatusExecuting)).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("%w: jobstatus/gorm: is running: %w", jobstatus.ErrPersistence, err)
	}
	return n > 0, nil
}

func (s *Store) BatchJobs(ctx context.Context, batchID string) ([]*jobstatus.StatusRecord, error) {
	return s.list(ctx, s.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("current_step IS NULL").Order("current_step").Order("id"))
}

func (s *Store) ChainJobs(ctx context.Context, chainID string) ([]*jobstatus.StatusRecord, error) {
	return s.list(ctx, s.db.WithContext(ctx).
		Where("chain_id = ?", chainID).
		Order("current_step IS NULL").Order("current_step").Order("id"))
}

func (s *Store) list(_ context.Context, q *gorm.DB) ([]*jobstatus.StatusRecord, error) {
	var models []statusModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("%w: jobstatus/gorm: list: %w", jobstatus.ErrPersistence, err)
	}
	out := make([]*jobstatus.StatusRecord, 0, len(models))
	for i := range models {
		out = append(out, models[i].toRecord())
	}
	return out, nil
}

func (s *Store) AppendHistory(ctx context.Context, e *jobstatus.HistoryEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	m := &historyModel{
		JobStatusID:   e.JobStatusID,
		Status:        string(e.Status),
		StatusMessage: e.StatusMessage,
		ProgressNow:   e.ProgressNow,
		ProgressMax:   e.ProgressMax,
		Metadata:      datatypes.JSONMap(e.Metadata),
		CreatedAt:     e.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("%w: jobstatus/gorm: append history: %w", jobstatus.ErrPersistence, err)
	}
	e.ID = m.ID
	return nil
}

func (s *Store) History(ctx context.Context, jobStatusID int64) ([]*jobstatus.HistoryEntry, error) {
	var models []historyModel
	err := s.db.WithContext(ctx).
		Where("job_status_id = ?", jobStatusID).
		Order("created_at DESC").Order("id DESC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("%w: jobstatus/gorm: history: %w", jobstatus.ErrPersistence, err)
	}
	out := make([]*jobstatus.HistoryEntry, 0, len(models))
	for _, m := range models {
		out = append(out, &jobstatus.HistoryEntry{
			ID:            m.ID,
			JobStatusID:   m.JobStatusID,
			Status:        jobstatus.Status(m.Status),
			StatusMessage: m.StatusMessage,
			ProgressNow:   m.ProgressNow,
			ProgressMax:   m.ProgressMax,
			Metadata:      jsonMap(m.Metadata),
			CreatedAt:     m.CreatedAt.UTC(),
		})
	}
	return out, nil
}

func fromRecord(r *jobstatus.StatusRecord) *statusModel {
	m := &statusModel{
		ID:            r.ID,
		JobID:         r.ExternalJobID,
		UniqueID:      r.UniqueID,
		BatchID:       r.BatchID,
		ChainID:       r.ChainID,
		Type:          r.Type,
		Queue:         r.QueueName,
		Attempts:      r.Attempts,
		ProgressNow:   r.ProgressNow,
		ProgressMax:   r.ProgressMax,
		TotalJobs:     r.TotalJobs,
		CurrentStep:   r.CurrentStep,
		Status:        string(r.Status),
		StatusMessage: r.StatusMessage,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		StartedAt:     r.StartedAt,
		FinishedAt:    r.FinishedAt,
	}
	if r.Input != nil {
		m.Input = datatypes.JSONMap(r.Input)
	}
	if r.Output != nil {
		m.Output = datatypes.JSONMap(r.Output)
	}
	return m
}

func (m *statusModel) toRecord() *jobstatus.StatusRecord {
	return &jobstatus.StatusRecord{
		ID:            m.ID,
		ExternalJobID: m.JobID,
		UniqueID:      m.UniqueID,
		BatchID:       m.BatchID,
		ChainID:       m.ChainID,
		Type:          m.Type,
		QueueName:     m.Queue,
		Attempts:      m.Attempts,
		ProgressNow:   m.ProgressNow,
		ProgressMax:   m.ProgressMax,
		TotalJobs:     m.TotalJobs,
		CurrentStep:   m.CurrentStep,
		Status:        jobstatus.Status(m.Status),
		StatusMessage: m.StatusMessage,
		Input:         jsonMap(m.Input),
		Output:        jsonMap(m.Output),
		CreatedAt:     m.CreatedAt.UTC(),
		UpdatedAt:     m.UpdatedAt.UTC(),
		StartedAt:     utc(m.StartedAt),
		FinishedAt:    utc(m.FinishedAt),
	}
}

// jsonMap maps SQL NULL, which JSONMap scans as an empty map, back to nil.
func jsonMap(m datatypes.JSONMap) map[string]any {
	if len(m) == 0 {
		return nil
	}
	return map[string]any(m)
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
