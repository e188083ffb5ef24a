package jobstatus

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Dialect selects placeholder style and DDL for SQLStore.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore is a reference implementation backed by a relational DB
// (SQLite or Postgres). Schema is created by Migrate.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

var (
	_ Store      = (*SQLStore)(nil)
	_ HistoryLog = (*SQLStore)(nil)
)

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	if dialect == "" {
		dialect = DialectSQLite
	}
	return &SQLStore{db: db, dialect: dialect}
}

// DB returns the underlying handle.
func (s *SQLStore) DB() *sql.DB { return s.db }

const statusColumns = `id, job_id, unique_id, batch_id, chain_id, type, queue, attempts,
	progress_now, progress_max, total_jobs, current_step, status, status_message,
	input, output, created_at, updated_at, started_at, finished_at`

// Migrate creates the status and history tables with their indexes.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if s.db == nil {
		return errors.New("nil db")
	}
	idType, tsType := "INTEGER PRIMARY KEY AUTOINCREMENT", "DATETIME"
	fkType := "INTEGER"
	if s.dialect == DialectPostgres {
		idType, tsType, fkType = "BIGSERIAL PRIMARY KEY", "TIMESTAMPTZ", "BIGINT"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS job_statuses (
			id             ` + idType + `,
			job_id         VARCHAR(255) NULL,
			unique_id      VARCHAR(255) NULL,
			batch_id       VARCHAR(255) NULL,
			chain_id       VARCHAR(255) NULL,
			type           VARCHAR(255) NOT NULL,
			queue          VARCHAR(255) NULL,
			attempts       INTEGER      NOT NULL DEFAULT 0,
			progress_now   INTEGER      NOT NULL DEFAULT 0,
			progress_max   INTEGER      NOT NULL DEFAULT 0,
			total_jobs     INTEGER      NULL,
			current_step   INTEGER      NULL,
			status         VARCHAR(16)  NOT NULL DEFAULT 'queued'
				CHECK (status IN ('queued', 'executing', 'finished', 'failed', 'retrying')),
			status_message TEXT         NULL,
			input          TEXT         NULL,
			output         TEXT         NULL,
			created_at     ` + tsType + ` NOT NULL,
			updated_at     ` + tsType + ` NOT NULL,
			started_at     ` + tsType + ` NULL,
			finished_at    ` + tsType + ` NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_statuses_job_id ON job_statuses (job_id)`,
		`CREATE INDEX IF NOT EXISTS idx_job_statuses_unique_id ON job_statuses (unique_id)`,
		`CREATE INDEX IF NOT EXISTS idx_job_statuses_batch ON job_statuses (batch_id, current_step)`,
		`CREATE INDEX IF NOT EXISTS idx_job_statuses_chain ON job_statuses (chain_id, current_step)`,
		`CREATE INDEX IF NOT EXISTS idx_job_statuses_type ON job_statuses (type)`,
		`CREATE INDEX IF NOT EXISTS idx_job_statuses_queue ON job_statuses (queue)`,
		`CREATE INDEX IF NOT EXISTS idx_job_statuses_status ON job_statuses (status, created_at)`,
		`CREATE TABLE IF NOT EXISTS job_status_histories (
			id             ` + idType + `,
			job_status_id  ` + fkType + ` NOT NULL REFERENCES job_statuses (id) ON DELETE CASCADE,
			status         VARCHAR(16)  NOT NULL,
			status_message TEXT         NULL,
			progress_now   INTEGER      NOT NULL DEFAULT 0,
			progress_max   INTEGER      NOT NULL DEFAULT 0,
			metadata       TEXT         NULL,
			created_at     ` + tsType + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_status_histories_owner
			ON job_status_histories (job_status_id, created_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("jobstatus/sql: migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Create(ctx context.Context, f Fields) (*StatusRecord, error) {
	if s.db == nil {
		return nil, errors.New("nil db")
	}
	status, err := ValidateCreate(f)
	if err != nil {
		return nil, fmt.Errorf("%w: jobstatus/sql: create: %w", ErrPersistence, err)
	}
	now := time.Now().UTC()
	names := []string{ColType, ColStatus, "created_at", ColUpdatedAt}
	args := []any{*f.Type, string(status), now, now}
	for _, c := range f.Columns() {
		if c.Name == ColStatus {
			continue
		}
		v, err := sqlValue(c.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: jobstatus/sql: create: %w", ErrPersistence, err)
		}
		names = append(names, c.Name)
		args = append(args, v)
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ")
	q := `INSERT INTO job_statuses (` + strings.Join(names, ", ") + `) VALUES (` + marks + `) RETURNING id`

	var id int64
	if err := s.db.QueryRowContext(ctx, s.rebind(q), args...).Scan(&id); err != nil {
		return nil, fmt.Errorf("%w: jobstatus/sql: create: %w", ErrPersistence, err)
	}
	return s.Get(ctx, id)
}

func (s *SQLStore) Update(ctx context.Context, id int64, f Fields) (*StatusRecord, error) {
	if s.db == nil {
		return nil, errors.New("nil db")
	}
	if err := ValidateUpdate(f); err != nil {
		return nil, fmt.Errorf("%w: jobstatus/sql: update: %w", ErrPersistence, err)
	}
	cols := f.Columns()
	if len(cols) == 0 {
		return s.Get(ctx, id)
	}
	sets := make([]string, 0, len(cols)+1)
	args := make([]any, 0, len(cols)+2)
	for _, c := range cols {
		v, err := sqlValue(c.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: jobstatus/sql: update: %w", ErrPersistence, err)
		}
		if c.Name == ColStatus && v == string(StatusFinished) {
			// A failed row keeps its status; the rest of the set applies.
			sets = append(sets, ColStatus+" = CASE WHEN status = 'failed' THEN status ELSE ? END")
		} else {
			sets = append(sets, c.Name+" = ?")
		}
		args = append(args, v)
	}
	sets = append(sets, ColUpdatedAt+" = ?")
	args = append(args, time.Now().UTC(), id)

	q := `UPDATE job_statuses SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	res, err := s.db.ExecContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("%w: jobstatus/sql: update: %w", ErrPersistence, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s *SQLStore) Get(ctx context.Context, id int64) (*StatusRecord, error) {
	if s.db == nil {
		return nil, errors.New("nil db")
	}
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+statusColumns+` FROM job_statuses WHERE id = ?`), id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: jobstatus/sql: get: %w", ErrPersistence, err)
	}
	return rec, nil
}

func (s *SQLStore) FindLatestByUniqueID(ctx context.Context, uniqueID string) (*StatusRecord, error) {
	recs, err := s.list(ctx, `WHERE unique_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, uniqueID)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs[0], nil
}

func (s *SQLStore) FindAllByUniqueID(ctx context.Context, uniqueID string) ([]*StatusRecord, error) {
	return s.list(ctx, `WHERE unique_id = ? ORDER BY created_at DESC, id DESC`, uniqueID)
}

func (s *SQLStore) IsRunning(ctx context.Context, uniqueID string) (bool, error) {
	if s.db == nil {
		return false, errors.New("nil db")
	}
	var n int
	q := `SELECT COUNT(*) FROM job_statuses WHERE unique_id = ? AND status = ?`
	if err := s.db.QueryRowContext(ctx, s.rebind(q), uniqueID, string(StatusExecuting)).Scan(&n); err != nil {
		return false, fmt.Errorf("%w: jobstatus/sql: is running: %w", ErrPersistence, err)
	}
	return n > 0, nil
}

func (s *SQLStore) BatchJobs(ctx context.Context, batchID string) ([]*StatusRecord, error) {
	return s.list(ctx, `WHERE batch_id = ? ORDER BY current_step IS NULL, current_step, id`, batchID)
}

func (s *SQLStore) ChainJobs(ctx context.Context, chainID string) ([]*StatusRecord, error) {
	return s.list(ctx, `WHERE chain_id = ? ORDER BY current_step IS NULL, current_step, id`, chainID)
}

func (s *SQLStore) list(ctx context.Context, where string, args ...any) ([]*StatusRecord, error) {
	if s.db == nil {
		return nil, errors.New("nil db")
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+statusColumns+` FROM job_statuses `+where), args...)
	if err != nil {
		return nil, fmt.Errorf("%w: jobstatus/sql: list: %w", ErrPersistence, err)
	}
	defer rows.Close()
	var out []*StatusRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: jobstatus/sql: list: %w", ErrPersistence, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: jobstatus/sql: list: %w", ErrPersistence, err)
	}
	return out, nil
}

func (s *SQLStore) AppendHistory(ctx context.Context, e *HistoryEntry) error {
	if s.db == nil {
		return errors.New("nil db")
	}
	meta, err := sqlValue(e.Metadata)
	if err != nil {
		return fmt.Errorf("%w: jobstatus/sql: append history: %w", ErrPersistence, err)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	q := `INSERT INTO job_status_histories
		(job_status_id, status, status_message, progress_now, progress_max, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`
	err = s.db.QueryRowContext(ctx, s.rebind(q),
		e.JobStatusID, string(e.Status), e.StatusMessage, e.ProgressNow, e.ProgressMax, meta, e.CreatedAt,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("%w: jobstatus/sql: append history: %w", ErrPersistence, err)
	}
	return nil
}

func (s *SQLStore) History(ctx context.Context, jobStatusID int64) ([]*HistoryEntry, error) {
	if s.db == nil {
		return nil, errors.New("nil db")
	}
	q := `SELECT id, job_status_id, status, status_message, progress_now, progress_max, metadata, created_at
		FROM job_status_histories WHERE job_status_id = ? ORDER BY created_at DESC, id DESC`
	rows, err := s.db.QueryContext(ctx, s.rebind(q), jobStatusID)
	if err != nil {
		return nil, fmt.Errorf("%w: jobstatus/sql: history: %w", ErrPersistence, err)
	}
	defer rows.Close()
	var out []*HistoryEntry
	for rows.Next() {
		e := &HistoryEntry{}
		var status string
		var msg, meta sql.NullString
		if err := rows.Scan(&e.ID, &e.JobStatusID, &status, &msg, &e.ProgressNow, &e.ProgressMax, &meta, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: jobstatus/sql: history: %w", ErrPersistence, err)
		}
		e.Status = Status(status)
		e.StatusMessage = nullString(msg)
		if e.Metadata, err = decodeJSONMap(meta); err != nil {
			return nil, fmt.Errorf("%w: jobstatus/sql: history: %w", ErrPersistence, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: jobstatus/sql: history: %w", ErrPersistence, err)
	}
	return out, nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*StatusRecord, error) {
	rec := &StatusRecord{}
	var status string
	var jobID, uniqueID, batchID, chainID, queue, msg, input, output sql.NullString
	var totalJobs, currentStep sql.NullInt64
	var startedAt, finishedAt sql.NullTime
	err := row.Scan(&rec.ID, &jobID, &uniqueID, &batchID, &chainID, &rec.Type, &queue, &rec.Attempts,
		&rec.ProgressNow, &rec.ProgressMax, &totalJobs, &currentStep, &status, &msg,
		&input, &output, &rec.CreatedAt, &rec.UpdatedAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	rec.ExternalJobID = nullString(jobID)
	rec.UniqueID = nullString(uniqueID)
	rec.BatchID = nullString(batchID)
	rec.ChainID = nullString(chainID)
	rec.QueueName = nullString(queue)
	rec.StatusMessage = nullString(msg)
	rec.TotalJobs = nullInt(totalJobs)
	rec.CurrentStep = nullInt(currentStep)
	rec.StartedAt = nullTime(startedAt)
	rec.FinishedAt = nullTime(finishedAt)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	if rec.Input, err = decodeJSONMap(input); err != nil {
		return nil, err
	}
	if rec.Output, err = decodeJSONMap(output); err != nil {
		return nil, err
	}
	return rec, nil
}

// sqlValue converts column values to driver friendly types.
func sqlValue(v any) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		if x == nil {
			return nil, nil
		}
		b, err := json.Marshal(x)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case Status:
		return string(x), nil
	default:
		return v, nil
	}
}

func decodeJSONMap(s sql.NullString) (map[string]any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func nullInt(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
