package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib" // server backend
	_ "modernc.org/sqlite"             // embedded backend

	"github.com/visor-run/visor/config"
)

const schema = `
CREATE TABLE IF NOT EXISTS schedules (
	id            TEXT PRIMARY KEY,
	creator       TEXT NOT NULL DEFAULT '',
	workflow      TEXT NOT NULL,
	expr          TEXT NOT NULL,
	kind          TEXT NOT NULL,
	status        TEXT NOT NULL,
	inputs        TEXT NOT NULL DEFAULT '{}',
	next_run_at   BIGINT NOT NULL DEFAULT 0,
	last_run_at   BIGINT NOT NULL DEFAULT 0,
	run_count     INTEGER NOT NULL DEFAULT 0,
	failure_count INTEGER NOT NULL DEFAULT 0,
	created_at    BIGINT NOT NULL,
	updated_at    BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules (status, next_run_at);
CREATE INDEX IF NOT EXISTS idx_schedules_creator ON schedules (creator);

CREATE TABLE IF NOT EXISTS schedule_locks (
	name       TEXT PRIMARY KEY,
	token      TEXT NOT NULL,
	expires_at BIGINT NOT NULL
);
`

// scheduleRow is the wire shape: timestamps are unix milliseconds, inputs a
// JSON document. Both backends share it.
type scheduleRow struct {
	ID           string `db:"id"`
	Creator      string `db:"creator"`
	Workflow     string `db:"workflow"`
	Expr         string `db:"expr"`
	Kind         string `db:"kind"`
	Status       string `db:"status"`
	Inputs       string `db:"inputs"`
	NextRunAt    int64  `db:"next_run_at"`
	LastRunAt    int64  `db:"last_run_at"`
	RunCount     int    `db:"run_count"`
	FailureCount int    `db:"failure_count"`
	CreatedAt    int64  `db:"created_at"`
	UpdatedAt    int64  `db:"updated_at"`
}

func toRow(s *Schedule) (*scheduleRow, error) {
	inputs := "{}"
	if len(s.Inputs) > 0 {
		b, err := json.Marshal(s.Inputs)
		if err != nil {
			return nil, fmt.Errorf("encode schedule inputs: %w", err)
		}
		inputs = string(b)
	}
	return &scheduleRow{
		ID:           s.ID,
		Creator:      s.Creator,
		Workflow:     s.Workflow,
		Expr:         s.Expr,
		Kind:         string(s.Kind),
		Status:       string(s.Status),
		Inputs:       inputs,
		NextRunAt:    toMillis(s.NextRunAt),
		LastRunAt:    toMillis(s.LastRunAt),
		RunCount:     s.RunCount,
		FailureCount: s.FailureCount,
		CreatedAt:    toMillis(s.CreatedAt),
		UpdatedAt:    toMillis(s.UpdatedAt),
	}, nil
}

func (r *scheduleRow) toSchedule() (*Schedule, error) {
	s := &Schedule{
		ID:           r.ID,
		Creator:      r.Creator,
		Workflow:     r.Workflow,
		Expr:         r.Expr,
		Kind:         Kind(r.Kind),
		Status:       Status(r.Status),
		NextRunAt:    fromMillis(r.NextRunAt),
		LastRunAt:    fromMillis(r.LastRunAt),
		RunCount:     r.RunCount,
		FailureCount: r.FailureCount,
		CreatedAt:    fromMillis(r.CreatedAt),
		UpdatedAt:    fromMillis(r.UpdatedAt),
	}
	if r.Inputs != "" && r.Inputs != "{}" {
		if err := json.Unmarshal([]byte(r.Inputs), &s.Inputs); err != nil {
			return nil, fmt.Errorf("decode schedule inputs: %w", err)
		}
	}
	return s, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// SQLStore implements Store on any sqlx-supported database. The embedded
// backend uses the pure-Go sqlite driver; the server backend uses pgx and is
// gated behind a license key.
type SQLStore struct {
	db            *sqlx.DB
	maxPerCreator int
}

// Open creates the store for the configured driver. The default is an
// embedded sqlite file; driver "postgres" requires a DSN and a license key.
func Open(cfg config.ScheduleConfig) (*SQLStore, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "sqlite"
	}
	var db *sqlx.DB
	var err error
	switch driver {
	case "sqlite":
		path := cfg.Path
		if path == "" {
			path = "visor-schedules.db"
		}
		db, err = sqlx.Open("sqlite", path)
	case "postgres":
		if strings.TrimSpace(cfg.LicenseKey) == "" {
			return nil, ErrLicense
		}
		if cfg.DSN == "" {
			return nil, fmt.Errorf("schedule driver postgres requires a dsn")
		}
		db, err = sqlx.Open("pgx", cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown schedule driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open schedule store: %w", err)
	}
	return &SQLStore{db: db, maxPerCreator: cfg.MaxPerCreator}, nil
}

// Initialize creates the tables.
func (s *SQLStore) Initialize(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("initialize schedule store: %w", err)
	}
	return nil
}

// Shutdown closes the backend.
func (s *SQLStore) Shutdown(ctx context.Context) error {
	return s.db.Close()
}

const insertSQL = `INSERT INTO schedules
	(id, creator, workflow, expr, kind, status, inputs, next_run_at, last_run_at, run_count, failure_count, created_at, updated_at)
	VALUES (:id, :creator, :workflow, :expr, :kind, :status, :inputs, :next_run_at, :last_run_at, :run_count, :failure_count, :created_at, :updated_at)`

// Create validates the schedule, enforces the per-creator limit, and inserts.
func (s *SQLStore) Create(ctx context.Context, sched *Schedule) error {
	now := time.Now().UTC()
	if err := sched.Validate(now); err != nil {
		return err
	}
	if sched.CreatedAt.IsZero() {
		sched.CreatedAt = now
	}
	sched.UpdatedAt = now

	if s.maxPerCreator > 0 && sched.Creator != "" {
		var n int
		err := s.db.GetContext(ctx, &n,
			s.db.Rebind(`SELECT COUNT(*) FROM schedules WHERE creator = ? AND status IN ('active','paused')`),
			sched.Creator)
		if err != nil {
			return fmt.Errorf("count creator schedules: %w", err)
		}
		if n >= s.maxPerCreator {
			return fmt.Errorf("%w: %q has %d schedules (max %d)", ErrLimitExceeded, sched.Creator, n, s.maxPerCreator)
		}
	}

	row, err := toRow(sched)
	if err != nil {
		return err
	}
	if _, err := s.db.NamedExecContext(ctx, insertSQL, row); err != nil {
		return fmt.Errorf("create schedule: %w", err)
	}
	return nil
}

// Import bulk-loads schedules, bypassing per-creator limits.
func (s *SQLStore) Import(ctx context.Context, schedules []*Schedule) error {
	now := time.Now().UTC()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("import schedules: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, sched := range schedules {
		if err := sched.Validate(now); err != nil {
			return err
		}
		if sched.CreatedAt.IsZero() {
			sched.CreatedAt = now
		}
		sched.UpdatedAt = now
		row, err := toRow(sched)
		if err != nil {
			return err
		}
		if _, err := tx.NamedExecContext(ctx, insertSQL, row); err != nil {
			return fmt.Errorf("import schedule %q: %w", sched.ID, err)
		}
	}
	return tx.Commit()
}

// Get loads one schedule.
func (s *SQLStore) Get(ctx context.Context, id string) (*Schedule, error) {
	var row scheduleRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT * FROM schedules WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return row.toSchedule()
}

// Update rewrites the mutable fields.
func (s *SQLStore) Update(ctx context.Context, sched *Schedule) error {
	sched.UpdatedAt = time.Now().UTC()
	row, err := toRow(sched)
	if err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx, `UPDATE schedules SET
		status = :status, inputs = :inputs, expr = :expr, kind = :kind,
		next_run_at = :next_run_at, last_run_at = :last_run_at,
		run_count = :run_count, failure_count = :failure_count,
		updated_at = :updated_at
		WHERE id = :id`, row)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, sched.ID)
	}
	return nil
}

// Delete removes one schedule.
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM schedules WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return nil
}

// ByCreator lists a creator's schedules.
func (s *SQLStore) ByCreator(ctx context.Context, creator string) ([]*Schedule, error) {
	return s.list(ctx, `SELECT * FROM schedules WHERE creator = ? ORDER BY created_at`, creator)
}

// ByWorkflow lists schedules firing a workflow.
func (s *SQLStore) ByWorkflow(ctx context.Context, workflow string) ([]*Schedule, error) {
	return s.list(ctx, `SELECT * FROM schedules WHERE workflow = ? ORDER BY created_at`, workflow)
}

// Active lists schedules that may still fire.
func (s *SQLStore) Active(ctx context.Context) ([]*Schedule, error) {
	return s.list(ctx, `SELECT * FROM schedules WHERE status = ? ORDER BY next_run_at`, string(StatusActive))
}

// Due returns active schedules whose next run is at or before now.
func (s *SQLStore) Due(ctx context.Context, now time.Time) ([]*Schedule, error) {
	return s.list(ctx,
		`SELECT * FROM schedules WHERE status = ? AND next_run_at > 0 AND next_run_at <= ? ORDER BY next_run_at`,
		string(StatusActive), now.UnixMilli())
}

func (s *SQLStore) list(ctx context.Context, query string, args ...any) ([]*Schedule, error) {
	var rows []scheduleRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	out := make([]*Schedule, 0, len(rows))
	for i := range rows {
		sched, err := rows[i].toSchedule()
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	return out, nil
}

// Stats summarizes the store.
func (s *SQLStore) Stats(ctx context.Context) (*Stats, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM schedules GROUP BY status`); err != nil {
		return nil, fmt.Errorf("schedule stats: %w", err)
	}
	stats := &Stats{}
	for _, r := range rows {
		stats.Total += r.N
		switch Status(r.Status) {
		case StatusActive:
			stats.Active = r.N
		case StatusPaused:
			stats.Paused = r.N
		case StatusCompleted:
			stats.Completed = r.N
		case StatusFailed:
			stats.Failed = r.N
		}
	}
	return stats, nil
}

// TryAcquireLock takes the named lease when free or expired. The insert is
// the atomicity point; a conflicting row that has not expired wins.
func (s *SQLStore) TryAcquireLock(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		s.db.Rebind(`DELETE FROM schedule_locks WHERE name = ? AND expires_at < ?`),
		name, now.UnixMilli()); err != nil {
		return false, fmt.Errorf("expire lock: %w", err)
	}
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`INSERT INTO schedule_locks (name, token, expires_at) VALUES (?, ?, ?) ON CONFLICT (name) DO NOTHING`),
		name, token, now.Add(ttl).UnixMilli())
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	var holder string
	if err := s.db.GetContext(ctx, &holder,
		s.db.Rebind(`SELECT token FROM schedule_locks WHERE name = ?`), name); err != nil {
		return false, fmt.Errorf("check lock holder: %w", err)
	}
	return holder == token, nil
}

// RenewLock extends a held lease.
func (s *SQLStore) RenewLock(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE schedule_locks SET expires_at = ? WHERE name = ? AND token = ?`),
		time.Now().UTC().Add(ttl).UnixMilli(), name, token)
	if err != nil {
		return false, fmt.Errorf("renew lock: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReleaseLock frees the lease when still held by token. Releasing a lease
// another replica took over is a no-op.
func (s *SQLStore) ReleaseLock(ctx context.Context, name, token string) error {
	if _, err := s.db.ExecContext(ctx,
		s.db.Rebind(`DELETE FROM schedule_locks WHERE name = ? AND token = ?`),
		name, token); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}
