package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/me/dammer/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// --- Recorder ---

// StartRun inserts run and its units in plan order.
func (s *SQLiteStore) StartRun(ctx context.Context, run *model.Run) error {
	s.logger.Debug("sql", "op", "insert", "table", "runs", "id", run.ID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, name, state, error, created_at, completed_at) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.Name, string(run.State), run.Error,
		run.CreatedAt.Format(time.RFC3339Nano), formatTime(run.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	for _, o := range run.Units {
		if err := upsertUnit(ctx, tx, run.ID, o); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UpdateUnit records the latest outcome of one unit.
func (s *SQLiteStore) UpdateUnit(ctx context.Context, runID string, o model.Outcome) error {
	s.logger.Debug("sql", "op", "upsert", "table", "units", "run_id", runID, "unit_id", o.UnitID, "state", o.State)
	return upsertUnit(ctx, s.db, runID, o)
}

// FinishRun stores the final run state together with every unit outcome.
func (s *SQLiteStore) FinishRun(ctx context.Context, run *model.Run) error {
	s.logger.Debug("sql", "op", "update", "table", "runs", "id", run.ID, "state", run.State)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET state = ?, error = ?, completed_at = ? WHERE id = ?`,
		string(run.State), run.Error, formatTime(run.CompletedAt), run.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", run.ID)
	}
	for _, o := range run.Units {
		if err := upsertUnit(ctx, tx, run.ID, o); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// upsertUnit inserts or replaces a unit row. New units are appended after
// the run's existing units.
func upsertUnit(ctx context.Context, db execer, runID string, o model.Outcome) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO units (run_id, unit_id, position, state, handle, error_kind, error, submitted_at, completed_at)
		 VALUES (?, ?, (SELECT COUNT(*) FROM units WHERE run_id = ?), ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (run_id, unit_id) DO UPDATE SET
			state = excluded.state,
			handle = excluded.handle,
			error_kind = excluded.error_kind,
			error = excluded.error,
			submitted_at = excluded.submitted_at,
			completed_at = excluded.completed_at`,
		runID, o.UnitID, runID, string(o.State), string(o.Handle), string(o.ErrorKind), o.Error,
		formatTime(o.SubmittedAt), formatTime(o.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert unit %s: %w", o.UnitID, err)
	}
	return nil
}

// --- Queries ---

// GetRun returns the run with its units, or nil if it does not exist.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	s.logger.Debug("sql", "op", "select", "table", "runs", "id", id)

	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, state, error, created_at, completed_at FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT unit_id, state, handle, error_kind, error, submitted_at, completed_at
		 FROM units WHERE run_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var o model.Outcome
		var state, handle, kind string
		var submittedAt, completedAt *string
		if err := rows.Scan(&o.UnitID, &state, &handle, &kind, &o.Error, &submittedAt, &completedAt); err != nil {
			return nil, err
		}
		o.State = model.UnitState(state)
		o.Handle = model.JobHandle(handle)
		o.ErrorKind = model.ErrorKind(kind)
		o.SubmittedAt = parseTime(submittedAt)
		o.CompletedAt = parseTime(completedAt)
		run.Units = append(run.Units, o)
	}
	return run, rows.Err()
}

// ListRuns returns runs newest first, without their units.
func (s *SQLiteStore) ListRuns(ctx context.Context, opts model.ListOptions) ([]*model.Run, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "runs", "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	var whereClauses []string
	var countArgs []any
	if opts.State != "" {
		whereClauses = append(whereClauses, "state = ?")
		countArgs = append(countArgs, strings.ToUpper(opts.State))
	}
	whereSQL := ""
	if len(whereClauses) > 0 {
		whereSQL = " WHERE " + strings.Join(whereClauses, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`+whereSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	listQuery := `SELECT id, name, state, error, created_at, completed_at FROM runs` + whereSQL +
		` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	listArgs := append(countArgs, opts.Limit, opts.Offset)
	rows, err := s.db.QueryContext(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, run)
	}
	return runs, total, rows.Err()
}

// DeleteRun removes a run and its units.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	s.logger.Debug("sql", "op", "delete", "table", "runs", "id", id)
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*model.Run, error) {
	var run model.Run
	var state, createdAt string
	var completedAt *string
	if err := row.Scan(&run.ID, &run.Name, &state, &run.Error, &createdAt, &completedAt); err != nil {
		return nil, err
	}
	run.State = model.RunState(state)
	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	run.CompletedAt = parseTime(completedAt)
	return &run, nil
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return nil
	}
	return &t
}
