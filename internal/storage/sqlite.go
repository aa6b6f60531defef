package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"secretariat/internal/task"
	logx "secretariat/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db    *sql.DB
	log   logx.Logger
	lease time.Duration
}

func openSQLite(cfg Config, log logx.Logger) (*sqliteStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers, which is what makes ClaimDue atomic.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, lease: cfg.lease()}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Info("sqlite store opened", logx.String("path", path), logx.Duration("lease", st.lease))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/sqlite.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	return task.Unavailable("sqlite: ping", s.db.PingContext(ctx))
}

func (s *sqliteStore) Create(ctx context.Context, t *task.Task) (string, error) {
	row, err := prepareCreate(t, time.Now())
	if err != nil {
		return "", err
	}
	if err := s.insert(ctx, row); err != nil {
		if isDuplicateKey(err) {
			return "", &task.ValidationError{Field: "id", Reason: "already exists"}
		}
		return "", task.Unavailable("sqlite: create", err)
	}
	return row.ID, nil
}

func isDuplicateKey(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}

// Put inserts or replaces t verbatim.
func (s *sqliteStore) Put(ctx context.Context, t *task.Task) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, t.ID); err != nil {
		return task.Unavailable("sqlite: put", err)
	}
	return task.Unavailable("sqlite: put", s.insert(ctx, t))
}

func (s *sqliteStore) insert(ctx context.Context, t *task.Task) error {
	rule, err := t.Rule.EncodeJSON()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks(`+taskColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.OwnerRef, t.Description, string(rule), t.ChannelRef, boolInt(t.Interactive), string(t.Status),
		fmtTimePtr(t.NextFireAt), fmtTimePtr(t.LastFiredAt), t.OccurrencesFired, fmtTimePtr(t.ClaimedAt),
		t.DeliveryAttempts, nullStr(t.LastError), fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt),
	)
	return err
}

func (s *sqliteStore) Get(ctx context.Context, id string) (*task.Task, error) {
	t, err := scanSQLiteTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, task.ErrNotFound
	}
	if err != nil {
		return nil, task.Unavailable("sqlite: get "+id, err)
	}
	return t, nil
}

func (s *sqliteStore) query(ctx context.Context, op, q string, args ...any) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, task.Unavailable("sqlite: "+op, err)
	}
	defer rows.Close()
	var out []*task.Task
	for rows.Next() {
		t, err := scanSQLiteTask(rows)
		if err != nil {
			return nil, task.Unavailable("sqlite: "+op, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, task.Unavailable("sqlite: "+op, err)
	}
	sortByNextFire(out)
	return out, nil
}

func (s *sqliteStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*task.Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	ts := fmtTime(now)
	return s.query(ctx, "claim due",
		`UPDATE tasks SET claimed_at = ?, updated_at = ?
		 WHERE id IN (
		   SELECT id FROM tasks
		   WHERE status = 'active' AND next_fire_at IS NOT NULL AND next_fire_at <= ?
		     AND (claimed_at IS NULL OR claimed_at <= ?)
		   ORDER BY next_fire_at, id
		   LIMIT ?)
		 RETURNING `+taskColumns,
		ts, fmtTime(time.Now()), ts, fmtTime(now.Add(-s.lease)), limit,
	)
}

// resolve turns a no-op conditional update into ErrNotFound or ErrClaimConflict.
func (s *sqliteStore) resolve(ctx context.Context, op, id string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return task.Unavailable("sqlite: "+op, err)
	}
	if n > 0 {
		return nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, id).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return task.ErrNotFound
	case err != nil:
		return task.Unavailable("sqlite: "+op, err)
	}
	return task.ErrClaimConflict
}

func (s *sqliteStore) Advance(ctx context.Context, c Claim, next *time.Time, firedAt time.Time) error {
	nextArg := fmtTimePtr(next)
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET
		   last_fired_at = ?,
		   occurrences_fired = occurrences_fired + 1,
		   delivery_attempts = 0,
		   last_error = NULL,
		   claimed_at = NULL,
		   next_fire_at = CASE WHEN status = 'active' THEN ? ELSE NULL END,
		   status = CASE WHEN status = 'active' AND ? IS NULL THEN 'completed' ELSE status END,
		   updated_at = ?
		 WHERE id = ? AND claimed_at = ?`,
		fmtTime(firedAt), nextArg, nextArg, fmtTime(time.Now()), c.ID, fmtTime(c.At),
	)
	if err != nil {
		return task.Unavailable("sqlite: advance", err)
	}
	return s.resolve(ctx, "advance", c.ID, res)
}

func (s *sqliteStore) Release(ctx context.Context, c Claim, cause error) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET claimed_at = NULL, delivery_attempts = delivery_attempts + 1, last_error = ?, updated_at = ?
		 WHERE id = ? AND claimed_at = ?`,
		nullStr(causeText(cause)), fmtTime(time.Now()), c.ID, fmtTime(c.At),
	)
	if err != nil {
		return task.Unavailable("sqlite: release", err)
	}
	return s.resolve(ctx, "release", c.ID, res)
}

func (s *sqliteStore) MarkFailed(ctx context.Context, c Claim, cause error) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET
		   claimed_at = NULL,
		   delivery_attempts = delivery_attempts + 1,
		   last_error = ?,
		   next_fire_at = CASE WHEN status = 'active' THEN NULL ELSE next_fire_at END,
		   status = CASE WHEN status = 'active' THEN 'delivery_failed' ELSE status END,
		   updated_at = ?
		 WHERE id = ? AND claimed_at = ?`,
		nullStr(causeText(cause)), fmtTime(time.Now()), c.ID, fmtTime(c.At),
	)
	if err != nil {
		return task.Unavailable("sqlite: mark failed", err)
	}
	return s.resolve(ctx, "mark failed", c.ID, res)
}

func (s *sqliteStore) UpsertStatus(ctx context.Context, id string, status task.Status, next *time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return task.Unavailable("sqlite: upsert status", err)
	}
	defer func() { _ = tx.Rollback() }()

	var from string
	err = tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&from)
	if errors.Is(err, sql.ErrNoRows) {
		return task.ErrNotFound
	}
	if err != nil {
		return task.Unavailable("sqlite: upsert status", err)
	}
	if err := checkStatusChange(id, task.Status(from), status, next); err != nil {
		return err
	}
	resetFailures := status == task.StatusActive && task.Status(from) != task.StatusActive
	_, err = tx.ExecContext(ctx,
		`UPDATE tasks SET
		   status = ?,
		   next_fire_at = ?,
		   delivery_attempts = CASE WHEN ? THEN 0 ELSE delivery_attempts END,
		   last_error = CASE WHEN ? THEN NULL ELSE last_error END,
		   updated_at = ?
		 WHERE id = ?`,
		string(status), fmtTimePtr(next), boolInt(resetFailures), boolInt(resetFailures), fmtTime(time.Now()), id,
	)
	if err != nil {
		return task.Unavailable("sqlite: upsert status", err)
	}
	return task.Unavailable("sqlite: upsert status", tx.Commit())
}

func (s *sqliteStore) ListActive(ctx context.Context, ownerRef string) ([]*task.Task, error) {
	return s.query(ctx, "list active",
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status IN ('active', 'paused', 'delivery_failed') AND (? = '' OR owner_ref = ?)
		 ORDER BY next_fire_at IS NULL, next_fire_at, created_at`,
		ownerRef, ownerRef,
	)
}

func (s *sqliteStore) exec(ctx context.Context, op, q string, args ...any) (int, error) {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, task.Unavailable("sqlite: "+op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, task.Unavailable("sqlite: "+op, err)
	}
	return int(n), nil
}

func (s *sqliteStore) ExpireClaims(ctx context.Context, before time.Time) (int, error) {
	return s.exec(ctx, "expire claims",
		`UPDATE tasks SET claimed_at = NULL, updated_at = ? WHERE claimed_at IS NOT NULL AND claimed_at <= ?`,
		fmtTime(time.Now()), fmtTime(before),
	)
}

func (s *sqliteStore) Repair(ctx context.Context, now time.Time) (int, error) {
	return s.exec(ctx, "repair",
		`UPDATE tasks SET next_fire_at = NULL, updated_at = ? WHERE status <> 'active' AND next_fire_at IS NOT NULL`,
		fmtTime(now),
	)
}

func (s *sqliteStore) ListBroken(ctx context.Context) ([]*task.Task, error) {
	return s.query(ctx, "list broken",
		`SELECT `+taskColumns+` FROM tasks WHERE status = 'active' AND next_fire_at IS NULL ORDER BY created_at`,
	)
}

func (s *sqliteStore) PurgeTerminal(ctx context.Context, before time.Time) (int, error) {
	return s.exec(ctx, "purge terminal",
		`DELETE FROM tasks WHERE status IN ('completed', 'cancelled') AND updated_at < ?`,
		fmtTime(before),
	)
}
