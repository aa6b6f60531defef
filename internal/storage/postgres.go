package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"secretariat/internal/task"
	logx "secretariat/pkg/logx"
)

type pgStore struct {
	pool  *pgxpool.Pool
	log   logx.Logger
	lease time.Duration
}

func openPostgres(cfg Config, log logx.Logger) (*pgStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	st := &pgStore{pool: pool, log: log, lease: cfg.lease()}
	if err := st.EnsureTable(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Info("postgres store opened", logx.String("host", pool.Config().ConnConfig.Host), logx.Duration("lease", st.lease))
	return st, nil
}

// EnsureTable creates the tasks table and its indexes if they don't exist.
func (s *pgStore) EnsureTable(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/postgres.sql")
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, string(b))
	return err
}

func (s *pgStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *pgStore) Ping(ctx context.Context) error {
	return task.Unavailable("postgres: ping", s.pool.Ping(ctx))
}

func scanPgTask(sc rowScanner) (*task.Task, error) {
	var (
		t       task.Task
		rule    []byte
		status  string
		lastErr *string
	)
	if err := sc.Scan(&t.ID, &t.OwnerRef, &t.Description, &rule, &t.ChannelRef, &t.Interactive, &status,
		&t.NextFireAt, &t.LastFiredAt, &t.OccurrencesFired, &t.ClaimedAt, &t.DeliveryAttempts, &lastErr,
		&t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	r, err := decodeRule(rule)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", t.ID, err)
	}
	t.Rule = r
	t.Status = task.Status(status)
	if lastErr != nil {
		t.LastError = *lastErr
	}
	return &t, nil
}

func (s *pgStore) Create(ctx context.Context, t *task.Task) (string, error) {
	row, err := prepareCreate(t, time.Now().Truncate(time.Microsecond))
	if err != nil {
		return "", err
	}
	if err := s.insert(ctx, row); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return "", &task.ValidationError{Field: "id", Reason: "already exists"}
		}
		return "", task.Unavailable("postgres: create", err)
	}
	return row.ID, nil
}

// Put inserts or replaces t verbatim.
func (s *pgStore) Put(ctx context.Context, t *task.Task) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, t.ID); err != nil {
		return task.Unavailable("postgres: put", err)
	}
	return task.Unavailable("postgres: put", s.insert(ctx, t))
}

func (s *pgStore) insert(ctx context.Context, t *task.Task) error {
	rule, err := t.Rule.EncodeJSON()
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		t.ID, t.OwnerRef, t.Description, string(rule), t.ChannelRef, t.Interactive, string(t.Status),
		t.NextFireAt, t.LastFiredAt, t.OccurrencesFired, t.ClaimedAt,
		t.DeliveryAttempts, nullStr(t.LastError), t.CreatedAt, t.UpdatedAt)
	return err
}

func (s *pgStore) Get(ctx context.Context, id string) (*task.Task, error) {
	t, err := scanPgTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, task.ErrNotFound
	}
	if err != nil {
		return nil, task.Unavailable("postgres: get "+id, err)
	}
	return t, nil
}

func (s *pgStore) query(ctx context.Context, op, q string, args ...any) ([]*task.Task, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, task.Unavailable("postgres: "+op, err)
	}
	defer rows.Close()
	var out []*task.Task
	for rows.Next() {
		t, err := scanPgTask(rows)
		if err != nil {
			return nil, task.Unavailable("postgres: "+op, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, task.Unavailable("postgres: "+op, err)
	}
	sortByNextFire(out)
	return out, nil
}

func (s *pgStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*task.Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.query(ctx, "claim due", `
		UPDATE tasks SET claimed_at = $1, updated_at = now()
		WHERE id IN (
			SELECT id FROM tasks
			WHERE status = 'active' AND next_fire_at IS NOT NULL AND next_fire_at <= $1
			  AND (claimed_at IS NULL OR claimed_at <= $2)
			ORDER BY next_fire_at, id
			LIMIT $3
			FOR UPDATE SKIP LOCKED)
		RETURNING `+taskColumns,
		now, now.Add(-s.lease), limit)
}

func (s *pgStore) resolve(ctx context.Context, op, id string, tag pgconn.CommandTag) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM tasks WHERE id = $1`, id).Scan(&one)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return task.ErrNotFound
	case err != nil:
		return task.Unavailable("postgres: "+op, err)
	}
	return task.ErrClaimConflict
}

func (s *pgStore) Advance(ctx context.Context, c Claim, next *time.Time, firedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET
			last_fired_at = $2,
			occurrences_fired = occurrences_fired + 1,
			delivery_attempts = 0,
			last_error = NULL,
			claimed_at = NULL,
			next_fire_at = CASE WHEN status = 'active' THEN $3::timestamptz ELSE NULL END,
			status = CASE WHEN status = 'active' AND $3::timestamptz IS NULL THEN 'completed' ELSE status END,
			updated_at = now()
		WHERE id = $1 AND claimed_at = $4`,
		c.ID, firedAt, next, c.At)
	if err != nil {
		return task.Unavailable("postgres: advance", err)
	}
	return s.resolve(ctx, "advance", c.ID, tag)
}

func (s *pgStore) Release(ctx context.Context, c Claim, cause error) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET claimed_at = NULL, delivery_attempts = delivery_attempts + 1, last_error = $2, updated_at = now()
		WHERE id = $1 AND claimed_at = $3`,
		c.ID, nullStr(causeText(cause)), c.At)
	if err != nil {
		return task.Unavailable("postgres: release", err)
	}
	return s.resolve(ctx, "release", c.ID, tag)
}

func (s *pgStore) MarkFailed(ctx context.Context, c Claim, cause error) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET
			claimed_at = NULL,
			delivery_attempts = delivery_attempts + 1,
			last_error = $2,
			next_fire_at = CASE WHEN status = 'active' THEN NULL ELSE next_fire_at END,
			status = CASE WHEN status = 'active' THEN 'delivery_failed' ELSE status END,
			updated_at = now()
		WHERE id = $1 AND claimed_at = $3`,
		c.ID, nullStr(causeText(cause)), c.At)
	if err != nil {
		return task.Unavailable("postgres: mark failed", err)
	}
	return s.resolve(ctx, "mark failed", c.ID, tag)
}

func (s *pgStore) UpsertStatus(ctx context.Context, id string, status task.Status, next *time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return task.Unavailable("postgres: upsert status", err)
	}
	defer tx.Rollback(ctx)

	var from string
	err = tx.QueryRow(ctx, `SELECT status FROM tasks WHERE id = $1 FOR UPDATE`, id).Scan(&from)
	if errors.Is(err, pgx.ErrNoRows) {
		return task.ErrNotFound
	}
	if err != nil {
		return task.Unavailable("postgres: upsert status", err)
	}
	if err := checkStatusChange(id, task.Status(from), status, next); err != nil {
		return err
	}
	reset := status == task.StatusActive && task.Status(from) != task.StatusActive
	_, err = tx.Exec(ctx, `
		UPDATE tasks SET
			status = $2,
			next_fire_at = $3,
			delivery_attempts = CASE WHEN $4 THEN 0 ELSE delivery_attempts END,
			last_error = CASE WHEN $4 THEN NULL ELSE last_error END,
			updated_at = now()
		WHERE id = $1`,
		id, string(status), next, reset)
	if err != nil {
		return task.Unavailable("postgres: upsert status", err)
	}
	return task.Unavailable("postgres: upsert status", tx.Commit(ctx))
}

func (s *pgStore) ListActive(ctx context.Context, ownerRef string) ([]*task.Task, error) {
	return s.query(ctx, "list active", `
		SELECT `+taskColumns+` FROM tasks
		WHERE status IN ('active', 'paused', 'delivery_failed') AND ($1 = '' OR owner_ref = $1)
		ORDER BY next_fire_at NULLS LAST, created_at`,
		ownerRef)
}

func (s *pgStore) exec(ctx context.Context, op, q string, args ...any) (int, error) {
	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return 0, task.Unavailable("postgres: "+op, err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *pgStore) ExpireClaims(ctx context.Context, before time.Time) (int, error) {
	return s.exec(ctx, "expire claims",
		`UPDATE tasks SET claimed_at = NULL, updated_at = now() WHERE claimed_at IS NOT NULL AND claimed_at <= $1`,
		before)
}

func (s *pgStore) Repair(ctx context.Context, now time.Time) (int, error) {
	return s.exec(ctx, "repair",
		`UPDATE tasks SET next_fire_at = NULL, updated_at = $1 WHERE status <> 'active' AND next_fire_at IS NOT NULL`,
		now)
}

func (s *pgStore) ListBroken(ctx context.Context) ([]*task.Task, error) {
	return s.query(ctx, "list broken",
		`SELECT `+taskColumns+` FROM tasks WHERE status = 'active' AND next_fire_at IS NULL ORDER BY created_at`)
}

func (s *pgStore) PurgeTerminal(ctx context.Context, before time.Time) (int, error) {
	return s.exec(ctx, "purge terminal",
		`DELETE FROM tasks WHERE status IN ('completed', 'cancelled') AND updated_at < $1`,
		before)
}
