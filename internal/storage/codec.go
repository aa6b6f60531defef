package storage

import (
	"database/sql"
	"fmt"
	"time"

	"secretariat/internal/recurrence"
	"secretariat/internal/task"
)

// sqliteTime is fixed width so that text comparison orders instants.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

const taskColumns = `id, owner_ref, description, rule, channel_ref, interactive, status,
	next_fire_at, last_fired_at, occurrences_fired, claimed_at, delivery_attempts, last_error,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func fmtTime(t time.Time) string { return t.UTC().Format(sqliteTime) }

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTime, s)
	if err != nil {
		// Rows written by hand or older tools.
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func decodeRule(b []byte) (recurrence.Rule, error) {
	r, err := recurrence.ParseJSON(b)
	if err != nil {
		return recurrence.Rule{}, fmt.Errorf("decode rule: %w", err)
	}
	return r, nil
}

// scanSQLiteTask reads one row selected with taskColumns.
func scanSQLiteTask(sc rowScanner) (*task.Task, error) {
	var (
		t                    task.Task
		rule                 string
		interactive          int
		status               string
		next, last, claimed  sql.NullString
		lastErr              sql.NullString
		createdAt, updatedAt string
	)
	if err := sc.Scan(&t.ID, &t.OwnerRef, &t.Description, &rule, &t.ChannelRef, &interactive, &status,
		&next, &last, &t.OccurrencesFired, &claimed, &t.DeliveryAttempts, &lastErr,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if t.Rule, err = decodeRule([]byte(rule)); err != nil {
		return nil, fmt.Errorf("task %s: %w", t.ID, err)
	}
	t.Interactive = interactive != 0
	t.Status = task.Status(status)
	t.LastError = lastErr.String
	if t.NextFireAt, err = parseNullTime(next); err != nil {
		return nil, fmt.Errorf("task %s: next_fire_at: %w", t.ID, err)
	}
	if t.LastFiredAt, err = parseNullTime(last); err != nil {
		return nil, fmt.Errorf("task %s: last_fired_at: %w", t.ID, err)
	}
	if t.ClaimedAt, err = parseNullTime(claimed); err != nil {
		return nil, fmt.Errorf("task %s: claimed_at: %w", t.ID, err)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("task %s: created_at: %w", t.ID, err)
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("task %s: updated_at: %w", t.ID, err)
	}
	return &t, nil
}
