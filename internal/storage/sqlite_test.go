package storage_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secretariat/internal/storage"
	"secretariat/internal/storage/storetest"
	"secretariat/internal/task"
	logx "secretariat/pkg/logx"
)

func logxNop() logx.Logger { return logx.Nop() }

func openSQLite(t *testing.T, path string) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: path, LeaseTimeout: time.Minute}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSQLiteConformance(t *testing.T) {
	storetest.Suite{
		Lease: time.Minute,
		Open: func(t *testing.T) storage.Store {
			return openSQLite(t, filepath.Join(t.TempDir(), "tasks.db"))
		},
	}.Run(t)
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "tasks.db")
	next := time.Date(2025, 9, 25, 6, 0, 0, 0, time.UTC)

	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	in := storetest.NewTask("alice", next)
	id, err := st.Create(ctx, in)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st = openSQLite(t, path)
	got, err := st.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusActive, got.Status)
	require.NotNil(t, got.NextFireAt)
	assert.True(t, next.Equal(*got.NextFireAt))
	assert.Equal(t, in.Rule.TimeOfDay, got.Rule.TimeOfDay)
}
