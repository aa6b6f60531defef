package storage_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"secretariat/internal/storage"
	"secretariat/internal/storage/storetest"
	logx "secretariat/pkg/logx"
)

// Set SECRETARIAT_TEST_POSTGRES_DSN to run against a scratch database; the
// tasks table is truncated before every subtest.
const postgresDSNEnv = "SECRETARIAT_TEST_POSTGRES_DSN"

func TestPostgresConformance(t *testing.T) {
	dsn := os.Getenv(postgresDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", postgresDSNEnv)
	}
	storetest.Suite{
		Lease: time.Minute,
		Open: func(t *testing.T) storage.Store {
			st, err := storage.Open(storage.Config{Driver: "postgres", DSN: dsn, LeaseTimeout: time.Minute}, logx.Nop())
			require.NoError(t, err)
			t.Cleanup(func() { _ = st.Close() })

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			pool, err := pgxpool.New(ctx, dsn)
			require.NoError(t, err)
			defer pool.Close()
			_, err = pool.Exec(ctx, "TRUNCATE tasks")
			require.NoError(t, err)
			return st
		},
	}.Run(t)
}
