package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"secretariat/internal/storage"
	"secretariat/internal/storage/storetest"
)

func TestMemoryConformance(t *testing.T) {
	storetest.Suite{
		Lease: time.Minute,
		Open: func(t *testing.T) storage.Store {
			return storage.NewMemory(storage.Config{LeaseTimeout: time.Minute})
		},
	}.Run(t)
}

func TestOpenDrivers(t *testing.T) {
	st, err := storage.Open(storage.Config{}, logxNop())
	require.NoError(t, err)
	require.NoError(t, st.Ping(context.Background()))
	require.NoError(t, st.Close())

	_, err = storage.Open(storage.Config{Driver: "sqlite"}, logxNop())
	require.Error(t, err, "sqlite without a path")

	_, err = storage.Open(storage.Config{Driver: "postgres"}, logxNop())
	require.Error(t, err, "postgres without a dsn")

	_, err = storage.Open(storage.Config{Driver: "mongo"}, logxNop())
	require.ErrorContains(t, err, "unknown storage driver")
}
