package state

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSQLiteKV(t *testing.T) {
	kv, err := OpenSQLiteKV(filepath.Join(t.TempDir(), "rollcall.db"))
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	exerciseKV(t, kv)
}

func TestSQLiteKVSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rollcall.db")
	ctx := context.Background()

	kv, err := OpenSQLiteKV(path)
	require.NoError(t, err)
	require.NoError(t, kv.Set(ctx, KeyLastBackupTime, "2024-03-01T10:00:00Z"))
	require.NoError(t, kv.Close())

	reopened, err := OpenSQLiteKV(path)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	v, err := reopened.Get(ctx, KeyLastBackupTime)
	require.NoError(t, err)
	require.Equal(t, "2024-03-01T10:00:00Z", v)
}
