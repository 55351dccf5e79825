package kv_test

import (
	"bytes"
	"context"
	"errors"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prototypia/internal/db"
	"prototypia/internal/kv"
	"prototypia/internal/migrate"
)

func exerciseStore(t *testing.T, s kv.Store) {
	t.Helper()
	ctx := context.Background()
	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, kv.ErrNotFound)

	require.NoError(t, s.Put(ctx, "a", []byte("one")))
	require.NoError(t, s.Put(ctx, "a", []byte("two")))
	v, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "two", string(v))

	require.NoError(t, s.Delete(ctx, "a"))
	_, err = s.Get(ctx, "a")
	require.ErrorIs(t, err, kv.ErrNotFound)
	require.NoError(t, s.Delete(ctx, "a"))
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, kv.NewMemory())
}

func TestSQLiteStore(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn))
	exerciseStore(t, kv.SQLite{DB: conn})
}

type brokenStore struct{}

var errDiskGone = errors.New("disk gone")

func (brokenStore) Get(context.Context, string) ([]byte, error) { return nil, errDiskGone }
func (brokenStore) Put(context.Context, string, []byte) error   { return errDiskGone }
func (brokenStore) Delete(context.Context, string) error        { return errDiskGone }

func TestFallbackDegradesToMemory(t *testing.T) {
	var logs bytes.Buffer
	f := kv.NewFallback(brokenStore{}, log.New(&logs, "", 0))
	ctx := context.Background()

	require.NoError(t, f.Put(ctx, "k", []byte("v")))
	assert.True(t, f.Degraded())
	assert.Contains(t, logs.String(), "persistence unavailable")

	v, err := f.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(v))
	exerciseStore(t, f)
}

func TestFallbackKeepsHealthyPrimary(t *testing.T) {
	primary := kv.NewMemory()
	f := kv.NewFallback(primary, nil)
	ctx := context.Background()
	require.NoError(t, f.Put(ctx, "k", []byte("v")))
	assert.False(t, f.Degraded())
	v, err := primary.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(v))
}

// failingStore wraps a Memory and starts failing once broken is set.
type failingStore struct {
	*kv.Memory
	broken bool
}

func (s *failingStore) Get(ctx context.Context, key string) ([]byte, error) {
	if s.broken {
		return nil, errDiskGone
	}
	return s.Memory.Get(ctx, key)
}

func (s *failingStore) Put(ctx context.Context, key string, value []byte) error {
	if s.broken {
		return errDiskGone
	}
	return s.Memory.Put(ctx, key, value)
}

func (s *failingStore) Delete(ctx context.Context, key string) error {
	if s.broken {
		return errDiskGone
	}
	return s.Memory.Delete(ctx, key)
}

func TestFallbackKeepsLastKnownValues(t *testing.T) {
	ctx := context.Background()
	primary := &failingStore{Memory: kv.NewMemory()}
	require.NoError(t, primary.Memory.Put(ctx, "read", []byte("from disk")))
	f := kv.NewFallback(primary, log.New(&bytes.Buffer{}, "", 0))

	require.NoError(t, f.Put(ctx, "written", []byte("one")))
	v, err := f.Get(ctx, "read")
	require.NoError(t, err)
	require.Equal(t, "from disk", string(v))
	require.NoError(t, f.Put(ctx, "gone", []byte("x")))
	require.NoError(t, f.Delete(ctx, "gone"))

	primary.broken = true
	v, err = f.Get(ctx, "written")
	require.NoError(t, err)
	assert.True(t, f.Degraded())
	assert.Equal(t, "one", string(v))

	v, err = f.Get(ctx, "read")
	require.NoError(t, err)
	assert.Equal(t, "from disk", string(v))

	_, err = f.Get(ctx, "gone")
	require.ErrorIs(t, err, kv.ErrNotFound)
}
