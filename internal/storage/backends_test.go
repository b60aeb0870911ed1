package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseKV(t *testing.T, kv KV) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := kv.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, kv.Set(ctx, "k", "v1"))
	require.NoError(t, kv.Set(ctx, "k", "v2"))
	v, ok, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v2", v)

	require.NoError(t, kv.Delete(ctx, "k"))
	require.NoError(t, kv.Delete(ctx, "k"), "deleting a missing key is not an error")
	_, ok, err = kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryKV(t *testing.T) {
	exerciseKV(t, NewMemoryKV())
}

func TestBoltKV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "chat.db")
	kv, err := NewBoltKV(path)
	require.NoError(t, err)
	defer kv.Close()
	exerciseKV(t, kv)
}

func TestBoltKVSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chat.db")
	kv, err := NewBoltKV(path)
	require.NoError(t, err)
	require.NoError(t, kv.Set(ctx, "ops-chat-conversation-id-guest", "c1"))
	require.NoError(t, kv.Close())

	kv, err = NewBoltKV(path)
	require.NoError(t, err)
	defer kv.Close()
	v, ok, err := kv.Get(ctx, "ops-chat-conversation-id-guest")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "c1", v)
}

func TestSQLiteKV(t *testing.T) {
	kv, err := NewSQLiteKV(context.Background(), filepath.Join(t.TempDir(), "chat.sqlite"))
	require.NoError(t, err)
	defer kv.Close()
	exerciseKV(t, kv)
}

func TestPostgresKV(t *testing.T) {
	url := os.Getenv("CHAT_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("CHAT_TEST_DATABASE_URL not set")
	}
	kv, err := NewPostgresKV(context.Background(), url)
	require.NoError(t, err)
	defer kv.Close()
	exerciseKV(t, kv)
}

func TestNewKVDriverSelection(t *testing.T) {
	ctx := context.Background()

	kv, err := NewKV(ctx, Config{Driver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryKV{}, kv)

	kv, err = NewKV(ctx, Config{Path: filepath.Join(t.TempDir(), "auto.db")})
	require.NoError(t, err)
	assert.IsType(t, &BoltKV{}, kv)
	require.NoError(t, kv.Close())

	_, err = NewKV(ctx, Config{Driver: "sqlite"})
	assert.Error(t, err)
	_, err = NewKV(ctx, Config{Driver: "redis"})
	assert.Error(t, err)
}
