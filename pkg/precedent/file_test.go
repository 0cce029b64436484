package precedent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleanor-project/eje/pkg/contracts"
)

func TestFileBackendPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "precedents.jsonl")

	b, err := OpenFileBackend(path)
	require.NoError(t, err)

	ts := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	rec := testRecord(t, "dec-1", "persist me", contracts.VerdictAllow, 0.8, ts)
	id, err := b.Put(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, "dec-1", id)

	reopened, err := OpenFileBackend(path)
	require.NoError(t, err)

	got, err := reopened.GetByID(ctx, "dec-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "persist me", got.Input.Text)
	assert.Equal(t, rec.CaseHash, got.CaseHash)
	assert.Equal(t, rec.Embedding, got.Embedding)
}

func TestFileBackendIdempotencySurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "precedents.jsonl")

	b, err := OpenFileBackend(path)
	require.NoError(t, err)
	ts := time.Now().UTC()
	_, err = b.Put(ctx, testRecord(t, "dec-1", "same case", contracts.VerdictAllow, 0.8, ts))
	require.NoError(t, err)

	reopened, err := OpenFileBackend(path)
	require.NoError(t, err)
	id, err := reopened.Put(ctx, testRecord(t, "dec-2", "same case", contracts.VerdictDeny, 0.2, ts))
	require.NoError(t, err)
	assert.Equal(t, "dec-1", id)

	// The duplicate must not have been appended.
	third, err := OpenFileBackend(path)
	require.NoError(t, err)
	matches, err := third.Query(ctx, nil, SearchOptions{MinSimilarity: -1})
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestFileBackendRepeatedPutSameID(t *testing.T) {
	ctx := context.Background()
	b, err := OpenFileBackend(filepath.Join(t.TempDir(), "precedents.jsonl"))
	require.NoError(t, err)

	rec := testRecord(t, "dec-1", "stored twice", contracts.VerdictAllow, 0.8, time.Now().UTC())
	first, err := b.Put(ctx, rec)
	require.NoError(t, err)
	second, err := b.Put(ctx, rec.Clone())
	require.NoError(t, err)
	assert.Equal(t, first, second)

	matches, err := b.Query(ctx, nil, SearchOptions{MinSimilarity: -1})
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestFileBackendDeleteRewritesFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "precedents.jsonl")

	b, err := OpenFileBackend(path)
	require.NoError(t, err)
	ts := time.Now().UTC()
	_, err = b.Put(ctx, testRecord(t, "dec-1", "first case", contracts.VerdictAllow, 0.8, ts))
	require.NoError(t, err)
	_, err = b.Put(ctx, testRecord(t, "dec-2", "second case", contracts.VerdictDeny, 0.6, ts))
	require.NoError(t, err)

	require.NoError(t, b.Delete(ctx, "dec-1"))

	reopened, err := OpenFileBackend(path)
	require.NoError(t, err)
	gone, err := reopened.GetByID(ctx, "dec-1")
	require.NoError(t, err)
	assert.Nil(t, gone)
	kept, err := reopened.GetByID(ctx, "dec-2")
	require.NoError(t, err)
	require.NotNil(t, kept)
	assert.Equal(t, "second case", kept.Input.Text)
}

func TestFileBackendCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "precedents.jsonl")
	b, err := OpenFileBackend(path)
	require.NoError(t, err)

	_, err = b.Put(context.Background(), testRecord(t, "dec-1", "nested", contracts.VerdictAllow, 0.8, time.Now().UTC()))
	require.NoError(t, err)
	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestFileBackendRejectsEmptyPath(t *testing.T) {
	_, err := OpenFileBackend("")
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.ErrConfiguration))
}

func TestFileBackendRejectsCorruptLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "precedents.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{not json\n"), 0o644))

	_, err := OpenFileBackend(path)
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.ErrPrecedentStore))
}
