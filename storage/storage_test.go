package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dszqbsm/policedata/collect"
	"github.com/dszqbsm/policedata/parse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func crimeSchema() *parse.Schema {
	return &parse.Schema{
		Name: "crimes",
		Key:  []string{"crime_id"},
		Fields: []parse.Field{
			{Name: "crime_id", Type: parse.TypeString, Required: true},
			{Name: "crime_type", Type: parse.TypeString},
		},
	}
}

func crime(s *parse.Schema, cursor collect.Cursor, id, kind string) *parse.Record {
	return parse.NewRecord(s, cursor, []parse.Value{
		{Kind: parse.KindString, Str: id},
		{Kind: parse.KindString, Str: kind},
	})
}

func TestNewBatch(t *testing.T) {
	s := crimeSchema()
	b, err := NewBatch(s, 2, crime(s, 3, "a", "burglary"), crime(s, 1, "b", "drugs"))
	require.NoError(t, err)
	assert.Equal(t, collect.Cursor(3), b.MaxCursor())
	assert.Equal(t, 2, b.Len())

	empty, err := NewBatch(s, 9)
	require.NoError(t, err)
	assert.Equal(t, collect.Cursor(9), empty.MaxCursor())

	other := &parse.Schema{Name: "stops", Fields: []parse.Field{{Name: "id", Type: parse.TypeString}}}
	_, err = NewBatch(s, 1, crime(s, 1, "a", "x"), parse.NewRecord(other, 1, []parse.Value{{Kind: parse.KindString, Str: "z"}}))
	assert.ErrorIs(t, err, ErrSchemaConflict)
}

func TestDedupLastWins(t *testing.T) {
	s := crimeSchema()
	b, err := NewBatch(s, 1,
		crime(s, 1, "a", "burglary"),
		crime(s, 1, "b", "drugs"),
		crime(s, 1, "a", "robbery"),
	)
	require.NoError(t, err)

	d, dups := b.Dedup()
	assert.Equal(t, 1, dups)
	require.Equal(t, 2, d.Len())
	v, _ := d.Records()[0].Get("crime_type")
	assert.Equal(t, "robbery", v.Str)
	assert.Equal(t, 3, b.Len())
}

func TestMemStoreDuplicateKeyBatch(t *testing.T) {
	s := crimeSchema()
	store := NewMemStore()
	l, err := NewLoader(store, WithSource("crimes"))
	require.NoError(t, err)

	b, err := NewBatch(s, 1, crime(s, 1, "a", "burglary"), crime(s, 1, "a", "robbery"))
	require.NoError(t, err)
	res, err := l.Load(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rows)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, 1, store.Count("crimes"))
}

func TestLoadIdempotent(t *testing.T) {
	s := crimeSchema()
	store := NewMemStore()
	l, err := NewLoader(store, WithSource("crimes"))
	require.NoError(t, err)
	ctx := context.Background()

	b, err := NewBatch(s, 2, crime(s, 1, "a", "burglary"), crime(s, 2, "b", "drugs"))
	require.NoError(t, err)
	_, err = l.Load(ctx, b)
	require.NoError(t, err)
	_, err = l.Load(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, 2, store.Count("crimes"))

	cp, ok, err := store.Checkpoint(ctx, "crimes")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, collect.Cursor(2), cp.Cursor)
}

// 前几次提交返回指定错误的数仓
type flakyStore struct {
	*MemStore
	failures []error
	calls    int
}

func (f *flakyStore) Commit(ctx context.Context, b *LoadBatch, cp Checkpoint) (int, error) {
	f.calls++
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return 0, err
	}
	return f.MemStore.Commit(ctx, b, cp)
}

func fastBackoff() collect.Backoff {
	return collect.Backoff{MaxAttempts: 3, Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 2}
}

func TestLoadRetriesConnectivity(t *testing.T) {
	s := crimeSchema()
	store := &flakyStore{MemStore: NewMemStore(), failures: []error{
		Connectivity("commit", errors.New("connection reset")),
		Connectivity("commit", errors.New("connection reset")),
	}}
	l, err := NewLoader(store, WithSource("crimes"), WithRunID("run-1"), WithBackoff(fastBackoff()))
	require.NoError(t, err)

	b, err := NewBatch(s, 5, crime(s, 5, "a", "burglary"))
	require.NoError(t, err)
	res, err := l.Load(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, "run-1", res.Checkpoint.RunID)
	assert.Equal(t, int64(1), res.Checkpoint.Rows)
	assert.Equal(t, 3, store.calls)
}

func TestLoadSchemaMismatchFatal(t *testing.T) {
	s := crimeSchema()
	store := &flakyStore{MemStore: NewMemStore(), failures: []error{
		SchemaMismatch("commit", errors.New("no such column: crime_type")),
	}}
	l, err := NewLoader(store, WithSource("crimes"), WithBackoff(fastBackoff()))
	require.NoError(t, err)

	b, err := NewBatch(s, 5, crime(s, 5, "a", "burglary"))
	require.NoError(t, err)
	_, err = l.Load(context.Background(), b)
	assert.True(t, IsSchemaMismatch(err))
	assert.Equal(t, 1, store.calls)

	_, ok, err := store.Checkpoint(context.Background(), "crimes")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, collect.Cursor(0), l.Last().Cursor)
}

func TestLoaderResumeAccumulatesRows(t *testing.T) {
	s := crimeSchema()
	store := NewMemStore()
	ctx := context.Background()

	first, err := NewLoader(store, WithSource("crimes"))
	require.NoError(t, err)
	b, _ := NewBatch(s, 3, crime(s, 3, "a", "x"), crime(s, 3, "b", "y"))
	_, err = first.Load(ctx, b)
	require.NoError(t, err)

	second, err := NewLoader(store, WithSource("crimes"))
	require.NoError(t, err)
	cp, ok, err := second.Resume(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, collect.Cursor(3), cp.Cursor)

	b, _ = NewBatch(s, 4, crime(s, 4, "c", "z"))
	res, err := second.Load(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Checkpoint.Rows)
	assert.Equal(t, collect.Cursor(4), res.Checkpoint.Cursor)
}

func TestCheckColumns(t *testing.T) {
	assert.NoError(t, CheckColumns("t", nil, []string{"a"}))
	assert.NoError(t, CheckColumns("t", []string{"a", "b"}, []string{"a"}))
	assert.True(t, IsSchemaMismatch(CheckColumns("t", []string{"a"}, []string{"a", "b"})))
}
