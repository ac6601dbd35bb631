package archive

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/dszqbsm/policedata/collect"
	"github.com/dszqbsm/policedata/engine"
	"github.com/dszqbsm/policedata/parse"
	"github.com/dszqbsm/policedata/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cleanTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, p := range []string{
		"kent/2023/12.csv",
		"kent/2024/01.csv",
		"avon-and-somerset/2024/01.csv",
		"avon-and-somerset/2024/02.csv",
	} {
		writeFile(t, filepath.Join(dir, filepath.FromSlash(p)), streetCSV)
	}
	return dir
}

func TestSourceOrder(t *testing.T) {
	s, err := NewSource(cleanTree(t))
	require.NoError(t, err)
	require.Equal(t, 4, s.Len())
	ctx := context.Background()

	var got []collect.Cursor
	c := collect.Cursor(0)
	for {
		p, err := s.Fetch(ctx, c)
		require.NoError(t, err)
		assert.Equal(t, collect.FormatCSV, p.Format)
		got = append(got, p.Cursor)
		if p.Done {
			break
		}
		c = p.Next
	}
	// 区域按名字排序：avon-and-somerset=0，kent=1
	assert.Equal(t, []collect.Cursor{202312001, 202401000, 202401001, 202402000}, got)

	_, err = s.Fetch(ctx, 202402001)
	assert.True(t, errors.Is(err, collect.ErrExhausted))
}

func TestSourceCursorOrder(t *testing.T) {
	s, err := NewSource(cleanTree(t))
	require.NoError(t, err)
	ctx := context.Background()

	p, err := s.Fetch(ctx, 202401000)
	require.NoError(t, err)
	assert.Equal(t, collect.Cursor(202401000), p.Cursor)

	_, err = s.Fetch(ctx, 202401000)
	assert.ErrorIs(t, err, collect.ErrCursorOrder)
}

func TestSourceFilters(t *testing.T) {
	s, err := NewSource(cleanTree(t), WithRegions("kent"), WithMonths("2024-01", "2024-02"))
	require.NoError(t, err)
	require.Equal(t, 1, s.Len())
	assert.Equal(t, collect.Cursor(202401000), s.First())

	_, err = NewSource(cleanTree(t), WithMonths("2024-02", "2024-01"))
	assert.ErrorIs(t, err, ErrMonthRange)
}

func streetSchema() *parse.Schema {
	return &parse.Schema{
		Name: "street_crimes",
		Key:  []string{"crime_id", "month_year"},
		Fields: []parse.Field{
			{Name: "crime_id", Type: parse.TypeString, Required: true},
			{Name: "month_year", Type: parse.TypeMonth, Column: "Month", Required: true},
			{Name: "police_force", Type: parse.TypeString, Column: "Falls within"},
			{Name: "longitude", Type: parse.TypeFloat, Required: true},
			{Name: "latitude", Type: parse.TypeFloat, Required: true},
			{Name: "crime_type", Type: parse.TypeString},
		},
	}
}

// 用同一个store跑一次完整的引擎，返回报告和计数
func runSource(t *testing.T, store storage.Store, dir string, opts ...Option) (*engine.Report, map[string]int64) {
	t.Helper()
	ext, err := parse.New(streetSchema())
	require.NoError(t, err)
	src, err := NewSource(dir, opts...)
	require.NoError(t, err)
	l, err := storage.NewLoader(store, storage.WithSource("street"))
	require.NoError(t, err)
	e, err := engine.New(engine.WithFetcher(src), engine.WithExtractor(ext), engine.WithLoader(l))
	require.NoError(t, err)
	rep, err := e.Run(context.Background())
	require.NoError(t, err)
	return rep, e.Counters().Snapshot()
}

func TestSourceFeedsEngine(t *testing.T) {
	dir := cleanTree(t)
	store := storage.NewMemStore()

	rep, _ := runSource(t, store, dir)
	assert.Equal(t, engine.StopDone, rep.Stopped)
	assert.Equal(t, 4, rep.Pages)
	assert.Equal(t, 0, rep.Skipped)
	assert.Equal(t, collect.Cursor(202402000), rep.Checkpoint.Cursor)
	// 每个文件的行都是 c1/c2 + 2024-01，主键相同
	assert.Equal(t, 2, store.Count("street_crimes"))

	rep, m := runSource(t, store, dir)
	assert.Equal(t, engine.StopDone, rep.Stopped)
	assert.Equal(t, 0, rep.Pages)
	assert.Equal(t, 4, rep.Skipped)
	assert.Equal(t, int64(4), m["pages_skipped"])
}

func cursorsOf(s *Source, region string) []collect.Cursor {
	var cs []collect.Cursor
	for _, f := range s.files {
		if f.Region == region {
			cs = append(cs, f.cursor)
		}
	}
	return cs
}

func TestSourceRegionAddedAfterRun(t *testing.T) {
	dir := cleanTree(t)
	store := storage.NewMemStore()
	forces := []string{"avon-and-somerset", "kent"}

	rep, _ := runSource(t, store, dir, WithRegionOrder(forces...))
	require.Equal(t, collect.Cursor(202402000), rep.Checkpoint.Cursor)
	before, err := NewSource(dir, WithRegionOrder(forces...))
	require.NoError(t, err)

	// 新启用的警队追加在配置末尾，补进来的月份早于检查点
	writeFile(t, filepath.Join(dir, "city-of-london", "2024", "01.csv"),
		"Crime ID,Month,Falls within,Longitude,Latitude,LSOA code,Crime type,Location\n"+
			"z9,2024-01,City of London Police,-0.09,51.51,E01000001,Robbery,On or near Wood Street\n")
	forces = append(forces, "city-of-london")
	after, err := NewSource(dir, WithRegionOrder(forces...))
	require.NoError(t, err)
	assert.Equal(t, cursorsOf(before, "kent"), cursorsOf(after, "kent"))
	assert.Equal(t, cursorsOf(before, "avon-and-somerset"), cursorsOf(after, "avon-and-somerset"))
	assert.Equal(t, []collect.Cursor{202401002}, cursorsOf(after, "city-of-london"))

	rep, m := runSource(t, store, dir, WithRegionOrder(forces...))
	assert.Equal(t, engine.StopDone, rep.Stopped)
	assert.Equal(t, 0, rep.Pages)
	assert.Equal(t, 5, rep.Skipped)
	assert.Equal(t, int64(5), m["pages_skipped"])
	assert.Equal(t, 2, store.Count("street_crimes"))
}

func TestRegionRank(t *testing.T) {
	refs := []cleanFileRef{{Region: "kent"}, {Region: "city-of-london"}, {Region: "avon-and-somerset"}, {Region: "dorset"}}

	rank, err := regionRank(refs, []string{"kent", "avon-and-somerset"}, []string{"dorset", "kent"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"kent": 0, "avon-and-somerset": 1, "dorset": 2, "city-of-london": 3}, rank)

	rank, err = regionRank(refs, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"avon-and-somerset": 0, "city-of-london": 1, "dorset": 2, "kent": 3}, rank)
}
