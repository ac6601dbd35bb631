package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dszqbsm/policedata/blob"
	"github.com/dszqbsm/policedata/collect"
	"github.com/dszqbsm/policedata/parse"
	"github.com/dszqbsm/policedata/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 按游标返回预设页面的采集器
type fakeFetcher struct {
	pages   map[collect.Cursor]string
	last    collect.Cursor
	failAt  collect.Cursor
	onFetch func(collect.Cursor)
	seen    []collect.Cursor
	closed  bool
}

func (f *fakeFetcher) Fetch(ctx context.Context, c collect.Cursor) (*collect.PageHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.seen = append(f.seen, c)
	if f.onFetch != nil {
		f.onFetch(c)
	}
	if c == f.failAt {
		return nil, &collect.FetchError{Cursor: c, Attempts: 5, Transient: true, Err: context.DeadlineExceeded}
	}
	body, ok := f.pages[c]
	if !ok {
		return nil, &collect.FetchError{Cursor: c, Err: &collect.StatusError{Code: 404}}
	}
	p := &collect.PageHandle{URL: fmt.Sprintf("http://police.test/?page=%d", c), Cursor: c, Format: collect.FormatHTML, Body: []byte(body)}
	if c >= f.last {
		p.Done = true
	} else {
		p.Next = c + 1
	}
	return p, nil
}

func (f *fakeFetcher) Close() error {
	f.closed = true
	return nil
}

func rows(ids ...string) string {
	var b strings.Builder
	b.WriteString("<table><tbody>")
	for _, id := range ids {
		fmt.Fprintf(&b, `<tr><td class="id">%s</td><td class="type">burglary</td></tr>`, id)
	}
	b.WriteString("</tbody></table>")
	return b.String()
}

func testPages() map[collect.Cursor]string {
	return map[collect.Cursor]string{
		1: rows("a", "b", ""),
		2: rows("c", "d"),
		3: rows("e", "a"),
		4: rows("f"),
	}
}

func newExtractor(t *testing.T) *parse.Extractor {
	t.Helper()
	e, err := parse.New(&parse.Schema{
		Name:        "reports",
		RowSelector: "tbody tr",
		Key:         []string{"report_id"},
		Fields: []parse.Field{
			{Name: "report_id", Type: parse.TypeString, Selector: "td.id", Required: true},
			{Name: "crime_type", Type: parse.TypeString, Selector: "td.type"},
		},
	})
	require.NoError(t, err)
	return e
}

func newEngine(t *testing.T, store storage.Store, f collect.Fetcher, opts ...Option) *Engine {
	t.Helper()
	l, err := storage.NewLoader(store, storage.WithSource("reports"))
	require.NoError(t, err)
	opts = append([]Option{WithFetcher(f), WithExtractor(newExtractor(t)), WithLoader(l)}, opts...)
	e, err := New(opts...)
	require.NoError(t, err)
	return e
}

func TestRunToCompletion(t *testing.T) {
	store := storage.NewMemStore()
	f := &fakeFetcher{pages: testPages(), last: 4}
	e := newEngine(t, store, f)

	rep, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopDone, rep.Stopped)
	assert.Equal(t, 4, rep.Pages)
	assert.Equal(t, 1, rep.Excluded)
	assert.Equal(t, collect.Cursor(4), rep.Checkpoint.Cursor)
	assert.Equal(t, []collect.Cursor{1, 2, 3, 4}, f.seen)
	assert.True(t, f.closed)

	// a出现在第1页和第3页，只保留一行；检查点按upsert计数
	assert.Equal(t, 6, store.Count("reports"))
	assert.Equal(t, int64(7), rep.Checkpoint.Rows)
	m := e.Counters().Snapshot()
	assert.Equal(t, int64(1), m["rows_excluded"])
	assert.Equal(t, int64(7), m["rows_extracted"])
	assert.Equal(t, int64(4), m["batches_committed"])

	_, err = e.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRun)
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	clean := storage.NewMemStore()
	_, err := newEngine(t, clean, &fakeFetcher{pages: testPages(), last: 4}).Run(context.Background())
	require.NoError(t, err)
	want, _, _ := clean.Checkpoint(context.Background(), "reports")

	store := storage.NewMemStore()
	crashing := &fakeFetcher{pages: testPages(), last: 4, failAt: 3}
	rep, err := newEngine(t, store, crashing).Run(context.Background())
	var fe *collect.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, collect.Cursor(3), fe.Cursor)
	assert.Equal(t, StopFailed, rep.Stopped)
	assert.Equal(t, collect.Cursor(2), rep.Checkpoint.Cursor)

	resumed := &fakeFetcher{pages: testPages(), last: 4}
	rep, err = newEngine(t, store, resumed).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, collect.Cursor(3), rep.StartCursor)
	assert.Equal(t, []collect.Cursor{3, 4}, resumed.seen)

	got, _, _ := store.Checkpoint(context.Background(), "reports")
	assert.Equal(t, want.Cursor, got.Cursor)
	assert.Equal(t, want.Rows, got.Rows)
	assert.Equal(t, clean.Count("reports"), store.Count("reports"))
}

func TestRunCanceledFinishesInflightPage(t *testing.T) {
	store := storage.NewMemStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := &fakeFetcher{pages: testPages(), last: 4, onFetch: func(c collect.Cursor) {
		if c == 2 {
			cancel()
		}
	}}
	e := newEngine(t, store, f, WithBatchPages(10))

	rep, err := e.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StopCanceled, rep.Stopped)
	assert.Equal(t, []collect.Cursor{1, 2}, f.seen)
	// 第2页已经采集到，抽取和加载照常完成
	assert.Equal(t, collect.Cursor(2), rep.Checkpoint.Cursor)
	assert.Equal(t, 4, store.Count("reports"))
}

func TestRunStopsOnRepeatedAndEmpty(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		pages := testPages()
		pages[3] = "<table><tbody></tbody></table>"
		store := storage.NewMemStore()
		rep, err := newEngine(t, store, &fakeFetcher{pages: pages, last: 4}).Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StopEmpty, rep.Stopped)
		assert.Equal(t, collect.Cursor(2), rep.Checkpoint.Cursor)
	})
	t.Run("repeated", func(t *testing.T) {
		store := storage.NewMemStore()
		f := &repeatFetcher{fakeFetcher{pages: testPages(), last: 4}}
		rep, err := newEngine(t, store, f).Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StopRepeated, rep.Stopped)
		assert.Equal(t, collect.Cursor(1), rep.Checkpoint.Cursor)
	})
}

// 第2页开始报告重复
type repeatFetcher struct {
	fakeFetcher
}

func (r *repeatFetcher) Fetch(ctx context.Context, c collect.Cursor) (*collect.PageHandle, error) {
	p, err := r.fakeFetcher.Fetch(ctx, c)
	if err == nil && c >= 2 {
		p.Repeated, p.Done = true, true
	}
	return p, err
}

func TestRunExtractErrorHalts(t *testing.T) {
	pages := testPages()
	pages[2] = "   "
	store := storage.NewMemStore()
	rep, err := newEngine(t, store, &fakeFetcher{pages: pages, last: 4}).Run(context.Background())
	var xe *parse.ExtractError
	require.ErrorAs(t, err, &xe)
	assert.Equal(t, collect.Cursor(2), xe.Cursor)
	assert.Equal(t, collect.Cursor(1), rep.Checkpoint.Cursor)
	assert.NotEmpty(t, rep.Error)
}

func TestRunArchivesPages(t *testing.T) {
	root := t.TempDir()
	store := storage.NewMemStore()
	e := newEngine(t, store, &fakeFetcher{pages: testPages(), last: 2}, WithArchive(blob.Dir{Root: root}))
	_, err := e.Run(context.Background())
	require.NoError(t, err)

	body, err := os.ReadFile(filepath.Join(root, "reports", "2.html"))
	require.NoError(t, err)
	assert.Equal(t, rows("c", "d"), string(body))
	assert.Equal(t, int64(2), e.Counters().PagesArchived.Load())
}

func TestRunAll(t *testing.T) {
	store := storage.NewMemStore()
	metrics := &Metrics{}
	var engines []*Engine
	for _, src := range []string{"north", "south"} {
		l, err := storage.NewLoader(store, storage.WithSource(src))
		require.NoError(t, err)
		e, err := New(
			WithFetcher(&fakeFetcher{pages: testPages(), last: 2}),
			WithExtractor(newExtractor(t)),
			WithLoader(l),
			WithMetrics(metrics),
		)
		require.NoError(t, err)
		engines = append(engines, e)
	}
	reports, err := RunAll(context.Background(), engines...)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, "north", reports[0].Source)
	assert.Equal(t, "south", reports[1].Source)
	assert.Equal(t, 4, store.Count("reports"))
	assert.Equal(t, int64(4), metrics.PagesFetched.Load())
	assert.NotEqual(t, reports[0].RunID, reports[1].RunID)
}

func TestNewRequiresComponents(t *testing.T) {
	_, err := New()
	assert.Error(t, err)
	_, err = New(WithFetcher(&fakeFetcher{}))
	assert.True(t, err != nil && !errors.Is(err, ErrAlreadyRun))
}
