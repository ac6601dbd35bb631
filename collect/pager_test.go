package collect

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 按顺序返回预设结果的Getter
type scriptedGetter struct {
	results []result
	calls   []string
	closed  bool
}

type result struct {
	body string
	err  error
}

func (g *scriptedGetter) Get(_ context.Context, url string) ([]byte, error) {
	g.calls = append(g.calls, url)
	if len(g.results) == 0 {
		return []byte(fmt.Sprintf("<html><body>%s</body></html>", url)), nil
	}
	r := g.results[0]
	g.results = g.results[1:]
	if r.err != nil {
		return nil, r.err
	}
	return []byte(r.body), nil
}

func (g *scriptedGetter) Close() error {
	g.closed = true
	return nil
}

func fastBackoff(max int) Backoff {
	return Backoff{MaxAttempts: max, Initial: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 2}
}

func newTestFetcher(t *testing.T, g Getter, opts ...Option) *PageFetcher {
	t.Helper()
	opts = append([]Option{
		WithURLTemplate("http://police.test/crimes?page={page}"),
		WithBackoff(fastBackoff(5)),
	}, opts...)
	f, err := NewPageFetcher(g, opts...)
	require.NoError(t, err)
	return f
}

func TestNewPageFetcher(t *testing.T) {
	_, err := NewPageFetcher(&scriptedGetter{}, WithURLTemplate("http://police.test/crimes"))
	assert.Error(t, err)

	_, err = NewPageFetcher(&scriptedGetter{}, WithURLTemplate("http://police.test/{page}"), WithNextSelector("a[rel="))
	assert.Error(t, err)

	_, err = NewPageFetcher(nil, WithURLTemplate("http://police.test/{page}"))
	assert.Error(t, err)
}

func TestFetchRetriesTimeoutsThenSucceeds(t *testing.T) {
	g := &scriptedGetter{results: []result{
		{err: context.DeadlineExceeded},
		{err: Transient(errors.New("stale session"))},
		{body: "<html><body><table></table></body></html>"},
	}}
	f := newTestFetcher(t, g)

	page, err := f.Fetch(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Attempts)
	assert.Equal(t, Cursor(1), page.Cursor)
	assert.Equal(t, "http://police.test/crimes?page=1", page.URL)
	assert.Len(t, g.calls, 3)
}

func TestFetchRetriesExhausted(t *testing.T) {
	g := &scriptedGetter{}
	for i := 0; i < 5; i++ {
		g.results = append(g.results, result{err: context.DeadlineExceeded})
	}
	f := newTestFetcher(t, g)

	_, err := f.Fetch(context.Background(), 1)
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.True(t, fe.Transient)
	assert.Equal(t, 5, fe.Attempts)
	assert.Equal(t, Cursor(1), fe.Cursor)
	assert.Len(t, g.calls, 5)
}

func TestFetchFatalNotRetried(t *testing.T) {
	g := &scriptedGetter{results: []result{
		{err: &StatusError{URL: "x", Code: 404}},
	}}
	f := newTestFetcher(t, g)

	_, err := f.Fetch(context.Background(), 1)
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.False(t, fe.Transient)
	assert.Equal(t, 1, fe.Attempts)
	assert.Len(t, g.calls, 1)
}

func TestFetchStatusRetried(t *testing.T) {
	g := &scriptedGetter{results: []result{
		{err: &StatusError{URL: "x", Code: 503}},
		{err: &StatusError{URL: "x", Code: 429}},
		{body: "<p>ok</p>"},
	}}
	f := newTestFetcher(t, g)

	page, err := f.Fetch(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Attempts)
}

func TestFetchCursorOrder(t *testing.T) {
	f := newTestFetcher(t, &scriptedGetter{})
	ctx := context.Background()

	_, err := f.Fetch(ctx, 1)
	require.NoError(t, err)
	_, err = f.Fetch(ctx, 2)
	require.NoError(t, err)

	for _, c := range []Cursor{2, 1} {
		_, err = f.Fetch(ctx, c)
		assert.ErrorIs(t, err, ErrCursorOrder)
	}

	_, err = f.Fetch(ctx, 5)
	assert.NoError(t, err)
}

func TestFetchCanceled(t *testing.T) {
	g := &scriptedGetter{}
	f := newTestFetcher(t, g)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Fetch(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, g.calls)
}

func TestFetchNextPage(t *testing.T) {
	g := &scriptedGetter{results: []result{
		{body: `<html><body><a class="next" href="?page=2">next</a></body></html>`},
		{body: `<html><body><span>last</span></body></html>`},
	}}
	f := newTestFetcher(t, g, WithNextSelector("a.next"))
	ctx := context.Background()

	page, err := f.Fetch(ctx, 1)
	require.NoError(t, err)
	assert.False(t, page.Done)
	assert.Equal(t, Cursor(2), page.Next)

	page, err = f.Fetch(ctx, page.Next)
	require.NoError(t, err)
	assert.True(t, page.Done)
}

func TestFetchLastPage(t *testing.T) {
	f := newTestFetcher(t, &scriptedGetter{}, WithLastPage(2))
	ctx := context.Background()

	page, err := f.Fetch(ctx, 1)
	require.NoError(t, err)
	assert.False(t, page.Done)

	page, err = f.Fetch(ctx, 2)
	require.NoError(t, err)
	assert.True(t, page.Done)
}

func TestFetchRepeatedPage(t *testing.T) {
	same := `<html><body><table><tr><td>1</td></tr></table></body></html>`
	g := &scriptedGetter{results: []result{{body: same}, {body: same}}}
	f := newTestFetcher(t, g)
	ctx := context.Background()

	page, err := f.Fetch(ctx, 7)
	require.NoError(t, err)
	assert.False(t, page.Repeated)

	page, err = f.Fetch(ctx, 8)
	require.NoError(t, err)
	assert.True(t, page.Repeated)
	assert.True(t, page.Done)
}

func TestClose(t *testing.T) {
	g := &scriptedGetter{}
	f := newTestFetcher(t, g)
	require.NoError(t, f.Close())
	assert.True(t, g.closed)
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{MaxAttempts: 5, Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, b.Delay(1))
	assert.Equal(t, 200*time.Millisecond, b.Delay(2))
	assert.Equal(t, 400*time.Millisecond, b.Delay(3))
	assert.Equal(t, 800*time.Millisecond, b.Delay(4))
	assert.Equal(t, time.Second, b.Delay(5))
	assert.Equal(t, time.Second, b.Delay(30))
}

func TestRetryState(t *testing.T) {
	b := fastBackoff(3)
	var s RetryState
	err := errors.New("boom")

	s.Begin()
	assert.True(t, s.Retry(b, err))
	s.Begin()
	assert.True(t, s.Retry(b, err))
	s.Begin()
	assert.False(t, s.Retry(b, err))
	assert.Equal(t, 3, s.Attempt)
	assert.Equal(t, err, s.LastErr)
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(errors.New("plain")))
	assert.True(t, IsTransient(Transient(errors.New("blip"))))
	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	assert.True(t, IsTransient(&StatusError{Code: 502}))
	assert.False(t, IsTransient(&StatusError{Code: 403}))
	assert.False(t, IsTransient(context.Canceled))
}
