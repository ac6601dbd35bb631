package collect

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"
)

func TestBaseFetchGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/latin1":
			w.Header().Set("Content-Type", "text/html; charset=iso-8859-1")
			body, _ := charmap.ISO8859_1.NewEncoder().String("<p>Café</p>")
			_, _ = w.Write([]byte(body))
		case "/cookie":
			_, _ = w.Write([]byte(r.Header.Get("Cookie") + "|" + r.Header.Get("User-Agent")))
		case "/busy":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	b := &BaseFetch{Timeout: time.Second, Cookie: "sid=1", UserAgent: "policedata-test"}
	defer b.Close()
	ctx := context.Background()

	body, err := b.Get(ctx, srv.URL+"/latin1")
	require.NoError(t, err)
	assert.Equal(t, "<p>Café</p>", string(body))

	body, err = b.Get(ctx, srv.URL+"/cookie")
	require.NoError(t, err)
	assert.Equal(t, "sid=1|policedata-test", string(body))

	_, err = b.Get(ctx, srv.URL+"/busy")
	assert.True(t, IsTransient(err))

	_, err = b.Get(ctx, srv.URL+"/missing")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Code)
	assert.False(t, IsTransient(err))
}

func TestBaseFetchWithPageFetcher(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`<html><body>page ` + r.URL.Query().Get("page") + `</body></html>`))
	}))
	defer srv.Close()

	f, err := NewPageFetcher(&BaseFetch{Timeout: time.Second},
		WithURLTemplate(srv.URL+"/?page={page}"),
		WithBackoff(fastBackoff(5)),
		WithLastPage(1),
	)
	require.NoError(t, err)
	defer f.Close()

	page, err := f.Fetch(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Attempts)
	assert.True(t, page.Done)
	assert.Contains(t, string(page.Body), "page 1")
}
