package config

import (
	"context"
	"testing"
	"time"

	"github.com/dszqbsm/policedata/collect"
	"github.com/dszqbsm/policedata/engine"
	"github.com/dszqbsm/policedata/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const minimal = `
fetcher:
  url_template: "https://police.test/reports?page={page}"
  next_selector: "a.next"
schema:
  name: reports
  row_selector: "tbody tr"
  key: [report_id]
  fields:
    - name: report_id
      type: string
      selector: td.id
      required: true
`

func TestLoadShippedConfig(t *testing.T) {
	cfg, err := Load("../configs/policedata.yaml")
	require.NoError(t, err)

	assert.Equal(t, "street_crimes", cfg.Source)
	assert.Equal(t, FetcherArchive, cfg.Fetcher.Kind)
	assert.Equal(t, collect.FormatCSV, cfg.Fetcher.Format)
	assert.Equal(t, StoreSQLite, cfg.Storage.Kind)
	assert.True(t, cfg.Storage.Geo.Enabled())
	assert.False(t, *cfg.Engine.StopOnEmpty)
	assert.Equal(t, []string{"avon-and-somerset", "city-of-london", "kent"}, cfg.Archive.ActiveForces())
	assert.Equal(t, []string{"avon-and-somerset", "city-of-london", "kent", "metropolitan"}, cfg.Archive.ForceIDs())
	assert.Equal(t, time.Second, cfg.Fetcher.Limits[0].EventDur)
	assert.Equal(t, []string{"crime_id", "month_year"}, cfg.Schema.Key)
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "reports", cfg.Source)
	assert.Equal(t, FetcherHTTP, cfg.Fetcher.Kind)
	assert.Equal(t, collect.FormatHTML, cfg.Fetcher.Format)
	assert.Equal(t, collect.DefaultBackoff(), cfg.Fetcher.Backoff)
	assert.Equal(t, 30*time.Second, cfg.Fetcher.AttemptTimeout)
	assert.Equal(t, StoreMemory, cfg.Storage.Kind)
	assert.Equal(t, "police_checkpoints", cfg.Storage.CheckpointTable)
	assert.Equal(t, int64(1), cfg.Engine.StartCursor)
	assert.True(t, *cfg.Engine.StopOnEmpty)
	assert.Equal(t, ":8080", cfg.API.Listen)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		extra string
		want  string
	}{
		{name: "unknown field", extra: "bogus: 1\n", want: "field bogus not found"},
		{name: "unknown storage", extra: "storage:\n  kind: oracle\n", want: "unknown storage kind"},
		{name: "missing dsn", extra: "storage:\n  kind: mysql\n", want: "storage.dsn is required"},
		{name: "bigquery project", extra: "storage:\n  kind: bigquery\n", want: "project and dataset"},
		{name: "geo field", extra: "storage:\n  geo:\n    longitude: lon\n    latitude: lat\n", want: "is not declared"},
		{name: "archive pages", extra: "engine:\n  archive_pages: true\n", want: "needs a blob store"},
		{name: "blob dir", extra: "blob:\n  kind: dir\n", want: "blob.dir is required"},
		{name: "month range", extra: "archive:\n  start: \"2024-03\"\n  end: \"2024-01\"\n", want: "invalid month range"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(minimal + tt.extra))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := Parse([]byte(`
fetcher:
  url_template: "https://police.test/reports"
schema:
  name: reports
  fields:
    - name: id
      type: string
`))
	assert.ErrorContains(t, err, "must contain {page}")
}

func TestNewEngineFromConfig(t *testing.T) {
	cfg, err := Load("../configs/policedata.yaml")
	require.NoError(t, err)
	cfg.Archive.CleanDir = t.TempDir()
	cfg.Storage.Kind = StoreMemory

	ctx := context.Background()
	store, err := cfg.OpenStore(ctx, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &storage.MemStore{}, store)

	e, err := cfg.NewEngine(store, nil, nil, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "street_crimes", e.Source())

	rep, err := e.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, engine.StopDone, rep.Stopped)
	assert.Equal(t, 0, rep.Pages)
}

func TestNewFetcherHTTP(t *testing.T) {
	cfg, err := Parse([]byte(minimal))
	require.NoError(t, err)
	cfg.Fetcher.Proxy = []string{"http://127.0.0.1:8888"}
	f, err := cfg.NewFetcher(zap.NewNop())
	require.NoError(t, err)
	pf, ok := f.(*collect.PageFetcher)
	require.True(t, ok)
	assert.Equal(t, "https://police.test/reports?page=7", pf.URL(7))
	require.NoError(t, f.Close())
}
