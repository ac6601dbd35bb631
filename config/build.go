package config

import (
	"context"
	"fmt"
	"io"

	"github.com/dszqbsm/policedata/archive"
	"github.com/dszqbsm/policedata/blob"
	"github.com/dszqbsm/policedata/collect"
	"github.com/dszqbsm/policedata/engine"
	"github.com/dszqbsm/policedata/limiter"
	"github.com/dszqbsm/policedata/log"
	"github.com/dszqbsm/policedata/parse"
	"github.com/dszqbsm/policedata/proxy"
	"github.com/dszqbsm/policedata/sqldb"
	"github.com/dszqbsm/policedata/storage"
	"github.com/dszqbsm/policedata/storage/bqstorage"
	"github.com/dszqbsm/policedata/storage/pgstorage"
	"github.com/dszqbsm/policedata/storage/sqlstorage"
	"go.uber.org/zap"
)

func (c *Config) Logger() (*zap.Logger, io.Closer, error) {
	return log.New(c.Log.Level, c.Log.File)
}

/*
输入context和日志器，输出按storage.kind打开的数仓和错误

调用方负责Close
*/
func (c *Config) OpenStore(ctx context.Context, logger *zap.Logger) (storage.Store, error) {
	s := c.Storage
	logger = logger.Named("storage")
	switch s.Kind {
	case StoreMySQL, StoreSQLite:
		dialect := sqldb.MySQL
		if s.Kind == StoreSQLite {
			dialect = sqldb.SQLite
		}
		return sqlstorage.New(
			sqlstorage.WithSqlUrl(s.DSN),
			sqlstorage.WithDialect(dialect),
			sqlstorage.WithCheckpointTable(s.CheckpointTable),
			sqlstorage.WithBatchCount(s.BatchCount),
			sqlstorage.WithLogger(logger),
		)
	case StorePostgres:
		opts := []pgstorage.Option{
			pgstorage.WithDSN(s.DSN),
			pgstorage.WithMaxConns(s.MaxConns),
			pgstorage.WithCheckpointTable(s.CheckpointTable),
			pgstorage.WithLogger(logger),
		}
		if s.Geo.Enabled() {
			opts = append(opts, pgstorage.WithGeoPoint(s.Geo.Longitude, s.Geo.Latitude))
		}
		return pgstorage.New(ctx, opts...)
	case StoreBigQuery:
		opts := []bqstorage.Option{
			bqstorage.WithProject(s.BigQuery.Project),
			bqstorage.WithDataset(s.BigQuery.Dataset),
			bqstorage.WithLocation(s.BigQuery.Location),
			bqstorage.WithCheckpointTable(s.CheckpointTable),
			bqstorage.WithLogger(logger),
		}
		if s.Geo.Enabled() {
			opts = append(opts, bqstorage.WithGeoPoint(s.Geo.Longitude, s.Geo.Latitude))
		}
		return bqstorage.New(ctx, opts...)
	case StoreMemory:
		return storage.NewMemStore(), nil
	}
	return nil, fmt.Errorf("unknown storage kind %q", s.Kind)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// 没有配置blob时返回nil
func (c *Config) OpenBlob(ctx context.Context, logger *zap.Logger) (blob.Store, io.Closer, error) {
	switch c.Blob.Kind {
	case BlobGCS:
		g, err := blob.NewGCS(ctx, c.Blob.Bucket, logger.Named("blob"))
		if err != nil {
			return nil, nil, err
		}
		return g, g, nil
	case BlobDir:
		return blob.Dir{Root: c.Blob.Dir}, nopCloser{}, nil
	}
	return nil, nopCloser{}, nil
}

/*
输入日志器，输出按fetcher.kind创建的采集器和错误

http和browser包一层PageFetcher负责重试和翻页，archive直接读整理目录
*/
func (c *Config) NewFetcher(logger *zap.Logger) (collect.Fetcher, error) {
	f := c.Fetcher
	logger = logger.Named("collect")
	if f.Kind == FetcherArchive {
		return archive.NewSource(c.Archive.CleanDir,
			archive.WithLogger(logger),
			archive.WithRegions(c.Archive.Regions...),
			archive.WithRegionOrder(c.Archive.ForceIDs()...),
			archive.WithMonths(c.Archive.Start, c.Archive.End),
		)
	}

	var sw *proxy.Switcher
	if len(f.Proxy) > 0 {
		var err error
		if sw, err = proxy.RoundRobinProxySwitcher(f.Proxy...); err != nil {
			return nil, err
		}
	}
	limit := limiter.New(f.Limits...)

	var getter collect.Getter
	switch f.Kind {
	case FetcherBrowser:
		getter = &collect.BrowserFetch{
			RemoteURL:    f.Browser.RemoteURL,
			Headless:     f.Browser.Headless,
			Stealth:      f.Browser.Stealth,
			Proxy:        sw,
			WaitSelector: f.Browser.WaitSelector,
			Settle:       f.Browser.Settle,
			Limit:        limit,
			Logger:       logger,
		}
	default:
		bf := &collect.BaseFetch{
			Timeout:   f.AttemptTimeout,
			Cookie:    f.Cookie,
			UserAgent: f.UserAgent,
			Limit:     limit,
			Logger:    logger,
		}
		if sw != nil {
			bf.Proxy = sw.GetProxy
		}
		getter = bf
	}

	return collect.NewPageFetcher(getter,
		collect.WithURLTemplate(f.URLTemplate),
		collect.WithNextSelector(f.NextSelector),
		collect.WithLastPage(collect.Cursor(f.LastPage)),
		collect.WithAttemptTimeout(f.AttemptTimeout),
		collect.WithBackoff(f.Backoff),
		collect.WithFormat(f.Format),
		collect.WithLogger(logger),
	)
}

/*
输入数仓、原始页面归档（可为nil）、计数器（可为nil）和日志器，输出引擎和错误

每次运行都要新建引擎，采集器随引擎一起关闭
*/
func (c *Config) NewEngine(store storage.Store, pages blob.Store, metrics *engine.Metrics, logger *zap.Logger) (*engine.Engine, error) {
	schema := c.Schema
	ext, err := parse.New(&schema, parse.WithLogger(logger.Named("parse")))
	if err != nil {
		return nil, err
	}
	loader, err := storage.NewLoader(store,
		storage.WithSource(c.Source),
		storage.WithBackoff(c.Storage.Backoff),
		storage.WithLogger(logger.Named("loader")),
	)
	if err != nil {
		return nil, err
	}
	fetcher, err := c.NewFetcher(logger)
	if err != nil {
		return nil, err
	}

	opts := []engine.Option{
		engine.WithFetcher(fetcher),
		engine.WithExtractor(ext),
		engine.WithLoader(loader),
		engine.WithLogger(logger.Named("engine")),
		engine.WithStartCursor(collect.Cursor(c.Engine.StartCursor)),
		engine.WithBatchPages(c.Engine.BatchPages),
		engine.WithStopOnEmpty(*c.Engine.StopOnEmpty),
		engine.WithMetrics(metrics),
	}
	if c.Engine.ArchivePages && pages != nil {
		opts = append(opts, engine.WithArchive(pages))
	}
	e, err := engine.New(opts...)
	if err != nil {
		fetcher.Close()
		return nil, err
	}
	return e, nil
}

// 批量归档下载器
func (c *Config) Downloader(logger *zap.Logger) *archive.Downloader {
	a := c.Archive
	return &archive.Downloader{
		BaseURL:         a.BaseURL,
		DownloadDir:     a.DownloadDir,
		Start:           a.Start,
		End:             a.End,
		ForceIDs:        a.ActiveForces(),
		RemoteURL:       a.RemoteURL,
		Headless:        a.Headless,
		ButtonTimeout:   a.ButtonTimeout,
		DownloadTimeout: a.DownloadTimeout,
		Logger:          logger.Named("archive"),
	}
}

// 命令行对配置文件的覆盖项，为空表示不覆盖
type Overrides struct {
	LogLevel string
	DSN      string
}

/*
输入配置文件路径和命令行覆盖项，输出配置、日志器、日志closer和错误

日志器同时设为zap全局日志器
*/
func Boot(path string, o Overrides) (*Config, *zap.Logger, io.Closer, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, nil, nil, err
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	if o.DSN != "" {
		cfg.Storage.DSN = o.DSN
		if err := cfg.Validate(); err != nil {
			return nil, nil, nil, err
		}
	}
	logger, closer, err := cfg.Logger()
	if err != nil {
		return nil, nil, nil, err
	}
	zap.ReplaceGlobals(logger)
	logger.Info("config loaded", zap.String("path", path), zap.String("source", cfg.Source), zap.String("storage", cfg.Storage.Kind))
	return cfg, logger, closer, nil
}
