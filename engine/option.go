package engine

import (
	"github.com/dszqbsm/policedata/blob"
	"github.com/dszqbsm/policedata/collect"
	"github.com/dszqbsm/policedata/parse"
	"github.com/dszqbsm/policedata/storage"
	"go.uber.org/zap"
)

type Option func(opts *options)

// 流水线配置选项
type options struct {
	Fetcher     collect.Fetcher  // 采集器，独占一个会话
	Extractor   *parse.Extractor // 抽取器
	Loader      *storage.Loader  // 加载器
	Logger      *zap.Logger      // 日志
	StartCursor collect.Cursor   // 没有检查点时的起始游标
	BatchPages  int              // 每个批次包含的页数
	StopOnEmpty bool             // 遇到没有行的页面视为结束
	Archive     blob.Store       // 原始页面归档，为空时不归档
	Metrics     *Metrics         // 为空时每个引擎单独计数
}

var defaultOptions = options{
	Logger:      zap.NewNop(),
	StartCursor: 1,
	BatchPages:  1,
	StopOnEmpty: true,
}

func WithFetcher(fetcher collect.Fetcher) Option {
	return func(opts *options) {
		opts.Fetcher = fetcher
	}
}

func WithExtractor(extractor *parse.Extractor) Option {
	return func(opts *options) {
		opts.Extractor = extractor
	}
}

func WithLoader(loader *storage.Loader) Option {
	return func(opts *options) {
		opts.Loader = loader
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(opts *options) {
		opts.Logger = logger
	}
}

func WithStartCursor(c collect.Cursor) Option {
	return func(opts *options) {
		opts.StartCursor = c
	}
}

func WithBatchPages(n int) Option {
	return func(opts *options) {
		opts.BatchPages = n
	}
}

func WithStopOnEmpty(stop bool) Option {
	return func(opts *options) {
		opts.StopOnEmpty = stop
	}
}

func WithArchive(store blob.Store) Option {
	return func(opts *options) {
		opts.Archive = store
	}
}

func WithMetrics(m *Metrics) Option {
	return func(opts *options) {
		opts.Metrics = m
	}
}
