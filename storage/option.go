package storage

import (
	"github.com/dszqbsm/policedata/collect"
	"go.uber.org/zap"
)

type options struct {
	logger  *zap.Logger
	source  string
	runID   string
	backoff collect.Backoff
}

var defaultOptions = options{
	logger:  zap.NewNop(),
	backoff: collect.DefaultBackoff(),
}

type Option func(opts *options)

func WithLogger(logger *zap.Logger) Option {
	return func(opts *options) {
		opts.logger = logger
	}
}

// 检查点的数据源名
func WithSource(source string) Option {
	return func(opts *options) {
		opts.source = source
	}
}

func WithRunID(id string) Option {
	return func(opts *options) {
		opts.runID = id
	}
}

// 连接类错误的重试策略
func WithBackoff(b collect.Backoff) Option {
	return func(opts *options) {
		opts.backoff = b
	}
}
