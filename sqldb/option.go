package sqldb

// 函数式选项模式

import (
	"go.uber.org/zap"
)

type options struct {
	logger    *zap.Logger
	dialect   Dialect
	sqlUrl    string
	maxConns  int
	chunkSize int // 单条INSERT最多携带的行数
}

// 默认选项
var defaultOptions = options{
	logger:    zap.NewNop(),
	dialect:   MySQL,
	maxConns:  16,
	chunkSize: 500,
}

type Option func(opts *options)

// 配置日志器
func WithLogger(logger *zap.Logger) Option {
	return func(opts *options) {
		opts.logger = logger
	}
}

func WithConnURL(sqlURL string) Option {
	return func(opts *options) {
		opts.sqlUrl = sqlURL
	}
}

func WithDialect(d Dialect) Option {
	return func(opts *options) {
		opts.dialect = d
	}
}

func WithMaxConns(n int) Option {
	return func(opts *options) {
		opts.maxConns = n
	}
}

func WithChunkSize(n int) Option {
	return func(opts *options) {
		opts.chunkSize = n
	}
}
