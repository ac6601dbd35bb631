package collect

import (
	"time"

	"go.uber.org/zap"
)

type options struct {
	logger         *zap.Logger
	urlTemplate    string
	nextSelector   string
	lastPage       Cursor
	attemptTimeout time.Duration
	backoff        Backoff
	format         Format
	seenSize       int
}

var defaultOptions = options{
	logger:         zap.NewNop(),
	attemptTimeout: 30 * time.Second,
	backoff:        DefaultBackoff(),
	format:         FormatHTML,
	seenSize:       1024,
}

type Option func(opts *options)

func WithLogger(logger *zap.Logger) Option {
	return func(opts *options) {
		opts.logger = logger
	}
}

// url模板，{page}会被替换为游标
func WithURLTemplate(tpl string) Option {
	return func(opts *options) {
		opts.urlTemplate = tpl
	}
}

// 匹配到该CSS选择器才认为存在下一页
func WithNextSelector(sel string) Option {
	return func(opts *options) {
		opts.nextSelector = sel
	}
}

// 最后一页的游标（含），0表示不限制
func WithLastPage(c Cursor) Option {
	return func(opts *options) {
		opts.lastPage = c
	}
}

// 单次尝试的超时时间
func WithAttemptTimeout(d time.Duration) Option {
	return func(opts *options) {
		opts.attemptTimeout = d
	}
}

func WithBackoff(b Backoff) Option {
	return func(opts *options) {
		opts.backoff = b
	}
}

func WithFormat(f Format) Option {
	return func(opts *options) {
		opts.format = f
	}
}
