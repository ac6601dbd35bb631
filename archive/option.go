package archive

import (
	"go.uber.org/zap"
)

type options struct {
	logger  *zap.Logger
	regions []string // 只读取这些区域，为空时读取全部
	order   []string // 区域序号的顺序，不在其中的区域按名字排在后面
	start   string
	end     string
}

var defaultOptions = options{
	logger: zap.NewNop(),
}

type Option func(opts *options)

func WithLogger(logger *zap.Logger) Option {
	return func(opts *options) {
		opts.logger = logger
	}
}

func WithRegions(regions ...string) Option {
	return func(opts *options) {
		opts.regions = regions
	}
}

// 只读取闭区间内的月份，YYYY-MM
func WithMonths(start, end string) Option {
	return func(opts *options) {
		opts.start = start
		opts.end = end
	}
}

// 固定区域在游标中的序号，新区域追加在末尾才不会改变已有区域的游标
func WithRegionOrder(order ...string) Option {
	return func(opts *options) {
		opts.order = order
	}
}
