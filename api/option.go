package api

import (
	"context"

	"go.uber.org/zap"
)

type options struct {
	logger        *zap.Logger
	nearbyLimit   int
	defaultRadius float64 // 米
	baseCtx       context.Context
	token         string // POST /runs需要的Bearer token
}

var defaultOptions = options{
	logger:        zap.NewNop(),
	nearbyLimit:   100,
	defaultRadius: 1000,
	baseCtx:       context.Background(),
}

type Option func(opts *options)

func WithLogger(logger *zap.Logger) Option {
	return func(opts *options) {
		opts.logger = logger
	}
}

// 半径查询最多返回的条数
func WithNearbyLimit(n int) Option {
	return func(opts *options) {
		if n > 0 {
			opts.nearbyLimit = n
		}
	}
}

// POST /runs启动的运行使用的context，结束时运行被取消
func WithBaseContext(ctx context.Context) Option {
	return func(opts *options) {
		opts.baseCtx = ctx
	}
}

func WithToken(token string) Option {
	return func(opts *options) {
		opts.token = token
	}
}
