package pgstorage

import (
	"go.uber.org/zap"
)

type options struct {
	logger          *zap.Logger
	dsn             string
	maxConns        int32
	checkpointTable string
	longitude       string // 非空时维护geo_point列
	latitude        string
}

var defaultOptions = options{
	logger:          zap.NewNop(),
	maxConns:        4,
	checkpointTable: "police_checkpoints",
}

type Option func(opts *options)

func WithLogger(logger *zap.Logger) Option {
	return func(opts *options) {
		opts.logger = logger
	}
}

func WithDSN(dsn string) Option {
	return func(opts *options) {
		opts.dsn = dsn
	}
}

func WithMaxConns(n int32) Option {
	return func(opts *options) {
		opts.maxConns = n
	}
}

func WithCheckpointTable(name string) Option {
	return func(opts *options) {
		opts.checkpointTable = name
	}
}

// 用这两个字段生成PostGIS的geo_point列，支持按半径查询
func WithGeoPoint(longitude, latitude string) Option {
	return func(opts *options) {
		opts.longitude = longitude
		opts.latitude = latitude
	}
}
