package bqstorage

import (
	"go.uber.org/zap"
)

type options struct {
	logger          *zap.Logger
	project         string
	dataset         string
	location        string
	checkpointTable string
	longitude       string
	latitude        string
}

var defaultOptions = options{
	logger:          zap.NewNop(),
	checkpointTable: "police_checkpoints",
}

type Option func(opts *options)

func WithLogger(logger *zap.Logger) Option {
	return func(opts *options) {
		opts.logger = logger
	}
}

func WithProject(project string) Option {
	return func(opts *options) {
		opts.project = project
	}
}

func WithDataset(dataset string) Option {
	return func(opts *options) {
		opts.dataset = dataset
	}
}

// 查询和加载任务运行的区域，例如europe-west2
func WithLocation(location string) Option {
	return func(opts *options) {
		opts.location = location
	}
}

func WithCheckpointTable(name string) Option {
	return func(opts *options) {
		opts.checkpointTable = name
	}
}

// 合并时用这两个字段计算GEOGRAPHY列geo_point
func WithGeoPoint(longitude, latitude string) Option {
	return func(opts *options) {
		opts.longitude = longitude
		opts.latitude = latitude
	}
}
