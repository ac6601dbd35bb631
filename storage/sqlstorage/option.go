package sqlstorage

// 用于配置sql存储相关的选项，用于存储引擎的函数选择模式

import (
	"github.com/dszqbsm/policedata/sqldb"
	"go.uber.org/zap"
)

type options struct {
	logger          *zap.Logger
	sqlUrl          string
	dialect         sqldb.Dialect
	checkpointTable string
	BatchCount      int // 单条INSERT的行数
}

// 默认选项
var defaultOptions = options{
	logger:          zap.NewNop(),
	dialect:         sqldb.MySQL,
	checkpointTable: "police_checkpoints",
	BatchCount:      500,
}

type Option func(opts *options)

// 配置日志器
func WithLogger(logger *zap.Logger) Option {
	return func(opts *options) {
		opts.logger = logger
	}
}

// 配置数据库的链接url
func WithSqlUrl(sqlUrl string) Option {
	return func(opts *options) {
		opts.sqlUrl = sqlUrl
	}
}

func WithDialect(d sqldb.Dialect) Option {
	return func(opts *options) {
		opts.dialect = d
	}
}

func WithCheckpointTable(name string) Option {
	return func(opts *options) {
		opts.checkpointTable = name
	}
}

// 配置批量处理的数量
func WithBatchCount(batchCount int) Option {
	return func(opts *options) {
		opts.BatchCount = batchCount
	}
}
