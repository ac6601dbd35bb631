package storage

// 加载层：把记录按主键upsert到数仓，并在同一个事务里推进检查点

import (
	"context"
	"errors"
	"time"

	"github.com/dszqbsm/policedata/collect"
	"github.com/dszqbsm/policedata/parse"
)

// 一个数据源已提交到的位置
type Checkpoint struct {
	Source    string         `json:"source"`
	Cursor    collect.Cursor `json:"cursor"`
	RunID     string         `json:"run_id"`
	Rows      int64          `json:"rows_upserted"` // 累计upsert行数，重复写入已有主键也计入，不等于表里的行数
	UpdatedAt time.Time      `json:"updated_at"`
}

// 数仓，所有实现都必须做到：重复提交同一批次结果不变，检查点不早于数据可见
type Store interface {
	// 建表或校验已有表的列
	EnsureSchema(ctx context.Context, schema *parse.Schema) error
	// 在一个事务里upsert批次并写入检查点，返回写入的行数
	Commit(ctx context.Context, batch *LoadBatch, cp Checkpoint) (int, error)
	// 读取检查点，不存在时第二个返回值为false
	Checkpoint(ctx context.Context, source string) (Checkpoint, bool, error)
	Close() error
}

// 数仓实现了RadiusSearcher但当前没有可查询的地理列
var ErrRadiusUnsupported = errors.New("radius search is not supported")

// 支持按半径查询的数仓
type RadiusSearcher interface {
	Nearby(ctx context.Context, longitude, latitude, radius float64, limit int) ([]map[string]any, error)
}

// 一次加载的结果
type CommitResult struct {
	Checkpoint Checkpoint
	Rows       int // 写入行数
	Duplicates int // 批内主键冲突，后出现的覆盖先出现的
	Attempts   int
}
