package collect

// 采集层：把一个分页游标变成一页原始内容（PageHandle），一次尝试交给Getter，重试、翻页判断在PageFetcher里完成

import (
	"context"
	"strconv"
	"time"
)

// 分页游标，一次采集会话内严格递增
type Cursor int64

func (c Cursor) String() string {
	return strconv.FormatInt(int64(c), 10)
}

type Format string

const (
	FormatHTML Format = "html"
	FormatCSV  Format = "csv"
)

// 一次成功采集得到的页面，创建后只读
type PageHandle struct {
	URL       string
	Cursor    Cursor
	Next      Cursor // Done为false时有效
	Done      bool   // 没有后续页面
	Repeated  bool   // 内容与本会话之前的某一页相同
	FetchedAt time.Time
	Format    Format
	Body      []byte
	Attempts  int
}

// 分页采集器，Close释放持有的会话资源
type Fetcher interface {
	Fetch(ctx context.Context, cursor Cursor) (*PageHandle, error)
	Close() error
}

// 有限数据源可选实现：本会话因为游标在起点之前而没有读取的单元数
type SkipCounter interface {
	Skipped() int
}

// 对一个url做一次获取，不负责重试
type Getter interface {
	Get(ctx context.Context, url string) ([]byte, error)
	Close() error
}
