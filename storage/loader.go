package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dszqbsm/policedata/collect"
	"go.uber.org/zap"
)

// 一个数据源的加载器，同一时刻只处理一个批次
type Loader struct {
	store Store

	mu   sync.Mutex
	last Checkpoint

	options
}

func NewLoader(store Store, opts ...Option) (*Loader, error) {
	options := defaultOptions
	for _, opt := range opts {
		opt(&options)
	}
	if store == nil {
		return nil, errors.New("store can not be nil")
	}
	if options.source == "" {
		return nil, errors.New("source can not be empty")
	}
	return &Loader{
		store:   store,
		last:    Checkpoint{Source: options.source},
		options: options,
	}, nil
}

func (l *Loader) Store() Store { return l.store }

func (l *Loader) Source() string { return l.source }

/*
输入context，输出检查点、是否存在和错误

读取已提交的检查点，引擎启动时调用一次，之后的累计行数从这里接着算
*/
func (l *Loader) Resume(ctx context.Context) (Checkpoint, bool, error) {
	cp, ok, err := l.store.Checkpoint(ctx, l.source)
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("read checkpoint %s: %w", l.source, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if ok {
		l.last = cp
	}
	return cp, ok, nil
}

// 每次运行开始时设置，写入之后提交的检查点
func (l *Loader) SetRunID(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runID = id
}

// 最近一次提交成功的检查点
func (l *Loader) Last() Checkpoint {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

/*
输入context和批次，输出提交结果和错误

批内按主键去重后整批提交，检查点与数据在同一个事务里写入；连接类错误按退避策略整批重试（upsert幂等），其余错误直接返回
*/
func (l *Loader) Load(ctx context.Context, batch *LoadBatch) (*CommitResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	deduped, dups := batch.Dedup()
	cursor := max(deduped.MaxCursor(), l.last.Cursor)
	cp := Checkpoint{
		Source:    l.source,
		Cursor:    cursor,
		RunID:     l.runID,
		Rows:      l.last.Rows + int64(deduped.Len()),
		UpdatedAt: time.Now().UTC(),
	}

	var state collect.RetryState
	for {
		state.Begin()
		n, err := l.store.Commit(ctx, deduped, cp)
		if err == nil {
			l.last = cp
			l.logger.Info("batch committed",
				zap.String("source", l.source),
				zap.Int64("cursor", int64(cp.Cursor)),
				zap.Int("rows", n),
				zap.Int("duplicates", dups),
				zap.Int("attempts", state.Attempt),
			)
			return &CommitResult{Checkpoint: cp, Rows: n, Duplicates: dups, Attempts: state.Attempt}, nil
		}
		if !IsConnectivity(err) || !state.Retry(l.backoff, err) {
			l.logger.Error("batch commit failed",
				zap.String("source", l.source),
				zap.Int64("cursor", int64(cp.Cursor)),
				zap.Int("attempts", state.Attempt),
				zap.Error(err),
			)
			return nil, err
		}
		l.logger.Warn("batch commit retrying",
			zap.String("source", l.source),
			zap.Int("attempt", state.Attempt),
			zap.Duration("backoff", state.Delay),
			zap.Error(err),
		)
		if err := collect.Sleep(ctx, state.Delay); err != nil {
			return nil, err
		}
	}
}
