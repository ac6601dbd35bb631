package engine

// 单条顺序流水线：采集一页、抽取、攒批、加载并推进检查点，周而复始

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/dszqbsm/policedata/blob"
	"github.com/dszqbsm/policedata/collect"
	"github.com/dszqbsm/policedata/generator"
	"github.com/dszqbsm/policedata/parse"
	"github.com/dszqbsm/policedata/storage"
	"go.uber.org/zap"
)

var ErrAlreadyRun = errors.New("engine already run")

// 结束原因
const (
	StopDone     = "done"     // 采集器报告没有下一页
	StopRepeated = "repeated" // 页面内容与之前某页相同
	StopEmpty    = "empty"    // 页面没有任何行
	StopCanceled = "canceled"
	StopFailed   = "failed"
)

var (
	idOnce sync.Once
	idNode *snowflake.Node
	idErr  error
)

// 使用snowflake雪花算法生成唯一的运行id，节点号取自本机IP
func NewRunID() (string, error) {
	idOnce.Do(func() {
		idNode, idErr = snowflake.NewNode(generator.LocalNode())
	})
	if idErr != nil {
		return "", idErr
	}
	return idNode.Generate().String(), nil
}

// 一次运行的结果，失败时Checkpoint是最后一次成功提交的位置，从它的下一个游标重跑即可
type Report struct {
	RunID       string             `json:"run_id"`
	Source      string             `json:"source"`
	StartCursor collect.Cursor     `json:"start_cursor"`
	Checkpoint  storage.Checkpoint `json:"checkpoint"`
	Pages       int                `json:"pages"`
	Records     int                `json:"records"`
	Excluded    int                `json:"excluded"`
	Skipped     int                `json:"skipped"` // 数据源在起点之前跳过的页面
	Batches     int                `json:"batches"`
	Stopped     string             `json:"stopped"`
	StartedAt   time.Time          `json:"started_at"`
	FinishedAt  time.Time          `json:"finished_at"`
	Error       string             `json:"error,omitempty"`
}

type Engine struct {
	mu  sync.Mutex
	ran bool

	options
}

func New(opts ...Option) (*Engine, error) {
	options := defaultOptions
	for _, opt := range opts {
		opt(&options)
	}
	switch {
	case options.Fetcher == nil:
		return nil, errors.New("fetcher is required")
	case options.Extractor == nil:
		return nil, errors.New("extractor is required")
	case options.Loader == nil:
		return nil, errors.New("loader is required")
	}
	if options.BatchPages < 1 {
		options.BatchPages = 1
	}
	if options.Metrics == nil {
		options.Metrics = &Metrics{}
	}
	return &Engine{options: options}, nil
}

func (e *Engine) Source() string { return e.Loader.Source() }

func (e *Engine) Counters() *Metrics { return e.Metrics }

// 待提交的页面和记录
type pending struct {
	records []*parse.Record
	pages   int
	cursor  collect.Cursor
}

/*
输入context，输出运行报告和错误

一个引擎只能运行一次，运行结束时释放采集会话。
取消信号只在开始采集新页面之前检查；已经采集到的页面会完成抽取和加载，待提交的记录会在脱离取消的context上提交，检查点不会越过最后一次提交
*/
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	e.mu.Lock()
	if e.ran {
		e.mu.Unlock()
		return nil, ErrAlreadyRun
	}
	e.ran = true
	e.mu.Unlock()
	defer func() {
		if err := e.Fetcher.Close(); err != nil {
			e.Logger.Warn("close fetcher failed", zap.Error(err))
		}
	}()

	runID, err := NewRunID()
	if err != nil {
		return nil, err
	}
	e.Loader.SetRunID(runID)
	rep := &Report{RunID: runID, Source: e.Source(), StartedAt: time.Now()}
	logger := e.Logger.With(zap.String("source", rep.Source), zap.String("run_id", runID))

	err = e.run(ctx, rep, logger)
	if sc, ok := e.Fetcher.(collect.SkipCounter); ok {
		rep.Skipped = sc.Skipped()
		e.Metrics.PagesSkipped.Add(int64(rep.Skipped))
	}
	rep.FinishedAt = time.Now()
	rep.Checkpoint = e.Loader.Last()
	if err != nil {
		rep.Error = err.Error()
		if rep.Stopped == "" {
			rep.Stopped = StopFailed
		}
		logger.Error("run halted",
			zap.String("stopped", rep.Stopped),
			zap.Int64("checkpoint", int64(rep.Checkpoint.Cursor)),
			zap.Error(err),
		)
		return rep, err
	}
	logger.Info("run finished",
		zap.String("stopped", rep.Stopped),
		zap.Int("pages", rep.Pages),
		zap.Int("records", rep.Records),
		zap.Int("excluded", rep.Excluded),
		zap.Int("skipped", rep.Skipped),
		zap.Int64("checkpoint", int64(rep.Checkpoint.Cursor)),
	)
	return rep, nil
}

func (e *Engine) run(ctx context.Context, rep *Report, logger *zap.Logger) error {
	schema := e.Extractor.Schema()
	if err := e.Loader.Store().EnsureSchema(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	cp, ok, err := e.Loader.Resume(ctx)
	if err != nil {
		return err
	}
	cursor := e.StartCursor
	if ok && cp.Cursor >= cursor {
		cursor = cp.Cursor + 1
	}
	rep.StartCursor = cursor
	logger.Info("run started", zap.Int64("cursor", int64(cursor)), zap.Bool("resumed", ok))

	var p pending
	flush := func() error {
		if p.pages == 0 {
			return nil
		}
		// 已经抽取的记录必须落地，即使运行被取消
		err := e.load(context.WithoutCancel(ctx), schema, &p, rep)
		p = pending{}
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			rep.Stopped = StopCanceled
			if ferr := flush(); ferr != nil {
				return ferr
			}
			return err
		}

		page, err := e.Fetcher.Fetch(ctx, cursor)
		if errors.Is(err, collect.ErrExhausted) {
			rep.Stopped = StopDone
			return flush()
		}
		if err != nil {
			if ctx.Err() != nil {
				rep.Stopped = StopCanceled
			} else {
				e.Metrics.FetchFailures.Add(1)
			}
			return errors.Join(err, flush())
		}
		e.Metrics.PagesFetched.Add(1)
		rep.Pages++

		if page.Repeated {
			e.Metrics.PagesRepeated.Add(1)
			rep.Stopped = StopRepeated
			return flush()
		}
		e.archive(ctx, page, logger)

		x, err := e.Extractor.Extract(page)
		if err != nil {
			e.Metrics.ExtractFailures.Add(1)
			return errors.Join(err, flush())
		}
		if x.Len() == 0 && e.StopOnEmpty {
			rep.Stopped = StopEmpty
			return flush()
		}
		e.gather(x, &p, rep, logger)
		p.pages++
		p.cursor = page.Cursor

		if p.pages >= e.BatchPages || page.Done {
			if err := flush(); err != nil {
				return err
			}
		}
		if page.Done {
			rep.Stopped = StopDone
			return nil
		}
		cursor = page.Next
	}
}

// 把一页的行分成记录和排除项，排除和降级都计数
func (e *Engine) gather(x *parse.Extraction, p *pending, rep *Report, logger *zap.Logger) {
	for r, rowErr := range x.All() {
		if rowErr != nil {
			e.Metrics.RowsExcluded.Add(1)
			rep.Excluded++
			logger.Debug("row excluded", zap.Error(rowErr))
			continue
		}
		e.Metrics.RowsExtracted.Add(1)
		if n := r.DegradedCount(); n > 0 {
			e.Metrics.FieldsDegraded.Add(int64(n))
		}
		p.records = append(p.records, r)
	}
}

func (e *Engine) load(ctx context.Context, schema *parse.Schema, p *pending, rep *Report) error {
	batch, err := storage.NewBatch(schema, p.cursor, p.records...)
	if err != nil {
		return err
	}
	res, err := e.Loader.Load(ctx, batch)
	if err != nil {
		e.Metrics.LoadFailures.Add(1)
		return err
	}
	e.Metrics.BatchesCommitted.Add(1)
	e.Metrics.RecordsLoaded.Add(int64(res.Rows))
	e.Metrics.DuplicateKeys.Add(int64(res.Duplicates))
	rep.Records += res.Rows
	rep.Batches++
	return nil
}

// 原始页面写到<source>/<cursor>.<format>，失败只计数不中断
func (e *Engine) archive(ctx context.Context, page *collect.PageHandle, logger *zap.Logger) {
	if e.Archive == nil {
		return
	}
	name := fmt.Sprintf("%s/%s.%s", e.Source(), page.Cursor, page.Format)
	skipped, err := blob.PutIfAbsent(ctx, e.Archive, name, bytes.NewReader(page.Body))
	if err != nil {
		e.Metrics.ArchiveFailures.Add(1)
		logger.Warn("archive page failed", zap.String("name", name), zap.Error(err))
		return
	}
	if !skipped {
		e.Metrics.PagesArchived.Add(1)
	}
}

/*
输入context和若干引擎，输出各自的报告和合并后的错误

每个引擎持有自己的会话和检查点来源，并行运行，写入安全依赖upsert的幂等性
*/
func RunAll(ctx context.Context, engines ...*Engine) ([]*Report, error) {
	reports := make([]*Report, len(engines))
	errs := make([]error, len(engines))
	var wg sync.WaitGroup
	for i, e := range engines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[i], errs[i] = e.Run(ctx)
		}()
	}
	wg.Wait()
	return reports, errors.Join(errs...)
}
