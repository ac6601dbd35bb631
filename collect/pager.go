package collect

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/golang/groupcache/lru"
	"go.uber.org/zap"
)

const pagePlaceholder = "{page}"

// 按游标翻页采集，持有一个Getter（会话），同一时刻只有一次采集在使用它
type PageFetcher struct {
	getter Getter
	next   cascadia.Selector
	seen   *lru.Cache // 页面内容哈希 -> 游标

	mu      sync.Mutex
	started bool
	last    Cursor

	options
}

/*
输入一个Getter和若干配置选项，输出PageFetcher和错误

url模板必须包含{page}，下一页选择器在这里编译，写错了直接报错而不是等到采集时
*/
func NewPageFetcher(getter Getter, opts ...Option) (*PageFetcher, error) {
	options := defaultOptions
	for _, opt := range opts {
		opt(&options)
	}
	if getter == nil {
		return nil, errors.New("getter can not be nil")
	}
	if !strings.Contains(options.urlTemplate, pagePlaceholder) {
		return nil, fmt.Errorf("url template %q must contain %s", options.urlTemplate, pagePlaceholder)
	}
	f := &PageFetcher{
		getter:  getter,
		seen:    lru.New(options.seenSize),
		options: options,
	}
	if options.nextSelector != "" {
		sel, err := cascadia.Compile(options.nextSelector)
		if err != nil {
			return nil, fmt.Errorf("compile next selector %q: %w", options.nextSelector, err)
		}
		f.next = sel
	}
	return f, nil
}

func (f *PageFetcher) URL(cursor Cursor) string {
	return strings.ReplaceAll(f.urlTemplate, pagePlaceholder, cursor.String())
}

/*
输入context和游标，输出页面和错误

游标必须大于本会话上一次成功采集的游标；可重试错误按退避策略重试，耗尽或遇到不可重试错误时返回*FetchError；父context结束时直接返回ctx.Err()
*/
func (f *PageFetcher) Fetch(ctx context.Context, cursor Cursor) (*PageHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	url := f.URL(cursor)
	if f.started && cursor <= f.last {
		return nil, &FetchError{Cursor: cursor, URL: url, Err: fmt.Errorf("%w: %d after %d", ErrCursorOrder, cursor, f.last)}
	}

	var (
		state RetryState
		body  []byte
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		state.Begin()
		var err error
		body, err = f.attempt(ctx, url)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		transient := IsTransient(err)
		if !transient || !state.Retry(f.backoff, err) {
			f.logger.Error("fetch failed",
				zap.Int64("cursor", int64(cursor)),
				zap.String("url", url),
				zap.Int("attempts", state.Attempt),
				zap.Bool("transient", transient),
				zap.Error(err),
			)
			return nil, &FetchError{Cursor: cursor, URL: url, Attempts: state.Attempt, Transient: transient, Err: err}
		}
		f.logger.Warn("fetch retrying",
			zap.Int64("cursor", int64(cursor)),
			zap.Int("attempt", state.Attempt),
			zap.Duration("backoff", state.Delay),
			zap.Error(err),
		)
		if err := Sleep(ctx, state.Delay); err != nil {
			return nil, err
		}
	}

	f.started = true
	f.last = cursor

	page := &PageHandle{
		URL:       url,
		Cursor:    cursor,
		FetchedAt: time.Now(),
		Format:    f.format,
		Body:      body,
		Attempts:  state.Attempt,
	}

	sum := sha256.Sum256(body)
	if prev, ok := f.seen.Get(sum); ok {
		f.logger.Info("page repeated, treat as last page",
			zap.Int64("cursor", int64(cursor)),
			zap.Any("same_as", prev),
		)
		page.Repeated = true
		page.Done = true
		return page, nil
	}
	f.seen.Add(sum, cursor)

	if f.hasNext(cursor, body) {
		page.Next = cursor + 1
	} else {
		page.Done = true
	}
	f.logger.Debug("fetch page",
		zap.Int64("cursor", int64(cursor)),
		zap.Int("length", len(body)),
		zap.Bool("done", page.Done),
	)
	return page, nil
}

func (f *PageFetcher) attempt(ctx context.Context, url string) ([]byte, error) {
	if f.attemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.attemptTimeout)
		defer cancel()
	}
	return f.getter.Get(ctx, url)
}

func (f *PageFetcher) hasNext(cursor Cursor, body []byte) bool {
	if f.lastPage > 0 && cursor >= f.lastPage {
		return false
	}
	if f.next == nil {
		return true
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	return doc.FindMatcher(f.next).Length() > 0
}

func (f *PageFetcher) Close() error {
	return f.getter.Close()
}
