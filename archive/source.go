package archive

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/dszqbsm/policedata/collect"
	"go.uber.org/zap"
)

// 一个月份内最多的区域数，游标 = YYYYMM*maxRegions + 区域序号
const maxRegions = 1000

type sourceFile struct {
	cursor collect.Cursor
	cleanFileRef
}

// 把整理目录当作分页数据源，每个 <region>/YYYY/MM.csv 是一页，按月份再按区域排序
type Source struct {
	dir   string
	files []sourceFile

	mu      sync.Mutex
	started bool
	last    collect.Cursor
	next    int // 下一个未读文件的下标
	skipped int

	options
}

/*
输入整理目录和配置选项，输出Source和错误

构造时扫描一次目录；配置了区域时只读取这些区域。区域序号依次取WithRegionOrder、WithRegions的顺序，剩下的按名字排序
*/
func NewSource(dir string, opts ...Option) (*Source, error) {
	options := defaultOptions
	for _, opt := range opts {
		opt(&options)
	}
	var months map[string]bool
	if options.start != "" || options.end != "" {
		ms, err := Months(options.start, options.end)
		if err != nil {
			return nil, err
		}
		months = make(map[string]bool, len(ms))
		for _, m := range ms {
			months[m] = true
		}
	}

	refs, err := scanClean(dir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	rank, err := regionRank(refs, options.order, options.regions)
	if err != nil {
		return nil, err
	}
	var only map[string]bool
	if len(options.regions) > 0 {
		only = make(map[string]bool, len(options.regions))
		for _, r := range options.regions {
			only[r] = true
		}
	}

	s := &Source{dir: dir, options: options}
	for _, ref := range refs {
		if only != nil && !only[ref.Region] {
			options.logger.Debug("region not configured", zap.String("region", ref.Region))
			continue
		}
		r := rank[ref.Region]
		if months != nil && !months[ref.yearMonth()] {
			continue
		}
		ym, _ := strconv.ParseInt(ref.Year+ref.Month, 10, 64)
		s.files = append(s.files, sourceFile{cursor: collect.Cursor(ym*maxRegions + int64(r)), cleanFileRef: ref})
	}
	sort.Slice(s.files, func(i, j int) bool { return s.files[i].cursor < s.files[j].cursor })
	options.logger.Info("archive source scanned", zap.String("dir", dir), zap.Int("files", len(s.files)))
	return s, nil
}

func regionRank(refs []cleanFileRef, order, configured []string) (map[string]int, error) {
	rank := make(map[string]int)
	add := func(n string) {
		if _, ok := rank[n]; !ok {
			rank[n] = len(rank)
		}
	}
	for _, n := range order {
		add(n)
	}
	for _, n := range configured {
		add(n)
	}
	var rest []string
	for _, ref := range refs {
		if _, ok := rank[ref.Region]; !ok {
			rest = append(rest, ref.Region)
		}
	}
	sort.Strings(rest)
	for _, n := range rest {
		add(n)
	}
	if len(rank) > maxRegions {
		return nil, fmt.Errorf("too many regions: %d", len(rank))
	}
	return rank, nil
}

func (s *Source) Len() int {
	return len(s.files)
}

// 本次会话因为游标在起点之前而没有读取的文件数
func (s *Source) Skipped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skipped
}

// 第一个游标，没有文件时为0
func (s *Source) First() collect.Cursor {
	if len(s.files) == 0 {
		return 0
	}
	return s.files[0].cursor
}

/*
输入context和游标，输出游标处或之后第一个文件组成的页面和错误

返回页面的Cursor是文件的实际游标；后面没有文件时返回collect.ErrExhausted
*/
func (s *Source) Fetch(ctx context.Context, cursor collect.Cursor) (*collect.PageHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.started && cursor <= s.last {
		return nil, &collect.FetchError{Cursor: cursor, URL: s.dir, Err: fmt.Errorf("%w: %d after %d", collect.ErrCursorOrder, cursor, s.last)}
	}
	i := sort.Search(len(s.files), func(i int) bool { return s.files[i].cursor >= cursor })
	s.skip(i, cursor)
	if i == len(s.files) {
		return nil, fmt.Errorf("%w: %d", collect.ErrExhausted, cursor)
	}
	f := s.files[i]
	body, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, &collect.FetchError{Cursor: f.cursor, URL: f.Path, Attempts: 1, Err: err}
	}
	s.started = true
	s.last = f.cursor
	s.next = i + 1

	page := &collect.PageHandle{
		URL:       "file://" + f.Path,
		Cursor:    f.cursor,
		FetchedAt: time.Now(),
		Format:    collect.FormatCSV,
		Body:      body,
		Attempts:  1,
	}
	if i+1 < len(s.files) {
		page.Next = s.files[i+1].cursor
	} else {
		page.Done = true
	}
	s.logger.Debug("archive file read", zap.String("file", f.Path), zap.Int64("cursor", int64(f.cursor)))
	return page, nil
}

// 游标之前还没读过的文件记为跳过，比检查点更早补进来的文件会落在这里
func (s *Source) skip(i int, cursor collect.Cursor) {
	if i <= s.next {
		return
	}
	for _, f := range s.files[s.next:i] {
		s.logger.Debug("archive file skipped",
			zap.String("file", f.Path),
			zap.Int64("cursor", int64(f.cursor)),
			zap.Int64("start", int64(cursor)),
		)
	}
	s.logger.Info("archive files below cursor skipped", zap.Int("files", i-s.next), zap.Int64("cursor", int64(cursor)))
	s.skipped += i - s.next
	s.next = i
}

func (s *Source) Close() error {
	return nil
}
