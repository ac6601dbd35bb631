package archive

import (
	"archive/zip"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/dszqbsm/policedata/blob"
	"github.com/dszqbsm/policedata/parse"
	"go.uber.org/zap"
)

const (
	monthLayout  = "2006-01"
	streetSuffix = "-street.csv"
	LoadDateCol  = "load_date"
)

var (
	ErrMonthRange = errors.New("invalid month range")

	monthDirRe = regexp.MustCompile(`^(\d{4})-(\d{2})$`)
	cleanRe    = regexp.MustCompile(`^(\d{2})\.csv$`)
)

/*
输入起止月份（YYYY-MM），输出闭区间内的所有月份和错误

结束月份早于开始月份时报错
*/
func Months(start, end string) ([]string, error) {
	s, err := time.Parse(monthLayout, start)
	if err != nil {
		return nil, fmt.Errorf("%w: start %q: %v", ErrMonthRange, start, err)
	}
	e, err := time.Parse(monthLayout, end)
	if err != nil {
		return nil, fmt.Errorf("%w: end %q: %v", ErrMonthRange, end, err)
	}
	if e.Before(s) {
		return nil, fmt.Errorf("%w: %s is before %s", ErrMonthRange, end, start)
	}
	var months []string
	for m := s; !m.After(e); m = m.AddDate(0, 1, 0) {
		months = append(months, m.Format(monthLayout))
	}
	return months, nil
}

/*
输入压缩包路径和解压目录，输出解压出的文件数和错误

条目路径逃出解压目录时直接报错
*/
func Unzip(zipPath, dir string) (int, error) {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return 0, fmt.Errorf("open zip %s: %w", zipPath, err)
	}
	defer zr.Close()

	root := filepath.Clean(dir)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return 0, err
	}
	n := 0
	for _, f := range zr.File {
		target := filepath.Join(root, f.Name)
		if !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return n, fmt.Errorf("zip entry %q escapes %s", f.Name, root)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return n, err
			}
			continue
		}
		if err := unzipFile(f, target); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func unzipFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open zip entry %s: %w", f.Name, err)
	}
	defer rc.Close()
	out, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("extract %s: %w", f.Name, err)
	}
	return out.Close()
}

/*
输入解压目录、整理目录、加载日期和日志，输出整理好的文件数和错误

YYYY-MM/YYYY-MM-<region>-street.csv 整理为 <region>/YYYY/MM.csv：表头规范化、追加load_date列、删除原文件；
目录名不合法的跳过并记日志，单个文件失败不影响其它文件，所有失败合并返回
*/
func Reorganise(src, dst string, loadDate time.Time, logger *zap.Logger) (int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return 0, err
	}
	var (
		n    int
		errs []error
	)
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		ym := ent.Name()
		m := monthDirRe.FindStringSubmatch(ym)
		if m == nil {
			logger.Error("invalid folder name, expected YYYY-MM", zap.String("folder", ym))
			continue
		}
		year, month := m[1], m[2]
		folder := filepath.Join(src, ym)
		files, err := os.ReadDir(folder)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, f := range files {
			name := f.Name()
			if f.IsDir() || !strings.HasPrefix(name, ym+"-") || !strings.HasSuffix(name, streetSuffix) {
				continue
			}
			region := strings.TrimSuffix(strings.TrimPrefix(name, ym+"-"), streetSuffix)
			if region == "" {
				continue
			}
			from := filepath.Join(folder, name)
			to := filepath.Join(dst, region, year, month+".csv")
			if err := cleanFile(from, to, loadDate); err != nil {
				logger.Error("process file failed", zap.String("file", from), zap.Error(err))
				errs = append(errs, err)
				continue
			}
			if err := os.Remove(from); err != nil {
				errs = append(errs, err)
				continue
			}
			logger.Info("file reorganised", zap.String("from", from), zap.String("to", to))
			n++
		}
		// 其它类型的文件（outcomes等）还在时目录删不掉，忽略
		if err := os.Remove(folder); err != nil {
			logger.Debug("folder kept", zap.String("folder", folder), zap.Error(err))
		}
	}
	return n, errors.Join(errs...)
}

func cleanFile(from, to string, loadDate time.Time) error {
	in, err := os.Open(from)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return err
	}

	r := csv.NewReader(in)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return fmt.Errorf("read header of %s: %w", from, err)
	}
	for i, h := range header {
		header[i] = parse.NormalizeHeader(h)
	}

	tmp := to + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := csv.NewWriter(out)
	date := loadDate.Format("2006-01-02")
	err = w.Write(append(header, LoadDateCol))
	for err == nil {
		var line []string
		line, err = r.Read()
		if err == io.EOF {
			err = nil
			break
		}
		if err == nil {
			err = w.Write(append(line, date))
		}
	}
	if err == nil {
		w.Flush()
		err = w.Error()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("clean %s: %w", from, err)
	}
	return os.Rename(tmp, to)
}

// 整理后的一个文件
type cleanFileRef struct {
	Region string
	Year   string
	Month  string // MM
	Path   string
}

func (c cleanFileRef) yearMonth() string {
	return c.Year + "-" + c.Month
}

// 对象名：<region>/year=YYYY/month=MM/MM.csv
func (c cleanFileRef) objectName() string {
	return fmt.Sprintf("%s/year=%s/month=%s/%s.csv", c.Region, c.Year, c.Month, c.Month)
}

// 列出整理目录下所有 <region>/YYYY/MM.csv，按区域、年、月排序
func scanClean(dir string) ([]cleanFileRef, error) {
	regions, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var refs []cleanFileRef
	for _, r := range regions {
		if !r.IsDir() {
			continue
		}
		years, err := os.ReadDir(filepath.Join(dir, r.Name()))
		if err != nil {
			return nil, err
		}
		for _, y := range years {
			if !y.IsDir() || len(y.Name()) != 4 {
				continue
			}
			files, err := os.ReadDir(filepath.Join(dir, r.Name(), y.Name()))
			if err != nil {
				return nil, err
			}
			for _, f := range files {
				m := cleanRe.FindStringSubmatch(f.Name())
				if f.IsDir() || m == nil {
					continue
				}
				refs = append(refs, cleanFileRef{
					Region: r.Name(),
					Year:   y.Name(),
					Month:  m[1],
					Path:   filepath.Join(dir, r.Name(), y.Name(), f.Name()),
				})
			}
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Region != refs[j].Region {
			return refs[i].Region < refs[j].Region
		}
		return refs[i].yearMonth() < refs[j].yearMonth()
	})
	return refs, nil
}

/*
输入context、对象存储、整理目录和日志，输出上传数、跳过数和错误

对象已存在的跳过，重复执行不会重复上传
*/
func Upload(ctx context.Context, store blob.Store, dir string, logger *zap.Logger) (uploaded, skipped int, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	refs, err := scanClean(dir)
	if err != nil {
		return 0, 0, err
	}
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return uploaded, skipped, err
		}
		name := ref.objectName()
		f, err := os.Open(ref.Path)
		if err != nil {
			return uploaded, skipped, err
		}
		skip, err := blob.PutIfAbsent(ctx, store, name, f)
		f.Close()
		if err != nil {
			return uploaded, skipped, fmt.Errorf("upload %s: %w", name, err)
		}
		if skip {
			skipped++
			logger.Info("skipped existing object", zap.String("object", name))
			continue
		}
		uploaded++
		logger.Info("object uploaded", zap.String("file", ref.Path), zap.String("object", name))
	}
	return uploaded, skipped, nil
}
