package blob

// 对象存储：原始页面归档和批量下载文件的上传

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	gcs "cloud.google.com/go/storage"
	"go.uber.org/zap"
)

type Store interface {
	Exists(ctx context.Context, name string) (bool, error)
	Put(ctx context.Context, name string, r io.Reader) error
}

/*
输入对象名和内容，输出是否跳过和错误

对象已存在时不覆盖，重复运行不会重复上传
*/
func PutIfAbsent(ctx context.Context, s Store, name string, r io.Reader) (bool, error) {
	ok, err := s.Exists(ctx, name)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	return false, s.Put(ctx, name, r)
}

// Google Cloud Storage的一个bucket
type GCS struct {
	client *gcs.Client
	bucket *gcs.BucketHandle
	logger *zap.Logger
}

func NewGCS(ctx context.Context, bucket string, logger *zap.Logger) (*GCS, error) {
	if bucket == "" {
		return nil, errors.New("bucket can not be empty")
	}
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GCS{client: client, bucket: client.Bucket(bucket), logger: logger}, nil
}

func (g *GCS) Exists(ctx context.Context, name string) (bool, error) {
	_, err := g.bucket.Object(name).Attrs(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", name, err)
	}
	return true, nil
}

func (g *GCS) Put(ctx context.Context, name string, r io.Reader) error {
	w := g.bucket.Object(name).NewWriter(ctx)
	if strings.HasSuffix(name, ".csv") {
		w.ContentType = "text/csv"
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return fmt.Errorf("upload %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("upload %s: %w", name, err)
	}
	g.logger.Debug("object uploaded", zap.String("name", name))
	return nil
}

func (g *GCS) Close() error {
	return g.client.Close()
}

// 本地目录，对象名映射为相对路径
type Dir struct {
	Root string
}

func (d Dir) path(name string) (string, error) {
	p := filepath.Join(d.Root, filepath.FromSlash(name))
	rel, err := filepath.Rel(d.Root, p)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("invalid object name %q", name)
	}
	return p, nil
}

func (d Dir) Exists(_ context.Context, name string) (bool, error) {
	p, err := d.path(name)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// 先写临时文件再改名，中断时不会留下半个对象
func (d Dir) Put(_ context.Context, name string, r io.Reader) error {
	p, err := d.path(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), p)
}
