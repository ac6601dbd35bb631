package archive

// 批量归档：从下载页面生成街道犯罪压缩包，解压、整理成 region/YYYY/MM.csv，再上传到对象存储或作为采集源

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dszqbsm/policedata/collect"
	"github.com/dszqbsm/policedata/proxy"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://data.police.uk/data/"
	ZipName        = "street.zip"
)

// 通过浏览器提交自定义下载表单，一个Downloader只下载一次
type Downloader struct {
	BaseURL         string
	DownloadDir     string
	Start           string   // YYYY-MM
	End             string   // YYYY-MM
	ForceIDs        []string // 需要勾选的警队复选框id
	RemoteURL       string
	Headless        bool
	Proxy           *proxy.Switcher
	ButtonTimeout   time.Duration // 等待"download now"按钮出现
	DownloadTimeout time.Duration // 等待文件下载完成
	Logger          *zap.Logger
}

func (d *Downloader) check() error {
	if d.DownloadDir == "" {
		return errors.New("download dir can not be empty")
	}
	if len(d.ForceIDs) == 0 {
		return errors.New("at least one force id is required")
	}
	if _, err := Months(d.Start, d.End); err != nil {
		return err
	}
	if d.BaseURL == "" {
		d.BaseURL = DefaultBaseURL
	}
	if d.ButtonTimeout <= 0 {
		d.ButtonTimeout = 30 * time.Second
	}
	if d.DownloadTimeout <= 0 {
		d.DownloadTimeout = 60 * time.Second
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return nil
}

/*
输入context，输出下载好的压缩包路径和错误

选择起止月份、勾选警队、提交表单，在ButtonTimeout内等到下载按钮，点击后在DownloadTimeout内等待下载完成，最后重命名为street.zip
*/
func (d *Downloader) Download(ctx context.Context) (string, error) {
	if err := d.check(); err != nil {
		return "", err
	}
	dir, err := filepath.Abs(d.DownloadDir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	br, l, err := collect.Launch(d.RemoteURL, d.Headless, d.Proxy)
	if err != nil {
		return "", err
	}
	defer collect.Release(br, l)
	br = br.Context(ctx)

	d.Logger.Info("opening download form", zap.String("url", d.BaseURL))
	page, err := br.Page(proto.TargetCreateTarget{URL: d.BaseURL})
	if err != nil {
		return "", fmt.Errorf("open %s: %w", d.BaseURL, err)
	}
	defer func() { _ = page.Close() }()
	if err := page.WaitLoad(); err != nil {
		return "", fmt.Errorf("wait load: %w", err)
	}

	if err := d.selectMonth(page, "#id_date_from", d.Start); err != nil {
		return "", err
	}
	if err := d.selectMonth(page, "#id_date_to", d.End); err != nil {
		return "", err
	}
	for _, id := range d.ForceIDs {
		if err := d.tickForce(page, id); err != nil {
			return "", err
		}
	}

	submit, err := page.Element("button[type='submit']")
	if err != nil {
		return "", fmt.Errorf("find generate button: %w", err)
	}
	if err := submit.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return "", fmt.Errorf("click generate button: %w", err)
	}
	d.Logger.Info("file generation requested")

	button, err := page.Timeout(d.ButtonTimeout).ElementR(".button", "[Dd]ownload [Nn]ow")
	if err != nil {
		return "", fmt.Errorf("download button did not appear within %s: %w", d.ButtonTimeout, err)
	}

	dctx, cancel := context.WithTimeout(ctx, d.DownloadTimeout)
	defer cancel()
	wait := br.Context(dctx).WaitDownload(dir)
	if err := button.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return "", fmt.Errorf("click download button: %w", err)
	}
	info := wait()
	if dctx.Err() != nil || info == nil {
		return "", fmt.Errorf("download did not complete within %s", d.DownloadTimeout)
	}

	target := filepath.Join(dir, ZipName)
	if err := os.Rename(filepath.Join(dir, info.GUID), target); err != nil {
		return "", fmt.Errorf("rename download: %w", err)
	}
	d.Logger.Info("download finished", zap.String("file", target), zap.String("suggested", info.SuggestedFilename))
	return target, nil
}

func (d *Downloader) selectMonth(page *rod.Page, selector, month string) error {
	el, err := page.Element(selector)
	if err != nil {
		return fmt.Errorf("find %s: %w", selector, err)
	}
	opt := fmt.Sprintf(`option[value="%s"]`, month)
	if err := el.Select([]string{opt}, true, rod.SelectorTypeCSSSector); err != nil {
		return fmt.Errorf("select %s in %s: %w", month, selector, err)
	}
	return nil
}

func (d *Downloader) tickForce(page *rod.Page, id string) error {
	el, err := page.Element("#" + id)
	if err != nil {
		return fmt.Errorf("find force %s: %w", id, err)
	}
	checked, err := el.Property("checked")
	if err != nil {
		return fmt.Errorf("read force %s: %w", id, err)
	}
	if checked.Bool() {
		return nil
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("tick force %s: %w", id, err)
	}
	d.Logger.Debug("force selected", zap.String("force", id))
	return nil
}
