package archive

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dszqbsm/policedata/archive"
	"github.com/dszqbsm/policedata/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// 归档流水线：下载 -> 解压 -> 整理 -> 上传，每一步都可以单独跳过
var ArchiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "download, unpack, reorganise and upload the bulk street archive.",
	Long:  "download the street-level crime archive for the configured months and forces, reorganise it into region/year/month csv files and upload them to the blob store.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return Run(cmd.Context())
	},
}

var (
	cfgFile      string
	overrides    config.Overrides
	skipDownload bool
	skipUpload   bool
)

func init() {
	ArchiveCmd.Flags().StringVar(
		&cfgFile, "config", "configs/policedata.yaml", "set config file")
	ArchiveCmd.Flags().StringVar(
		&overrides.LogLevel, "log-level", "", "override log level")
	ArchiveCmd.Flags().BoolVar(
		&skipDownload, "skip-download", false, "reuse street.zip already in the download dir")
	ArchiveCmd.Flags().BoolVar(
		&skipUpload, "skip-upload", false, "do not upload cleaned files")
}

func Run(ctx context.Context) error {
	cfg, logger, closer, err := config.Boot(cfgFile, overrides)
	if err != nil {
		return err
	}
	defer closer.Close()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := cfg.Archive
	zipPath := filepath.Join(a.DownloadDir, archive.ZipName)
	if !skipDownload {
		if zipPath, err = cfg.Downloader(logger).Download(ctx); err != nil {
			logger.Error("download failed", zap.Error(err))
			return err
		}
	}

	n, err := archive.Unzip(zipPath, a.ExtractDir)
	if err != nil {
		logger.Error("unzip failed", zap.Error(err))
		return err
	}
	logger.Info("archive extracted", zap.Int("files", n), zap.String("dir", a.ExtractDir))
	if err := os.Remove(zipPath); err != nil {
		logger.Warn("remove zip failed", zap.Error(err))
	}

	n, err = archive.Reorganise(a.ExtractDir, a.CleanDir, time.Now().UTC(), logger.Named("archive"))
	if err != nil {
		// 单个文件失败已经记过日志，其余文件照常上传
		logger.Error("reorganise finished with errors", zap.Int("files", n), zap.Error(err))
	} else {
		logger.Info("archive reorganised", zap.Int("files", n), zap.String("dir", a.CleanDir))
	}

	if skipUpload {
		return err
	}
	store, blobCloser, berr := cfg.OpenBlob(ctx, logger)
	if berr != nil {
		return berr
	}
	defer blobCloser.Close()
	if store == nil {
		logger.Info("no blob store configured, upload skipped")
		return err
	}
	up, skipped, uerr := archive.Upload(ctx, store, a.CleanDir, logger.Named("blob"))
	if uerr != nil {
		logger.Error("upload failed", zap.Error(uerr))
		return uerr
	}
	logger.Info("archive uploaded", zap.Int("uploaded", up), zap.Int("skipped", skipped))
	return err
}
