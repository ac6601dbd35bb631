package crawl

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/dszqbsm/policedata/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var CrawlCmd = &cobra.Command{
	Use:   "crawl",
	Short: "run one crawl from the last checkpoint.",
	Long:  "fetch pages from the last committed checkpoint, extract records and load them into the warehouse.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return Run(cmd.Context())
	},
}

var (
	cfgFile   string
	overrides config.Overrides
)

func init() {
	CrawlCmd.Flags().StringVar(
		&cfgFile, "config", "configs/policedata.yaml", "set config file")
	CrawlCmd.Flags().StringVar(
		&overrides.LogLevel, "log-level", "", "override log level")
	CrawlCmd.Flags().StringVar(
		&overrides.DSN, "dsn", "", "override storage dsn")
}

/*
输入context，输出错误

收到SIGINT/SIGTERM时取消运行，已抽取的记录仍会提交；运行报告以json打印到标准输出
*/
func Run(ctx context.Context) error {
	cfg, logger, closer, err := config.Boot(cfgFile, overrides)
	if err != nil {
		return err
	}
	defer closer.Close()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := cfg.OpenStore(ctx, logger)
	if err != nil {
		logger.Error("open storage failed", zap.Error(err))
		return err
	}
	defer store.Close()

	pages, blobCloser, err := cfg.OpenBlob(ctx, logger)
	if err != nil {
		logger.Error("open blob store failed", zap.Error(err))
		return err
	}
	defer blobCloser.Close()

	e, err := cfg.NewEngine(store, pages, nil, logger)
	if err != nil {
		logger.Error("create engine failed", zap.Error(err))
		return err
	}
	rep, runErr := e.Run(ctx)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return err
	}
	return runErr
}
