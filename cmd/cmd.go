package cmd

import (
	"context"
	"os"

	"github.com/dszqbsm/policedata/cmd/archive"
	"github.com/dszqbsm/policedata/cmd/checkpoint"
	"github.com/dszqbsm/policedata/cmd/crawl"
	"github.com/dszqbsm/policedata/cmd/serve"
	"github.com/dszqbsm/policedata/version"
	"github.com/spf13/cobra"
)

// crawl执行一次采集，archive处理批量归档文件，serve启动http服务，checkpoint查看检查点，version打印构建信息

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print version.",
	Long:  "print version.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		version.Printer(cmd.OutOrStdout())
	},
}

func Execute() {
	var rootCmd = &cobra.Command{
		Use:          "policedata",
		Short:        "police data scraping pipeline.",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(crawl.CrawlCmd, archive.ArchiveCmd, serve.ServeCmd, checkpoint.CheckpointCmd, versionCmd)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
