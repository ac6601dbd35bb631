package serve

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dszqbsm/policedata/api"
	"github.com/dszqbsm/policedata/config"
	"github.com/dszqbsm/policedata/engine"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "run http service.",
	Long:  "run http service exposing checkpoint status, run control and radius queries.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return Run(cmd.Context())
	},
}

var (
	cfgFile           string
	HTTPListenAddress string
	overrides         config.Overrides
)

func init() {
	ServeCmd.Flags().StringVar(
		&cfgFile, "config", "configs/policedata.yaml", "set config file")
	ServeCmd.Flags().StringVar(
		&HTTPListenAddress, "http", "", "set HTTP listen address, defaults to api.listen")
	ServeCmd.Flags().StringVar(
		&overrides.LogLevel, "log-level", "", "override log level")
	ServeCmd.Flags().StringVar(
		&overrides.DSN, "dsn", "", "override storage dsn")
}

/*
输入context，输出错误

启动时先建表，postgres需要借此找到带geo_point的表；收到SIGINT/SIGTERM后停止接收请求，取消后台运行并等待它提交完已抽取的记录
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
	if err := store.EnsureSchema(ctx, &cfg.Schema); err != nil {
		logger.Error("ensure schema failed", zap.Error(err))
		return err
	}
	pages, blobCloser, err := cfg.OpenBlob(ctx, logger)
	if err != nil {
		return err
	}
	defer blobCloser.Close()

	newEngine := func() (*engine.Engine, error) {
		return cfg.NewEngine(store, pages, nil, logger)
	}
	srv := api.New(store, cfg.Source, newEngine,
		api.WithLogger(logger.Named("api")),
		api.WithNearbyLimit(cfg.API.NearbyLimit),
		api.WithBaseContext(ctx),
		api.WithToken(cfg.API.Token),
	)

	addr := cfg.API.Listen
	if HTTPListenAddress != "" {
		addr = HTTPListenAddress
	}
	hs := &http.Server{
		Addr:         addr,
		Handler:      srv,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("start http server", zap.String("addr", addr))
		errCh <- hs.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http listenAndServe failed", zap.Error(err))
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down http server")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := hs.Shutdown(sctx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}
	srv.Wait()
	return nil
}
