package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/benz9527/xsensor/app"
	"github.com/benz9527/xsensor/config"
	"github.com/benz9527/xsensor/observability"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "xsensor",
		Short:         "xsensor - sensor data middleware distributing new readings to listeners",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "path to the YAML configuration file")
	root.AddCommand(newServeCmd(), newCheckCmd(), newVersionCmd())
	return root
}

// configFlags are bound onto configuration keys of the same name.
func configFlags(flags *pflag.FlagSet) {
	flags.String("log.level", "info", "log level: debug, info, warn, error")
	flags.String("log.encoder", "json", "log encoder: json or text")
	flags.String("storage.dsn", ":memory:", "sqlite data source name")
	flags.String("metrics.exporter", "prometheus", "metrics exporter: prometheus, stdout or none")
	flags.String("metrics.addr", ":9464", "address of the /metrics endpoint")
	flags.Duration("distributer.keep-alive-period", 15*time.Second, "listener liveness probe period, 0 disables it")
	flags.Int("distributer.delivery-workers", 0, "concurrent deliveries per dispatch pass")
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the middleware",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			return serve(cmd.Context(), path, cmd.Flags())
		},
	}
	configFlags(cmd.Flags())
	return cmd
}

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path, cmd.Flags())
			if err != nil {
				return err
			}
			cmd.Printf("configuration ok: %d sensors, %d subscriptions\n", len(cfg.Sensors), len(cfg.Subscriptions))
			return nil
		},
	}
	configFlags(cmd.Flags())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version)
		},
	}
}

func serve(parent context.Context, path string, flags *pflag.FlagSet) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	bootstrap, err := config.Load(path, flags)
	if err != nil {
		return err
	}
	logger := app.NewLogger(bootstrap)
	defer func() { _ = logger.Sync() }()
	logger.Banner(startupBanner{version: version})

	undo, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.Logf(zapcore.InfoLevel, format, args...)
	}))
	defer undo()
	if err != nil {
		logger.Warn("unable to set GOMAXPROCS", zap.String("error", err.Error()))
	}

	watcher, err := config.NewWatcher(path, flags, logger)
	if err != nil {
		return err
	}
	watcher.HotReloadLogLevel(logger)
	cfg := watcher.Config()

	var metrics *observability.Metrics
	fxApp := fx.New(
		app.Module(cfg, logger),
		fx.Populate(&metrics),
	)
	if err = fxApp.Err(); err != nil {
		return err
	}
	if err = fxApp.Start(ctx); err != nil {
		return err
	}
	logger.Info("xsensor started",
		zap.String("version", version),
		zap.Int("sensors", len(cfg.Sensors)),
		zap.Int("subscriptions", len(cfg.Subscriptions)),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return watcher.Watch(gctx)
	})
	if metrics.Handler != nil {
		srv := observability.NewMetricsServer(cfg.Metrics.Addr, metrics.Handler, logger)
		g.Go(func() error {
			return srv.Serve(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return fxApp.Stop(stopCtx)
	})
	err = g.Wait()
	logger.Info("xsensor stopped")
	return err
}
