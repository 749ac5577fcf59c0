package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/goupter/nerve/pkg/app"
	"github.com/goupter/nerve/pkg/config"
	"github.com/goupter/nerve/pkg/log"
	"github.com/goupter/nerve/pkg/metrics"
	"github.com/goupter/nerve/pkg/nerve"
	"github.com/goupter/nerve/pkg/reporter"
	"github.com/goupter/nerve/pkg/server"
	"github.com/goupter/nerve/pkg/watcher"
)

var version = "dev"

type flags struct {
	configFile  string
	instanceID  string
	checkConfig bool
	consulAddr  string
	consulKey   string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:           "nerve",
		Short:         "Register local services in service discovery based on health checks",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := run(cmd.Context(), f)
			if err != nil {
				fmt.Fprintln(os.Stderr, "nerve:", err)
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&f.configFile, "config", "c", "", "config file (yaml or json)")
	cmd.Flags().StringVarP(&f.instanceID, "instance-id", "i", "", "override instance_id from the config")
	cmd.Flags().BoolVarP(&f.checkConfig, "check-config", "k", false, "validate the config and exit")
	cmd.Flags().StringVar(&f.consulAddr, "consul-addr", "", "read the config from this Consul agent")
	cmd.Flags().StringVar(&f.consulKey, "consul-key", "nerve/config", "Consul KV key holding the config")
	return cmd
}

func newSource(f *flags) (config.Source, error) {
	var opts []config.Option
	if f.configFile != "" {
		opts = append(opts, config.WithConfigFile(f.configFile))
	}
	if f.instanceID != "" {
		opts = append(opts, config.WithInstanceID(f.instanceID))
	}

	if f.consulAddr != "" {
		return config.NewConsulSource(f.consulAddr, f.consulKey, config.WithConfigOptions(opts...))
	}
	return config.NewFileSource(opts...)
}

func run(ctx context.Context, f *flags) error {
	if ctx == nil {
		ctx = context.Background()
	}

	source, err := newSource(f)
	if err != nil {
		return err
	}
	cfg := source.Config()
	if err := config.Validate(cfg); err != nil {
		return err
	}

	logger, err := log.New(&cfg.Log)
	if err != nil {
		return err
	}
	log.SetDefault(logger)
	log.ResetNamed()

	pool := reporter.NewPool(reporter.WithPoolLogger(log.Named("pool")))
	deps := reporter.Deps{
		Pool:   pool,
		Memory: reporter.NewMemoryStore(),
		Logger: log.Named("reporter"),
	}
	registry := metrics.NewRegistry()

	sup := nerve.New(source,
		nerve.WithLogger(log.Named("nerve")),
		nerve.WithMetrics(registry),
		nerve.WithWatcherOptions(watcher.WithReporterDeps(deps)),
	)

	// 后端和检查的配置错误在启动时就失败，而不是在主循环里反复重试
	if err := sup.CheckConfig(); err != nil {
		_ = pool.Close()
		return err
	}
	if f.checkConfig {
		logger.Info("config is valid", log.Strings("services", cfg.ServiceNames()))
		return pool.Close()
	}

	opts := []app.Option{
		app.WithLogger(log.Named("app")),
		app.AfterStop(pool.Close),
	}
	if cfg.Status.Enabled {
		opts = append(opts, app.WithServer(server.NewStatusServer(sup,
			server.WithAddr(cfg.Status.Addr()),
			server.WithLogger(log.Named("status")),
			server.WithMetrics(registry),
			server.WithPProf(cfg.Status.PProf),
		)))
	}
	if w, ok := source.(config.Watcher); ok && cfg.ReloadOnChange {
		opts = append(opts, app.WithConfigWatcher(w))
	}

	return app.New(sup, opts...).Run(ctx)
}
