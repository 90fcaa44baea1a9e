package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/spf13/cobra"

	"bookingsaga/app"
	"bookingsaga/config"
	"bookingsaga/logging"
)

// errSagaFailed Saga 以失败告终；结果已经输出，只需要非零退出码
var errSagaFailed = errors.New("saga failed")

type rootOptions struct {
	configPath string
	logLevel   string

	// appOptions 测试中用于替换 Logger 等依赖
	appOptions []app.Option
}

func newRootCmd(opts ...app.Option) *cobra.Command {
	ro := &rootOptions{appOptions: opts}
	cmd := &cobra.Command{
		Use:           "bookingsaga",
		Short:         "bookingsaga runs booking cancellation and payment sagas",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&ro.configPath, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&ro.logLevel, "log-level", "", "override log.level (debug|info|warn|error)")

	cmd.AddCommand(
		newMigrateCmd(ro),
		newSeedCmd(ro),
		newCancelCmd(ro),
		newPayCmd(ro),
		newRelayCmd(ro),
		newWatchCmd(ro),
	)
	return cmd
}

func (ro *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(ro.configPath)
	if err != nil {
		return nil, err
	}
	if ro.logLevel != "" {
		cfg.Log.Level = ro.logLevel
	}
	return cfg, nil
}

// openApp 装配应用并确保表结构存在
func (ro *rootOptions) openApp(ctx context.Context) (*app.App, error) {
	cfg, err := ro.loadConfig()
	if err != nil {
		return nil, err
	}
	a, err := app.New(ctx, cfg, ro.appOptions...)
	if err != nil {
		return nil, err
	}
	if err := a.Migrate(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func closeApp(ctx context.Context, a *app.App) {
	if err := a.Close(); err != nil {
		a.Logger.Warn(ctx, "close app failed", logging.Error(err))
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
