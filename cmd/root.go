// Package cmd defines and implements the CLI commands for the autoapply executable.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/autoapply/internal/api"
	"github.com/JakeFAU/autoapply/internal/app"
	"github.com/JakeFAU/autoapply/internal/config"
	"github.com/JakeFAU/autoapply/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands will use.
// This allows us to inject a fake app during tests.
type App interface {
	Close()
	Logger() *zap.Logger
	Config() config.Config
	Engine() api.Engine
	Handler() http.Handler
	Start(ctx context.Context) error
	Backup(ctx context.Context) (string, error)
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// newRootCmd creates and configures the root command. The returned func
// closes the application the command built; cobra skips post-run hooks when
// a command fails, so callers run it after Execute.
func newRootCmd() (*cobra.Command, func()) {
	var (
		cfgFile string
		built   App
	)

	cmd := &cobra.Command{
		Use:   "autoapply",
		Short: "Job search aggregation and automated application engine.",
		Long: `autoapply searches several job sources at once, de-duplicates and caches
the listings, and drives a browser through application forms while recording
every step so interrupted applications can be resumed.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Build the application once config is known and before the subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			built = appInstance
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML); AUTOAPPLY_* env vars override it")

	cmd.AddCommand(
		newServeCmd(),
		newSearchCmd(),
		newApplyCmd(),
		newResumeTaskCmd(),
		newTaskCmd(),
		newSessionCmd(),
		newJobsCmd(),
		newResumeCmd(),
		newBackupCmd(),
	)

	closeApp := func() {
		if built != nil {
			built.Close()
			_ = built.Logger().Sync()
			built = nil
		}
	}
	return cmd, closeApp
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the command
// context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root, closeApp := newRootCmd()
	err := root.ExecuteContext(ctx)
	closeApp()
	if err != nil {
		zap.L().Error("command execution failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
