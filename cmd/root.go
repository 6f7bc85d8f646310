// Package cmd defines and implements the CLI commands for the fetchguard executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetchguard/internal/app"
	"github.com/JakeFAU/fetchguard/internal/config"
)

// Service is what the serve command needs from the application container. Tests swap in a fake.
type Service interface {
	Run(ctx context.Context) error
	Close()
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Service, error) {
	return app.New(ctx, cfg, logger)
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "fetchguard",
		Short: "SSRF-safe fetch and crawl job service.",
		Long: `fetchguard accepts crawl and batch scrape jobs over HTTP, fetches the
targets through a URL safety gate, and reports results via signed webhooks.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env vars prefixed FETCHGUARD_ override it)")

	cmd.AddCommand(newServeCmd(&cfgFile))
	cmd.AddCommand(newCheckURLCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
