// crmctl runs sheet syncs and account chores against the CRM database without the HTTP API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"estatecrm/api/internal/bootstrap"
	"estatecrm/api/internal/config"
	"estatecrm/api/internal/logging"
)

var (
	verbose bool
	timeout time.Duration
)

// rootCmd is the base command; every subcommand opens its own runtime.
var rootCmd = &cobra.Command{
	Use:           "crmctl",
	Short:         "Operate the estate CRM from the command line",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "Operation timeout (0 for none)")

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(pullAllCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(conflictsCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(reindexCmd)
	rootCmd.AddCommand(createUserCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// session bundles what a subcommand needs; close it when done.
type session struct {
	cfg     config.Config
	logger  *zap.Logger
	runtime *bootstrap.Runtime
	ctx     context.Context
	cancel  context.CancelFunc
}

func (s *session) close() {
	s.runtime.Close()
	s.cancel()
	_ = s.logger.Sync()
}

func openSession(cmd *cobra.Command, withTimeout bool) (*session, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	level := cfg.LogLevel
	if verbose {
		level = "debug"
	}
	logger, err := logging.New(level, true)
	if err != nil {
		return nil, err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	if withTimeout && timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, timeout)
		stop := cancel
		cancel = func() {
			cancelTimeout()
			stop()
		}
	}

	rt, err := bootstrap.Open(ctx, cfg, logger)
	if err != nil {
		cancel()
		return nil, err
	}
	return &session{cfg: cfg, logger: logger, runtime: rt, ctx: ctx, cancel: cancel}, nil
}

func printJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
