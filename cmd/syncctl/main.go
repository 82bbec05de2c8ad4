// Command syncctl operates the conversation sync service: schema
// migrations, manual resyncs, comment cursors and Zendesk installation.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aseriousbiz/abbot-web-sub006/internal/config"
	"github.com/aseriousbiz/abbot-web-sub006/internal/store"
	"github.com/aseriousbiz/abbot-web-sub006/pkg/logger"
)

var version = "1.0.0"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "syncctl",
	Short: "Operate the Slack and Zendesk conversation sync service",
	Long: `syncctl is the operator tool for the conversation sync service.

Configuration is read from the same environment variables as the server.

Examples:
  syncctl migrate up
  syncctl resync --org org1 --ticket https://acme.zendesk.com/agent/tickets/42
  syncctl cursor show --conversation 0190b1a2-...
  syncctl cursor reset --conversation 0190b1a2-...
  syncctl zendesk install --org org1
  syncctl token --org org1 --member m1`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(resyncCmd)
	rootCmd.AddCommand(cursorCmd)
	rootCmd.AddCommand(zendeskCmd)
	rootCmd.AddCommand(tokenCmd)

	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")
}

func newLogger(cmd *cobra.Command) (*logger.Logger, error) {
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		return logger.NewDevelopment()
	}
	return logger.New(config.Load().LogLevel)
}

func openStore(ctx context.Context, cfg *config.Config) (*store.Postgres, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is not set")
	}
	return store.OpenPostgres(ctx, cfg.DatabaseURL)
}
