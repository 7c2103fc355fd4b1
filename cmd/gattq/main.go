package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// newRootCmd builds the command tree. Tests build a fresh tree per run so flag values
// never leak between executions.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gattq",
		Short: "Queued GATT client for Bluetooth Low Energy peripherals",
		Long: `gattq talks to one Bluetooth Low Energy peripheral at a time through a command queue:

- Connect and show the peripheral
- Discover services and characteristics
- Read, write and subscribe to characteristics
- Read the link RSSI

Every command connects and discovers what it needs on its own. An optional Lua
initializer script (--init-script) runs after each fresh connection.`,
		Version: fmt.Sprintf("%s (commit %s, built %s)", formatVersion(version), commit, date),
		// Silence Cobra's "Error:" prefix - main() prints clean errors
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "YAML configuration file")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.Duration("timeout", 0, "Connect timeout (e.g. 10s); 0 keeps the configured value")
	flags.String("init-script", "", "Lua initializer script path, or a builtin name (heart-rate)")
	flags.Bool("json", false, "Print results as JSON")
	flags.Int("log-history", -1, "Log entries kept and dumped to stderr when a command fails (0 disables)")

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	rootCmd.AddCommand(newConnectCmd())
	rootCmd.AddCommand(newDiscoverCmd())
	rootCmd.AddCommand(newReadCmd())
	rootCmd.AddCommand(newWriteCmd())
	rootCmd.AddCommand(newSubscribeCmd())
	rootCmd.AddCommand(newRSSICmd())

	return rootCmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()

	if err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}
