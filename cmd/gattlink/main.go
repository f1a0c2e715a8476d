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

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gattlink",
		Short: "BLE GATT client",
		Long: `Connects to a Bluetooth Low Energy device and talks GATT to it:

- Check that a service and characteristic are present
- Read and write characteristic values
- Stream notifications and indications

Use --simulate with a peripheral profile to run against a simulated device.`,
		Version:       formatVersion(version),
		SilenceErrors: true,
	}
	root.SetVersionTemplate(fmt.Sprintf("gattlink %s (commit %s, built %s)\n", formatVersion(version), commit, date))

	flags := root.PersistentFlags()
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.String("config", "", "YAML configuration file")
	flags.String("adapter", "", "Host controller, e.g. hci1 (Linux only)")
	flags.String("addr-type", "", "Device address type: public or random")
	flags.String("simulate", "", "Serve the device from a simulated peripheral profile (YAML)")

	root.AddCommand(newCheckCmd(), newReadCmd(), newWriteCmd(), newSubscribeCmd())
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		// Ctrl+C is a normal exit
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}
