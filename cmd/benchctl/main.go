// Command benchctl runs cell tests on a station from the terminal, without a
// viam-server.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.viam.com/rdk/logging"

	"cellbench/internal/cycler"
)

const stationName = "station"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	verbose    bool
}

func (f *globalFlags) logger() logging.Logger {
	logger := logging.NewLogger("benchctl")
	if f.verbose {
		logger.SetLevel(logging.DEBUG)
	} else {
		logger.SetLevel(logging.WARN)
	}
	return logger
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:          "benchctl",
		Short:        "Run battery cell tests on CAN test benches",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to the station TOML config (default: simulated station with benches 1-3)")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Log station and bench activity")

	rootCmd.AddCommand(newRunCmd(flags))
	rootCmd.AddCommand(newHistoryCmd(flags))
	rootCmd.AddCommand(newDBCCmd())
	return rootCmd
}

func newDBCCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dbc",
		Short: "Print the cycler CAN message table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			printMessages(cmd.OutOrStdout(), cycler.Messages())
			return nil
		},
	}
}

var errRunsFailed = errors.New("one or more runs did not complete")
