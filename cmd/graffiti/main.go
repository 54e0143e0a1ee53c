package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/circle-free/graffiti/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "graffiti",
		Short:         "Peer-to-peer shared walls of drawn paths",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.ConfigureRuntime()
			if logLevel != "" && !logging.SetLevel(logLevel) {
				log.Warn().Str("level", logLevel).Msg("ignoring unknown log level")
			}
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "TOML config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the log level")

	root.AddCommand(newRunCmd(), newIDCmd(), newInspectCmd())
	return root
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func fail(cmd *cobra.Command, err error) error {
	if err == nil {
		return nil
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "graffiti: %v\n", err)
	return err
}
