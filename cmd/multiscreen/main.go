// Command multiscreen streams synthetic displays to a receiver that
// reassembles, decodes and presents them, one port per display.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zsiec/multiscreen/internal/config"
	"github.com/zsiec/multiscreen/internal/logging"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := newRootCmd(cfg).ExecuteContext(ctx); err != nil {
		slog.Error("exiting", "error", err)
		os.Exit(1)
	}
}

func newRootCmd(cfg *config.Config) *cobra.Command {
	root := &cobra.Command{
		Use:   "multiscreen",
		Short: "Stream displays over start-code framed H.264",
		Long: `multiscreen sends one video stream per display to a receiver. Each
display uses its own port starting at the base port. Settings come from
MULTISCREEN_* environment variables and can be overridden with flags.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			_, err := logging.Setup(cfg.LogLevel, cfg.LogFormat, os.Stderr)
			return err
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&cfg.Transport, "transport", cfg.Transport, "transport network (tcp, quic, srt)")
	f.IntVar(&cfg.BasePort, "base-port", cfg.BasePort, "port of the first display")
	f.IntVar(&cfg.Displays, "displays", cfg.Displays, "number of displays")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	f.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (text, json)")

	root.AddCommand(newReceiveCmd(cfg), newSendCmd(cfg), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "multiscreen", version)
		},
	}
}
