// Command think-native-host is launched by the browser for the Think
// extension. It relays framed requests from stdin to the desktop app over the
// local channel and writes the answers to stdout.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/thinkd/internal/backendapi"
	"github.com/loykin/thinkd/internal/bridge"
	"github.com/loykin/thinkd/internal/config"
)

func main() {
	root := buildRoot(os.Stdin, os.Stdout)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the host command. Browsers pass the caller origin (and on
// Windows a --parent-window flag); both are accepted and ignored.
func buildRoot(in io.Reader, out io.Writer) *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:                "think-native-host [origin]",
		Short:              "Native messaging host for the Think extension",
		Args:               cobra.ArbitraryArgs,
		SilenceUsage:       true,
		FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true},
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = os.Getenv("THINKD_CONFIG")
			}
			cfg, err := config.Read(configPath)
			if err != nil {
				return fmt.Errorf("error loading config: %w", err)
			}
			// stdout carries the protocol; logs go to stderr or files only.
			log := cfg.Log.NewSlogger().With("component", "native-host")
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log, in, out)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to TOML config file (default ~/.think/thinkd.toml)")
	return cmd
}

// serve relays until in reaches EOF.
func serve(ctx context.Context, cfg *config.Config, log *slog.Logger, in io.Reader, out io.Writer) error {
	client := bridge.NewClient(bridge.ClientOptions{
		Dialer:  bridge.DefaultDialer(cfg.Bridge.Endpoint),
		Timeout: cfg.Bridge.RequestTimeout,
		Logger:  log,
	})
	defer func() { _ = client.Close() }()

	allowed := cfg.Bridge.Methods
	if len(allowed) == 0 {
		allowed = backendapi.Methods()
	}
	log.Debug("relay started", "endpoint", cfg.Bridge.Endpoint, "methods", allowed)
	relay := &bridge.Relay{Client: client, Allowed: allowed, Logger: log}
	return relay.Serve(ctx, in, out)
}
