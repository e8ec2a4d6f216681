package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot(newCommand(os.Stdout))
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds minimal global/persistent flags for CLI commands
type GlobalFlags struct {
	ConfigPath string
}

// RunFlags holds flags for the run command
type RunFlags struct {
	EmitReady bool
}

// RegisterFlags holds flags for register command
type RegisterFlags struct {
	HelperPath string
	ChromeIDs  []string
	FirefoxIDs []string
}

// InstallFlags holds flags for runtime install
type InstallFlags struct {
	URL string
}

// CtlFlags holds flags shared by the control API commands
type CtlFlags struct {
	URL   string
	Token string
	Name  string
	Limit int
}

// buildRoot creates the root command and its subcommands
func buildRoot(c *command) *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(c, globalFlags),
		createRegisterCommand(c, globalFlags),
		createUnregisterCommand(c, globalFlags),
		createRuntimeCommand(c, globalFlags),
		createCtlCommand(c, globalFlags),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "thinkd",
		Short: "Think desktop supervisor",
		Long: `thinkd starts and health-checks the Think backend, serves the native
messaging bridge for the browser extension and registers the native host.

Examples:
  thinkd run
  thinkd run --config ~/.think/thinkd.toml --emit-ready
  thinkd register --helper /opt/think/think-native-host --chrome-id abcdef...
  thinkd runtime install
  thinkd runtime pull llama3
  THINK_APP_TOKEN=... thinkd ctl status`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (default ~/.think/thinkd.toml)")
	return root
}

// createRunCommand creates the run subcommand
func createRunCommand(c *command, globalFlags *GlobalFlags) *cobra.Command {
	runFlags := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Supervise the backend until interrupted",
		Long: `Start the backend, wait for its health endpoint, open the native bridge and
keep running until SIGINT/SIGTERM or a backend crash.

With --emit-ready a single JSON line {"event":"ready","base_url":...,"token":...}
is written to stdout for the desktop shell that launched thinkd.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Run(cmd.Context(), globalFlags.ConfigPath, *runFlags)
		},
	}
	cmd.Flags().BoolVar(&runFlags.EmitReady, "emit-ready", false, "print the ready handoff line to stdout")
	return cmd
}

// createRegisterCommand creates the register subcommand
func createRegisterCommand(c *command, globalFlags *GlobalFlags) *cobra.Command {
	registerFlags := &RegisterFlags{}
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register the native messaging host with every supported browser",
		Long: `Write the native messaging host manifest for each supported browser.
A browser whose directory cannot be written is reported and skipped.

Examples:
  thinkd register --helper /opt/think/think-native-host --chrome-id abcdefghijklmnop
  thinkd register --firefox-id think@example.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Register(globalFlags.ConfigPath, *registerFlags)
		},
	}
	cmd.Flags().StringVar(&registerFlags.HelperPath, "helper", "", "native host executable (default: config or next to thinkd)")
	cmd.Flags().StringSliceVar(&registerFlags.ChromeIDs, "chrome-id", nil, "allowed Chromium extension id (repeatable)")
	cmd.Flags().StringSliceVar(&registerFlags.FirefoxIDs, "firefox-id", nil, "allowed Firefox extension id (repeatable)")
	return cmd
}

// createUnregisterCommand creates the unregister subcommand
func createUnregisterCommand(c *command, globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "unregister",
		Short: "Remove the native messaging host registration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Unregister(globalFlags.ConfigPath)
		},
	}
}

// createRuntimeCommand creates the runtime command with subcommands
func createRuntimeCommand(c *command, globalFlags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runtime",
		Short: "Manage the local model runtime",
	}

	installFlags := &InstallFlags{}
	install := &cobra.Command{
		Use:   "install",
		Short: "Download and install the model runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.RuntimeInstall(cmd.Context(), globalFlags.ConfigPath, *installFlags)
		},
	}
	install.Flags().StringVar(&installFlags.URL, "url", "", "artifact URL (default runtime.download_url)")

	pull := &cobra.Command{
		Use:   "pull [model]",
		Short: "Pull a model into the running runtime",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			model := ""
			if len(args) > 0 {
				model = args[0]
			}
			return c.RuntimePull(cmd.Context(), globalFlags.ConfigPath, model)
		},
	}

	cmd.AddCommand(install, pull)
	return cmd
}

// createCtlCommand creates the ctl command for a running supervisor
func createCtlCommand(c *command, globalFlags *GlobalFlags) *cobra.Command {
	ctlFlags := &CtlFlags{}
	cmd := &cobra.Command{
		Use:   "ctl",
		Short: "Query a running supervisor through its control API",
		Long: `Talk to the control API of a running thinkd (server.enabled = true).
The session token comes from --token or THINK_APP_TOKEN.`,
	}
	cmd.PersistentFlags().StringVar(&ctlFlags.URL, "url", "", "control API base URL (default from server.listen and server.base_path)")
	cmd.PersistentFlags().StringVar(&ctlFlags.Token, "token", "", "session token (default $THINK_APP_TOKEN)")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show backend, bridge and runtime status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.CtlStatus(cmd.Context(), globalFlags.ConfigPath, *ctlFlags)
		},
	}
	hist := &cobra.Command{
		Use:   "history",
		Short: "List recent lifecycle events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.CtlHistory(cmd.Context(), globalFlags.ConfigPath, *ctlFlags)
		},
	}
	hist.Flags().StringVar(&ctlFlags.Name, "name", "", "only events for this process")
	hist.Flags().IntVar(&ctlFlags.Limit, "limit", 20, "maximum number of events")
	restart := &cobra.Command{
		Use:   "restart",
		Short: "Restart the backend and wait until it is healthy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.CtlRestart(cmd.Context(), globalFlags.ConfigPath, *ctlFlags)
		},
	}

	cmd.AddCommand(status, hist, restart)
	return cmd
}
