package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	root := buildRoot(command{out: os.Stdout})
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds minimal global/persistent flags for CLI commands
type GlobalFlags struct {
	ConfigPath string
}

// buildRoot creates the root command with every subcommand attached.
func buildRoot(c command) *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createStartCommand(c),
		createStopCommand(c),
		createStatusCommand(c),
		createWatchCommand(c),
		createLogsCommand(c),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "previewr",
		Short: "Dev server lifecycle controller for sandboxed projects",
		Long: `Previewr starts, stops and watches the development server of each
project inside its sandbox and reports when a preview URL is ready.

Examples:
  previewr serve previewr.toml                    # Start daemon
  previewr start --project=p1 --name=shop         # Fire-and-poll start
  previewr watch --project=p1 --name=shop         # Start and follow until ready
  previewr status --project=p1 --api-url=http://remote:8080/api`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func addAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "daemon URL (default http://localhost:8080/api)")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "request timeout")
}

func requireFlag(cmd *cobra.Command, name string) {
	if err := cmd.MarkFlagRequired(name); err != nil {
		panic(err) // This should never happen during setup
	}
}

// createStartCommand creates the start subcommand
func createStartCommand(c command) *cobra.Command {
	f := &StartFlags{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a project's dev server",
		Long: `Start the dev server of a project. Without --wait the command returns
as soon as the server is launched; use "status" or "watch" to follow it.

Examples:
  previewr start --project=p1 --name=shop
  previewr start --project=p1 --name=shop --force --wait`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Start(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Project, "project", "", "project id (required)")
	cmd.Flags().StringVar(&f.Name, "name", "", "project name (required)")
	cmd.Flags().StringVar(&f.SandboxID, "sandbox-id", "", "reconnect to this sandbox")
	cmd.Flags().BoolVar(&f.Force, "force", false, "restart even if already running")
	cmd.Flags().BoolVar(&f.Wait, "wait", false, "block until the dev server is ready")
	addAPIFlags(cmd, &f.APIFlags)
	requireFlag(cmd, "project")
	requireFlag(cmd, "name")
	return cmd
}

// createStopCommand creates the stop subcommand
func createStopCommand(c command) *cobra.Command {
	f := &ProjectFlags{}
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a project's dev server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Project, "project", "", "project id (required)")
	addAPIFlags(cmd, &f.APIFlags)
	requireFlag(cmd, "project")
	return cmd
}

// createStatusCommand creates the status subcommand
func createStatusCommand(c command) *cobra.Command {
	f := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a project's dev server status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Project, "project", "", "project id (required)")
	cmd.Flags().BoolVar(&f.Logs, "logs", false, "include the log tail")
	addAPIFlags(cmd, &f.APIFlags)
	requireFlag(cmd, "project")
	return cmd
}

// createWatchCommand creates the watch subcommand
func createWatchCommand(c command) *cobra.Command {
	f := &WatchFlags{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Start a dev server and follow it until it is ready",
		Long: `Start the dev server and poll its status with an adaptive interval,
printing every change until it is ready. With --keep the command keeps
watching for crashes until interrupted.

Examples:
  previewr watch --project=p1 --name=shop
  previewr watch --project=p1 --name=shop --force --keep`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Watch(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Project, "project", "", "project id (required)")
	cmd.Flags().StringVar(&f.Name, "name", "", "project name (required)")
	cmd.Flags().StringVar(&f.SandboxID, "sandbox-id", "", "reconnect to this sandbox")
	cmd.Flags().BoolVar(&f.Force, "force", false, "restart even if already running")
	cmd.Flags().BoolVar(&f.Keep, "keep", false, "keep watching after the server is ready")
	cmd.Flags().IntVar(&f.MaxFailures, "max-failures", 10, "consecutive failed polls before giving up")
	addAPIFlags(cmd, &f.APIFlags)
	requireFlag(cmd, "project")
	requireFlag(cmd, "name")
	return cmd
}

// createLogsCommand creates the logs subcommand
func createLogsCommand(c command) *cobra.Command {
	f := &LogsFlags{}
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the tail of a project's dev server log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Logs(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Project, "project", "", "project id (required)")
	cmd.Flags().IntVarP(&f.Lines, "lines", "n", 0, "number of lines (default: daemon setting)")
	addAPIFlags(cmd, &f.APIFlags)
	requireFlag(cmd, "project")
	return cmd
}

// createServeCommand creates the serve subcommand
func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the previewr daemon",
		Long: `Start the previewr daemon. Configuration is read from the given TOML
file (or --config) and PREVIEWR_* environment variables.

Examples:
  previewr serve                          # defaults + environment
  previewr serve previewr.toml
  previewr serve previewr.toml --daemonize --pidfile=/run/previewr.pid`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				serveFlags.ConfigPath = args[0]
			}
			return runServeCommand(cmd.Context(), *serveFlags)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file")
	return cmd
}
