package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/stationd"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and wires all subcommands
func buildRoot() *cobra.Command {
	statusFlags := &StatusFlags{}
	startFlags := &RunFlags{}
	stopFlags := &RunFlags{}
	statsFlags := &StatsFlags{}
	subscribeFlags := &SubscribeFlags{}
	unsubscribeFlags := &SubscribeFlags{}
	connectionFlags := &ConnectionFlags{}
	settingsFlags := &SettingsFlags{}
	serveFlags := &ServeFlags{}

	stationdCommand := command{}

	root := createRootCommand()
	root.AddCommand(
		createServeCommand(serveFlags),
		createStatusCommand(stationdCommand, statusFlags),
		createStatsCommand(stationdCommand, statsFlags),
		createStartCommand(stationdCommand, startFlags),
		createStopCommand(stationdCommand, stopFlags),
		createSubscribeCommand(stationdCommand, subscribeFlags),
		createUnsubscribeCommand(stationdCommand, unsubscribeFlags),
		createConnectionCommand(stationdCommand, connectionFlags),
		createSettingsCommand(stationdCommand, settingsFlags),
	)
	return root
}

func createRootCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stationd",
		Short: "Station agent for real-time batch monitoring",
		Long: `Stationd keeps a local, always-consistent view of the batches on a
remote station service: it reconciles the service's event stream with REST
snapshots, falls back to polling when the stream drops, and serves the merged
state over a local HTTP API.

Examples:
  stationd serve --config=config.toml
  stationd status
  stationd status --id=batch-7 --logs=20
  stationd start --id=batch-7
  stationd stats --api-url=http://remote:8080/api`,
	}
}

// createServeCommand creates the serve subcommand
func createServeCommand(serveFlags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the station agent",
		Long: `Run the station agent: connect to the remote event stream, keep the
merged batch views fresh, and serve them over the local HTTP API.

Examples:
  stationd serve config.toml
  stationd serve --config=config.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServeCommand(serveFlags, args)
		},
	}
	cmd.Flags().StringVar(&serveFlags.ConfigPath, "config", "", "path to TOML config file")
	return cmd
}

func runServeCommand(flags *ServeFlags, args []string) error {
	configPath := flags.ConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}
	if configPath == "" {
		return fmt.Errorf("config file required for serve command. Use --config=config.toml or provide as argument")
	}

	cfg, err := stationd.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	agent, err := stationd.New(cfg)
	if err != nil {
		return fmt.Errorf("error building agent: %w", err)
	}

	if cfg.Server.Metrics {
		if err := stationd.RegisterMetricsDefault(); err != nil {
			fmt.Printf("Warning: failed to register metrics: %v\n", err)
		}
	}

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = agent.Start(startCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("error starting agent: %w", err)
	}

	server, err := stationd.NewHTTPServer(cfg.Server.Addr, cfg.Server.BasePath, agent)
	if err != nil {
		_ = agent.Close()
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}
	fmt.Printf("Starting stationd server on %s%s\n", cfg.Server.Addr, cfg.Server.BasePath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("Shutting down...")
	_ = server.Close()
	return agent.Close()
}

// createStatusCommand creates the status subcommand
func createStatusCommand(stationdCommand command, flags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show merged batch state",
		Long: `Show the merged view of all batches, or one batch when --id is given.

Examples:
  stationd status
  stationd status --id=batch-7
  stationd status --id=batch-7 --logs=20`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return stationdCommand.Status(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.ID, "id", "", "batch id (all batches when empty)")
	cmd.Flags().IntVar(&flags.Logs, "logs", 0, "also print up to N recent log lines (requires --id)")
	addAPIFlags(cmd, &flags.APIUrl, &flags.APITimeout)
	return cmd
}

// createStatsCommand creates the stats subcommand
func createStatsCommand(stationdCommand command, flags *StatsFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show run counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return stationdCommand.Stats(*flags)
		},
	}
	addAPIFlags(cmd, &flags.APIUrl, &flags.APITimeout)
	return cmd
}

// createStartCommand creates the start subcommand
func createStartCommand(stationdCommand command, flags *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a batch's sequence",
		RunE: func(cmd *cobra.Command, args []string) error {
			return stationdCommand.Start(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.ID, "id", "", "batch id (required)")
	addAPIFlags(cmd, &flags.APIUrl, &flags.APITimeout)
	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(err)
	}
	return cmd
}

// createStopCommand creates the stop subcommand
func createStopCommand(stationdCommand command, flags *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a batch's running sequence",
		RunE: func(cmd *cobra.Command, args []string) error {
			return stationdCommand.Stop(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.ID, "id", "", "batch id (required)")
	addAPIFlags(cmd, &flags.APIUrl, &flags.APITimeout)
	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(err)
	}
	return cmd
}

// createSubscribeCommand creates the subscribe subcommand
func createSubscribeCommand(stationdCommand command, flags *SubscribeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Subscribe the agent to batch event streams",
		RunE: func(cmd *cobra.Command, args []string) error {
			return stationdCommand.Subscribe(*flags)
		},
	}
	cmd.Flags().StringSliceVar(&flags.IDs, "id", nil, "batch id (repeatable)")
	addAPIFlags(cmd, &flags.APIUrl, &flags.APITimeout)
	return cmd
}

// createUnsubscribeCommand creates the unsubscribe subcommand
func createUnsubscribeCommand(stationdCommand command, flags *SubscribeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unsubscribe",
		Short: "Unsubscribe the agent from batch event streams",
		RunE: func(cmd *cobra.Command, args []string) error {
			return stationdCommand.Unsubscribe(*flags)
		},
	}
	cmd.Flags().StringSliceVar(&flags.IDs, "id", nil, "batch id (repeatable)")
	addAPIFlags(cmd, &flags.APIUrl, &flags.APITimeout)
	return cmd
}

// createConnectionCommand creates the connection subcommand
func createConnectionCommand(stationdCommand command, flags *ConnectionFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connection",
		Short: "Show event stream connection state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return stationdCommand.Connection(*flags)
		},
	}
	addAPIFlags(cmd, &flags.APIUrl, &flags.APITimeout)
	return cmd
}

// createSettingsCommand creates the settings subcommand
func createSettingsCommand(stationdCommand command, flags *SettingsFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change operator settings",
		Long: `Show the operator settings map, or store key=value pairs.

Examples:
  stationd settings
  stationd settings --set=fixture.offset=0.35 --set=operator=kim`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return stationdCommand.Settings(*flags)
		},
	}
	cmd.Flags().StringSliceVar(&flags.Set, "set", nil, "key=value pair to store (repeatable)")
	addAPIFlags(cmd, &flags.APIUrl, &flags.APITimeout)
	return cmd
}

func addAPIFlags(cmd *cobra.Command, url *string, timeout *time.Duration) {
	cmd.Flags().StringVar(url, "api-url", "", "agent URL (e.g. http://host:8080/api)")
	cmd.Flags().DurationVar(timeout, "api-timeout", 10*time.Second, "request timeout")
}
