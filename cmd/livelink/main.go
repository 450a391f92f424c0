// Command livelink follows the console's live job and run updates.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/qcal/livelink/pkg/app"
	"github.com/qcal/livelink/pkg/config"
	"github.com/qcal/livelink/pkg/logging"
	"github.com/qcal/livelink/pkg/output"
	"github.com/qcal/livelink/pkg/topic"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const publishConnectTimeout = 15 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "livelink",
		Short:         "Follow live job and run status updates",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.String("config", config.DefaultFile, "Path to the TOML config file")
	pf.String("transport", "", "Transport kind (mqtt, ws, nats, redis)")
	pf.String("url", "", "Broker or gateway URL")
	pf.String("client-id", "", "Client identifier")
	pf.String("log-level", "", "Log level (trace, debug, info, warn, error)")
	pf.String("log-format", "", "Log format (compact, json)")

	root.AddCommand(newWatchCmd(), newServeCmd(), newPublishCmd(), newVersionCmd())
	return root
}

// loadConfig layers the config sources and configures logging. Logs go to
// stderr so command output stays clean.
func loadConfig(flags *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(flags)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := logging.Configure(os.Stderr, cfg.Log.Format); err != nil {
		return nil, err
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	logging.SetLevel(level)
	if cfg.Path != "" {
		logging.Debug("loaded config", "path", cfg.Path)
	}
	return cfg, nil
}

func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [event...]",
		Short: "Print live updates",
		Long: `Connect, subscribe the configured topics and print every update.
With no arguments all configured events are printed. --scope also follows
the scope-specific topic of one job.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			// watch never records or polls.
			cfg.History.Driver = ""
			cfg.API.BaseURL = ""
			return runWatch(cmd, cfg, args)
		},
	}
	cmd.Flags().String("scope", "", "Scope key to follow (e.g. project/j42/workflow)")
	return cmd
}

func runWatch(cmd *cobra.Command, cfg *config.Config, events []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	printer := output.NewPrinter(cmd.OutOrStdout())
	if len(events) == 0 {
		events = topic.Events(cfg.Topics)
	}
	for _, event := range events {
		sub := a.Hub.On(event, printer.Envelope)
		defer sub.Close()
	}
	if cfg.Session.Scope != "" {
		sub := a.Session.OnUpdate(printer.Envelope)
		defer sub.Close()
	}
	stateSub := a.Conn.OnStateChange(printer.State)
	defer stateSub.Close()

	if err := a.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	logging.Info("stopping")
	return nil
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the live-update gateway",
		Long: `Run the connection, the scope session, the HTTP gateway with SSE and
WebSocket streams, the REST status poller and the job history recorder.
Changes to the config file's log level and scope apply without a restart.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			a, err := app.New(cfg)
			if err != nil {
				return err
			}
			logging.Info("starting livelink", "version", version, "transport", cfg.Transport.Kind, "url", cfg.Transport.URL)
			reload := func() (*config.Config, error) { return config.Load(cmd.Flags()) }
			return a.Serve(ctx, reload)
		},
	}
	f := cmd.Flags()
	f.String("scope", "", "Scope key to follow from startup")
	f.String("addr", "", "Gateway listen address (default :8080)")
	f.String("api-url", "", "REST backend base URL; enables status polling")
	f.String("history-dsn", "", "History database DSN; selects sqlite unless history.driver is set")
	return cmd
}

func newPublishCmd() *cobra.Command {
	var qos uint8
	cmd := &cobra.Command{
		Use:   "publish <topic> <payload>",
		Short: "Publish one message",
		Long: `Publish one message and exit. A payload that is valid JSON is sent
as-is; anything else is sent as text.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if qos > 2 {
				return fmt.Errorf("qos must be 0, 1 or 2")
			}
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			cfg.History.Driver = ""
			cfg.API.BaseURL = ""
			cfg.Session.Scope = ""

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			ctx, cancelTimeout := context.WithTimeout(ctx, publishConnectTimeout)
			defer cancelTimeout()

			a, err := app.New(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Start(ctx); err != nil {
				return err
			}
			if err := a.WaitConnected(ctx); err != nil {
				return fmt.Errorf("not connected: %w (state %s)", err, a.Conn.Status().State)
			}
			if err := a.Conn.Publish(args[0], qos, args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published to %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().Uint8Var(&qos, "qos", 0, "Quality of service (0, 1, 2)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "livelink %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
