// Command node hosts one app script and connects it to the local broker.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joeydtaylor/steeze-node/pkg/nodefx"
	"github.com/joeydtaylor/steeze-node/pkg/shutdown"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

var (
	adminAddr      string
	brokerConfig   string
	requestTimeout time.Duration
	handlerTimeout time.Duration
	grace          time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "node <app_path> [<socket_path>]",
	Short: "Run an app script as a broker node",
	Long: `Node loads <app_path>/app.star, registers the configuration built by its
config(server) function with the broker and serves requests until the broker
quits, the connection drops or the process receives SIGINT/SIGTERM.

Without <socket_path> the broker socket comes from $NODE_SOCKET_PATH or from
unix_stream_path in the broker config file.`,
	Args:          cobra.RangeArgs(1, 2),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runNode,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&adminAddr, "admin-addr", "", "admin HTTP listen address (overrides $"+nodefx.AdminAddrEnv+")")
	f.StringVar(&brokerConfig, "broker-config", "", "broker TOML file (overrides $"+nodefx.BrokerConfigEnv+")")
	f.DurationVar(&requestTimeout, "request-timeout", 0, "default timeout of server.request (overrides $"+nodefx.TimeoutEnv+")")
	f.DurationVar(&handlerTimeout, "handler-timeout", 0, "abort inbound handlers running longer than this (overrides $"+nodefx.HandlerEnv+")")
	f.DurationVar(&grace, "grace", 0, "shutdown grace for running tasks (overrides $"+nodefx.GraceEnv+")")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "node:", err)
		os.Exit(1)
	}
}

func runNode(cmd *cobra.Command, args []string) error {
	if err := detach(); err != nil {
		return fmt.Errorf("detach process group: %w", err)
	}

	opts := []nodefx.Option{nodefx.WithAppDir(args[0])}
	if len(args) == 2 {
		opts = append(opts, nodefx.WithSocketPath(args[1]))
	}
	flags := cmd.Flags()
	if flags.Changed("admin-addr") {
		opts = append(opts, nodefx.WithAdminAddr(adminAddr))
	}
	if flags.Changed("broker-config") {
		opts = append(opts, nodefx.WithBrokerConfig(brokerConfig))
	}
	if flags.Changed("request-timeout") {
		opts = append(opts, nodefx.WithRequestTimeout(requestTimeout))
	}
	if flags.Changed("handler-timeout") {
		opts = append(opts, nodefx.WithHandlerTimeout(handlerTimeout))
	}
	if flags.Changed("grace") {
		opts = append(opts, nodefx.WithGrace(grace))
	}

	var (
		ctrl *shutdown.Controller
		log  *zap.Logger
	)
	app := fx.New(
		nodefx.Module(opts...),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			zl := &fxevent.ZapLogger{Logger: l.Named("fx")}
			zl.UseLogLevel(zap.DebugLevel)
			return zl
		}),
		fx.Populate(&ctrl, &log),
	)

	startCtx, cancel := context.WithTimeout(context.Background(), app.StartTimeout())
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}

	<-ctrl.Done()

	stopCtx, cancelStop := context.WithTimeout(context.Background(), app.StopTimeout())
	defer cancelStop()
	if err := app.Stop(stopCtx); err != nil {
		log.Warn("unclean stop", zap.Error(err))
	}
	_ = log.Sync()

	reason, err := ctrl.Reason()
	if reason.Fatal() {
		return fmt.Errorf("%s: %v", reason, err)
	}
	return nil
}
