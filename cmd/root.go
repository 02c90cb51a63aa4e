package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/respite/client"
	"github.com/luma/respite/cmd/gen"
	"github.com/luma/respite/internal/env"
	"github.com/luma/respite/protocol"
)

var (
	// Set from the environment, then overridden by flags.
	conf *env.Config
	log  *zap.Logger

	addr     string
	logLevel string
)

var RootCmd = &cobra.Command{
	Use:   "respite",
	Short: "A pipelining RESP2/RESP3 client",
	Long: `A pipelining RESP2/RESP3 client, with a mock endpoint and an HTTP gateway

Configuration is read from RESPITE_* environment variables and .env.local,
flags take precedence.`,
	SilenceUsage: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) (err error) {
		conf, err = env.LoadConfig(cmd.Context())
		if err != nil {
			return err
		}

		flags := cmd.Flags()
		if flags.Changed("addr") {
			conf.Addr = addr
		}
		if flags.Changed("log-level") {
			conf.LogLevel = logLevel
		}

		log, err = env.MakeLogger(conf.LogLevel)
		return err
	},

	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			_ = log.Sync()
		}
	},
}

func init() {
	flags := RootCmd.PersistentFlags()

	flags.StringVarP(&addr, "addr", "a", "127.0.0.1:6379", "The server to connect to (RESPITE_ADDR)")
	flags.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn or error (RESPITE_LOG_LEVEL)")

	RootCmd.AddCommand(
		ExecCmd,
		PipeCmd,
		SubscribeCmd,
		EvalCmd,
		GatewayCmd,
		MockCmd,
		VersionCmd,
		gen.RootCmd,
	)
}

// Execute runs the root command and exits non zero on failure.
func Execute() {
	if err := RootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// dial connects to the configured server.
func dial(ctx context.Context) (*client.Conn, error) {
	limits := protocol.DefaultLimits()
	if conf.MaxDepth > 0 {
		limits.MaxDepth = conf.MaxDepth
	}

	return client.Dial(ctx, conf.Addr, client.Options{
		Log:         log.Named("client"),
		Limits:      limits,
		PendingSize: conf.PendingLimit,
		DialTimeout: conf.DialTimeout,
	})
}

// closeConn closes c, logging a failure instead of masking the command's error.
func closeConn(c *client.Conn) {
	if err := c.Close(); err != nil {
		log.Warn("Failed to close connection", zap.Error(err))
	}
}

func printValue(cmd *cobra.Command, v protocol.Value) {
	fmt.Fprintln(cmd.OutOrStdout(), v.String())
}
