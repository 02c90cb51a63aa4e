package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/respite/client"
)

var patterns bool

var SubscribeCmd = &cobra.Command{
	Use:   "subscribe CHANNEL...",
	Short: "Print the messages published to channels until interrupted",
	Args:  cobra.MinimumNArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, signalStop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer signalStop()

		conn, err := dial(ctx)
		if err != nil {
			return err
		}
		defer closeConn(conn)

		var sub *client.Subscription
		if patterns {
			sub, err = conn.PSubscribe(ctx, args...)
		} else {
			sub, err = conn.Subscribe(ctx, args...)
		}
		if err != nil {
			return err
		}

		log.Info("Subscribed", zap.Strings("targets", args), zap.Bool("patterns", patterns))

		out := cmd.OutOrStdout()
		for {
			msg, err := sub.Receive(ctx)
			switch {
			case err == nil:
			case errors.Is(err, context.Canceled):
				return unsubscribe(sub)
			default:
				return err
			}

			if msg.Pattern != "" {
				fmt.Fprintf(out, "%s %s %s\n", msg.Pattern, msg.Channel, msg.Payload)
			} else {
				fmt.Fprintf(out, "%s %s\n", msg.Channel, msg.Payload)
			}
		}
	},
}

func unsubscribe(sub *client.Subscription) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return sub.Close(ctx)
}

func init() {
	SubscribeCmd.Flags().BoolVarP(&patterns, "pattern", "p", false, "Treat the arguments as glob patterns")
}
