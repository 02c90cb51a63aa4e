package cmd

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/respite/protocol"
)

var ExecCmd = &cobra.Command{
	Use:   "exec COMMAND [ARG...]",
	Short: "Run a single command and print its reply",
	Args:  cobra.MinimumNArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		conn, err := dial(cmd.Context())
		if err != nil {
			return err
		}
		defer closeConn(conn)

		v, err := conn.Execute(cmd.Context(), protocol.CommandFromStrings(args...))
		if v.IsError() {
			printValue(cmd, v)
			return err
		}
		if err != nil {
			return err
		}

		printValue(cmd, v)
		return nil
	},
}

var atomicPipe bool

var PipeCmd = &cobra.Command{
	Use:   "pipe",
	Short: "Send the commands read from stdin as one pipeline",
	Long: `Send the commands read from stdin as one pipeline

Every line is a command of space separated words. Replies are printed in
order, one per line.`,
	Args: cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		var cmds []protocol.Command

		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			words := strings.Fields(scanner.Text())
			if len(words) == 0 {
				continue
			}
			cmds = append(cmds, protocol.CommandFromStrings(words...))
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("failed to read commands: %w", err)
		}

		if len(cmds) == 0 {
			return nil
		}

		conn, err := dial(cmd.Context())
		if err != nil {
			return err
		}
		defer closeConn(conn)

		p := conn.Pipeline()
		for _, c := range cmds {
			p.Command(c)
		}
		if atomicPipe {
			p.Atomic()
		}

		results, err := p.Exec(cmd.Context())
		for _, res := range results {
			if res.Err != nil && !res.Value.IsError() {
				fmt.Fprintf(cmd.OutOrStdout(), "(error) %s\n", res.Err)
				continue
			}
			printValue(cmd, res.Value)
		}

		if err != nil {
			log.Debug("Pipeline had errors", zap.Int("commands", len(cmds)), zap.Error(err))
		}

		return err
	},
}

func init() {
	PipeCmd.Flags().BoolVar(&atomicPipe, "atomic", false, "Wrap the pipeline in MULTI/EXEC")
}
