package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/respite/client"
)

var scriptKeys []string

var EvalCmd = &cobra.Command{
	Use:   "eval FILE [ARG...]",
	Short: "Run a Lua script, by digest when the server has it",
	Example: `  respite eval incr.lua --keys counter 5`,
	Args:  cobra.MinimumNArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}

		conn, err := dial(cmd.Context())
		if err != nil {
			return err
		}
		defer closeConn(conn)

		script := client.NewScript(string(body))
		log.Debug("Running script", zap.String("sha1", script.Hash()), zap.Strings("keys", scriptKeys))

		scriptArgs := make([]interface{}, 0, len(args)-1)
		for _, a := range args[1:] {
			scriptArgs = append(scriptArgs, a)
		}

		v, err := script.Run(cmd.Context(), conn, scriptKeys, scriptArgs...)
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

func init() {
	EvalCmd.Flags().StringSliceVarP(&scriptKeys, "keys", "k", nil, "The keys the script touches")
}
