package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/luma/respite/internal/meta"
)

var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build information",
	Args:  cobra.NoArgs,

	Run: func(cmd *cobra.Command, args []string) {
		info := meta.GetInfo()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "respite %s\n", info.Version)
		fmt.Fprintf(out, "  build:    %s (%s)\n", info.Build, info.Branch)
		fmt.Fprintf(out, "  built at: %s\n", info.BuildTime)
		fmt.Fprintf(out, "  go:       %s %s\n", info.GoVersion, info.Platform)
		if info.GoTag != "" {
			fmt.Fprintf(out, "  tags:     %s\n", info.GoTag)
		}
	},
}
