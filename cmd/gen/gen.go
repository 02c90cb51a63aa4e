package gen

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var RootCmd = &cobra.Command{
	Use:   "gen",
	Short: "Generate documentation for every respite command",
}

func init() {
	RootCmd.AddCommand(ManPagesCmd, MarkdownCmd)
}

// ensureDir creates dir when it is missing.
func ensureDir(out io.Writer, dir string) error {
	if _, err := os.Stat(dir); err != nil && os.IsNotExist(err) {
		fmt.Fprintln(out, "Directory", dir, "does not exist, creating...")
		return os.MkdirAll(dir, 0750)
	}

	return nil
}
