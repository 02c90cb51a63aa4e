package gen

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/cobra/doc"
)

var markdownDir string

var MarkdownCmd = &cobra.Command{
	Use:   "markdown",
	Short: "Generate markdown reference pages",
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureDir(cmd.OutOrStdout(), markdownDir); err != nil {
			return err
		}

		cmd.Root().DisableAutoGenTag = true

		fmt.Fprintln(cmd.OutOrStdout(), "Generating markdown in", markdownDir, "...")
		return doc.GenMarkdownTree(cmd.Root(), markdownDir)
	},
}

func init() {
	MarkdownCmd.Flags().StringVar(&markdownDir, "dir", "docs/", "the directory to write the pages to.")
}
