package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rinkhals-tools/faultwatch/internal/version"
)

func newVersionCommand() *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the faultwatch version",
		Run: func(cmd *cobra.Command, args []string) {
			if full {
				fmt.Fprintln(cmd.OutOrStdout(), version.Full())
				return
			}
			fmt.Fprintln(cmd.OutOrStdout(), version.Version)
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "Print build details too")
	return cmd
}
