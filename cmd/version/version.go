// Package versioncmder
package versioncmder

import (
	"io"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/cortex/pkg/cliui"
	"github.com/papercomputeco/cortex/pkg/utils"
)

func NewVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "displays version",
		Long:  "displays the version, commit and build time of the cortex CLI",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			printVersion(cmd.OutOrStdout())
			return nil
		},
	}

	return cmd
}

func printVersion(w io.Writer) {
	cliui.KeyValue(w, 8, "Version", utils.Version)
	cliui.KeyValue(w, 8, "Sha", utils.Sha)
	cliui.KeyValue(w, 8, "Built at", utils.Buildtime)
	cliui.KeyValue(w, 8, "Go", runtime.Version())
}
