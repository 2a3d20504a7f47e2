// Package cortexcmder
package cortexcmder

import (
	"github.com/spf13/cobra"

	configcmder "github.com/papercomputeco/cortex/cmd/cortex/config"
	deletionscmder "github.com/papercomputeco/cortex/cmd/cortex/deletions"
	initcmder "github.com/papercomputeco/cortex/cmd/cortex/init"
	lifecyclecmder "github.com/papercomputeco/cortex/cmd/cortex/lifecycle"
	servecmder "github.com/papercomputeco/cortex/cmd/cortex/serve"
	versioncmder "github.com/papercomputeco/cortex/cmd/version"
)

const cortexLongDesc string = `Cortex is a memory store for agents with attribution, contradiction
detection, provenance tracking and compliant deletion.

Run the server using:
  cortex serve                    Run the API server and periodic jobs

Manage local state with:
  cortex init                     Create a local .cortex/ directory
  cortex config                   Get and set configuration
  cortex lifecycle run            Run one tier aging pass
  cortex deletions execute-due    Execute deletions past their grace period`

const cortexShortDesc string = "Cortex - Agent Memory"

func NewCortexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "cortex",
		Short:         cortexShortDesc,
		Long:          cortexLongDesc,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	// Global flags
	cmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug logging")
	cmd.PersistentFlags().String("config-dir", "", "Override the .cortex/ directory (default: ./.cortex or ~/.cortex)")

	// Add subcommands
	cmd.AddCommand(servecmder.NewServeCmd())
	cmd.AddCommand(initcmder.NewInitCmd())
	cmd.AddCommand(configcmder.NewConfigCmd())
	cmd.AddCommand(lifecyclecmder.NewLifecycleCmd())
	cmd.AddCommand(deletionscmder.NewDeletionsCmd())
	cmd.AddCommand(versioncmder.NewVersionCmd())

	return cmd
}
