// Package lifecyclecmder provides the lifecycle command for running tier
// aging passes outside the server schedule.
package lifecyclecmder

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/cortex/cmd/cortex/cmdutil"
	"github.com/papercomputeco/cortex/pkg/cliui"
	"github.com/papercomputeco/cortex/pkg/config"
	"github.com/papercomputeco/cortex/pkg/lifecycle"
)

const lifecycleLongDesc string = `Manage memory tier aging.

Memories idle past lifecycle.hot_ttl move from hot to warm, and past
lifecycle.warm_ttl from warm to cold. Pinned and guarded memories are left
in place. "cortex serve" runs passes on lifecycle.schedule; use
"cortex lifecycle run" for a one-off pass.`

const lifecycleShortDesc string = "Manage memory tier aging"

func NewLifecycleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lifecycle",
		Short: lifecycleShortDesc,
		Long:  lifecycleLongDesc,
	}

	cmd.AddCommand(newRunCmd())

	return cmd
}

func newRunCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one lifecycle pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, _, err := cmdutil.OpenApp(cmd.Context(), cmd, config.StorageFlags, false)
			if err != nil {
				return err
			}
			defer app.Close()

			report, err := app.Lifecycle.RunPass(cmd.Context())
			if err != nil {
				return err
			}
			return printReport(cmd.OutOrStdout(), report, asJSON)
		},
	}

	cmdutil.AddFlags(cmd, config.StorageFlags)
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")

	return cmd
}

func printReport(w io.Writer, report *lifecycle.Report, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Fprintf(w, "\n  %s %s\n", cliui.SuccessMark, report.Summary())
	for _, c := range report.Changes {
		fmt.Fprintf(w, "    %s %s -> %s %s\n",
			cliui.KeyStyle.Render(c.MemoryID),
			c.From, c.To,
			cliui.DimStyle.Render("("+string(c.Cause)+")"),
		)
	}
	fmt.Fprintf(w, "  %s\n\n", cliui.StepStyle.Render("took "+cliui.FormatDuration(report.Duration)))
	return nil
}
