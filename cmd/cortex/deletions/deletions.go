// Package deletionscmder provides the deletions command for running and
// inspecting right-to-be-forgotten requests from the CLI.
package deletionscmder

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/cortex/cmd/cortex/cmdutil"
	"github.com/papercomputeco/cortex/pkg/cliui"
	"github.com/papercomputeco/cortex/pkg/config"
	"github.com/papercomputeco/cortex/pkg/provenance"
	"github.com/papercomputeco/cortex/pkg/utils"
)

const reasonWidth = 40

const deletionsLongDesc string = `Run and inspect deletion requests.

Deletion requests wait out compliance.grace_period before their memory and
every derived artifact are removed. "cortex serve" executes due requests on
compliance.schedule; these subcommands do the same work on demand.

  cortex deletions execute-due    Execute every request past its grace period
  cortex deletions recover        Finish cascades interrupted by a crash
  cortex deletions list           List requests
  cortex deletions show <id>      Show a request and its certificate`

const deletionsShortDesc string = "Run and inspect deletion requests"

func NewDeletionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deletions",
		Short: deletionsShortDesc,
		Long:  deletionsLongDesc,
	}

	cmd.AddCommand(newExecuteDueCmd())
	cmd.AddCommand(newRecoverCmd())
	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newShowCmd())

	return cmd
}

func newExecuteDueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "execute-due",
		Short: "Execute every deletion past its grace period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, _, err := cmdutil.OpenApp(cmd.Context(), cmd, config.StorageFlags, false)
			if err != nil {
				return err
			}
			defer app.Close()

			var n int
			err = cliui.Step(cmd.OutOrStdout(), "Executing due deletions", func() error {
				var err error
				n, err = app.Provenance.ExecuteDue(cmd.Context())
				return err
			})
			fmt.Fprintf(cmd.OutOrStdout(), "  %d completed\n", n)
			return err
		},
	}

	cmdutil.AddFlags(cmd, config.StorageFlags)

	return cmd
}

func newRecoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Finish deletion cascades interrupted by a crash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, _, err := cmdutil.OpenApp(cmd.Context(), cmd, config.StorageFlags, true)
			if err != nil {
				return err
			}
			defer app.Close()

			var n int
			err = cliui.Step(cmd.OutOrStdout(), "Replaying deletion journal", func() error {
				var err error
				n, err = app.Provenance.Recover(cmd.Context())
				return err
			})
			fmt.Fprintf(cmd.OutOrStdout(), "  %d recovered\n", n)
			return err
		},
	}

	cmdutil.AddFlags(cmd, config.StorageFlags)

	return cmd
}

func newListCmd() *cobra.Command {
	var status, memoryID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deletion requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, _, err := cmdutil.OpenApp(cmd.Context(), cmd, config.StorageFlags, false)
			if err != nil {
				return err
			}
			defer app.Close()

			f := provenance.DeletionFilter{MemoryID: memoryID}
			if status != "" {
				f.Statuses = []provenance.Status{provenance.Status(status)}
			}
			rs, err := app.Provenance.Deletions(cmd.Context(), f)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if len(rs) == 0 {
				fmt.Fprintf(w, "  %s\n", cliui.DimStyle.Render("No deletion requests."))
				return nil
			}
			for _, r := range rs {
				fmt.Fprintf(w, "  %s  %s  %s  %s  %s\n",
					cliui.KeyStyle.Render(r.ID),
					r.MemoryID,
					statusStyle(r.Status),
					cliui.DimStyle.Render("due "+r.DeletionDate.Format(time.RFC3339)),
					utils.Truncate(r.Reason, reasonWidth),
				)
			}
			return nil
		},
	}

	cmdutil.AddFlags(cmd, config.StorageFlags)
	cmd.Flags().StringVar(&status, "status", "", "Only list requests in this status")
	cmd.Flags().StringVar(&memoryID, "memory", "", "Only list requests for this memory")

	return cmd
}

func newShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a deletion request and its certificate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, _, err := cmdutil.OpenApp(cmd.Context(), cmd, config.StorageFlags, false)
			if err != nil {
				return err
			}
			defer app.Close()

			r, err := app.Provenance.Deletion(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			var cert *provenance.Certificate
			if r.Status == provenance.StatusCompleted {
				cert, err = app.Provenance.Certificate(cmd.Context(), r.ID)
				if err != nil {
					return err
				}
			}

			out, err := cliui.RenderMarkdown(Markdown(r, cert))
			if err != nil {
				// Fall back to the raw markdown.
				fmt.Fprintln(os.Stderr, err)
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}

	cmdutil.AddFlags(cmd, config.StorageFlags)

	return cmd
}

// Markdown describes r and, once completed, its certificate.
func Markdown(r *provenance.DeletionRequest, cert *provenance.Certificate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Deletion %s\n\n", r.ID)
	fmt.Fprintf(&b, "| Field | Value |\n|---|---|\n")
	fmt.Fprintf(&b, "| Memory | %s |\n", r.MemoryID)
	fmt.Fprintf(&b, "| Status | %s |\n", r.Status)
	fmt.Fprintf(&b, "| Reason | %s |\n", r.Reason)
	if r.RequestedBy != "" {
		fmt.Fprintf(&b, "| Requested by | %s |\n", r.RequestedBy)
	}
	fmt.Fprintf(&b, "| Requested at | %s |\n", r.RequestedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "| Deletion date | %s |\n", r.DeletionDate.Format(time.RFC3339))
	if r.ExecutedAt != nil {
		fmt.Fprintf(&b, "| Executed at | %s |\n", r.ExecutedAt.Format(time.RFC3339))
	}
	if r.CancelledAt != nil {
		fmt.Fprintf(&b, "| Cancelled at | %s |\n", r.CancelledAt.Format(time.RFC3339))
	}

	if len(r.DerivedArtifactIDs) > 0 {
		b.WriteString("\n## Derived artifacts\n\n")
		for _, id := range r.DerivedArtifactIDs {
			fmt.Fprintf(&b, "- `%s`\n", id)
		}
	}

	if cert != nil {
		b.WriteString("\n## Certificate\n\n")
		fmt.Fprintf(&b, "Executed %s, hash `%s`\n", cert.ExecutedAt.Format(time.RFC3339Nano), cert.Hash)
	}
	return b.String()
}

func statusStyle(st provenance.Status) string {
	switch st {
	case provenance.StatusCompleted:
		return cliui.SuccessMark + " " + string(st)
	case provenance.StatusCancelled:
		return cliui.DimStyle.Render(string(st))
	default:
		return cliui.WarnStyle.Render(string(st))
	}
}
