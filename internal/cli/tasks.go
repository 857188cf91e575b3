package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"symrun/internal/cliutil"
)

func newTasksCmd(ctx *context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks defined in the manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := ctx.loadManifest()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TASK\tCOMMAND\tNEEDS\tTIMEOUT\tRETRIES")
			for _, name := range doc.Graph.Tasks() {
				task := doc.Manifest.Tasks[name]
				if task == nil {
					continue
				}
				needs := "-"
				if len(task.Needs) > 0 {
					needs = strings.Join(task.Needs, ",")
				}
				timeout := "-"
				if task.Timeout.Duration > 0 {
					timeout = task.Timeout.Duration.String()
				}
				retries := 0
				if task.Retries != nil {
					retries = task.Retries.Max
				}
				argv := cliutil.RedactSecrets(strings.Join(task.Command, " "))
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", name, argv, needs, timeout, retries)
			}
			return w.Flush()
		},
	}
	return cmd
}
