package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"symrun/internal/batch"
)

func newTaskCmd(ctx *context) *cobra.Command {
	var jsonOut, textOut bool

	cmd := &cobra.Command{
		Use:   "task NAME",
		Short: "Run one manifest task and its needs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			printer, err := newStreamPrinter(cmd, jsonOut, textOut)
			if err != nil {
				return err
			}
			doc, err := ctx.loadManifest()
			if err != nil {
				return err
			}

			runner := batch.NewRunner(doc.Graph, batch.Options{Concurrency: 1})
			summary, err := runBatch(cmd.Context(), runner, []string{args[0]}, printer)
			if err != nil {
				return err
			}

			res := summary.Results[args[0]]
			if res == nil || res.State != batch.TaskSucceeded {
				return taskFailure(args[0], res)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit JSON records")
	cmd.Flags().BoolVar(&textOut, "text", false, "Render output as plain text")
	return cmd
}

// taskFailure maps a failed task result onto the wrapper's exit behaviour.
// Nonzero child codes propagate silently; everything else explains itself.
func taskFailure(name string, res *batch.Result) error {
	if res == nil {
		return &exitError{code: 1, msg: fmt.Sprintf("task %s did not run", name)}
	}
	if res.Output != nil && res.Output.ReturnCode != 0 {
		return &exitError{code: exitCodeFor(res.Output.ReturnCode)}
	}
	if res.Err != nil {
		return &exitError{code: 1, msg: fmt.Sprintf("task %s: %v", name, res.Err)}
	}
	return &exitError{code: 1, msg: fmt.Sprintf("task %s %s", name, res.State)}
}
