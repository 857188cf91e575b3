package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"symrun/internal/batch"
	"symrun/internal/metrics"
)

func newBatchCmd(ctx *context) *cobra.Command {
	var (
		all         bool
		concurrency int
		jsonOut     bool
		textOut     bool
	)

	cmd := &cobra.Command{
		Use:   "batch [TASK...]",
		Short: "Run several manifest tasks in needs order",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return errors.New("name at least one task or pass --all")
			}
			if all && len(args) > 0 {
				return errors.New("--all cannot be combined with task names")
			}
			printer, err := newStreamPrinter(cmd, jsonOut, textOut)
			if err != nil {
				return err
			}
			doc, err := ctx.loadManifest()
			if err != nil {
				return err
			}

			runner := batch.NewRunner(doc.Graph, batch.Options{Concurrency: concurrency})
			summary, err := runBatch(cmd.Context(), runner, args, printer)
			if err != nil {
				return err
			}

			if !printer.json {
				printSummary(cmd.OutOrStdout(), summary)
			}
			if failed := summary.Failed(); len(failed) > 0 {
				return &exitError{
					code: 1,
					msg:  fmt.Sprintf("%d task(s) failed: %s", len(failed), strings.Join(failed, ", ")),
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Run every task in the manifest")
	cmd.Flags().IntVar(&concurrency, "concurrency", 1, "How many tasks may run at once")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit JSON records")
	cmd.Flags().BoolVar(&textOut, "text", false, "Render output as plain text")
	return cmd
}

// runBatch drives one runner invocation while draining its event stream into
// the printer. The drain goroutine is the only writer, so the printer needs
// no locking.
func runBatch(ctx stdcontext.Context, runner *batch.Runner, names []string, printer *streamPrinter) (*batch.Summary, error) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for evt := range runner.Events() {
			printer.batchEvent(evt)
		}
	}()

	summary, err := runner.Run(ctx, names)
	<-done
	if err != nil {
		return nil, err
	}

	for _, name := range summary.Order {
		if res := summary.Results[name]; res != nil {
			metrics.ObserveBatchTask(string(res.State))
		}
	}
	return summary, nil
}

func printSummary(out io.Writer, summary *batch.Summary) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tSTATE\tATTEMPTS\tCODE")
	for _, name := range summary.Order {
		res := summary.Results[name]
		if res == nil {
			continue
		}
		code := "-"
		if res.Output != nil {
			code = strconv.Itoa(res.Output.ReturnCode)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", name, res.State, res.Attempts, code)
	}
	w.Flush()
}
