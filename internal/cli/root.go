package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"symrun/internal/cliutil"
	"symrun/internal/signals"
)

func NewRootCmd() *cobra.Command {
	root, _ := newRootCommand()
	return root
}

func newRootCommand() (*cobra.Command, *context) {
	var manifestFile string

	root := &cobra.Command{
		Use:   "symrun",
		Short: "Supervised command runner with symbolizer support",
	}

	root.PersistentFlags().
		StringVarP(&manifestFile, "file", "f", defaultManifestPath(), "Path to task manifest")

	ctx := &context{manifestFile: &manifestFile}
	root.AddCommand(newRunCmd())
	root.AddCommand(newTaskCmd(ctx))
	root.AddCommand(newTasksCmd(ctx))
	root.AddCommand(newBatchCmd(ctx))
	root.AddCommand(newServeCmd(ctx))
	root.AddCommand(newConfigCmd())

	root.SilenceUsage = true
	root.SilenceErrors = true

	return root, ctx
}

// Execute runs the CLI entrypoint.
func Execute() {
	ctx, cancel := stdcontext.WithCancel(stdcontext.Background())
	defer cancel()

	reg := signals.RegisterOnTerminate(func(os.Signal) {
		cancel()
	})
	defer reg.Deregister()

	root := NewRootCmd()
	root.SetContext(ctx)

	if err := root.ExecuteContext(ctx); err != nil {
		code := 1
		var exit *exitError
		if errors.As(err, &exit) {
			code = exit.code
			if exit.msg == "" {
				os.Exit(code)
			}
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(code)
	}
}

type context struct {
	manifestFile *string
}

func (c *context) loadManifest() (*cliutil.ManifestDocument, error) {
	return cliutil.LoadManifestFromFile(*c.manifestFile)
}

func defaultManifestPath() string {
	if path := os.Getenv("SYMRUN_TASKS"); path != "" {
		return path
	}
	return "tasks.yaml"
}

// exitError makes a command fail with a specific process exit code. An empty
// message exits silently, for commands whose stream already explained the
// failure.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string {
	if e.msg != "" {
		return e.msg
	}
	return fmt.Sprintf("exit status %d", e.code)
}

// exitCodeFor maps a supervised return code onto the wrapper's own exit
// code, following the shell convention of 128+N for death by signal N.
func exitCodeFor(code int) int {
	if code < 0 {
		return 128 - code
	}
	return code
}
