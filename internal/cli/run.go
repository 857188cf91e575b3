package cli

import (
	stdcontext "context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"symrun/internal/command"
	"symrun/internal/signals"
)

func newRunCmd() *cobra.Command {
	var (
		timeout    time.Duration
		symbolizer string
		inputPath  string
		envPairs   []string
		workdir    string
		jsonOut    bool
		textOut    bool
	)

	cmd := &cobra.Command{
		Use:   "run [flags] -- COMMAND [ARG...]",
		Short: "Run a command under supervision",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			printer, err := newStreamPrinter(cmd, jsonOut, textOut)
			if err != nil {
				return err
			}
			env, err := parseEnvPairs(envPairs)
			if err != nil {
				return err
			}

			spec := command.Spec{
				Args:    args,
				Env:     env,
				Dir:     workdir,
				Timeout: timeout,
			}
			if symbolizer != "" {
				spec.SymbolizerArgs = strings.Fields(symbolizer)
			}
			if inputPath != "" {
				input, err := readInput(cmd, inputPath)
				if err != nil {
					return err
				}
				spec.Input = input
			}

			proc, err := command.Start(spec)
			if err != nil {
				return err
			}

			// Children run in their own process group, so terminal signals
			// never reach them directly; forward the first one as a graceful
			// stop and escalate on the second.
			var escalated atomic.Bool
			reg := signals.RegisterOnTerminate(func(os.Signal) {
				if escalated.CompareAndSwap(false, true) {
					proc.Terminate()
					return
				}
				proc.Kill()
			})
			defer reg.Deregister()

			out, err := proc.RunToCompletion(stdcontext.Background(), printer.event)
			if err != nil {
				return err
			}
			printer.exit(out)
			if out.ReturnCode != 0 {
				return &exitError{code: exitCodeFor(out.ReturnCode)}
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Kill the run when it outlives this duration")
	cmd.Flags().StringVar(&symbolizer, "symbolizer", "", "Symbolizer command fed from the primary's stdout")
	cmd.Flags().StringVar(&inputPath, "input", "", "File piped to the primary's stdin (- reads the wrapper's stdin)")
	cmd.Flags().StringArrayVarP(&envPairs, "env", "e", nil, "Extra KEY=VALUE environment entries")
	cmd.Flags().StringVar(&workdir, "workdir", "", "Working directory for the run")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit JSON records")
	cmd.Flags().BoolVar(&textOut, "text", false, "Copy output straight through")
	return cmd
}

func parseEnvPairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid env entry %q, want KEY=VALUE", pair)
		}
		env[key] = value
	}
	return env, nil
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	return data, nil
}
