package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"symrun/internal/batch"
	"symrun/internal/cliutil"
	"symrun/internal/command"
)

// streamPrinter renders supervised output either as JSON records or as plain
// text copied onto the wrapper's own streams. The default mode follows the
// destination: terminals get text, pipes get records.
type streamPrinter struct {
	json bool
	enc  *json.Encoder
	out  io.Writer
	errW io.Writer
}

func newStreamPrinter(cmd *cobra.Command, jsonFlag, textFlag bool) (*streamPrinter, error) {
	if jsonFlag && textFlag {
		return nil, errors.New("--json and --text are mutually exclusive")
	}
	p := &streamPrinter{
		json: !term.IsTerminal(int(os.Stdout.Fd())),
		out:  cmd.OutOrStdout(),
		errW: cmd.ErrOrStderr(),
	}
	if jsonFlag {
		p.json = true
	}
	if textFlag {
		p.json = false
	}
	if p.json {
		p.enc = json.NewEncoder(p.out)
	}
	return p, nil
}

// event renders one supervised run event. In record mode the termination
// event is withheld; exit emits the terminal record with the full aggregate.
func (p *streamPrinter) event(evt command.Event) {
	if p.json {
		if _, ok := evt.(command.TerminationEvent); ok {
			return
		}
		cliutil.EncodeRecord(p.enc, p.errW, cliutil.NewRecord("", "", evt))
		return
	}
	switch e := evt.(type) {
	case command.StdoutEvent:
		p.out.Write(e.Text)
	case command.StderrEvent:
		p.errW.Write(e.Text)
	}
}

func (p *streamPrinter) exit(out *command.Output) {
	if p.json {
		cliutil.EncodeRecord(p.enc, p.errW, cliutil.NewExitRecord("", "", out))
	}
}

func (p *streamPrinter) batchEvent(evt batch.Event) {
	if p.json {
		cliutil.EncodeRecord(p.enc, p.errW, cliutil.NewBatchRecord("", evt))
		return
	}
	switch evt.Type {
	case batch.EventTypeOutput:
		w := p.out
		if evt.Source == batch.SourceStderr {
			w = p.errW
		}
		fmt.Fprintf(w, "%s | %s\n", evt.Task, cliutil.RedactSecrets(evt.Message))
	case batch.EventTypeStarted:
		fmt.Fprintf(p.errW, "==> %s started (attempt %d)\n", evt.Task, evt.Attempt)
	case batch.EventTypeRetrying:
		fmt.Fprintf(p.errW, "==> %s %s (attempt %d)\n", evt.Task, evt.Message, evt.Attempt)
	case batch.EventTypeFinished:
		fmt.Fprintf(p.errW, "==> %s finished (exit %d)\n", evt.Task, evt.Code)
	case batch.EventTypeSkipped:
		fmt.Fprintf(p.errW, "==> %s skipped: %s\n", evt.Task, evt.Message)
	case batch.EventTypeHook:
		msg := evt.Message
		if evt.Err != nil {
			msg = fmt.Sprintf("%s: %v", msg, evt.Err)
		}
		fmt.Fprintf(p.errW, "==> %s %s\n", evt.Task, cliutil.RedactSecrets(msg))
	}
}
