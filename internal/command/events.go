package command

// Event is a single notification from a supervised run.
//
// Ordering guarantees for one run:
//   - zero or more StdoutEvent/StderrEvent values, each stream's chunks in
//     the order the process wrote them; interleaving between the two streams
//     follows arrival time and carries no further guarantee,
//   - exactly one TerminationEvent, always last.
//
// No event is delivered after the TerminationEvent.
type Event interface {
	event()
}

// StdoutEvent carries one chunk of the effective process's standard output.
// Chunks are line-aligned where possible; a final unterminated line is
// delivered as-is when the stream closes.
type StdoutEvent struct {
	Text []byte
}

// StderrEvent carries one chunk of the effective process's standard error.
type StderrEvent struct {
	Text []byte
}

// TerminationEvent closes a run's event stream. ReturnCode follows the
// process exit status convention: the OS exit code, or the negative signal
// number when the process was stopped by a signal.
type TerminationEvent struct {
	ReturnCode int
}

func (StdoutEvent) event()      {}
func (StderrEvent) event()      {}
func (TerminationEvent) event() {}

// Output is the aggregate result of a completed run. It is produced exactly
// once and never mutated afterwards.
type Output struct {
	// Stdout holds every stdout chunk concatenated in emission order.
	Stdout string

	// Stderr holds every stderr chunk concatenated in emission order.
	Stderr string

	// ReturnCode is the effective process's exit status: the symbolizer's
	// when one is configured, otherwise the primary's. A process stopped by
	// signal N reports -N.
	ReturnCode int

	// WrapperReturnCode is the primary command's own exit status when its
	// output was routed through a symbolizer, and nil otherwise. It lets
	// callers tell a failing tool apart from a failing symbolizer.
	WrapperReturnCode *int

	// WasTimeout reports that the configured timeout elapsed and initiated
	// termination, regardless of any signals the caller sent on its own.
	WasTimeout bool
}

// Success reports whether the effective process exited cleanly.
func (o *Output) Success() bool {
	return o.ReturnCode == 0
}
