package command

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// EnvCWD is the overlay key that doubles as a working-directory override when
// Spec.Dir is empty.
const EnvCWD = "CWD"

// eventBuffer bounds the in-flight chunk queue between the demultiplexer and
// the consumer loop. Readers block once it fills, which backpressures the
// child through the pipe instead of growing memory.
const eventBuffer = 64

// ErrAlreadyRan is returned by RunToCompletion when the run has been consumed
// before. A Command executes exactly once; create a new one per execution.
var ErrAlreadyRan = errors.New("command: run already consumed")

// State identifies the supervisor's position in its lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateStreaming  State = "streaming"
	StateDraining   State = "draining"
	StateTerminated State = "terminated"
)

// LaunchError reports a failure to spawn the requested processes. It is the
// only error surfaced before streaming begins; once streaming starts, all
// failure information travels through the terminal event instead.
type LaunchError struct {
	Message string
	Err     error
}

func (e *LaunchError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Spec describes a single supervised execution.
type Spec struct {
	// Args is the primary command's argv. Args[0] is resolved via PATH.
	Args []string

	// Env is an overlay appended to the parent environment. The CWD key
	// additionally selects the child working directory when Dir is empty.
	Env map[string]string

	// Dir, when set, is the working directory for both child processes.
	Dir string

	// Input, when non-nil, is written to the primary's stdin, which is then
	// closed to signal EOF. The write runs concurrently with output
	// consumption and never deadlocks against it.
	Input []byte

	// SymbolizerArgs, when non-empty, starts a post-processing command whose
	// stdin is the primary's stdout; its output becomes the surfaced stream.
	SymbolizerArgs []string

	// Timeout, when positive, terminates the whole process group once
	// elapsed and marks the eventual Output as timed out.
	Timeout time.Duration
}

// Command supervises one primary process and, optionally, a symbolizer
// process post-processing its output. Both children share a single process
// group led by the primary so cancellation reaches every descendant.
//
// A Command is bound to one execution: Start launches the processes and
// RunToCompletion consumes the run exactly once.
type Command struct {
	primary *exec.Cmd
	sym     *exec.Cmd

	// pgid is the process group shared by both children; it equals the
	// primary's pid.
	pgid int

	events      chan Event
	readers     sync.WaitGroup
	primaryWait chan error
	symWait     chan error

	timer *time.Timer

	state atomic.Value

	mu         sync.Mutex
	completed  bool
	wasTimeout bool

	ran atomic.Bool
}

// Start launches the processes described by spec. On success the returned
// Command is already streaming; call RunToCompletion to consume the run. On
// failure it returns a *LaunchError, no event is ever produced, and no child
// process is left behind.
func Start(spec Spec) (*Command, error) {
	if len(spec.Args) == 0 {
		return nil, &LaunchError{Message: "command requires at least one argument"}
	}

	dir := spec.Dir
	if dir == "" {
		dir = spec.Env[EnvCWD]
	}
	env := overlayEnviron(spec.Env)

	primary := exec.Command(spec.Args[0], spec.Args[1:]...)
	if primary.Err != nil {
		return nil, &LaunchError{Message: fmt.Sprintf("resolve %q", spec.Args[0]), Err: primary.Err}
	}
	primary.Dir = dir
	primary.Env = env
	setProcessGroup(primary, 0)

	var sym *exec.Cmd
	if len(spec.SymbolizerArgs) > 0 {
		sym = exec.Command(spec.SymbolizerArgs[0], spec.SymbolizerArgs[1:]...)
		if sym.Err != nil {
			return nil, &LaunchError{Message: fmt.Sprintf("resolve symbolizer %q", spec.SymbolizerArgs[0]), Err: sym.Err}
		}
		sym.Dir = dir
		sym.Env = env
	}

	// Every child descriptor is an explicit os.Pipe pair: exec.Cmd passes
	// plain files straight through, so Wait never races the demultiplexer
	// and EOF arrives only once every group member's duplicate has closed.
	var opened, childEnds []*os.File
	pipe := func() (*os.File, *os.File, error) {
		r, w, err := os.Pipe()
		if err == nil {
			opened = append(opened, r, w)
		}
		return r, w, err
	}
	closeAll := func(files []*os.File) {
		for _, f := range files {
			_ = f.Close()
		}
	}

	var stdinW *os.File
	if spec.Input != nil {
		inR, inW, err := pipe()
		if err != nil {
			closeAll(opened)
			return nil, &LaunchError{Message: "stdin pipe", Err: err}
		}
		primary.Stdin = inR
		childEnds = append(childEnds, inR)
		stdinW = inW
	}

	var outR, errR *os.File
	if sym != nil {
		linkR, linkW, err := pipe()
		if err != nil {
			closeAll(opened)
			return nil, &LaunchError{Message: "symbolizer pipe", Err: err}
		}
		primary.Stdout = linkW
		primary.Stderr = os.Stderr
		sym.Stdin = linkR
		childEnds = append(childEnds, linkR, linkW)
	}

	effective := primary
	if sym != nil {
		effective = sym
	}
	{
		r, w, err := pipe()
		if err != nil {
			closeAll(opened)
			return nil, &LaunchError{Message: "stdout pipe", Err: err}
		}
		effective.Stdout = w
		childEnds = append(childEnds, w)
		outR = r
	}
	{
		r, w, err := pipe()
		if err != nil {
			closeAll(opened)
			return nil, &LaunchError{Message: "stderr pipe", Err: err}
		}
		effective.Stderr = w
		childEnds = append(childEnds, w)
		errR = r
	}

	c := &Command{
		primary:     primary,
		sym:         sym,
		events:      make(chan Event, eventBuffer),
		primaryWait: make(chan error, 1),
	}
	c.state.Store(StateIdle)

	if err := primary.Start(); err != nil {
		closeAll(opened)
		return nil, &LaunchError{Message: fmt.Sprintf("start %q", spec.Args[0]), Err: err}
	}
	c.pgid = primary.Process.Pid

	if sym != nil {
		setProcessGroup(sym, c.pgid)
		if err := sym.Start(); err != nil {
			// Never leave the primary orphaned behind a failed launch.
			c.Kill()
			_ = primary.Wait()
			closeAll(opened)
			return nil, &LaunchError{Message: fmt.Sprintf("start symbolizer %q", spec.SymbolizerArgs[0]), Err: err}
		}
	}

	closeAll(childEnds)
	c.state.Store(StateStreaming)

	if stdinW != nil {
		go func() {
			// A child that exits without draining stdin breaks this pipe;
			// the read side alone decides when the run is over.
			_, _ = stdinW.Write(spec.Input)
			_ = stdinW.Close()
		}()
	}

	c.readers.Add(2)
	go c.demux(outR, func(text []byte) Event { return StdoutEvent{Text: text} })
	go c.demux(errR, func(text []byte) Event { return StderrEvent{Text: text} })
	go func() {
		c.readers.Wait()
		c.state.Store(StateDraining)
		close(c.events)
	}()

	go func() { c.primaryWait <- primary.Wait() }()
	if sym != nil {
		c.symWait = make(chan error, 1)
		go func() { c.symWait <- sym.Wait() }()
	}

	if spec.Timeout > 0 {
		c.timer = time.AfterFunc(spec.Timeout, c.onTimeout)
	}

	return c, nil
}

// demux drains one descriptor, emitting each available chunk as soon as it is
// read. Chunks split on newlines; an unterminated trailing line of any length
// is delivered whole when the descriptor closes.
func (c *Command) demux(r *os.File, wrap func([]byte) Event) {
	defer c.readers.Done()
	defer r.Close()

	br := bufio.NewReader(r)
	for {
		chunk, err := br.ReadBytes('\n')
		if len(chunk) > 0 {
			c.events <- wrap(chunk)
		}
		if err != nil {
			// EOF, or a read failure that this stream cannot recover from;
			// the other stream keeps draining either way.
			return
		}
	}
}

// RunToCompletion drives the run to its terminal state and returns the
// aggregated Output. Each event is handed to consumer synchronously, in
// emission order, finishing with exactly one TerminationEvent; a nil consumer
// simply aggregates. Cancelling ctx force-kills the process group but the
// stream still runs to completion, so the caller always receives an Output.
//
// A Command supports a single call; subsequent calls return ErrAlreadyRan.
func (c *Command) RunToCompletion(ctx context.Context, consumer func(Event)) (*Output, error) {
	if !c.ran.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRan
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var stdout, stderr strings.Builder
	deliver := func(ev Event) {
		switch e := ev.(type) {
		case StdoutEvent:
			stdout.Write(e.Text)
		case StderrEvent:
			stderr.Write(e.Text)
		}
		if consumer != nil {
			consumer(ev)
		}
	}

	ctxDone := ctx.Done()
	events := c.events
	for events != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				break
			}
			deliver(ev)
		case <-ctxDone:
			ctxDone = nil
			c.Kill()
		}
	}

	// Both descriptors have hit EOF; all that remains is collecting the
	// exit statuses. Termination deliberately waits for the drain above so
	// trailing output is never lost to an early exit notification.
	primaryWait, symWait := c.primaryWait, c.symWait
	for primaryWait != nil || symWait != nil {
		select {
		case <-primaryWait:
			primaryWait = nil
		case <-symWait:
			symWait = nil
		case <-ctxDone:
			ctxDone = nil
			c.Kill()
		}
	}

	if c.timer != nil {
		c.timer.Stop()
	}

	primaryCode := returnCode(c.primary.ProcessState)
	out := &Output{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		ReturnCode: primaryCode,
	}
	if c.sym != nil {
		out.ReturnCode = returnCode(c.sym.ProcessState)
		wrapper := primaryCode
		out.WrapperReturnCode = &wrapper
	}

	c.mu.Lock()
	c.completed = true
	out.WasTimeout = c.wasTimeout
	c.mu.Unlock()

	c.state.Store(StateTerminated)
	if consumer != nil {
		consumer(TerminationEvent{ReturnCode: out.ReturnCode})
	}
	return out, nil
}

// onTimeout runs once when the configured timeout elapses. It records the
// timeout and escalates to a graceful group termination; a run that finished
// first wins the race and suppresses both.
func (c *Command) onTimeout() {
	c.mu.Lock()
	if c.completed {
		c.mu.Unlock()
		return
	}
	c.wasTimeout = true
	c.mu.Unlock()
	c.Terminate()
}

// State reports the supervisor's current lifecycle position.
func (c *Command) State() State {
	return c.state.Load().(State)
}

// ProcessGroup returns the id of the process group shared by the primary and
// symbolizer processes. It is also the primary process's pid.
func (c *Command) ProcessGroup() int {
	return c.pgid
}

// exited reports whether every child has been collected; signaling stops
// being meaningful (and pgid may be recycled) once it returns true.
func (c *Command) exited() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed
}

// returnCode converts a collected process state into the exit convention used
// throughout this package: the OS exit code, or -N for death by signal N.
func returnCode(ps *os.ProcessState) int {
	if ps == nil {
		return -1
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	return ps.ExitCode()
}

// overlayEnviron appends the overlay to the parent environment in sorted key
// order, letting overlay entries shadow inherited ones.
func overlayEnviron(overlay map[string]string) []string {
	env := os.Environ()
	if len(overlay) == 0 {
		return env
	}
	keys := make([]string, 0, len(overlay))
	for k := range overlay {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overlay[k])
	}
	return env
}
