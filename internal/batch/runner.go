package batch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sync/atomic"
	"time"

	"symrun/internal/command"
	"symrun/internal/config"
)

const (
	defaultBackoffMin    = time.Second
	defaultBackoffMax    = 30 * time.Second
	defaultBackoffFactor = 2.0

	// sourceBuffer sizes the per-task channels feeding the mux.
	sourceBuffer = 16
)

// ErrAlreadyRan is returned by Run when the runner has been consumed before.
// A Runner drives exactly one batch; create a new one per invocation.
var ErrAlreadyRan = errors.New("batch: run already consumed")

// TaskState classifies the terminal state of a task within a batch.
type TaskState string

const (
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
	TaskSkipped   TaskState = "skipped"
)

// Result records how a single task ended.
type Result struct {
	Task     string
	State    TaskState
	Attempts int
	Output   *command.Output
	Err      error
}

// Summary aggregates per-task results for one batch invocation.
type Summary struct {
	// Order lists the selected tasks in execution order.
	Order   []string
	Results map[string]*Result
}

// OK reports whether every selected task succeeded.
func (s *Summary) OK() bool {
	for _, res := range s.Results {
		if res.State != TaskSucceeded {
			return false
		}
	}
	return true
}

// Failed returns the names of failed tasks in execution order.
func (s *Summary) Failed() []string {
	return s.inState(TaskFailed)
}

// Skipped returns the names of skipped tasks in execution order.
func (s *Summary) Skipped() []string {
	return s.inState(TaskSkipped)
}

func (s *Summary) inState(state TaskState) []string {
	var out []string
	for _, name := range s.Order {
		if res := s.Results[name]; res != nil && res.State == state {
			out = append(out, name)
		}
	}
	return out
}

type retryPolicy struct {
	maxRetries int
	min        time.Duration
	max        time.Duration
	factor     float64
}

func deriveRetryPolicy(rp *config.RetryPolicy) retryPolicy {
	pol := retryPolicy{maxRetries: 0, min: defaultBackoffMin, max: defaultBackoffMax, factor: defaultBackoffFactor}
	if rp == nil {
		return pol
	}

	switch {
	case rp.Max < 0:
		pol.maxRetries = -1
	case rp.Max == 0:
		pol.maxRetries = 0
	default:
		pol.maxRetries = rp.Max
	}
	if rp.Backoff != nil {
		if rp.Backoff.Min.Duration > 0 {
			pol.min = rp.Backoff.Min.Duration
		}
		if rp.Backoff.Max.Duration > 0 {
			pol.max = rp.Backoff.Max.Duration
		}
		if rp.Backoff.Factor > 0 {
			pol.factor = rp.Backoff.Factor
		}
	}

	if pol.min <= 0 {
		pol.min = defaultBackoffMin
	}
	if pol.max <= 0 {
		pol.max = defaultBackoffMax
	}
	if pol.max < pol.min {
		pol.max = pol.min
	}
	if pol.factor <= 1 {
		pol.factor = defaultBackoffFactor
	}

	return pol
}

func (p retryPolicy) allowRetry(retries int) bool {
	if p.maxRetries < 0 {
		return true
	}
	return retries < p.maxRetries
}

func defaultJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	// Full jitter: random duration in [0, d].
	return time.Duration(rand.Float64() * float64(d))
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Options tunes a Runner.
type Options struct {
	// Concurrency bounds how many tasks run at once; values below one run
	// tasks serially.
	Concurrency int

	// Buffer sizes the muxed event channel.
	Buffer int
}

// Runner executes a set of manifest tasks in needs order with bounded
// concurrency and per-task retries. The graph must come from a validated
// manifest.
type Runner struct {
	graph       *Graph
	concurrency int
	mux         *Mux
	hooks       hookExecutor

	jitter func(time.Duration) time.Duration
	sleep  func(context.Context, time.Duration) error

	ran atomic.Bool
}

// NewRunner constructs a runner over the provided graph.
func NewRunner(g *Graph, opts Options) *Runner {
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 256
	}
	return &Runner{
		graph:       g,
		concurrency: concurrency,
		mux:         NewMux(buffer),
		hooks:       newCommandHookExecutor(),
		jitter:      defaultJitter,
		sleep:       sleepWithContext,
	}
}

// Events exposes the muxed event stream. It closes when Run finishes;
// callers must keep draining it while the batch runs.
func (r *Runner) Events() <-chan Event {
	return r.mux.Output()
}

type taskCompletion struct {
	name   string
	result *Result
}

// Run executes the named tasks plus their transitive needs; an empty names
// slice selects every task in the graph. A task starts only once all of its
// needs succeeded; when a need fails, its dependents are skipped. Task
// failures are reported through the Summary, not the returned error.
func (r *Runner) Run(ctx context.Context, names []string) (*Summary, error) {
	if !r.ran.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRan
	}
	if ctx == nil {
		ctx = context.Background()
	}

	selection := r.graph.Tasks()
	if len(names) > 0 {
		var err error
		selection, err = r.graph.Closure(names)
		if err != nil {
			r.mux.Close()
			return nil, err
		}
	}

	summary := &Summary{
		Order:   selection,
		Results: make(map[string]*Result, len(selection)),
	}
	selected := make(map[string]bool, len(selection))
	for _, name := range selection {
		selected[name] = true
	}

	// remaining counts each task's needs that have not succeeded yet; a task
	// becomes ready at zero.
	remaining := make(map[string]int, len(selection))
	ready := make([]string, 0, len(selection))
	for _, name := range selection {
		remaining[name] = len(r.graph.Needs(name))
		if remaining[name] == 0 {
			ready = append(ready, name)
		}
	}

	control := make(chan Event, sourceBuffer)
	r.mux.Add(control)

	// skipFrom marks every unlaunched dependent of origin as skipped,
	// cascading through the graph.
	skipFrom := func(origin string) {
		queue := []string{origin}
		for len(queue) > 0 {
			node := queue[0]
			queue = queue[1:]
			for _, dep := range r.graph.Dependents(node) {
				if !selected[dep] {
					continue
				}
				if _, done := summary.Results[dep]; done {
					continue
				}
				err := fmt.Errorf("need %s did not succeed", node)
				summary.Results[dep] = &Result{Task: dep, State: TaskSkipped, Err: err}
				sendEvent(control, dep, EventTypeSkipped, err.Error(), 0, ReasonNeedsFailed, nil)
				queue = append(queue, dep)
			}
		}
	}

	completions := make(chan taskCompletion)
	running := 0

	for len(summary.Results) < len(selection) {
		for running < r.concurrency && len(ready) > 0 {
			name := ready[0]
			ready = ready[1:]
			if _, done := summary.Results[name]; done {
				continue
			}
			if err := ctx.Err(); err != nil {
				summary.Results[name] = &Result{Task: name, State: TaskSkipped, Err: err}
				sendEvent(control, name, EventTypeSkipped, "batch canceled", 0, ReasonCanceled, err)
				skipFrom(name)
				continue
			}
			running++
			go r.runTask(ctx, name, completions)
		}

		if running == 0 {
			// Nothing running and nothing launchable; with an acyclic
			// selection every remaining task was resolved by skipFrom.
			break
		}

		comp := <-completions
		running--
		summary.Results[comp.name] = comp.result
		if comp.result.State == TaskSucceeded {
			for _, dep := range r.graph.Dependents(comp.name) {
				if !selected[dep] {
					continue
				}
				if _, done := summary.Results[dep]; done {
					continue
				}
				remaining[dep]--
				if remaining[dep] == 0 {
					ready = append(ready, dep)
				}
			}
		} else {
			skipFrom(comp.name)
		}
	}

	close(control)
	r.mux.Close()
	return summary, nil
}

func (r *Runner) runTask(ctx context.Context, name string, completions chan<- taskCompletion) {
	events := make(chan Event, sourceBuffer)
	r.mux.Add(events)

	res := r.superviseTask(ctx, name, events)

	close(events)
	completions <- taskCompletion{name: name, result: res}
}

// superviseTask drives one task through its hooks and retry loop.
func (r *Runner) superviseTask(ctx context.Context, name string, events chan<- Event) *Result {
	task := r.graph.Task(name)
	res := &Result{Task: name}

	sendFinished := func(attempt int, reason string, code int, err error) {
		message := "task finished"
		if err != nil {
			message = "task failed"
		}
		events <- Event{
			Timestamp: time.Now(),
			Task:      name,
			Type:      EventTypeFinished,
			Message:   message,
			Level:     "info",
			Source:    SourceSystem,
			Err:       err,
			Attempt:   attempt,
			Code:      code,
			Reason:    reason,
		}
	}

	if task.Hooks != nil && task.Hooks.PreStart != nil {
		hr := r.hooks.Run(ctx, task, hookPhasePreStart, task.Hooks.PreStart)
		emitHookLogs(events, name, hr)
		if hr.Err != nil {
			res.State = TaskFailed
			res.Err = fmt.Errorf("%s hook %s: %w", hr.Phase, joinCommand(hr.Command), hr.Err)
			sendEvent(events, name, EventTypeHook, fmt.Sprintf("%s hook failed", hr.Phase), 0, ReasonHookFailed, hr.Err)
			sendFinished(0, ReasonHookFailed, -1, res.Err)
			return res
		}
	}

	policy := deriveRetryPolicy(task.Retries)
	retries := 0
	backoffBase := policy.min

	for {
		attempt := retries + 1
		reason := ReasonInitialStart
		if retries > 0 {
			reason = ReasonRetry
		}
		sendEvent(events, name, EventTypeStarted, "task started", attempt, reason, nil)

		out, runErr := r.execute(ctx, name, task, attempt, events)
		res.Attempts = attempt
		if out != nil {
			res.Output = out
		}

		failure := runErr
		if failure == nil && !out.Success() {
			failure = outputError(out)
		}
		if failure == nil {
			res.State = TaskSucceeded
			sendFinished(attempt, "", out.ReturnCode, nil)
			break
		}

		if ctx.Err() != nil {
			res.State = TaskFailed
			res.Err = failure
			sendFinished(attempt, ReasonCanceled, codeOf(out), failure)
			break
		}

		if !policy.allowRetry(retries) {
			res.State = TaskFailed
			res.Err = failure
			reason := ""
			if policy.maxRetries != 0 {
				reason = ReasonRetriesExhausted
			}
			sendFinished(attempt, reason, codeOf(out), failure)
			break
		}

		retries++
		sendEvent(events, name, EventTypeRetrying, fmt.Sprintf("retrying: %v", failure), retries+1, ReasonRetry, failure)
		if err := r.sleepBackoff(ctx, &backoffBase, policy); err != nil {
			res.State = TaskFailed
			res.Err = failure
			sendFinished(attempt, ReasonCanceled, codeOf(out), failure)
			break
		}
	}

	if task.Hooks != nil && task.Hooks.PostStop != nil {
		// Cleanup still runs when the batch is being canceled; the hook's
		// own timeout bounds it.
		hr := r.hooks.Run(context.Background(), task, hookPhasePostStop, task.Hooks.PostStop)
		emitHookLogs(events, name, hr)
		if hr.Err != nil {
			sendEvent(events, name, EventTypeHook, fmt.Sprintf("%s hook failed", hr.Phase), 0, ReasonHookFailed, hr.Err)
			if res.State == TaskSucceeded {
				res.State = TaskFailed
				res.Err = fmt.Errorf("%s hook %s: %w", hr.Phase, joinCommand(hr.Command), hr.Err)
			}
		}
	}

	return res
}

// execute performs a single supervised attempt.
func (r *Runner) execute(ctx context.Context, name string, task *config.TaskSpec, attempt int, events chan<- Event) (*command.Output, error) {
	spec := command.Spec{
		Args:           task.Command,
		Env:            task.Env,
		Dir:            task.ResolvedWorkdir,
		SymbolizerArgs: task.Symbolizer,
		Timeout:        task.Timeout.Duration,
	}
	if task.InputFile != "" {
		input, err := os.ReadFile(task.InputFile)
		if err != nil {
			return nil, fmt.Errorf("read input file: %w", err)
		}
		spec.Input = input
	}

	cmd, err := command.Start(spec)
	if err != nil {
		return nil, err
	}
	return cmd.RunToCompletion(ctx, func(evt command.Event) {
		switch e := evt.(type) {
		case command.StdoutEvent:
			sendOutput(events, name, SourceStdout, attempt, e.Text)
		case command.StderrEvent:
			sendOutput(events, name, SourceStderr, attempt, e.Text)
		}
	})
}

func (r *Runner) sleepBackoff(ctx context.Context, base *time.Duration, policy retryPolicy) error {
	delay := *base
	if delay <= 0 {
		delay = policy.min
	}
	if delay > policy.max {
		delay = policy.max
	}

	jittered := r.jitter(delay)
	if jittered > policy.max {
		jittered = policy.max
	}
	if jittered < 0 {
		jittered = 0
	}

	if err := r.sleep(ctx, jittered); err != nil {
		return err
	}

	next := float64(delay) * policy.factor
	if math.IsInf(next, 0) || next > float64(policy.max) {
		*base = policy.max
		return nil
	}
	n := time.Duration(next)
	if n < policy.min {
		n = policy.min
	}
	if n > policy.max {
		n = policy.max
	}
	*base = n
	return nil
}

func emitHookLogs(events chan<- Event, task string, hr hookResult) {
	for _, entry := range hr.Logs {
		events <- Event{
			Timestamp: time.Now(),
			Task:      task,
			Type:      EventTypeHook,
			Message:   entry.Message,
			Source:    entry.Stream,
			Reason:    hr.Phase,
		}
	}
}

func outputError(out *command.Output) error {
	if out.WasTimeout {
		return errors.New("task timed out")
	}
	if out.ReturnCode < 0 {
		return fmt.Errorf("task terminated by signal %d", -out.ReturnCode)
	}
	return fmt.Errorf("task exited with code %d", out.ReturnCode)
}

func codeOf(out *command.Output) int {
	if out == nil {
		return -1
	}
	return out.ReturnCode
}
