package api

import (
	stdcontext "context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"symrun/internal/cliutil"
	"symrun/internal/command"
	"symrun/internal/metrics"
)

const (
	// defaultCaptureBytes caps the stdout/stderr copies kept on finished run
	// records when the manifest sets no ceiling of its own.
	defaultCaptureBytes = 16 << 20

	subscriberBuffer = 256
)

// ManagerConfig controls construction of a Manager.
type ManagerConfig struct {
	// Document supplies manifest tasks for task-based submissions. Ad-hoc
	// submissions work without one.
	Document *cliutil.ManifestDocument

	// MaxCaptureBytes caps the per-stream output copies stored on finished
	// run records. Zero applies the default. The live event stream is never
	// truncated.
	MaxCaptureBytes int64

	Logger *slog.Logger
}

// Manager executes runs through the command supervisor and keeps their
// records in memory. It implements Controller.
type Manager struct {
	doc        *cliutil.ManifestDocument
	maxCapture int64
	log        *slog.Logger

	mu    sync.Mutex
	seq   uint64
	runs  map[string]*managedRun
	order []string
}

// managedRun pairs a run's record with its live supervisor and subscribers.
// Every field except cmd and started is guarded by Manager.mu.
type managedRun struct {
	record  RunRecord
	cmd     *command.Command
	started time.Time

	canceled bool
	final    *cliutil.Record

	subs    map[uint64]chan cliutil.Record
	nextSub uint64
}

// NewManager constructs a Manager.
func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		doc:        cfg.Document,
		maxCapture: cfg.MaxCaptureBytes,
		log:        cfg.Logger,
		runs:       make(map[string]*managedRun),
	}
	if m.maxCapture <= 0 {
		m.maxCapture = defaultCaptureBytes
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	return m
}

// Start launches the requested run and registers its record. The returned
// record is in the running state; execution continues in the background.
func (m *Manager) Start(_ stdcontext.Context, req RunRequest) (*RunRecord, error) {
	spec, taskName, err := m.buildSpec(req)
	if err != nil {
		return nil, err
	}

	cmd, err := command.Start(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStartFailed, err)
	}

	now := time.Now().UTC()
	m.mu.Lock()
	m.seq++
	id := fmt.Sprintf("run-%s-%04d", now.Format("20060102T150405"), m.seq)
	run := &managedRun{
		record: RunRecord{
			ID:        id,
			Task:      taskName,
			Command:   redactArgv(spec.Args),
			State:     RunRunning,
			PID:       cmd.ProcessGroup(),
			StartedAt: now,
		},
		cmd:     cmd,
		started: time.Now(),
		subs:    make(map[uint64]chan cliutil.Record),
	}
	m.runs[id] = run
	m.order = append(m.order, id)
	record := run.record
	m.mu.Unlock()

	go m.supervise(run)

	m.log.Info("run started", "run", id, "task", taskName, "pid", record.PID)
	return &record, nil
}

// buildSpec resolves a request into a launchable spec and the task name it
// came from, if any.
func (m *Manager) buildSpec(req RunRequest) (command.Spec, string, error) {
	var (
		spec command.Spec
		name string
	)

	switch {
	case req.Task != "" && len(req.Command) > 0:
		return spec, "", fmt.Errorf("%w: task and command are mutually exclusive", ErrInvalidRequest)
	case req.Task != "":
		if m.doc == nil || m.doc.Manifest == nil {
			return spec, "", ErrNoManifest
		}
		task, ok := m.doc.Manifest.Tasks[req.Task]
		if !ok {
			return spec, "", fmt.Errorf("%w: %q", ErrUnknownTask, req.Task)
		}
		spec = command.Spec{
			Args:           task.Command,
			Env:            mergeEnv(task.Env, req.Env),
			Dir:            task.ResolvedWorkdir,
			SymbolizerArgs: task.Symbolizer,
			Timeout:        task.Timeout.Duration,
		}
		if task.InputFile != "" {
			data, err := os.ReadFile(task.InputFile)
			if err != nil {
				return spec, "", fmt.Errorf("%w: read input file: %v", ErrInvalidRequest, err)
			}
			spec.Input = data
		}
		name = req.Task
	case len(req.Command) > 0:
		spec = command.Spec{
			Args:           req.Command,
			Env:            req.Env,
			Dir:            req.Workdir,
			SymbolizerArgs: req.Symbolizer,
		}
	default:
		return spec, "", fmt.Errorf("%w: task or command is required", ErrInvalidRequest)
	}

	if req.Input != "" {
		spec.Input = []byte(req.Input)
	}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil {
			return spec, "", fmt.Errorf("%w: timeout %q: %v", ErrInvalidRequest, req.Timeout, err)
		}
		spec.Timeout = d
	}
	return spec, name, nil
}

// supervise drives one run to completion, streaming its records to
// subscribers along the way.
func (m *Manager) supervise(run *managedRun) {
	consumer := func(evt command.Event) {
		if _, ok := evt.(command.TerminationEvent); ok {
			// finish publishes the exit record with the full aggregate.
			return
		}
		m.publish(run, cliutil.NewRecord(run.record.ID, run.record.Task, evt))
	}

	out, err := run.cmd.RunToCompletion(stdcontext.Background(), consumer)
	m.finish(run, out, err)
}

// publish fans a record out to the run's subscribers. Sends never block; a
// subscriber that cannot keep up loses records and reconciles through Get.
func (m *Manager) publish(run *managedRun, rec cliutil.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ch := range run.subs {
		select {
		case ch <- rec:
		default:
			m.log.Warn("subscriber lagging, dropping record", "run", run.record.ID, "subscriber", id)
		}
	}
}

// finish records the run's terminal state, delivers the exit record and
// closes every subscriber.
func (m *Manager) finish(run *managedRun, out *command.Output, runErr error) {
	now := time.Now().UTC()

	m.mu.Lock()
	rec := &run.record
	rec.FinishedAt = &now
	switch {
	case runErr != nil:
		rec.State = RunFailed
		rec.Error = runErr.Error()
	case out.Success():
		rec.State = RunSucceeded
	case run.canceled:
		rec.State = RunCanceled
	default:
		rec.State = RunFailed
	}

	var final cliutil.Record
	if out != nil {
		code := out.ReturnCode
		rec.ReturnCode = &code
		rec.WrapperReturnCode = out.WrapperReturnCode
		rec.TimedOut = out.WasTimeout

		var cutOut, cutErr bool
		rec.Stdout, cutOut = capCopy(out.Stdout, m.maxCapture)
		rec.Stderr, cutErr = capCopy(out.Stderr, m.maxCapture)
		rec.Truncated = cutOut || cutErr

		final = cliutil.NewExitRecord(rec.ID, rec.Task, out)
	} else {
		code := -1
		rec.ReturnCode = &code
		final = cliutil.Record{
			Timestamp: now,
			Run:       rec.ID,
			Task:      rec.Task,
			Type:      "exit",
			Text:      rec.Error,
			Code:      &code,
		}
	}
	run.final = &final

	subs := run.subs
	run.subs = nil
	state := rec.State
	id := rec.ID
	timedOut := rec.TimedOut
	m.mu.Unlock()

	for subID, ch := range subs {
		select {
		case ch <- final:
		default:
			m.log.Warn("subscriber lagging, dropping exit record", "run", id, "subscriber", subID)
		}
		close(ch)
	}

	outcome := metrics.OutcomeFailure
	switch {
	case timedOut:
		outcome = metrics.OutcomeTimeout
	case state == RunSucceeded:
		outcome = metrics.OutcomeSuccess
	}
	metrics.ObserveRun(outcome, time.Since(run.started))
	m.log.Info("run finished", "run", id, "state", string(state))
}

// Get returns a snapshot of one run's record.
func (m *Manager) Get(_ stdcontext.Context, id string) (*RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRun, id)
	}
	record := run.record
	return &record, nil
}

// List returns snapshots of every run in submission order.
func (m *Manager) List(_ stdcontext.Context) ([]*RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := make([]*RunRecord, 0, len(m.order))
	for _, id := range m.order {
		record := m.runs[id].record
		records = append(records, &record)
	}
	return records, nil
}

// Cancel requests termination of a running run: SIGTERM to the process
// group, or SIGKILL when force is set. The returned snapshot still shows the
// running state; the record turns terminal once the group exits.
func (m *Manager) Cancel(_ stdcontext.Context, id string, force bool) (*RunRecord, error) {
	m.mu.Lock()
	run, ok := m.runs[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrUnknownRun, id)
	}
	if run.record.State.Terminal() {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrRunFinished, id)
	}
	run.canceled = true
	cmd := run.cmd
	record := run.record
	m.mu.Unlock()

	if force {
		cmd.Kill()
		metrics.IncrementSignal("SIGKILL")
	} else {
		cmd.Terminate()
		metrics.IncrementSignal("SIGTERM")
	}
	m.log.Info("run cancel requested", "run", id, "force", force)
	return &record, nil
}

// Subscribe attaches a record stream to a run. For a finished run the stream
// replays the exit record and closes immediately; otherwise it carries every
// subsequent record, ends with the exit record and is closed by the manager.
// The release function detaches the subscriber early.
func (m *Manager) Subscribe(_ stdcontext.Context, id string) (<-chan cliutil.Record, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownRun, id)
	}

	if run.record.State.Terminal() {
		ch := make(chan cliutil.Record, 1)
		if run.final != nil {
			ch <- *run.final
		}
		close(ch)
		return ch, func() {}, nil
	}

	subID := run.nextSub
	run.nextSub++
	ch := make(chan cliutil.Record, subscriberBuffer)
	run.subs[subID] = ch
	release := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if run.subs != nil {
			delete(run.subs, subID)
		}
	}
	return ch, release, nil
}

// Tasks lists the manifest's tasks in needs-first order.
func (m *Manager) Tasks(_ stdcontext.Context) ([]TaskSummary, error) {
	if m.doc == nil || m.doc.Manifest == nil {
		return nil, ErrNoManifest
	}
	names := m.doc.Graph.Tasks()
	summaries := make([]TaskSummary, 0, len(names))
	for _, name := range names {
		task := m.doc.Manifest.Tasks[name]
		summary := TaskSummary{
			Name:    name,
			Command: redactArgv(task.Command),
			Needs:   append([]string(nil), task.Needs...),
		}
		if task.Timeout.Duration > 0 {
			summary.Timeout = task.Timeout.Duration.String()
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// Shutdown force-kills every run still executing. Records stay readable
// until the process exits.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	var cmds []*command.Command
	for _, run := range m.runs {
		if !run.record.State.Terminal() {
			cmds = append(cmds, run.cmd)
		}
	}
	m.mu.Unlock()
	for _, cmd := range cmds {
		cmd.Kill()
	}
}

// capCopy bounds s to limit bytes, reporting whether anything was cut.
func capCopy(s string, limit int64) (string, bool) {
	if limit <= 0 || int64(len(s)) <= limit {
		return s, false
	}
	return s[:limit], true
}

// redactArgv masks secret-looking assignments in a command line before it is
// stored or reported.
func redactArgv(args []string) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		out[i] = cliutil.RedactSecrets(arg)
	}
	return out
}

func mergeEnv(base, overlay map[string]string) map[string]string {
	if len(base) == 0 && len(overlay) == 0 {
		return nil
	}
	merged := make(map[string]string, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}
