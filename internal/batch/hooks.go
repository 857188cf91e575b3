package batch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"symrun/internal/config"
)

type hookExecutor interface {
	Run(ctx context.Context, task *config.TaskSpec, phase string, hook *config.HookSpec) hookResult
}

type hookResult struct {
	Phase    string
	Command  []string
	Logs     []hookLog
	Err      error
	TimedOut bool
}

type hookLog struct {
	Message string
	Stream  string
}

const (
	hookPhasePreStart = "preStart"
	hookPhasePostStop = "postStop"
)

type commandHookExecutor struct{}

func newCommandHookExecutor() *commandHookExecutor {
	return &commandHookExecutor{}
}

func (e *commandHookExecutor) Run(ctx context.Context, task *config.TaskSpec, phase string, hook *config.HookSpec) hookResult {
	res := hookResult{Phase: phase}
	if hook == nil || len(hook.Command) == 0 {
		return res
	}
	res.Command = append(res.Command, hook.Command...)
	if ctx == nil {
		ctx = context.Background()
	}
	if hook.Timeout.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, hook.Timeout.Duration)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, hook.Command[0], hook.Command[1:]...)
	cmd.Env = mergeTaskEnv(os.Environ(), task)
	if task != nil && task.ResolvedWorkdir != "" {
		cmd.Dir = task.ResolvedWorkdir
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		res.Err = err
		return res
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		res.Err = err
		return res
	}

	if err := cmd.Start(); err != nil {
		res.Err = err
		return res
	}

	logsCh := make(chan hookLog, 16)
	var wg sync.WaitGroup

	scan := func(r io.Reader, stream string) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			logsCh <- hookLog{Message: scanner.Text(), Stream: stream}
		}
	}

	wg.Add(2)
	go scan(stdout, SourceStdout)
	go scan(stderr, SourceStderr)

	go func() {
		wg.Wait()
		close(logsCh)
	}()

	waitErr := cmd.Wait()

	for entry := range logsCh {
		res.Logs = append(res.Logs, entry)
	}

	if waitErr != nil {
		if errors.Is(waitErr, context.DeadlineExceeded) {
			res.TimedOut = true
			res.Err = context.DeadlineExceeded
			return res
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res.TimedOut = true
			res.Err = context.DeadlineExceeded
			return res
		}
		if errors.Is(ctx.Err(), context.Canceled) && !errors.Is(waitErr, context.Canceled) {
			res.Err = context.Canceled
			return res
		}
		res.Err = waitErr
		return res
	}

	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			res.TimedOut = true
		}
		res.Err = err
	}

	return res
}

func mergeTaskEnv(base []string, task *config.TaskSpec) []string {
	if task == nil || len(task.Env) == 0 {
		dup := append([]string(nil), base...)
		return dup
	}
	env := append([]string(nil), base...)
	keys := make([]string, 0, len(task.Env))
	for k := range task.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, task.Env[k]))
	}
	return env
}

func joinCommand(cmd []string) string {
	if len(cmd) == 0 {
		return ""
	}
	parts := make([]string, len(cmd))
	copy(parts, cmd)
	for i, part := range parts {
		if strings.ContainsAny(part, " \t\n\"") {
			parts[i] = fmt.Sprintf("%q", part)
		}
	}
	return strings.Join(parts, " ")
}
