package api

import (
	stdcontext "context"
	"errors"
	"time"

	"symrun/internal/cliutil"
)

var (
	ErrUnknownRun     = errors.New("unknown run")
	ErrUnknownTask    = errors.New("unknown task")
	ErrRunFinished    = errors.New("run already finished")
	ErrNoManifest     = errors.New("no manifest loaded")
	ErrInvalidRequest = errors.New("invalid run request")
	ErrStartFailed    = errors.New("run failed to start")
)

// RunState identifies where a run sits in its lifecycle.
type RunState string

const (
	RunRunning   RunState = "running"
	RunSucceeded RunState = "succeeded"
	RunFailed    RunState = "failed"
	RunCanceled  RunState = "canceled"
)

// Terminal reports whether the state is final.
func (s RunState) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCanceled
}

// RunRequest describes a run submission. Task selects a manifest task by
// name; Command submits an ad-hoc argv. Exactly one of the two must be set.
// Env, Input and Timeout apply to both forms and override the task's own
// settings when present.
type RunRequest struct {
	Task       string            `json:"task,omitempty"`
	Command    []string          `json:"command,omitempty"`
	Symbolizer []string          `json:"symbolizer,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Workdir    string            `json:"workdir,omitempty"`
	Input      string            `json:"input,omitempty"`
	Timeout    string            `json:"timeout,omitempty"`
}

// RunRecord is the stored view of a run. Stdout and Stderr are filled when
// the run finishes and are capped at the manager's capture ceiling; Truncated
// reports whether the cap cut anything off.
type RunRecord struct {
	ID                string     `json:"id"`
	Task              string     `json:"task,omitempty"`
	Command           []string   `json:"command"`
	State             RunState   `json:"state"`
	PID               int        `json:"pid,omitempty"`
	StartedAt         time.Time  `json:"started_at"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
	ReturnCode        *int       `json:"return_code,omitempty"`
	WrapperReturnCode *int       `json:"wrapper_return_code,omitempty"`
	TimedOut          bool       `json:"timed_out,omitempty"`
	Stdout            string     `json:"stdout,omitempty"`
	Stderr            string     `json:"stderr,omitempty"`
	Truncated         bool       `json:"truncated,omitempty"`
	Error             string     `json:"error,omitempty"`
}

// TaskSummary describes one manifest task for listing endpoints.
type TaskSummary struct {
	Name    string   `json:"name"`
	Command []string `json:"command"`
	Needs   []string `json:"needs,omitempty"`
	Timeout string   `json:"timeout,omitempty"`
}

// Controller exposes the run-management operations control servers require.
// Subscribe returns a stream of records for one run, ending with its exit
// record, plus a release function the subscriber must call when done.
type Controller interface {
	Start(stdcontext.Context, RunRequest) (*RunRecord, error)
	Get(stdcontext.Context, string) (*RunRecord, error)
	List(stdcontext.Context) ([]*RunRecord, error)
	Cancel(ctx stdcontext.Context, id string, force bool) (*RunRecord, error)
	Subscribe(ctx stdcontext.Context, id string) (<-chan cliutil.Record, func(), error)
	Tasks(stdcontext.Context) ([]TaskSummary, error)
}
