package config

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Duration wraps time.Duration for YAML unmarshalling.
type Duration struct {
	time.Duration
	explicit bool
}

// UnmarshalText parses a textual duration, accepting empty strings.
func (d *Duration) UnmarshalText(text []byte) error {
	d.explicit = true
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = dur
	return nil
}

// MarshalText renders the duration using time.Duration formatting.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// IsSet reports whether the duration was explicitly provided or non-zero.
func (d Duration) IsSet() bool {
	return d.explicit || d.Duration != 0
}

// Manifest mirrors the tasks.yaml document structure.
type Manifest struct {
	Includes []string             `yaml:"includes"`
	Version  string               `yaml:"version"`
	Defaults Defaults             `yaml:"defaults"`
	Server   *ServerSpec          `yaml:"server"`
	Tasks    map[string]*TaskSpec `yaml:"tasks"`

	// Path and Dir record where the root manifest was loaded from; Dir is
	// the base for every relative path in the document.
	Path string `yaml:"-"`
	Dir  string `yaml:"-"`
}

// Defaults captures default policies applied to tasks.
type Defaults struct {
	Timeout Duration     `yaml:"timeout"`
	Retries *RetryPolicy `yaml:"retries"`
}

// ServerSpec configures the HTTP control surface.
type ServerSpec struct {
	Listen          string `yaml:"listen"`
	MaxCaptureBytes string `yaml:"maxCaptureBytes"`
}

// CaptureBytes returns the configured capture ceiling in bytes, or zero when
// no ceiling is set.
func (s *ServerSpec) CaptureBytes() (int64, error) {
	if s == nil || strings.TrimSpace(s.MaxCaptureBytes) == "" {
		return 0, nil
	}
	return ParseByteSize(s.MaxCaptureBytes)
}

// TaskSpec describes an individual supervised task.
type TaskSpec struct {
	Command []string `yaml:"command"`

	// Symbolizer post-processes the command's stdout. An explicitly empty
	// list runs the command without one.
	Symbolizer []string `yaml:"symbolizer"`

	Workdir     string            `yaml:"workdir"`
	Env         map[string]string `yaml:"env"`
	EnvFromFile string            `yaml:"envFromFile"`
	InputFile   string            `yaml:"inputFile"`
	Timeout     Duration          `yaml:"timeout"`
	Retries     *RetryPolicy      `yaml:"retries"`
	Needs       []string          `yaml:"needs"`
	Hooks       *HooksSpec        `yaml:"hooks"`

	ResolvedWorkdir string `yaml:"-"`
}

// RetryPolicy defines retry behaviour for a failing task.
type RetryPolicy struct {
	// Max is the retry budget after the first attempt; -1 retries without
	// limit.
	Max     int          `yaml:"max"`
	Backoff *BackoffSpec `yaml:"backoff"`
}

// BackoffSpec describes exponential backoff configuration.
type BackoffSpec struct {
	Min    Duration `yaml:"min"`
	Max    Duration `yaml:"max"`
	Factor float64  `yaml:"factor"`
}

// HooksSpec configures commands run around a task's supervised execution.
type HooksSpec struct {
	PreStart *HookSpec `yaml:"preStart"`
	PostStop *HookSpec `yaml:"postStop"`
}

// HookSpec describes a single hook command.
type HookSpec struct {
	Command []string `yaml:"command"`
	Timeout Duration `yaml:"timeout"`
}

// ApplyDefaults merges defaults onto tasks.
func (m *Manifest) ApplyDefaults() error {
	for name, task := range m.Tasks {
		if task == nil {
			return fmt.Errorf("task %q is null", name)
		}
		if !task.Timeout.IsSet() {
			task.Timeout = m.Defaults.Timeout
		}
		if task.Retries == nil && m.Defaults.Retries != nil {
			task.Retries = m.Defaults.Retries.Clone()
		}
	}
	return nil
}

// Clone creates a deep copy of the task.
func (t *TaskSpec) Clone() *TaskSpec {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Command != nil {
		cp.Command = append([]string(nil), t.Command...)
	}
	if t.Symbolizer != nil {
		cp.Symbolizer = append([]string(nil), t.Symbolizer...)
	}
	if t.Env != nil {
		cp.Env = make(map[string]string, len(t.Env))
		for k, v := range t.Env {
			cp.Env[k] = v
		}
	}
	if t.Needs != nil {
		cp.Needs = append([]string(nil), t.Needs...)
	}
	if t.Retries != nil {
		cp.Retries = t.Retries.Clone()
	}
	if t.Hooks != nil {
		cp.Hooks = t.Hooks.Clone()
	}
	return &cp
}

// Clone creates a deep copy of the retry policy.
func (r *RetryPolicy) Clone() *RetryPolicy {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Backoff != nil {
		cp.Backoff = &BackoffSpec{
			Min:    r.Backoff.Min,
			Max:    r.Backoff.Max,
			Factor: r.Backoff.Factor,
		}
	}
	return &cp
}

// Clone creates a deep copy of the hook configuration.
func (h *HooksSpec) Clone() *HooksSpec {
	if h == nil {
		return nil
	}
	return &HooksSpec{
		PreStart: h.PreStart.Clone(),
		PostStop: h.PostStop.Clone(),
	}
}

// Clone creates a deep copy of a single hook.
func (h *HookSpec) Clone() *HookSpec {
	if h == nil {
		return nil
	}
	cp := *h
	if h.Command != nil {
		cp.Command = append([]string(nil), h.Command...)
	}
	return &cp
}

func fieldPath(parts ...string) string {
	return strings.Join(parts, ".")
}

func taskField(task string, parts ...string) string {
	pathParts := append([]string{"tasks", task}, parts...)
	return fieldPath(pathParts...)
}

func needsField(task string, index int) string {
	return taskField(task, fmt.Sprintf("needs[%d]", index))
}

// TasksSorted returns task names sorted alphabetically.
func (m *Manifest) TasksSorted() []string {
	out := make([]string, 0, len(m.Tasks))
	for name := range m.Tasks {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
