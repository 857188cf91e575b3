package config

import (
	"fmt"
	"net"
	"strings"
)

// Validate enforces manifest invariants beyond the JSON schema's shape
// checks.
func (m *Manifest) Validate() error {
	if m.Version == "" {
		return fmt.Errorf("%s: is required", fieldPath("version"))
	}
	if len(m.Tasks) == 0 {
		return fmt.Errorf("%s: must define at least one task", fieldPath("tasks"))
	}
	if m.Defaults.Timeout.Duration < 0 {
		return fmt.Errorf("%s: must be non-negative", fieldPath("defaults", "timeout"))
	}
	if m.Defaults.Retries != nil {
		if err := validateRetries(fieldPath("defaults", "retries"), m.Defaults.Retries); err != nil {
			return err
		}
	}
	if m.Server != nil {
		if strings.TrimSpace(m.Server.Listen) == "" {
			return fmt.Errorf("%s: is required", fieldPath("server", "listen"))
		}
		if _, _, err := net.SplitHostPort(m.Server.Listen); err != nil {
			return fmt.Errorf("%s: invalid listen address %q: %w", fieldPath("server", "listen"), m.Server.Listen, err)
		}
		if strings.TrimSpace(m.Server.MaxCaptureBytes) != "" {
			if _, err := ParseByteSize(m.Server.MaxCaptureBytes); err != nil {
				return fmt.Errorf("%s: %w", fieldPath("server", "maxCaptureBytes"), err)
			}
		}
	}
	for name, task := range m.Tasks {
		if task == nil {
			return fmt.Errorf("task %q is null", name)
		}
		if len(task.Command) == 0 {
			return fmt.Errorf("%s: must contain at least one entry", taskField(name, "command"))
		}
		if task.Timeout.Duration < 0 {
			return fmt.Errorf("%s: must be non-negative", taskField(name, "timeout"))
		}
		if task.Retries != nil {
			if err := validateRetries(taskField(name, "retries"), task.Retries); err != nil {
				return err
			}
		}
		for i, need := range task.Needs {
			if strings.TrimSpace(need) == "" {
				return fmt.Errorf("%s: is required", needsField(name, i))
			}
			if _, ok := m.Tasks[need]; !ok {
				return fmt.Errorf("%s: references unknown task %q", needsField(name, i), need)
			}
		}
		if task.Hooks != nil {
			if task.Hooks.PreStart == nil && task.Hooks.PostStop == nil {
				return fmt.Errorf("%s: must define preStart or postStop", taskField(name, "hooks"))
			}
			if err := validateHook(taskField(name, "hooks", "preStart"), task.Hooks.PreStart); err != nil {
				return err
			}
			if err := validateHook(taskField(name, "hooks", "postStop"), task.Hooks.PostStop); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateRetries(path string, r *RetryPolicy) error {
	if r.Max < -1 {
		return fmt.Errorf("%s: must be -1 or greater", fieldPath(path, "max"))
	}
	if r.Backoff != nil {
		if r.Backoff.Factor == 0 {
			return fmt.Errorf("%s: must be non-zero", fieldPath(path, "backoff", "factor"))
		}
		if r.Backoff.Min.Duration < 0 {
			return fmt.Errorf("%s: must be non-negative", fieldPath(path, "backoff", "min"))
		}
		if r.Backoff.Max.Duration < 0 {
			return fmt.Errorf("%s: must be non-negative", fieldPath(path, "backoff", "max"))
		}
		if r.Backoff.Max.Duration > 0 && r.Backoff.Min.Duration > r.Backoff.Max.Duration {
			return fmt.Errorf("%s: must not exceed backoff.max", fieldPath(path, "backoff", "min"))
		}
	}
	return nil
}

func validateHook(path string, h *HookSpec) error {
	if h == nil {
		return nil
	}
	if len(h.Command) == 0 {
		return fmt.Errorf("%s: must contain at least one entry", fieldPath(path, "command"))
	}
	if h.Timeout.Duration < 0 {
		return fmt.Errorf("%s: must be non-negative", fieldPath(path, "timeout"))
	}
	return nil
}
