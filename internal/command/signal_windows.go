//go:build windows

package command

import (
	"errors"
	"os"
	"os/exec"
)

func setProcessGroup(cmd *exec.Cmd, pgid int) {}

// Terminate asks each child to shut down. Windows offers no process groups in
// the POSIX sense, so interrupts are delivered per child and are best effort.
func (c *Command) Terminate() error {
	if c.exited() {
		return nil
	}
	for _, cmd := range c.children() {
		_ = cmd.Process.Signal(os.Interrupt)
	}
	return nil
}

// Kill forcibly terminates each child. Grandchildren are not covered; callers
// needing full-tree cleanup must arrange it separately.
func (c *Command) Kill() error {
	if c.exited() {
		return nil
	}
	var firstErr error
	for _, cmd := range c.children() {
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Command) children() []*exec.Cmd {
	out := make([]*exec.Cmd, 0, 2)
	for _, cmd := range []*exec.Cmd{c.primary, c.sym} {
		if cmd != nil && cmd.Process != nil {
			out = append(out, cmd)
		}
	}
	return out
}
