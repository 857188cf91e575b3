//go:build !windows

package command

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"
)

// setProcessGroup arranges for cmd to run inside the group pgid, or, when
// pgid is zero, to lead a fresh group of its own.
func setProcessGroup(cmd *exec.Cmd, pgid int) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pgid: pgid}
}

// Terminate sends SIGTERM to the whole process group, requesting a graceful
// shutdown. Calling it after the group is gone is a no-op, so repeated or
// late cancellations are always safe.
func (c *Command) Terminate() error {
	return c.signalGroup(syscall.SIGTERM)
}

// Kill sends SIGKILL to the whole process group. Like Terminate it is safe to
// call at any point in the lifecycle, any number of times.
func (c *Command) Kill() error {
	return c.signalGroup(syscall.SIGKILL)
}

func (c *Command) signalGroup(sig syscall.Signal) error {
	// Once both children are reaped the group id may be recycled by an
	// unrelated process; stop signaling at that point.
	if c.exited() {
		return nil
	}
	if err := syscall.Kill(-c.pgid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("signal process group %d: %w", c.pgid, err)
	}
	return nil
}
