// Package command supervises a local child process, streaming its output as
// ordered events and guaranteeing exactly one terminal event per run.
//
// A run may optionally route the primary process's stdout through a second
// "symbolizer" process; the symbolizer's output then becomes the surfaced
// stdout stream while the primary's stderr passes through to the parent.
// Both children share a process group led by the primary so that Terminate
// and Kill reach every descendant.
//
// Full process-group termination is only guaranteed on Linux, where the
// supervisor can rely on the operating system's job-control semantics to
// deliver signals to every member of the child process group. On Windows the
// routines in signal_windows.go signal only the direct children; ensuring
// that the entire tree exits would require additional tooling such as job
// objects or other host-specific integrations.
package command
