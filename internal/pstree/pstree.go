// Package pstree snapshots live process trees so runs can be inspected
// while they execute.
package pstree

import (
	"fmt"
	"sort"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessInfo identifies one process in a tree snapshot.
type ProcessInfo struct {
	PID     int32  `json:"pid"`
	PPID    int32  `json:"ppid"`
	Name    string `json:"name,omitempty"`
	Cmdline string `json:"cmdline,omitempty"`
}

// Lookup returns the info for a single live process.
func Lookup(pid int32) (ProcessInfo, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return ProcessInfo{}, fmt.Errorf("process %d not found: %w", pid, err)
	}
	return fetchInfo(p), nil
}

// Descendants walks the process table and returns every live descendant of
// pid. Parents precede their children and siblings are ordered by PID. The
// snapshot is inherently racy: processes spawned or reaped mid-walk may be
// missed, and fields of short-lived processes may come back empty.
func Descendants(pid int32) ([]ProcessInfo, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	children := make(map[int32][]*process.Process)
	for _, p := range procs {
		ppid, err := p.Ppid()
		if err != nil {
			// Process exited between listing and inspection.
			continue
		}
		children[ppid] = append(children[ppid], p)
	}
	for _, siblings := range children {
		sort.Slice(siblings, func(i, j int) bool { return siblings[i].Pid < siblings[j].Pid })
	}

	var out []ProcessInfo
	queue := []int32{pid}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		for _, child := range children[next] {
			if child.Pid == next {
				// pid 0 parents itself on some platforms.
				continue
			}
			out = append(out, fetchInfo(child))
			queue = append(queue, child.Pid)
		}
	}
	return out, nil
}

// fetchInfo reads the identifying fields of a process. Each read is
// best-effort; a field stays zero when the process vanished underneath us.
func fetchInfo(p *process.Process) ProcessInfo {
	info := ProcessInfo{PID: p.Pid}

	if ppid, err := p.Ppid(); err == nil {
		info.PPID = ppid
	}

	if name, err := p.Name(); err == nil {
		info.Name = name
	}

	if cmdline, err := p.Cmdline(); err == nil {
		info.Cmdline = cmdline
	}

	return info
}
