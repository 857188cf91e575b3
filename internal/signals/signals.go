// Package signals maintains a process-wide registry of shutdown callbacks.
//
// While at least one callback is registered the default disposition of the
// termination signals is suppressed and every delivery runs the registered
// callbacks instead; once the last callback deregisters the default behavior
// is restored. This lets supervisors forward an operator's interrupt to their
// child process groups before the program itself decides to exit.
package signals

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// terminationSignals are the deliveries treated as a shutdown request.
var terminationSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

type entry struct {
	id int
	fn func(os.Signal)
}

var (
	mu       sync.Mutex
	nextID   int
	entries  []entry
	notifyCh chan os.Signal
	started  bool
)

// Registration undoes a single RegisterOnTerminate call.
type Registration struct {
	id   int
	once sync.Once
}

// RegisterOnTerminate arranges for fn to run when the process receives an
// interrupt or termination signal. Callbacks run on a dedicated goroutine in
// registration order and must not block; the signal is not re-raised, so a
// callback that wants the process to die must exit explicitly.
func RegisterOnTerminate(fn func(os.Signal)) *Registration {
	mu.Lock()
	defer mu.Unlock()

	if !started {
		notifyCh = make(chan os.Signal, 4)
		go dispatch()
		started = true
	}
	if len(entries) == 0 {
		signal.Notify(notifyCh, terminationSignals...)
	}

	nextID++
	entries = append(entries, entry{id: nextID, fn: fn})
	return &Registration{id: nextID}
}

// Deregister removes the callback. It is safe to call more than once and on
// callbacks that already ran.
func (r *Registration) Deregister() {
	if r == nil {
		return
	}
	r.once.Do(func() {
		mu.Lock()
		defer mu.Unlock()
		for i, e := range entries {
			if e.id == r.id {
				entries = append(entries[:i], entries[i+1:]...)
				break
			}
		}
		if len(entries) == 0 && notifyCh != nil {
			signal.Stop(notifyCh)
		}
	})
}

func dispatch() {
	for sig := range notifyCh {
		mu.Lock()
		snapshot := make([]func(os.Signal), len(entries))
		for i, e := range entries {
			snapshot[i] = e.fn
		}
		mu.Unlock()

		for _, fn := range snapshot {
			fn(sig)
		}
	}
}
