package batch

import (
	"fmt"
	"sync"
	"time"
)

// Mux fans in events from every task in a batch and delivers them via a
// bounded channel. Output events are dropped when downstream consumers cannot
// keep up, and a synthesized warning surfaces the number of discarded
// records per task. Lifecycle events are never dropped.
type Mux struct {
	out chan Event

	mu     sync.Mutex
	drops  map[string]dropRecord
	inputs sync.WaitGroup
}

type dropRecord struct {
	count   int
	attempt int
}

// NewMux constructs a mux backed by a channel of the provided size. A size of
// zero results in a minimally buffered channel.
func NewMux(size int) *Mux {
	if size <= 0 {
		size = 1
	}
	return &Mux{
		out:   make(chan Event, size),
		drops: make(map[string]dropRecord),
	}
}

// Output exposes the muxed event channel.
func (m *Mux) Output() <-chan Event {
	return m.out
}

// Add registers a new source channel. The mux consumes events until the
// source channel is closed.
func (m *Mux) Add(source <-chan Event) {
	if source == nil {
		return
	}
	m.inputs.Add(1)
	go func() {
		defer m.inputs.Done()
		for evt := range source {
			m.forward(evt)
		}
	}()
}

// Close waits for all sources to be drained, emits any pending drop metadata,
// and closes the output channel.
func (m *Mux) Close() {
	m.inputs.Wait()
	m.flushDrops()
	close(m.out)
}

func (m *Mux) forward(evt Event) {
	evt = normalize(evt)
	if evt.Type != EventTypeOutput {
		// Lifecycle notifications block rather than drop; pending drop
		// counts flush first so they stay ordered before the transition.
		m.flushTask(evt.Task)
		m.blockingSend(evt)
		return
	}
	m.deliver(evt)
}

func (m *Mux) deliver(evt Event) {
	if !m.flushPending(evt.Task) {
		m.recordDrop(evt.Task, evt.Attempt)
		return
	}
	if m.trySend(evt) {
		return
	}
	m.recordDrop(evt.Task, evt.Attempt)
}

func (m *Mux) flushPending(task string) bool {
	for {
		rec := m.takeDrops(task)
		if rec.count == 0 {
			return true
		}
		meta := synthesizeDropEvent(task, rec)
		if m.trySend(meta) {
			continue
		}
		m.recordDropWithCount(task, rec.count, rec.attempt)
		return false
	}
}

func (m *Mux) flushTask(task string) {
	rec := m.takeDrops(task)
	if rec.count == 0 {
		return
	}
	m.blockingSend(synthesizeDropEvent(task, rec))
}

func (m *Mux) takeDrops(task string) dropRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.drops[task]
	if rec.count != 0 {
		delete(m.drops, task)
	}
	return rec
}

func (m *Mux) recordDrop(task string, attempt int) {
	m.recordDropWithCount(task, 1, attempt)
}

func (m *Mux) recordDropWithCount(task string, count int, attempt int) {
	if count <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.drops[task]
	rec.count += count
	if attempt != 0 || rec.attempt == 0 {
		rec.attempt = attempt
	}
	m.drops[task] = rec
}

func (m *Mux) flushDrops() {
	pending := m.collectDrops()
	for task, rec := range pending {
		meta := synthesizeDropEvent(task, rec)
		m.blockingSend(meta)
	}
}

func (m *Mux) collectDrops() map[string]dropRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.drops) == 0 {
		return nil
	}
	dup := make(map[string]dropRecord, len(m.drops))
	for task, rec := range m.drops {
		if rec.count == 0 {
			continue
		}
		dup[task] = rec
	}
	m.drops = make(map[string]dropRecord)
	return dup
}

func (m *Mux) trySend(evt Event) bool {
	select {
	case m.out <- evt:
		return true
	default:
		return false
	}
}

func (m *Mux) blockingSend(evt Event) {
	m.out <- evt
}

func normalize(evt Event) Event {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	if evt.Source == "" {
		evt.Source = SourceStdout
	}
	if evt.Level == "" {
		if evt.Source == SourceStderr {
			evt.Level = "warn"
		} else {
			evt.Level = "info"
		}
	}
	return evt
}

func synthesizeDropEvent(task string, rec dropRecord) Event {
	return Event{
		Timestamp: time.Now(),
		Task:      task,
		Type:      EventTypeOutput,
		Message:   fmt.Sprintf("dropped=%d", rec.count),
		Level:     "warn",
		Source:    SourceSystem,
		Attempt:   rec.attempt,
	}
}
