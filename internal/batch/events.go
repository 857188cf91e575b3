package batch

import (
	"strings"
	"time"
)

// EventType captures lifecycle and output notifications emitted while a
// batch runs.
type EventType string

const (
	EventTypeStarted  EventType = "started"
	EventTypeRetrying EventType = "retrying"
	EventTypeFinished EventType = "finished"
	EventTypeSkipped  EventType = "skipped"
	EventTypeOutput   EventType = "output"
	EventTypeHook     EventType = "hook"
)

// Event sources. Output events carry the stream they were read from; events
// synthesized by the runner itself use SourceSystem.
const (
	SourceStdout = "stdout"
	SourceStderr = "stderr"
	SourceSystem = "system"
)

// Event represents a single lifecycle, hook or output notification.
type Event struct {
	Timestamp time.Time
	Task      string
	Type      EventType
	Message   string
	Level     string
	Source    string
	Err       error
	Attempt   int
	Code      int
	Reason    string
}

const (
	ReasonInitialStart     = "initial_start"
	ReasonRetry            = "retry"
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonNeedsFailed      = "needs_failed"
	ReasonCanceled         = "canceled"
	ReasonHookFailed       = "hook_failed"
)

func sendEvent(events chan<- Event, task string, t EventType, message string, attempt int, reason string, err error) {
	if events == nil {
		return
	}
	events <- Event{
		Timestamp: time.Now(),
		Task:      task,
		Type:      t,
		Message:   message,
		Level:     "info",
		Source:    SourceSystem,
		Err:       err,
		Attempt:   attempt,
		Reason:    reason,
	}
}

// sendOutput forwards one supervised output chunk as an event. Chunks arrive
// newline-terminated; records are line oriented, so the terminator is shed.
func sendOutput(events chan<- Event, task, source string, attempt int, text []byte) {
	if events == nil {
		return
	}
	message := strings.TrimRight(string(text), "\r\n")
	if message == "" {
		return
	}
	events <- Event{
		Timestamp: time.Now(),
		Task:      task,
		Type:      EventTypeOutput,
		Message:   message,
		Source:    source,
		Attempt:   attempt,
	}
}
