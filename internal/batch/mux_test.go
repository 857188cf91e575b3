package batch

import (
	"testing"
	"time"
)

func TestMuxFansInMultipleSources(t *testing.T) {
	mux := NewMux(4)
	src1 := make(chan Event)
	src2 := make(chan Event)

	mux.Add(src1)
	mux.Add(src2)

	go func() {
		src1 <- Event{Task: "build", Type: EventTypeOutput, Message: "compiling"}
		src1 <- Event{Task: "build", Type: EventTypeOutput, Message: "linking"}
		close(src1)
	}()

	go func() {
		src2 <- Event{Task: "migrate", Type: EventTypeOutput, Message: "migrated"}
		close(src2)
	}()

	go mux.Close()

	perTask := make(map[string][]string)
	total := 0
	for evt := range mux.Output() {
		perTask[evt.Task] = append(perTask[evt.Task], evt.Message)
		total++
		if evt.Level == "" || evt.Timestamp.IsZero() {
			t.Fatalf("expected normalized event, got %+v", evt)
		}
	}

	if total != 3 {
		t.Fatalf("expected 3 events, got %d", total)
	}
	build := perTask["build"]
	if len(build) != 2 || build[0] != "compiling" || build[1] != "linking" {
		t.Fatalf("build events out of order: %v", build)
	}
	if migrate := perTask["migrate"]; len(migrate) != 1 || migrate[0] != "migrated" {
		t.Fatalf("unexpected migrate events: %v", migrate)
	}
}

func TestMuxEmitsDropMetaEvents(t *testing.T) {
	mux := NewMux(1)
	src := make(chan Event)

	mux.Add(src)

	done := make(chan struct{})
	go func() {
		src <- Event{Task: "build", Type: EventTypeOutput, Message: "line-1", Level: "info"}
		src <- Event{Task: "build", Type: EventTypeOutput, Message: "line-2", Level: "info"}
		src <- Event{Task: "build", Type: EventTypeOutput, Message: "line-3", Level: "info"}
		close(src)
		close(done)
	}()

	<-done

	go mux.Close()

	var events []Event
	for evt := range mux.Output() {
		events = append(events, evt)
	}

	if len(events) != 2 {
		t.Fatalf("expected 2 events (1 output + 1 meta), got %d", len(events))
	}

	if events[0].Message != "line-1" {
		t.Fatalf("expected first event to be the original output, got %q", events[0].Message)
	}

	meta := events[1]
	if meta.Task != "build" {
		t.Fatalf("meta event task mismatch: got %s", meta.Task)
	}
	if meta.Message != "dropped=2" {
		t.Fatalf("expected drop metadata, got %q", meta.Message)
	}
	if meta.Source != SourceSystem {
		t.Fatalf("expected meta source to be %s, got %s", SourceSystem, meta.Source)
	}
	if meta.Level != "warn" {
		t.Fatalf("expected meta level warn, got %s", meta.Level)
	}
	if time.Since(meta.Timestamp) > time.Second {
		t.Fatalf("expected recent timestamp, got %v", meta.Timestamp)
	}
}

func TestMuxLifecycleEventsFlushDropsFirst(t *testing.T) {
	mux := NewMux(1)
	src := make(chan Event)

	mux.Add(src)

	src <- Event{Task: "build", Type: EventTypeOutput, Message: "line-1"}
	src <- Event{Task: "build", Type: EventTypeOutput, Message: "line-2"}
	src <- Event{Task: "build", Type: EventTypeFinished, Message: "task finished"}
	close(src)

	go mux.Close()

	var events []Event
	for evt := range mux.Output() {
		events = append(events, evt)
	}

	if len(events) != 3 {
		t.Fatalf("expected 3 events (output + meta + finished), got %d: %v", len(events), events)
	}
	if events[0].Message != "line-1" {
		t.Fatalf("expected original output first, got %q", events[0].Message)
	}
	if events[1].Message != "dropped=1" || events[1].Source != SourceSystem {
		t.Fatalf("expected drop metadata before lifecycle event, got %+v", events[1])
	}
	if events[2].Type != EventTypeFinished {
		t.Fatalf("expected finished event last, got %+v", events[2])
	}
}
