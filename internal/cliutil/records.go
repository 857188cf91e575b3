package cliutil

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"symrun/internal/batch"
	"symrun/internal/command"
)

// Record is the JSON line format for streamed run events. Output records use
// the stream name as their type; lifecycle records use the event type.
type Record struct {
	Timestamp   time.Time `json:"ts"`
	Run         string    `json:"run,omitempty"`
	Task        string    `json:"task,omitempty"`
	Type        string    `json:"type"`
	Text        string    `json:"text,omitempty"`
	Attempt     int       `json:"attempt,omitempty"`
	Code        *int      `json:"code,omitempty"`
	WrapperCode *int      `json:"wrapper_code,omitempty"`
	Timeout     bool      `json:"timeout,omitempty"`
}

// NewRecord converts a supervised run event into a structured record. Chunk
// text is redacted and shed of its line terminator.
func NewRecord(run, task string, evt command.Event) Record {
	rec := Record{Timestamp: time.Now(), Run: run, Task: task}
	switch e := evt.(type) {
	case command.StdoutEvent:
		rec.Type = "stdout"
		rec.Text = RedactSecrets(strings.TrimRight(string(e.Text), "\r\n"))
	case command.StderrEvent:
		rec.Type = "stderr"
		rec.Text = RedactSecrets(strings.TrimRight(string(e.Text), "\r\n"))
	case command.TerminationEvent:
		rec.Type = "exit"
		code := e.ReturnCode
		rec.Code = &code
	}
	return rec
}

// NewExitRecord builds the terminal record for a completed run, including the
// wrapper code and timeout flag that only the aggregate output carries.
func NewExitRecord(run, task string, out *command.Output) Record {
	code := out.ReturnCode
	rec := Record{
		Timestamp: time.Now(),
		Run:       run,
		Task:      task,
		Type:      "exit",
		Code:      &code,
		Timeout:   out.WasTimeout,
	}
	if out.WrapperReturnCode != nil {
		wrapper := *out.WrapperReturnCode
		rec.WrapperCode = &wrapper
	}
	return rec
}

// NewBatchRecord converts a batch event into a structured record.
func NewBatchRecord(run string, evt batch.Event) Record {
	rec := Record{
		Timestamp: evt.Timestamp,
		Run:       run,
		Task:      evt.Task,
		Type:      string(evt.Type),
		Attempt:   evt.Attempt,
	}
	text := evt.Message
	if evt.Err != nil {
		text = fmt.Sprintf("%s: %v", evt.Message, evt.Err)
	}
	rec.Text = RedactSecrets(text)

	switch evt.Type {
	case batch.EventTypeOutput:
		rec.Type = evt.Source
	case batch.EventTypeFinished:
		code := evt.Code
		rec.Code = &code
	}
	return rec
}

// EncodeRecord encodes a record as one JSON line, reporting encoding failures
// to stderr.
func EncodeRecord(enc *json.Encoder, stderr io.Writer, rec Record) {
	if enc == nil {
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if err := enc.Encode(&rec); err != nil {
		fmt.Fprintf(stderr, "error: encode record: %v\n", err)
	}
}
