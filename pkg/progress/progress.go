/*
Copyright 2024 The Dropwire Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package progress decouples the transfer core from any UI: protocol
// code emits typed Events onto a bounded channel, and exactly one task
// (Task.run) drains it and translates each Event into the two-method
// string Observer contract of spec §4.8. Event names are part of the
// wire contract; see Event.Name.
//
// The channel is the sole bridge between protocol goroutines and the
// Observer: emission blocks when the channel is full, which throttles
// event production to what the observer can drain rather than dropping
// events (spec §5's backpressure policy), the way perkeep's BlobHub
// fans a single notification out to registered listener channels.
package progress

import (
	"fmt"
	"sync"
)

// Observer is the minimal, string-only contract external collaborators
// (a GUI, a mobile shell, an HTTP server) implement. A nil Observer is
// legal and suppresses all emission.
type Observer interface {
	Emit(name string)
	EmitWithPayload(name string, payload string)
}

// Event names, part of the wire contract (spec §4.8/§6).
const (
	EvTransferStarted   = "transfer-started"
	EvTransferProgress  = "transfer-progress"
	EvTransferCompleted = "transfer-completed"
	EvTransferFailed    = "transfer-failed"

	EvReceiveStarted   = "receive-started"
	EvReceiveProgress  = "receive-progress"
	EvReceiveCompleted = "receive-completed"
	EvReceiveFailed    = "receive-failed"
	EvReceiveResumed   = "receive-resumed"
	EvReceiveFileNames = "receive-file-names"

	EvImportStarted   = "import-started"
	EvImportFileCount = "import-file-count"
	EvImportProgress  = "import-progress"
	EvImportCompleted = "import-completed"

	EvExportStarted   = "export-started"
	EvExportProgress  = "export-progress"
	EvExportCompleted = "export-completed"
)

// Event is one item on the bounded channel between protocol code and
// the observer task.
type Event struct {
	Name    string
	Payload string // empty for payload-less events
}

// BytesSpeedPayload formats the numeric progress payload grammar spec
// §4.8 requires: "bytes:total:speed_milli_bps", avoiding float
// formatting across language/runtime boundaries.
func BytesSpeedPayload(bytesDone, total int64, speedBps float64) string {
	return fmt.Sprintf("%d:%d:%d", bytesDone, total, int64(speedBps*1000))
}

// BlobStartedPayload formats the provider-side per-blob Started{index,
// hash, size} event spec §5 requires: one per file in a get-request,
// strictly before any transfer-progress for that same index.
func BlobStartedPayload(index int, hash string, size int64) string {
	return fmt.Sprintf("%d:%s:%d", index, hash, size)
}

// BlobLifecyclePayload formats a provider-side per-blob Completed event:
// just the blob index a prior BlobStartedPayload already named.
func BlobLifecyclePayload(index int) string {
	return fmt.Sprintf("%d", index)
}

// BlobAbortedPayload formats a provider-side per-blob Aborted{reason}
// event.
func BlobAbortedPayload(index int, reason string) string {
	return fmt.Sprintf("%d:%s", index, reason)
}

// ImportFileCountPayload formats the import-file-count event's payload:
// the number of files start_share's ingest walk discovered.
func ImportFileCountPayload(count int) string {
	return fmt.Sprintf("%d", count)
}

// ImportProgressPayload formats the import-progress event's payload:
// how many of count files have been hashed into the store so far.
func ImportProgressPayload(done, count int) string {
	return fmt.Sprintf("%d:%d", done, count)
}

// channelCapacity is the bounded channel's minimum capacity (spec §4.8).
const channelCapacity = 32

// Task owns the bounded event channel and the single goroutine that
// drains it into Observer calls. Create one with New per share/receive
// session; call Close exactly once to stop the task (spec §4's "abort
// the progress task" teardown step).
type Task struct {
	events chan Event
	done   chan struct{}

	closeOnce sync.Once
}

// New starts a Task delivering events to obs. A nil obs is legal: events
// are drained and discarded.
func New(obs Observer) *Task {
	t := &Task{
		events: make(chan Event, channelCapacity),
		done:   make(chan struct{}),
	}
	go t.run(obs)
	return t
}

func (t *Task) run(obs Observer) {
	defer close(t.done)
	for ev := range t.events {
		if obs == nil {
			continue
		}
		if ev.Payload == "" {
			obs.Emit(ev.Name)
		} else {
			obs.EmitWithPayload(ev.Name, ev.Payload)
		}
	}
}

// Emit sends ev, blocking if the channel is full. It is a no-op (but
// does not panic) once Close has been called: a send on a closed
// channel would panic, so Emit recovers that specific case, matching
// spec §4.7's "any emitter blocked in send unblocks... ignored".
func (t *Task) Emit(ev Event) {
	defer func() { recover() }()
	select {
	case t.events <- ev:
	case <-t.done:
	}
}

// Close stops the task, closing the channel so run's range loop exits.
// Idempotent: subsequent calls are no-ops.
func (t *Task) Close() {
	t.closeOnce.Do(func() {
		close(t.events)
	})
}
