package registry

import (
	"fmt"
	"log"

	"github.com/mensahq/mensad/internal/thread"
	"github.com/mensahq/mensad/internal/worker"
)

// handleEvent applies one worker event to thread state. Runs on the loop,
// so events for different threads and racing user commands are applied
// one at a time. Per-thread ordering is preserved because the supervisor
// delivers each process's events in order on a single stream.
func (r *Registry) handleEvent(ev worker.Event) {
	st, ok := r.threads[ev.ThreadID]
	if !ok {
		// Thread deleted while events were in flight.
		return
	}

	if st.t.Status == thread.StatusArchived {
		// Archived threads are read-only; stray output from a process
		// still winding down is dropped. Terminal events are already
		// reflected by the archive transition itself.
		return
	}

	switch ev.Type {
	case worker.EventDelta:
		if err := r.loadMessages(st); err != nil {
			log.Printf("registry: loading messages for thread %s: %v", ev.ThreadID, err)
			st.msgs = []*thread.Message{}
		}
		msg := r.appendMessage(st, "assistant", ev.Text, false)
		r.bumpIfBackground(ev.ThreadID)
		r.bus.Publish(&Update{ThreadID: ev.ThreadID, Type: "message", Message: msg})

	case worker.EventToolCall, worker.EventToolResult:
		rec := r.appendTool(st, ev)
		r.bumpIfBackground(ev.ThreadID)
		r.bus.Publish(&Update{ThreadID: ev.ThreadID, Type: "tool", Tool: rec})

	case worker.EventDone:
		st.t.IsStreaming = false
		r.persistMeta(st)
		r.bus.Publish(&Update{ThreadID: ev.ThreadID, Type: "state", Thread: snapshot(st.t)})

	case worker.EventExited:
		st.t.IsStreaming = false
		st.t.Status = thread.StatusIdle
		r.persistMeta(st)
		r.bus.Publish(&Update{ThreadID: ev.ThreadID, Type: "state", Thread: snapshot(st.t)})

	case worker.EventCrashed:
		st.t.IsStreaming = false
		st.t.Status = thread.StatusIdle
		st.t.LastError = ev.Reason
		r.persistMeta(st)
		r.warn(ev.ThreadID, fmt.Sprintf("worker crashed: %s", ev.Reason))
		r.bus.Publish(&Update{ThreadID: ev.ThreadID, Type: "state", Thread: snapshot(st.t)})

	case worker.EventSpawnFailed:
		st.t.IsStreaming = false
		st.t.Status = thread.StatusIdle
		st.t.LastError = fmt.Sprintf("spawn failed: %s", ev.Reason)
		r.persistMeta(st)
		r.warn(ev.ThreadID, st.t.LastError)
		r.bus.Publish(&Update{ThreadID: ev.ThreadID, Type: "state", Thread: snapshot(st.t)})
	}
}

// bumpIfBackground counts an appended event toward the unread badge when
// the thread is not the visible one.
func (r *Registry) bumpIfBackground(id string) {
	if r.switcher.Active() != id {
		r.tracker.Bump(id)
	}
}
