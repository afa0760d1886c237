// Package registry owns the set of threads and their lifecycle. All state
// mutations (thread status, message appends, active-pointer changes) run
// on a single loop goroutine, so a user command racing a streaming event
// can never interleave into a torn write.
package registry

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/mensahq/mensad/internal/store"
	"github.com/mensahq/mensad/internal/thread"
	"github.com/mensahq/mensad/internal/worker"
)

// ErrClosed is returned for commands issued after the registry stopped.
var ErrClosed = errors.New("registry is shut down")

// titleLen bounds auto-derived thread titles.
const titleLen = 48

// Config holds registry-specific configuration.
type Config struct {
	// IdleUnbindAfter pre-emptively unbinds processes of threads with no
	// in-flight response and no activity for this long, freeing slots.
	// 0 disables the policy. Invisible to the user beyond spawn latency
	// on the next message (the re-hydration contract covers history).
	IdleUnbindAfter time.Duration
}

// Registry is the thread registry and the single serialization point for
// user commands and worker events.
type Registry struct {
	config Config
	store  *store.Store
	sup    *worker.Supervisor
	bus    *Bus

	ops  chan func()
	quit chan struct{}

	// persist carries store writes to the flusher goroutine in issue
	// order, keeping the store's retry backoff off the loop.
	persist chan persistOp
	flushed chan struct{}

	// Loop-owned state. Never touched outside the loop goroutine.
	threads  map[string]*threadState
	switcher switchController
	tracker  *activityTracker
}

type threadState struct {
	t *thread.Thread

	msgs  []*thread.Message    // nil until loaded
	tools []*thread.ToolRecord // nil until loaded

	nextMsgSeq  int64
	nextToolSeq int64

	renamed bool // user renamed; never auto-derive the title again
}

// persistOp is one durable write handed to the flusher. Failures after
// the store's bounded retries degrade to a published warning; the
// in-memory state stays authoritative.
type persistOp struct {
	threadID string
	what     string
	fn       func() error
}

// New creates a Registry. The supervisor is constructed here so the
// registry can serve as its replay source.
func New(cfg Config, st *store.Store, supCfg worker.Config, launcher worker.Launcher, bus *Bus) *Registry {
	r := &Registry{
		config:  cfg,
		store:   st,
		bus:     bus,
		ops:     make(chan func(), 64),
		quit:    make(chan struct{}),
		persist: make(chan persistOp, 256),
		flushed: make(chan struct{}),
		threads: make(map[string]*threadState),
		tracker: newActivityTracker(),
	}
	r.sup = worker.NewSupervisor(supCfg, launcher, r)
	return r
}

// Bus returns the update bus.
func (r *Registry) Bus() *Bus { return r.bus }

// Start loads persisted threads, restores the active pointer and starts
// the loop and event pump goroutines.
func (r *Registry) Start() error {
	threads, err := r.store.LoadThreads()
	if err != nil {
		return fmt.Errorf("loading threads: %w", err)
	}
	msgSeqs, toolSeqs, err := r.store.MaxSeqs()
	if err != nil {
		return fmt.Errorf("loading sequence counters: %w", err)
	}

	for _, t := range threads {
		// No worker process survives a restart.
		t.IsStreaming = false
		if t.Status == thread.StatusActive {
			t.Status = thread.StatusIdle
		}
		r.threads[t.ID] = &threadState{
			t:           t,
			nextMsgSeq:  msgSeqs[t.ID] + 1,
			nextToolSeq: toolSeqs[t.ID] + 1,
			renamed:     t.Title != thread.DefaultTitle,
		}
	}

	active, err := r.store.ActiveThread()
	if err != nil {
		log.Printf("registry: could not restore active thread: %v", err)
	}
	if _, ok := r.threads[active]; ok {
		r.switcher.SetActive(active)
	}

	go r.loop()
	go r.pumpEvents()
	go r.flusher()
	if r.config.IdleUnbindAfter > 0 {
		go r.reapIdleProcesses()
	}
	return nil
}

// Stop shuts down the supervisor and the loop, then waits for queued
// store writes to flush. Pending commands after Stop fail with ErrClosed.
func (r *Registry) Stop() {
	r.sup.Close()
	close(r.quit)
	<-r.flushed
}

func (r *Registry) loop() {
	for {
		select {
		case fn := <-r.ops:
			fn()
		case <-r.quit:
			return
		}
	}
}

// pumpEvents funnels the supervisor's multiplexed stream into the loop.
func (r *Registry) pumpEvents() {
	for {
		select {
		case ev := <-r.sup.Events():
			r.submit(func() { r.handleEvent(ev) })
		case <-r.quit:
			return
		}
	}
}

// reapIdleProcesses periodically unbinds processes whose threads have no
// in-flight response and no recent activity.
func (r *Registry) reapIdleProcesses() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.submit(func() {
				for id, st := range r.threads {
					if st.t.Status != thread.StatusActive || st.t.IsStreaming {
						continue
					}
					if time.Since(st.t.UpdatedAt) > r.config.IdleUnbindAfter {
						log.Printf("registry: unbinding idle worker for thread %s", id)
						r.sup.Unbind(id, true)
					}
				}
			})
		case <-r.quit:
			return
		}
	}
}

// flusher applies persistence writes in issue order, off the loop, so
// the store's backoff during an outage never stalls command handling.
// On shutdown it drains whatever is still queued before reporting done.
func (r *Registry) flusher() {
	defer close(r.flushed)
	for {
		select {
		case op := <-r.persist:
			r.runPersist(op)
		case <-r.quit:
			for {
				select {
				case op := <-r.persist:
					r.runPersist(op)
				default:
					return
				}
			}
		}
	}
}

func (r *Registry) runPersist(op persistOp) {
	if err := op.fn(); err != nil {
		r.warn(op.threadID, fmt.Sprintf("%s: %v", op.what, err))
	}
}

// enqueuePersist hands a write to the flusher. Blocks only when the
// backlog is full, preserving write order.
func (r *Registry) enqueuePersist(op persistOp) {
	select {
	case r.persist <- op:
	case <-r.quit:
	}
}

// drainPersists blocks until every previously queued write has been
// applied, so a read from the store observes all appends issued before
// it and a synchronous delete cannot be undone by a queued upsert.
func (r *Registry) drainPersists() {
	done := make(chan struct{})
	select {
	case r.persist <- persistOp{fn: func() error { close(done); return nil }}:
	case <-r.quit:
		return
	}
	select {
	case <-done:
	case <-r.quit:
	}
}

// submit runs fn on the loop and waits for it. Returns false if the
// registry is shutting down.
func (r *Registry) submit(fn func()) bool {
	done := make(chan struct{})
	select {
	case r.ops <- func() { defer close(done); fn() }:
	case <-r.quit:
		return false
	}
	select {
	case <-done:
		return true
	case <-r.quit:
		return false
	}
}

// ReplayContext returns the thread's message history for a freshly
// spawned worker process. Reads the loop-owned cache so input recorded
// during a persistence outage is still replayed.
func (r *Registry) ReplayContext(threadID string) ([]*thread.Message, error) {
	var msgs []*thread.Message
	var err error
	if !r.submit(func() {
		st, ok := r.threads[threadID]
		if !ok {
			err = thread.ErrNotFound
			return
		}
		if err = r.loadMessages(st); err != nil {
			return
		}
		msgs = append([]*thread.Message(nil), st.msgs...)
	}) {
		return nil, ErrClosed
	}
	return msgs, err
}

// --- Commands ---

// Create allocates a fresh thread in status idle with empty logs. The
// metadata record is persisted synchronously before returning.
func (r *Registry) Create(workspacePath string) (*thread.Thread, error) {
	var created *thread.Thread
	var err error
	if !r.submit(func() {
		now := time.Now().UTC()
		t := &thread.Thread{
			ID:            uuid.New().String(),
			Title:         thread.DefaultTitle,
			WorkspacePath: workspacePath,
			Status:        thread.StatusIdle,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err = r.store.SaveThread(t); err != nil {
			return
		}
		r.threads[t.ID] = &threadState{t: t, nextMsgSeq: 1, nextToolSeq: 1}
		created = snapshot(t)
		r.bus.Publish(&Update{ThreadID: t.ID, Type: "state", Thread: created})
	}) {
		return nil, ErrClosed
	}
	return created, err
}

// Switch makes the named thread UI-visible and resets its unread count.
// Switching to the already-visible thread is an idempotent no-op.
func (r *Registry) Switch(id string) error {
	var err error
	if !r.submit(func() {
		st, ok := r.threads[id]
		if !ok {
			err = thread.ErrNotFound
			return
		}
		if st.t.Status == thread.StatusArchived {
			err = thread.ErrArchived
			return
		}
		r.switcher.SetActive(id)
		r.tracker.Reset(id)
		r.enqueuePersist(persistOp{
			threadID: id,
			what:     "active thread not saved",
			fn:       func() error { return r.store.SetActiveThread(id) },
		})
		r.bus.Publish(&Update{ThreadID: id, Type: "switch", Thread: snapshot(st.t)})
	}) {
		return ErrClosed
	}
	return err
}

// Send appends a user message and ensures a worker process is bound. If
// the process cap is reached the bind is queued; the recorded message
// reaches the worker through the replay context once a slot frees.
func (r *Registry) Send(id, content string) error {
	var err error
	if !r.submit(func() {
		st, ok := r.threads[id]
		if !ok {
			err = thread.ErrNotFound
			return
		}
		if st.t.Status == thread.StatusArchived {
			err = thread.ErrArchived
			return
		}
		if lerr := r.loadMessages(st); lerr != nil {
			err = lerr
			return
		}

		msg := r.appendMessage(st, "user", content, false)

		if !st.renamed && st.t.Title == thread.DefaultTitle {
			st.t.Title = thread.Truncate(content, titleLen)
		}
		st.t.IsStreaming = true
		st.t.LastError = ""

		if r.sup.Bound(id) {
			if serr := r.sup.Send(id, content); errors.Is(serr, worker.ErrNoSession) {
				// Binding ended between the check and the send; rebind.
				r.sup.Bind(id, st.t.WorkspacePath)
			} else if serr != nil {
				r.warn(id, fmt.Sprintf("forwarding input: %v", serr))
			}
		} else {
			r.sup.Bind(id, st.t.WorkspacePath)
		}
		st.t.Status = thread.StatusActive
		r.persistMeta(st)
		r.bus.Publish(&Update{ThreadID: id, Type: "message", Message: msg})
		r.bus.Publish(&Update{ThreadID: id, Type: "state", Thread: snapshot(st.t)})
	}) {
		return ErrClosed
	}
	return err
}

// Archive terminates any bound process (graceful, bounded wait, then
// force-kill) and marks the thread archived. Idempotent. Partial output
// of a cancelled response stays in the log, tagged as interrupted.
func (r *Registry) Archive(id string) error {
	var err error
	if !r.submit(func() {
		st, ok := r.threads[id]
		if !ok {
			err = thread.ErrNotFound
			return
		}
		if st.t.Status == thread.StatusArchived {
			return
		}
		r.sup.Unbind(id, true)
		if st.t.IsStreaming {
			r.markInterrupted(st)
		}
		st.t.Status = thread.StatusArchived
		r.persistMeta(st)
		r.bus.Publish(&Update{ThreadID: id, Type: "state", Thread: snapshot(st.t)})
	}) {
		return ErrClosed
	}
	return err
}

// Delete removes the thread from memory and persistence irreversibly.
// Fails with ErrInvalidState while a process is bound.
func (r *Registry) Delete(id string) error {
	var err error
	if !r.submit(func() {
		st, ok := r.threads[id]
		if !ok {
			err = thread.ErrNotFound
			return
		}
		if st.t.Status == thread.StatusActive {
			err = thread.ErrInvalidState
			return
		}
		// Flush queued writes first so a pending metadata upsert cannot
		// resurrect the row after the delete.
		r.drainPersists()
		if err = r.store.DeleteThread(id); err != nil {
			return
		}
		delete(r.threads, id)
		r.tracker.Remove(id)
		if r.switcher.Active() == id {
			r.switcher.SetActive("")
			if perr := r.store.SetActiveThread(""); perr != nil {
				log.Printf("registry: clearing active thread: %v", perr)
			}
		}
		r.bus.Publish(&Update{ThreadID: id, Type: "state"})
	}) {
		return ErrClosed
	}
	return err
}

// Rename sets the thread title. A renamed thread never has its title
// auto-derived again.
func (r *Registry) Rename(id, title string) error {
	var err error
	if !r.submit(func() {
		st, ok := r.threads[id]
		if !ok {
			err = thread.ErrNotFound
			return
		}
		st.t.Title = title
		st.t.UpdatedAt = time.Now().UTC()
		st.renamed = true
		r.persistMeta(st)
		r.bus.Publish(&Update{ThreadID: id, Type: "state", Thread: snapshot(st.t)})
	}) {
		return ErrClosed
	}
	return err
}

// --- Queries ---

// List returns snapshots of all threads, most recently updated first.
func (r *Registry) List() []*thread.Thread {
	var out []*thread.Thread
	r.submit(func() {
		for _, st := range r.threads {
			out = append(out, snapshot(st.t))
		}
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Get returns a snapshot of one thread.
func (r *Registry) Get(id string) (*thread.Thread, error) {
	var t *thread.Thread
	var err error
	if !r.submit(func() {
		st, ok := r.threads[id]
		if !ok {
			err = thread.ErrNotFound
			return
		}
		t = snapshot(st.t)
	}) {
		return nil, ErrClosed
	}
	return t, err
}

// Messages returns the thread's message log in sequence order.
func (r *Registry) Messages(id string) ([]*thread.Message, error) {
	var msgs []*thread.Message
	var err error
	if !r.submit(func() {
		st, ok := r.threads[id]
		if !ok {
			err = thread.ErrNotFound
			return
		}
		if err = r.loadMessages(st); err != nil {
			return
		}
		msgs = append([]*thread.Message(nil), st.msgs...)
	}) {
		return nil, ErrClosed
	}
	return msgs, err
}

// Tools returns the thread's tool activity log in sequence order.
func (r *Registry) Tools(id string) ([]*thread.ToolRecord, error) {
	var recs []*thread.ToolRecord
	var err error
	if !r.submit(func() {
		st, ok := r.threads[id]
		if !ok {
			err = thread.ErrNotFound
			return
		}
		if st.tools == nil {
			r.drainPersists()
			loaded, lerr := r.store.LoadTools(id)
			if lerr != nil {
				err = lerr
				return
			}
			if loaded == nil {
				loaded = []*thread.ToolRecord{}
			}
			st.tools = loaded
		}
		recs = append([]*thread.ToolRecord(nil), st.tools...)
	}) {
		return nil, ErrClosed
	}
	return recs, err
}

// Active returns the UI-visible thread id, or "".
func (r *Registry) Active() string {
	var id string
	r.submit(func() { id = r.switcher.Active() })
	return id
}

// UnreadCounts returns per-thread counts of events since each thread was
// last visible.
func (r *Registry) UnreadCounts() map[string]int {
	var counts map[string]int
	r.submit(func() { counts = r.tracker.Counts() })
	return counts
}

// --- Loop-internal helpers ---

// loadMessages lazily fills the in-memory message cache from the store.
func (r *Registry) loadMessages(st *threadState) error {
	if st.msgs != nil {
		return nil
	}
	r.drainPersists()
	msgs, err := r.store.LoadMessages(st.t.ID)
	if err != nil {
		return err
	}
	if msgs == nil {
		msgs = []*thread.Message{}
	}
	st.msgs = msgs
	return nil
}

// appendMessage assigns the next gapless sequence number, appends to the
// in-memory log and persists. A persistence failure degrades to a
// warning; the in-memory entry stays authoritative.
func (r *Registry) appendMessage(st *threadState, role, content string, interrupted bool) *thread.Message {
	msg := &thread.Message{
		ThreadID:    st.t.ID,
		Seq:         st.nextMsgSeq,
		Role:        role,
		Content:     content,
		Interrupted: interrupted,
		CreatedAt:   time.Now().UTC(),
	}
	st.nextMsgSeq++
	st.msgs = append(st.msgs, msg)
	st.t.Preview = thread.PreviewOf(content)
	st.t.UpdatedAt = msg.CreatedAt
	r.enqueuePersist(persistOp{
		threadID: st.t.ID,
		what:     "message not saved",
		fn:       func() error { return r.store.AppendMessage(msg) },
	})
	return msg
}

// appendTool assigns the next tool sequence number, appends and persists.
func (r *Registry) appendTool(st *threadState, ev worker.Event) *thread.ToolRecord {
	phase := "call"
	if ev.Type == worker.EventToolResult {
		phase = "result"
	}
	rec := &thread.ToolRecord{
		ThreadID:  st.t.ID,
		Seq:       st.nextToolSeq,
		ToolID:    ev.ToolID,
		Name:      ev.ToolName,
		Phase:     phase,
		Payload:   ev.Payload,
		IsError:   ev.ToolErr,
		CreatedAt: time.Now().UTC(),
	}
	st.nextToolSeq++
	if st.tools != nil {
		st.tools = append(st.tools, rec)
	}
	st.t.UpdatedAt = rec.CreatedAt
	r.enqueuePersist(persistOp{
		threadID: st.t.ID,
		what:     "tool record not saved",
		fn:       func() error { return r.store.AppendTool(rec) },
	})
	return rec
}

// markInterrupted tags a cancelled in-flight response in the log and
// forces IsStreaming false.
func (r *Registry) markInterrupted(st *threadState) {
	if err := r.loadMessages(st); err != nil {
		log.Printf("registry: loading messages for interrupt marker: %v", err)
		st.msgs = []*thread.Message{}
	}
	msg := r.appendMessage(st, "system", "response interrupted", true)
	st.t.IsStreaming = false
	r.bus.Publish(&Update{ThreadID: st.t.ID, Type: "message", Message: msg})
}

// persistMeta queues a thread metadata flush. The snapshot decouples the
// write from later loop mutations of the live record.
func (r *Registry) persistMeta(st *threadState) {
	t := snapshot(st.t)
	r.enqueuePersist(persistOp{
		threadID: t.ID,
		what:     "thread metadata not saved",
		fn:       func() error { return r.store.SaveThread(t) },
	})
}

func (r *Registry) warn(threadID, detail string) {
	log.Printf("registry: thread %s: %s", threadID, detail)
	r.bus.Publish(&Update{ThreadID: threadID, Type: "warning", Detail: detail})
}

func snapshot(t *thread.Thread) *thread.Thread {
	c := *t
	return &c
}
