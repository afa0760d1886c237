package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// ErrNoSession is returned by Send when no process is bound or queued for
// the thread.
var ErrNoSession = errors.New("no active session for thread")

// Config holds supervisor-specific configuration.
type Config struct {
	// MaxProcesses caps concurrently bound worker processes. Bind
	// requests beyond the cap are queued, not rejected (default 10).
	MaxProcesses int
	// GraceTimeout bounds how long a graceful unbind waits for the
	// process to finish before force-killing it (default 10s).
	GraceTimeout time.Duration
	// PermissionMode and MaxTurns are forwarded to every spawned worker.
	PermissionMode string
	MaxTurns       int
}

// Supervisor owns the mapping from thread id to at most one live worker
// process and the single event stream consumed by the registry.
//
// Slot accounting (procs plus in-flight spawns) is guarded by one mutex,
// so two bind requests can never both claim the last free slot.
type Supervisor struct {
	config   Config
	launcher Launcher
	replay   ReplaySource

	events chan Event
	done   chan struct{} // closed on Close; unblocks event sends

	mu       sync.Mutex
	procs    map[string]Process
	spawning map[string]bool
	draining map[string]bool   // unbind issued, process not yet exited
	respawn  map[string]string // bind arrived during drain; workspace path
	queue    []pendingBind
	closing  bool
	wg       sync.WaitGroup
}

type pendingBind struct {
	threadID      string
	workspacePath string
}

// NewSupervisor creates a Supervisor. Events must be drained by exactly
// one consumer.
func NewSupervisor(cfg Config, launcher Launcher, replay ReplaySource) *Supervisor {
	if cfg.MaxProcesses <= 0 {
		cfg.MaxProcesses = 10
	}
	if cfg.GraceTimeout <= 0 {
		cfg.GraceTimeout = 10 * time.Second
	}
	return &Supervisor{
		config:   cfg,
		launcher: launcher,
		replay:   replay,
		events:   make(chan Event, 256),
		done:     make(chan struct{}),
		procs:    make(map[string]Process),
		spawning: make(map[string]bool),
		draining: make(map[string]bool),
		respawn:  make(map[string]string),
	}
}

// Events returns the multiplexed worker event stream.
func (s *Supervisor) Events() <-chan Event { return s.events }

// emit delivers an event unless the supervisor is shutting down.
func (s *Supervisor) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// Bound reports whether a process is currently bound or being spawned for
// the thread (queued binds count as bound-in-progress).
func (s *Supervisor) Bound(threadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundLocked(threadID)
}

func (s *Supervisor) boundLocked(threadID string) bool {
	if _, ok := s.procs[threadID]; ok {
		return true
	}
	if s.spawning[threadID] {
		return true
	}
	if _, ok := s.respawn[threadID]; ok {
		return true
	}
	for _, p := range s.queue {
		if p.threadID == threadID {
			return true
		}
	}
	return false
}

// Bind requests a worker process for the thread. If the process cap is
// reached the request is queued and serviced as soon as a slot frees.
// Binding an already-bound thread is a no-op, except during teardown: a
// bind that arrives while the old process is draining is recorded and
// serviced with a fresh spawn once the exit is reaped.
func (s *Supervisor) Bind(threadID, workspacePath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return
	}
	if _, ok := s.procs[threadID]; ok && s.draining[threadID] {
		s.respawn[threadID] = workspacePath
		return
	}
	if s.boundLocked(threadID) {
		return
	}
	if len(s.procs)+len(s.spawning) >= s.config.MaxProcesses {
		s.queue = append(s.queue, pendingBind{threadID: threadID, workspacePath: workspacePath})
		log.Printf("worker: cap reached (%d), queueing bind for thread %s", s.config.MaxProcesses, threadID)
		return
	}
	s.startSpawnLocked(threadID, workspacePath)
}

// startSpawnLocked claims a slot and spawns asynchronously. Caller holds mu.
func (s *Supervisor) startSpawnLocked(threadID, workspacePath string) {
	s.spawning[threadID] = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.spawn(threadID, workspacePath)
	}()
}

func (s *Supervisor) spawn(threadID, workspacePath string) {
	replay, err := s.replay.ReplayContext(threadID)
	if err != nil {
		// Spawn with whatever history could be read rather than failing
		// the bind outright.
		log.Printf("worker: replay context for thread %s unavailable: %v", threadID, err)
	}

	proc, err := s.launcher.Launch(context.Background(), LaunchOptions{
		ThreadID:       threadID,
		WorkspacePath:  workspacePath,
		Replay:         replay,
		PermissionMode: s.config.PermissionMode,
		MaxTurns:       s.config.MaxTurns,
	})

	s.mu.Lock()
	delete(s.spawning, threadID)
	if err != nil {
		s.serviceQueueLocked()
		s.mu.Unlock()
		s.emit(Event{ThreadID: threadID, Type: EventSpawnFailed, Reason: err.Error()})
		return
	}
	if s.closing {
		s.mu.Unlock()
		proc.Kill()
		return
	}
	s.procs[threadID] = proc
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pump(threadID, proc)
	}()
}

// pump forwards a process's events onto the shared stream, then reports
// the binding's end and frees the slot.
func (s *Supervisor) pump(threadID string, proc Process) {
	crashed := false
	var reason string
	for ev := range proc.Events() {
		ev.ThreadID = threadID
		if ev.Type == EventCrashed {
			crashed = true
			reason = ev.Reason
			continue // terminal event emitted once below
		}
		s.emit(ev)
	}
	<-proc.Done()

	s.mu.Lock()
	delete(s.procs, threadID)
	delete(s.draining, threadID)
	ws, respawn := s.respawn[threadID]
	delete(s.respawn, threadID)
	closing := s.closing
	if respawn && !closing {
		if len(s.procs)+len(s.spawning) >= s.config.MaxProcesses {
			s.queue = append(s.queue, pendingBind{threadID: threadID, workspacePath: ws})
		} else {
			s.startSpawnLocked(threadID, ws)
		}
	}
	s.serviceQueueLocked()
	s.mu.Unlock()

	if closing {
		return
	}
	if respawn {
		// The binding continues on the fresh process; the handover is
		// not a terminal event for the thread.
		return
	}
	if code := proc.ExitCode(); crashed || code != 0 {
		if reason == "" {
			reason = fmt.Sprintf("worker exited with code %d", code)
		}
		s.emit(Event{ThreadID: threadID, Type: EventCrashed, Reason: reason})
		return
	}
	s.emit(Event{ThreadID: threadID, Type: EventExited})
}

// serviceQueueLocked spawns the oldest queued bind if a slot is free.
// Caller holds mu.
func (s *Supervisor) serviceQueueLocked() {
	if s.closing || len(s.queue) == 0 {
		return
	}
	if len(s.procs)+len(s.spawning) >= s.config.MaxProcesses {
		return
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	s.startSpawnLocked(next.threadID, next.workspacePath)
}

// Send forwards input to the thread's bound process. Input for a queued
// bind returns nil: the message reaches the worker through the replay
// context when its process spawns.
func (s *Supervisor) Send(threadID, content string) error {
	s.mu.Lock()
	proc, ok := s.procs[threadID]
	if !ok && s.boundLocked(threadID) {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	if !ok {
		return ErrNoSession
	}
	return proc.Send(content)
}

// Unbind terminates the thread's process. Graceful teardown closes stdin
// and waits up to GraceTimeout for exit; non-graceful kills immediately.
// Unbinding a queued bind cancels it. The teardown wait never blocks the
// caller.
func (s *Supervisor) Unbind(threadID string, graceful bool) {
	s.mu.Lock()
	for i, p := range s.queue {
		if p.threadID == threadID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.mu.Unlock()
			s.emit(Event{ThreadID: threadID, Type: EventExited})
			return
		}
	}
	delete(s.respawn, threadID)
	proc, ok := s.procs[threadID]
	if ok {
		s.draining[threadID] = true
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	if !graceful {
		proc.Kill()
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		proc.CloseStdin()
		select {
		case <-proc.Done():
		case <-time.After(s.config.GraceTimeout):
			proc.Kill()
		}
	}()
}

// Close kills all processes, drops queued binds and waits for the
// goroutines to finish.
func (s *Supervisor) Close() {
	s.mu.Lock()
	s.closing = true
	close(s.done)
	s.queue = nil
	procs := make([]Process, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	for _, p := range procs {
		p.Kill()
	}
	s.wg.Wait()
}
