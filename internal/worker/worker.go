// Package worker supervises the external worker processes that produce
// conversational responses. Each thread is bound to at most one process;
// all processes feed a single multiplexed event stream tagged by thread id.
package worker

import (
	"context"

	"github.com/mensahq/mensad/internal/thread"
)

// EventType classifies events on the supervisor's stream.
type EventType string

const (
	// EventDelta is a chunk of assistant output text.
	EventDelta EventType = "delta"
	// EventToolCall reports a tool invocation started by the worker.
	EventToolCall EventType = "toolCall"
	// EventToolResult reports the outcome of a prior tool invocation.
	EventToolResult EventType = "toolResult"
	// EventDone marks the end of an in-flight response. The process stays
	// bound and waits for the next input.
	EventDone EventType = "done"
	// EventExited means the process terminated normally (graceful unbind
	// or self-exit). The binding is gone; the thread reverts to idle.
	EventExited EventType = "exited"
	// EventCrashed means the process died abnormally. Terminal for the
	// binding; the thread reverts to idle and is eligible for a fresh
	// bind on the next send.
	EventCrashed EventType = "crashed"
	// EventSpawnFailed means the process could not be started at all.
	EventSpawnFailed EventType = "spawnFailed"
)

// Event is one entry on the multiplexed worker event stream.
type Event struct {
	ThreadID string
	Type     EventType

	// Text carries delta output.
	Text string

	// Tool fields are set for toolCall/toolResult events.
	ToolID   string
	ToolName string
	Payload  string
	ToolErr  bool

	// Reason carries the failure detail for crashed/spawnFailed events.
	Reason string
}

// LaunchOptions configures a new worker process.
type LaunchOptions struct {
	ThreadID      string
	WorkspacePath string

	// Replay is the thread's message history, handed to every freshly
	// spawned process so it behaves as if it had been running
	// continuously (the re-hydration contract).
	Replay []*thread.Message

	// PermissionMode and MaxTurns are structured metadata forwarded to
	// the worker alongside the replay frame.
	PermissionMode string
	MaxTurns       int
}

// Process is a live worker process handle.
type Process interface {
	// Send delivers one user input to the process.
	Send(content string) error
	// CloseStdin signals the process to finish up and exit.
	CloseStdin() error
	// Kill terminates the process immediately.
	Kill()
	// Events streams parsed worker events. Closed when the process exits.
	Events() <-chan Event
	// Done is closed after the process has exited.
	Done() <-chan struct{}
	// ExitCode is valid once Done is closed.
	ExitCode() int
}

// Launcher spawns worker processes. The default implementation shells out
// to the configured worker command; tests substitute a stub.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Process, error)
}

// ReplaySource supplies the fresh message history for a thread at the
// moment its process actually spawns. Queued binds fetch history at
// spawn time, so input sent while waiting for a slot is never lost.
type ReplaySource interface {
	ReplayContext(threadID string) ([]*thread.Message, error)
}
