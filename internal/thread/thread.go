// Package thread defines the core domain types shared across all mensad packages.
// It has zero dependencies on other mensad packages.
package thread

import "time"

// Status represents the lifecycle state of a thread.
type Status string

const (
	// StatusActive means a worker process is bound (or a bind is queued).
	StatusActive Status = "active"
	// StatusIdle means no process is bound but history is retained.
	StatusIdle Status = "idle"
	// StatusArchived means the thread is retained read-only and can never
	// be bound to a process again.
	StatusArchived Status = "archived"
)

// DefaultTitle is the placeholder title until the first user message arrives.
const DefaultTitle = "New thread"

// PreviewLen is the maximum rune length of a thread's preview snippet.
const PreviewLen = 80

// Thread is a persisted conversation with identity and lifecycle.
//
// IsStreaming is runtime-only: it is never persisted and always resets to
// false on reload, since no worker process survives a restart.
type Thread struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	WorkspacePath string    `json:"workspace_path"`
	Status        Status    `json:"status"`
	Preview       string    `json:"preview"`
	IsStreaming   bool      `json:"is_streaming"`
	LastError     string    `json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Message is a single entry in a thread's append-only message log.
// Seq is gapless and strictly increasing per thread; entries are never
// reordered or mutated after append.
type Message struct {
	ThreadID    string    `json:"thread_id"`
	Seq         int64     `json:"seq"`
	Role        string    `json:"role"` // "user", "assistant", or "system"
	Content     string    `json:"content"`
	Interrupted bool      `json:"interrupted,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ToolRecord is a single entry in a thread's append-only tool activity log.
// A tool result is a new record referencing the call via ToolID, not a
// mutation of the call record.
type ToolRecord struct {
	ThreadID  string    `json:"thread_id"`
	Seq       int64     `json:"seq"`
	ToolID    string    `json:"tool_id"`
	Name      string    `json:"name"`
	Phase     string    `json:"phase"` // "call" or "result"
	Payload   string    `json:"payload"`
	IsError   bool      `json:"is_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Truncate shortens a string to maxLen runes, adding "..." if truncated.
func Truncate(s string, maxLen int) string {
	if maxLen <= 3 {
		r := []rune(s)
		if len(r) <= maxLen {
			return s
		}
		return string(r[:maxLen])
	}
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}

// PreviewOf derives the bounded preview snippet for a message body.
// Only the first line contributes, so multi-line output stays readable
// in a thread list.
func PreviewOf(content string) string {
	for i, c := range content {
		if c == '\n' {
			content = content[:i]
			break
		}
	}
	return Truncate(content, PreviewLen)
}
