package registry

import (
	"sync"

	"github.com/mensahq/mensad/internal/thread"
)

// Update is a UI-facing notification published by the registry.
type Update struct {
	ThreadID string             `json:"thread_id"`
	Type     string             `json:"type"` // "message", "tool", "state", "switch", "warning"
	Message  *thread.Message    `json:"message,omitempty"`
	Tool     *thread.ToolRecord `json:"tool,omitempty"`
	Thread   *thread.Thread     `json:"thread,omitempty"`
	Detail   string             `json:"detail,omitempty"`
}

// Bus provides pub/sub for registry updates. Subscribing with an empty
// thread id receives updates for all threads.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]chan *Update
}

// NewBus creates a new Bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[string][]chan *Update),
	}
}

// Subscribe creates a channel that receives updates for a thread, or for
// all threads when threadID is "".
func (b *Bus) Subscribe(threadID string) chan *Update {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Update, 64)
	b.subs[threadID] = append(b.subs[threadID], ch)
	return ch
}

// Unsubscribe removes a channel from the subscriber list.
func (b *Bus) Unsubscribe(threadID string, ch chan *Update) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[threadID]
	for i, s := range subs {
		if s == ch {
			b.subs[threadID] = append(subs[:i], subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// Publish sends an update to the thread's subscribers and to all-thread
// subscribers.
func (b *Bus) Publish(u *Update) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[u.ThreadID] {
		select {
		case ch <- u:
		default:
			// Drop update if subscriber is too slow.
		}
	}
	if u.ThreadID == "" {
		return
	}
	for _, ch := range b.subs[""] {
		select {
		case ch <- u:
		default:
		}
	}
}
