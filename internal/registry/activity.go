package registry

// activityTracker counts events appended to threads while they were not
// the visible thread. Counts reset exactly when a switch makes the
// thread visible. Only touched from the registry loop.
type activityTracker struct {
	counts map[string]int
}

func newActivityTracker() *activityTracker {
	return &activityTracker{counts: make(map[string]int)}
}

// Bump increments the unread count for a background thread.
func (a *activityTracker) Bump(id string) { a.counts[id]++ }

// Reset clears the count when a thread becomes visible.
func (a *activityTracker) Reset(id string) { delete(a.counts, id) }

// Remove drops a deleted thread's count.
func (a *activityTracker) Remove(id string) { delete(a.counts, id) }

// Count returns the unread count for one thread.
func (a *activityTracker) Count(id string) int { return a.counts[id] }

// Counts returns a copy of all non-zero unread counts.
func (a *activityTracker) Counts() map[string]int {
	out := make(map[string]int, len(a.counts))
	for id, n := range a.counts {
		out[id] = n
	}
	return out
}
