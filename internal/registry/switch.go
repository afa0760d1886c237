package registry

// switchController owns the single UI-visible thread id ("" for none).
// It is distinct from thread.StatusActive: a thread can have a worker
// process running in the background while a different thread is visible.
//
// SetActive is the only mutator and is called exclusively from the
// registry loop, so visibility transitions are serialized with every
// other state change.
type switchController struct {
	active string
}

// Active returns the UI-visible thread id, or "" if none.
func (c *switchController) Active() string { return c.active }

// SetActive makes the given thread the UI-visible one.
func (c *switchController) SetActive(id string) { c.active = id }
