package app

// TrackedSessions reports how many sessions currently hold a lock entry.
func (e *Engine) TrackedSessions() int {
	return e.locks.len()
}
