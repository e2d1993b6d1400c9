package governance

// resetForTesting returns the engine to its initial NORMAL state. It lives in
// a _test.go file so production builds cannot reach it.
func (e *Engine) resetForTesting() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = initialState(e.clock.Now())
	e.denies = nil
	e.replays = nil
	e.reactions = nil
}
