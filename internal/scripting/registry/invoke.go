package registry

import "fmt"

// Use looks up engine name and runs fn against it, guaranteeing the engine is
// released from any per-call bookkeeping the registry layers on top (none at
// present, but this is the one sanctioned entry point into a back-end so
// future per-call accounting has a single seam). A missing engine is
// reported as an error rather than a panic, since command dispatch is the
// normal caller and must turn this into a client-facing NOSCRIPT/ERR reply.
func (m *Manager) Use(name string, fn func(EngineContract) error) error {
	engine, ok := m.Lookup(name)
	if !ok {
		return fmt.Errorf("registry: unknown engine %q", name)
	}
	return fn(engine)
}
