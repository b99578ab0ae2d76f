package lifecycle

import (
	"errors"
	"io"
	"sync"

	"github.com/rs/zerolog/log"
)

// Manager tears down the process's long-lived resources in one place. The
// store, the token cache sweeper, and the idempotency sweeper register here
// during startup; cmd/server/main.go calls Close once on the way out.
type Manager struct {
	mu    sync.Mutex
	stack []entry
}

type entry struct {
	name  string
	close func() error
}

// NewManager creates an empty lifecycle manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds a resource to tear down. Resources close in reverse
// registration order, so dependents register after their dependencies.
func (m *Manager) Register(name string, closer io.Closer) {
	m.RegisterFunc(name, closer.Close)
}

// RegisterFunc registers a bare cleanup function under a name.
func (m *Manager) RegisterFunc(name string, fn func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stack = append(m.stack, entry{name: name, close: fn})
}

// Close tears down every registered resource, newest first. Every resource
// gets its Close call even when earlier ones fail; the failures are logged
// individually and returned joined. A second Close is a no-op.
func (m *Manager) Close() error {
	m.mu.Lock()
	stack := m.stack
	m.stack = nil
	m.mu.Unlock()

	var errs []error
	for i := len(stack) - 1; i >= 0; i-- {
		e := stack[i]
		if err := e.close(); err != nil {
			log.Error().
				Err(err).
				Str("resource", e.name).
				Msg("lifecycle.close_resource_failed")
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
