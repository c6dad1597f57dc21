package registry

import "sync"

// Signal fires once when a resource has been released.
type Signal struct {
	once sync.Once
	ch   chan struct{}
}

func newSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Done is closed when the signal fires.
func (g *Signal) Done() <-chan struct{} {
	return g.ch
}

func (g *Signal) fire() {
	g.once.Do(func() { close(g.ch) })
}

// TransportCleanup names the cleanup signal of a call's AI transport.
func TransportCleanup(id string) string {
	return "ws_" + id
}

// Await returns the pending signal for name, registering one if needed.
func (s *Store) Await(name string) *Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.cleanups[name]; ok {
		return g
	}
	g := newSignal()
	s.cleanups[name] = g
	return g
}

// Resolve fires and discards the pending signal for name. It reports
// whether a signal was pending.
func (s *Store) Resolve(name string) bool {
	s.mu.Lock()
	g, ok := s.cleanups[name]
	delete(s.cleanups, name)
	s.mu.Unlock()
	if ok {
		g.fire()
	}
	return ok
}

// Pending reports whether a signal is registered for name.
func (s *Store) Pending(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.cleanups[name]
	return ok
}
