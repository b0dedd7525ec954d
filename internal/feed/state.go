package feed

import "github.com/google/uuid"

// State is the connection lifecycle state.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

// statusListener is one registered status callback.
type statusListener struct {
	id uuid.UUID
	fn func(State)
}

// Status returns the current connection state.
func (s *Service) Status() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SubscribeStatus registers a callback invoked on every state change.
// The returned release function is idempotent.
func (s *Service) SubscribeStatus(fn func(State)) func() {
	id := uuid.New()

	s.mu.Lock()
	s.statusSubs = append(s.statusSubs, statusListener{id: id, fn: fn})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, l := range s.statusSubs {
			if l.id == id {
				s.statusSubs = append(s.statusSubs[:i], s.statusSubs[i+1:]...)
				return
			}
		}
	}
}

// setStateLocked transitions the state and returns a notifier to run after
// the lock is released. Listeners are called in registration order.
func (s *Service) setStateLocked(st State) func() {
	if s.state == st {
		return func() {}
	}
	s.state = st

	listeners := make([]statusListener, len(s.statusSubs))
	copy(listeners, s.statusSubs)

	return func() {
		for _, l := range listeners {
			l.fn(st)
		}
	}
}
