package feed

// Pause suspends backend traffic while the viewer is backgrounded: every
// registered topic is unsubscribed on the wire, local subscription state is
// kept intact, and the reconnection policy stops firing. Idempotent.
func (s *Service) Pause() {
	s.mu.Lock()
	if s.paused {
		s.mu.Unlock()
		return
	}
	s.paused = true
	s.stopRetryTimerLocked()

	var msgs [][]byte
	if s.state == StateConnected {
		msgs = s.allPayloadsLocked("unsubscribe")
	}
	tr := s.tr
	s.mu.Unlock()

	s.logger.Info("paused", "topics", len(msgs))

	for _, msg := range msgs {
		s.wireSend(tr, msg)
	}
}

// Resume restores the exact pre-pause wire subscription set. Consumers never
// re-register: if connected, every topic is re-subscribed; if not connected
// but topics exist, a connection is pursued again. Idempotent.
func (s *Service) Resume() {
	s.mu.Lock()
	if !s.paused {
		s.mu.Unlock()
		return
	}
	s.paused = false

	var msgs [][]byte
	var connect bool
	if s.state == StateConnected {
		msgs = s.allPayloadsLocked("subscribe")
	} else if len(s.topics) > 0 {
		connect = true
	}
	tr := s.tr
	s.mu.Unlock()

	s.logger.Info("resumed", "topics", len(msgs))

	for _, msg := range msgs {
		s.wireSend(tr, msg)
	}
	if connect {
		s.ensureConnected()
	}
}

// IsPaused reports whether the service is paused.
func (s *Service) IsPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}
