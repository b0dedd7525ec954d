package feed

import (
	"context"
	"time"

	"github.com/dquist/feedmux/internal/transport"
)

// ensureConnected opens a transport if none exists. Idempotent: a live or
// in-flight connection makes it a no-op, as does the terminal StateError
// (which only a manual Reconnect clears).
func (s *Service) ensureConnected() {
	s.mu.Lock()

	if s.tr != nil || s.state == StateError {
		s.mu.Unlock()
		return
	}

	// Dialing now supersedes any pending retry.
	s.stopRetryTimerLocked()

	s.gen++
	gen := s.gen
	tr := s.cfg.Dial()
	s.tr = tr
	notify := s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	notify()

	go s.connect(gen, tr)
}

// connect dials the transport and hands off to the read loop. Dial failures
// follow the close path so the backoff policy self-heals without consumer
// intervention.
func (s *Service) connect(gen uint64, tr transport.Client) {
	if err := tr.Connect(context.Background()); err != nil {
		s.logger.Warn("connect failed", "error", err)
		s.onClose(gen)
		return
	}

	s.onOpen(gen, tr)
	s.runTransport(gen, tr)
}

// onOpen resets the attempt counter and re-sends a subscribe message for
// every registered topic. The backend holds no subscription state across
// reconnects, so the full set goes out on every open.
func (s *Service) onOpen(gen uint64, tr transport.Client) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		tr.Close()
		return
	}

	s.attempts = 0
	notify := s.setStateLocked(StateConnected)
	msgs := s.allPayloadsLocked("subscribe")
	s.mu.Unlock()

	s.logger.Info("connected", "topics", len(msgs))
	notify()

	for _, msg := range msgs {
		s.wireSend(tr, msg)
	}
}

// runTransport bridges transport events into the state machine. A transport
// error marks StateError and forces the transport closed; the close itself
// (observed as the message channel closing) drives reconnection, so the
// error and close paths cannot double-schedule.
func (s *Service) runTransport(gen uint64, tr transport.Client) {
	for {
		select {
		case err := <-tr.Errors():
			s.onError(gen, tr, err)

		case msg, ok := <-tr.Messages():
			if !ok {
				s.onClose(gen)
				return
			}
			s.route(msg.Data)
		}
	}
}

// onError records the error state. Reconnection is left to the subsequent
// close event.
func (s *Service) onError(gen uint64, tr transport.Client, err error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	notify := s.setStateLocked(StateError)
	s.mu.Unlock()

	s.logger.Warn("transport error", "error", err)
	notify()

	// Force the read loop down so the close path fires.
	tr.Close()
}

// onClose tears down transport state and applies the reconnection policy
// unless paused.
func (s *Service) onClose(gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}

	s.tr = nil
	notify := s.setStateLocked(StateDisconnected)

	var notifyErr func()
	if !s.paused {
		notifyErr = s.scheduleReconnectLocked()
	}
	s.mu.Unlock()

	notify()
	if notifyErr != nil {
		notifyErr()
	}
}

// scheduleReconnectLocked arms the backoff timer. Idempotent: an already
// pending timer wins, so firing both the error and close handlers for one
// failure schedules a single attempt. Past the attempt ceiling the state
// holds at StateError until a manual Reconnect.
func (s *Service) scheduleReconnectLocked() func() {
	if s.retryTimer != nil {
		return nil
	}

	if s.attempts >= s.cfg.MaxReconnectAttempts {
		s.logger.Error("reconnect attempts exhausted", "attempts", s.attempts)
		return s.setStateLocked(StateError)
	}

	delay := s.nextDelay(s.attempts)
	s.attempts++

	s.logger.Info("scheduling reconnect", "attempt", s.attempts, "delay", delay)

	s.retryTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.retryTimer = nil
		skip := s.paused || s.tr != nil
		s.mu.Unlock()

		if !skip {
			s.ensureConnected()
		}
	})

	return nil
}

// nextDelay computes min(base * 2^attempt, max).
func (s *Service) nextDelay(attempt int) time.Duration {
	delay := s.cfg.ReconnectBaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= s.cfg.ReconnectMaxDelay {
			return s.cfg.ReconnectMaxDelay
		}
	}
	if delay > s.cfg.ReconnectMaxDelay {
		delay = s.cfg.ReconnectMaxDelay
	}
	return delay
}

// stopRetryTimerLocked cancels any pending reconnect attempt.
func (s *Service) stopRetryTimerLocked() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}

// Reconnect forcibly tears down any existing connection, resets the attempt
// counter, and dials again. This is the manual escape hatch once the attempt
// ceiling has been reached.
func (s *Service) Reconnect() {
	s.mu.Lock()
	s.stopRetryTimerLocked()
	s.attempts = 0
	tr := s.tr
	s.tr = nil
	s.gen++
	notify := s.setStateLocked(StateDisconnected)
	s.mu.Unlock()

	notify()
	if tr != nil {
		tr.Close()
	}

	s.ensureConnected()
}

// Disconnect cancels any pending reconnect, closes the transport, and
// settles at StateDisconnected. User-initiated; no retry follows.
func (s *Service) Disconnect() {
	s.mu.Lock()
	s.stopRetryTimerLocked()
	s.attempts = 0
	tr := s.tr
	s.tr = nil
	s.gen++
	notify := s.setStateLocked(StateDisconnected)
	s.mu.Unlock()

	notify()
	if tr != nil {
		tr.Close()
	}
}

// wireSend writes one frame, absorbing failures; a failed send surfaces as
// a transport error soon after and the reconnect path re-subscribes.
func (s *Service) wireSend(tr transport.Client, msg []byte) {
	if tr == nil {
		return
	}
	if err := tr.Send(msg); err != nil {
		s.logger.Warn("wire send failed", "error", err)
	}
}
