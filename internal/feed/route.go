package feed

import "encoding/json"

// route fans an inbound message out to the consumers of every matching
// topic. A topic matches when its type equals the channel identifier and,
// if it carries a coin filter, the payload (or any element of a payload
// array) names that coin. Matching topics receive the full payload.
//
// Malformed messages are dropped with a diagnostic; they never terminate
// the connection.
func (s *Service) route(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.Warn("dropping malformed message", "error", err)
		return
	}
	if env.Channel == "" {
		s.logger.Warn("dropping message without channel")
		return
	}

	coins := payloadCoins(env.Data)

	// Snapshot matching consumers under the lock, deliver outside it so a
	// callback can call back into the service. Within one topic, delivery
	// follows registration order.
	s.mu.Lock()
	var handlers []Handler
	for _, t := range s.topics {
		if t.topicType != env.Channel {
			continue
		}
		if t.coin != "" {
			if _, ok := coins[t.coin]; !ok {
				continue
			}
		}
		for _, c := range t.consumers {
			handlers = append(handlers, c.fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range handlers {
		s.deliver(fn, env.Data)
	}
}

// deliver invokes one consumer callback, isolating panics so a misbehaving
// consumer cannot abort routing to the others.
func (s *Service) deliver(fn Handler, data json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("consumer callback panicked", "panic", r)
		}
	}()
	fn(data)
}
