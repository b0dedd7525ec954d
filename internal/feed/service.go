package feed

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dquist/feedmux/internal/transport"
)

// Config configures the feed service.
type Config struct {
	Transport transport.Config

	ReconnectBaseDelay   time.Duration // First retry delay; doubles per attempt
	ReconnectMaxDelay    time.Duration // Backoff ceiling
	MaxReconnectAttempts int           // Consecutive failures before holding StateError

	// Dial constructs a fresh transport per connection attempt.
	// Nil selects the gorilla WebSocket client.
	Dial func() transport.Client
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Transport:            transport.DefaultConfig(),
		ReconnectBaseDelay:   1 * time.Second,
		ReconnectMaxDelay:    60 * time.Second,
		MaxReconnectAttempts: 10,
	}
}

// Service multiplexes topic subscriptions over one transport connection.
//
// It is a long-lived object: construct it at application start, pass it to
// every consumer, and call Disconnect at shutdown. All methods are safe for
// concurrent use.
type Service struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	paused     bool
	tr         transport.Client
	gen        uint64 // bumped per transport; events from stale transports are ignored
	attempts   int
	retryTimer *time.Timer
	topics     map[string]*topic
	statusSubs []statusListener
}

// NewService creates a feed service. No connection is opened until the first
// subscription arrives or Reconnect is called.
func NewService(cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		cfg:    cfg,
		logger: logger,
		state:  StateDisconnected,
		topics: make(map[string]*topic),
	}

	if s.cfg.Dial == nil {
		s.cfg.Dial = func() transport.Client {
			return transport.NewClient(s.cfg.Transport, logger.With("component", "transport"))
		}
	}

	return s
}

// Subscribe registers interest in a topic. The first consumer of a topic
// triggers a subscribe wire message (and a connection, lazily, if none is
// open); further consumers share the existing wire subscription.
//
// The returned release function removes exactly this consumer and is a
// no-op after the first call. When the last consumer releases, the topic
// is unsubscribed on the wire and dropped.
func (s *Service) Subscribe(topicType string, params map[string]any, fn Handler) func() {
	key := TopicKey(topicType, params)
	id := uuid.New()

	s.mu.Lock()

	t, exists := s.topics[key]
	if !exists {
		t = newTopic(topicType, params)
		s.topics[key] = t
	}
	t.consumers = append(t.consumers, consumer{id: id, fn: fn})

	var msg []byte
	var connect bool
	if !exists && !s.paused {
		if s.state == StateConnected {
			msg = wirePayload("subscribe", t)
		} else {
			connect = true
		}
	}
	tr := s.tr
	s.mu.Unlock()

	if msg != nil {
		s.wireSend(tr, msg)
	}
	if connect {
		s.ensureConnected()
	}

	return func() { s.release(key, id) }
}

// release removes one consumer from a topic, unsubscribing on the wire when
// the consumer set empties. Identified by opaque id, so calling a release
// handle twice is harmless.
func (s *Service) release(key string, id uuid.UUID) {
	s.mu.Lock()

	t, ok := s.topics[key]
	if !ok {
		s.mu.Unlock()
		return
	}

	found := false
	for i, c := range t.consumers {
		if c.id == id {
			t.consumers = append(t.consumers[:i], t.consumers[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		s.mu.Unlock()
		return
	}

	var msg []byte
	if len(t.consumers) == 0 {
		delete(s.topics, key)
		if s.state == StateConnected && !s.paused {
			msg = wirePayload("unsubscribe", t)
		}
	}
	tr := s.tr
	s.mu.Unlock()

	if msg != nil {
		s.wireSend(tr, msg)
	}
}

// allPayloadsLocked builds one wire message per registered topic, in
// canonical key order for determinism.
func (s *Service) allPayloadsLocked(method string) [][]byte {
	keys := make([]string, 0, len(s.topics))
	for k := range s.topics {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	msgs := make([][]byte, 0, len(keys))
	for _, k := range keys {
		msgs = append(msgs, wirePayload(method, s.topics[k]))
	}
	return msgs
}
