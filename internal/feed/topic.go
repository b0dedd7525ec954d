package feed

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Handler receives the raw payload of every message matching a subscription.
type Handler func(data json.RawMessage)

// consumer is one registered callback on a topic.
type consumer struct {
	id uuid.UUID
	fn Handler
}

// topic is one ref-counted wire subscription.
type topic struct {
	topicType string
	params    map[string]any
	coin      string // coin filter extracted from params ("" = match all on channel)

	// Consumers in registration order; the topic is deleted when this empties.
	consumers []consumer
}

func newTopic(topicType string, params map[string]any) *topic {
	t := &topic{
		topicType: topicType,
		params:    make(map[string]any, len(params)),
	}
	for k, v := range params {
		t.params[k] = v
	}
	if v, ok := t.params["coin"]; ok {
		t.coin = fmt.Sprint(v)
	}
	return t
}

// TopicKey computes the canonical identity of a (topicType, params) pair.
// Parameters are sorted by key name so that semantically identical parameter
// sets in different insertion orders collide to the same key.
func TopicKey(topicType string, params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(topicType)
	for _, k := range keys {
		b.WriteByte('/')
		b.WriteString(k)
		b.WriteByte('=')
		fmt.Fprintf(&b, "%v", params[k])
	}
	return b.String()
}

// wireRequest is an outbound subscribe/unsubscribe message.
type wireRequest struct {
	Method       string         `json:"method"` // "subscribe" or "unsubscribe"
	Subscription map[string]any `json:"subscription"`
}

// wirePayload builds the subscribe/unsubscribe frame for a topic.
func wirePayload(method string, t *topic) []byte {
	sub := make(map[string]any, len(t.params)+1)
	for k, v := range t.params {
		sub[k] = v
	}
	sub["type"] = t.topicType

	data, _ := json.Marshal(wireRequest{Method: method, Subscription: sub})
	return data
}

// envelope is an inbound message: a channel identifier plus an opaque payload.
type envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// coinField is the one payload field the router inspects.
type coinField struct {
	Coin string `json:"coin"`
}

// payloadCoins extracts the set of coin values carried by a payload.
// The payload may be a single object or a sequence of objects; anything
// else (or a parse failure) yields an empty set.
func payloadCoins(data json.RawMessage) map[string]struct{} {
	trimmed := strings.TrimLeft(string(data), " \t\r\n")
	coins := make(map[string]struct{})

	if strings.HasPrefix(trimmed, "[") {
		var elems []coinField
		if err := json.Unmarshal(data, &elems); err != nil {
			return coins
		}
		for _, e := range elems {
			if e.Coin != "" {
				coins[e.Coin] = struct{}{}
			}
		}
		return coins
	}

	var obj coinField
	if err := json.Unmarshal(data, &obj); err != nil {
		return coins
	}
	if obj.Coin != "" {
		coins[obj.Coin] = struct{}{}
	}
	return coins
}
