// Package feed implements the subscription multiplexing service.
//
// The Service:
//   - Owns the single WebSocket transport and its lifecycle state machine
//   - Reconnects with exponential backoff up to an attempt ceiling
//   - Ref-counts topic subscriptions so each distinct topic is subscribed
//     on the wire exactly once regardless of consumer count
//   - Routes inbound messages to the consumers of every matching topic
//   - Pauses/resumes wire traffic without losing local subscription state
package feed
