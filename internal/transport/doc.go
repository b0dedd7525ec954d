// Package transport wraps a single WebSocket connection to the feed server.
//
// A Client:
//   - Dials once; reconnection is handled a layer up by creating a fresh Client
//   - Runs a read loop that delivers raw frames on Messages()
//   - Runs a keepalive loop and reports stale connections on Errors()
package transport
