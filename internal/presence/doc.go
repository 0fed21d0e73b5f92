// Package presence implements the connection lifecycle core of the relay.
//
// Three pieces cooperate:
//   - Registry holds the live connections, indexed by transport handle and by id.
//   - Liveness owns one idle timer per connection and evicts silent ones.
//   - Dispatcher turns transport events into registry and liveness changes,
//     hands tagged messages to an Extension, and fans payloads out.
//
// A connection is destroyed exactly once: whichever of transport close,
// idle expiry, send failure or shutdown removes it from the Registry first
// performs the teardown; every later attempt is a silent no-op.
package presence
