// Package conn keeps one logical connection to the bus alive across
// transport outages.
//
// A Manager dials a transport.Session, registers the client's interests on
// it and forwards inbound messages to a Dispatcher from a single goroutine.
// When the session is lost the manager moves to Reconnecting and redials
// with exponential backoff. Publishes made meanwhile go to a bounded
// outbound buffer; after a successful redial every interest is registered
// again and the buffer is replayed in publish order before any new publish
// proceeds.
//
// State transitions:
//
//	Disconnected -> Connecting -> Connected <-> Reconnecting -> Closed
//
// Closed is terminal. A manager reaches it through Close or when
// WithMaxReconnects attempts run out, in which case Err wraps
// errors.ErrConnectionLost.
package conn
