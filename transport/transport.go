// Package transport defines the session abstraction the connection manager
// drives. A Transport dials Sessions; a Session carries publishes and
// interest registrations to a remote bus and hands inbound messages back
// through a DeliverFunc.
//
// Implementations live in subpackages: memory is an in-process bus used by
// tests and the demo CLI, natstransport bridges onto a NATS server.
package transport

import (
	"context"

	"github.com/c360/streambus/message"
)

// Interest is one subscription registration on the remote bus.
type Interest struct {
	Subject string
	Queue   string
}

// String renders the interest for logs.
func (i Interest) String() string {
	if i.Queue == "" {
		return i.Subject
	}
	return i.Subject + " [" + i.Queue + "]"
}

// DeliverFunc receives inbound messages. group is the queue group the
// remote bus selected this session for, or "" for a plain delivery. A
// session delivers a message at most once per group no matter how many of
// its interests match.
type DeliverFunc func(group string, msg *message.Msg)

// Transport opens sessions to a remote bus.
type Transport interface {
	// Dial opens a new session. deliver is called from transport goroutines
	// and must not block for long.
	Dial(ctx context.Context, deliver DeliverFunc) (Session, error)
}

// Session is one live connection. Once Done is closed the session is dead
// and every method returns an error.
type Session interface {
	Publish(msg *message.Msg) error
	Subscribe(interest Interest) error
	Unsubscribe(interest Interest) error
	Flush(ctx context.Context) error

	// Done is closed when the session is lost or closed.
	Done() <-chan struct{}
	// Err reports why Done was closed; nil after a local Close.
	Err() error
	Close() error
}
