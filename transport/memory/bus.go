// Package memory provides an in-process bus implementing transport.Transport.
//
// Every session dialed from the same Bus sees the others' publishes, with
// the same wildcard and queue-group rules a NATS server applies. SetOffline
// and DisconnectAll inject outages so reconnect handling can be exercised
// without a server.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/c360/streambus/errors"
	"github.com/c360/streambus/message"
	"github.com/c360/streambus/subject"
	"github.com/c360/streambus/transport"
)

// Bus is an in-process message bus.
type Bus struct {
	mu       sync.Mutex
	subs     *subject.Sublist[*session]
	sessions map[*session]struct{}
	cursors  map[string]uint64
	offline  bool
	logger   *slog.Logger

	published atomic.Uint64
	delivered atomic.Uint64
	dials     atomic.Uint64
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used for session lifecycle events.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBus creates an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:     subject.NewSublist[*session](),
		sessions: make(map[*session]struct{}),
		cursors:  make(map[string]uint64),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ transport.Transport = (*Bus)(nil)

// Dial opens a session on the bus. It fails with a transient error while
// the bus is offline.
func (b *Bus) Dial(ctx context.Context, deliver transport.DeliverFunc) (transport.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.WrapTransient(err, "Bus", "Dial", "connect")
	}
	if deliver == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Bus", "Dial", "check deliver func")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.offline {
		return nil, errors.WrapTransient(errors.ErrNotConnected, "Bus", "Dial", "connect")
	}

	s := &session{
		bus:       b,
		deliver:   deliver,
		interests: make(map[transport.Interest]struct{}),
		done:      make(chan struct{}),
	}
	b.sessions[s] = struct{}{}
	b.dials.Add(1)
	b.logger.Debug("Memory bus session opened", "sessions", len(b.sessions))
	return s, nil
}

// SetOffline makes subsequent dials fail. Existing sessions stay up until
// DisconnectAll.
func (b *Bus) SetOffline(offline bool) {
	b.mu.Lock()
	b.offline = offline
	b.mu.Unlock()
}

// DisconnectAll drops every live session with ErrConnectionLost and returns
// how many were dropped.
func (b *Bus) DisconnectAll() int {
	b.mu.Lock()
	victims := make([]*session, 0, len(b.sessions))
	for s := range b.sessions {
		victims = append(victims, s)
	}
	b.mu.Unlock()

	for _, s := range victims {
		s.terminate(errors.WrapTransient(errors.ErrConnectionLost, "Bus", "DisconnectAll", "drop session"))
	}
	if len(victims) > 0 {
		b.logger.Debug("Memory bus dropped sessions", "count", len(victims))
	}
	return len(victims)
}

// Sessions returns the number of live sessions.
func (b *Bus) Sessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Interests returns the number of registered interests across sessions.
func (b *Bus) Interests() int {
	return b.subs.Count()
}

// Stats returns publish, delivery and dial counters.
func (b *Bus) Stats() (published, delivered, dials uint64) {
	return b.published.Load(), b.delivered.Load(), b.dials.Load()
}

type delivery struct {
	to    *session
	group string
}

// route delivers msg once to every session with a matching plain interest
// and to one session per matching queue group.
func (b *Bus) route(msg *message.Msg) {
	b.published.Add(1)
	res := b.subs.Match(msg.Subject())
	if res.Empty() {
		return
	}

	var out []delivery
	seen := make(map[*session]struct{}, len(res.Plain))
	for _, s := range res.Plain {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, delivery{to: s})
	}

	b.mu.Lock()
	for _, g := range res.Groups {
		members := unique(g.Members)
		idx := b.cursors[g.Name] % uint64(len(members))
		b.cursors[g.Name]++
		out = append(out, delivery{to: members[idx], group: g.Name})
	}
	b.mu.Unlock()

	for _, d := range out {
		if d.to.alive() {
			d.to.deliver(d.group, msg)
			b.delivered.Add(1)
		}
	}
}

func unique(list []*session) []*session {
	if len(list) < 2 {
		return list
	}
	out := make([]*session, 0, len(list))
	seen := make(map[*session]struct{}, len(list))
	for _, s := range list {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

func (b *Bus) drop(s *session) {
	b.mu.Lock()
	delete(b.sessions, s)
	b.mu.Unlock()
}
