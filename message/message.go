package message

import (
	"context"
	"time"

	"github.com/c360/streambus/errors"
)

// Responder sends a reply on behalf of a received message.
type Responder func(ctx context.Context, reply string, data []byte, header Header) error

// Msg is an immutable bus message.
type Msg struct {
	subject   string
	reply     string
	header    Header
	data      []byte
	sequence  uint64
	time      time.Time
	responder Responder
}

// Option configures a Msg during construction.
type Option func(*Msg)

// WithReply sets the reply subject.
func WithReply(reply string) Option {
	return func(m *Msg) {
		m.reply = reply
	}
}

// WithHeader adds a single header value.
func WithHeader(key, value string) Option {
	return func(m *Msg) {
		if m.header == nil {
			m.header = Header{}
		}
		m.header.Add(key, value)
	}
}

// WithHeaders merges a header set. Values are copied.
func WithHeaders(h Header) Option {
	return func(m *Msg) {
		if len(h) == 0 {
			return
		}
		if m.header == nil {
			m.header = Header{}
		}
		for k, vals := range h {
			for _, v := range vals {
				m.header.Add(k, v)
			}
		}
	}
}

// WithSequence sets the stream sequence. Only stream messages carry one.
func WithSequence(seq uint64) Option {
	return func(m *Msg) {
		m.sequence = seq
	}
}

// WithTime sets the message timestamp instead of time.Now().
func WithTime(t time.Time) Option {
	return func(m *Msg) {
		m.time = t
	}
}

// WithResponder binds the function used by Respond.
func WithResponder(r Responder) Option {
	return func(m *Msg) {
		m.responder = r
	}
}

// New creates a message. The payload is copied.
func New(subject string, data []byte, opts ...Option) *Msg {
	m := &Msg{
		subject: subject,
		data:    append([]byte(nil), data...),
		time:    time.Now(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subject returns the subject the message was published on.
func (m *Msg) Subject() string { return m.subject }

// Reply returns the reply subject, if any.
func (m *Msg) Reply() string { return m.reply }

// Sequence returns the stream sequence, zero for core messages.
func (m *Msg) Sequence() uint64 { return m.sequence }

// Time returns when the message was created or stored.
func (m *Msg) Time() time.Time { return m.time }

// Data returns a copy of the payload.
func (m *Msg) Data() []byte {
	return append([]byte(nil), m.data...)
}

// Len returns the payload length without copying.
func (m *Msg) Len() int { return len(m.data) }

// Header returns a copy of the headers.
func (m *Msg) Header() Header {
	return m.header.Clone()
}

// HeaderValue returns the first value of a header key.
func (m *Msg) HeaderValue(key string) string {
	return m.header.Get(key)
}

// Size approximates the message footprint used for byte limits.
func (m *Msg) Size() int {
	return len(m.subject) + len(m.reply) + len(m.data) + m.header.size()
}

// With returns a copy of m with extra options applied. The receiver is left
// untouched.
func (m *Msg) With(opts ...Option) *Msg {
	c := *m
	c.header = m.header.Clone()
	for _, opt := range opts {
		opt(&c)
	}
	return &c
}

// Respond publishes data on m's reply subject.
func (m *Msg) Respond(ctx context.Context, data []byte, opts ...Option) error {
	if m.reply == "" {
		return errors.WrapInvalid(errors.ErrNoReply, "Msg", "Respond", "check reply subject")
	}
	if m.responder == nil {
		return errors.WrapInvalid(errors.ErrNotConnected, "Msg", "Respond", "find responder")
	}
	var h Header
	if len(opts) > 0 {
		h = New(m.reply, nil, opts...).header
	}
	return m.responder(ctx, m.reply, data, h)
}

// RawData exposes the payload without copying. Callers must not modify the
// slice.
func (m *Msg) RawData() []byte { return m.data }
