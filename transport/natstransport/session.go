package natstransport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/streambus/errors"
	"github.com/c360/streambus/message"
	"github.com/c360/streambus/subject"
	"github.com/c360/streambus/transport"
)

type session struct {
	nc      *nats.Conn
	deliver transport.DeliverFunc
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	subs   map[transport.Interest]*nats.Subscription
	closed bool
	err    error
	done   chan struct{}
}

var _ transport.Session = (*session)(nil)

func newSession(deliver transport.DeliverFunc, logger *slog.Logger, timeout time.Duration) *session {
	return &session{
		deliver: deliver,
		logger:  logger,
		timeout: timeout,
		subs:    make(map[transport.Interest]*nats.Subscription),
		done:    make(chan struct{}),
	}
}

func (s *session) attach(nc *nats.Conn) {
	s.mu.Lock()
	s.nc = nc
	s.mu.Unlock()
}

func (s *session) check(method string) error {
	if s.closed {
		if s.err != nil {
			return s.err
		}
		return errors.WrapFatal(errors.ErrConnectionClosed, "session", method, "check session")
	}
	return nil
}

func (s *session) Publish(msg *message.Msg) error {
	s.mu.RLock()
	err := s.check("Publish")
	nc := s.nc
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	nm := &nats.Msg{
		Subject: msg.Subject(),
		Reply:   msg.Reply(),
		Data:    msg.RawData(),
	}
	if h := msg.Header(); len(h) > 0 {
		nm.Header = nats.Header(h)
	}

	if err := nc.PublishMsg(nm); err != nil {
		return mapError(err, "Publish", "publish to "+msg.Subject())
	}
	return nil
}

func (s *session) Subscribe(interest transport.Interest) error {
	if err := subject.ValidatePattern(interest.Subject); err != nil {
		return err
	}
	if err := subject.ValidateQueue(interest.Queue); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("Subscribe"); err != nil {
		return err
	}
	if _, ok := s.subs[interest]; ok {
		return nil
	}

	handler := func(m *nats.Msg) {
		if !s.forwards(interest, m.Subject) {
			return
		}
		s.deliver(interest.Queue, fromNATS(m))
	}

	var (
		sub *nats.Subscription
		err error
	)
	if interest.Queue == "" {
		sub, err = s.nc.Subscribe(interest.Subject, handler)
	} else {
		sub, err = s.nc.QueueSubscribe(interest.Subject, interest.Queue, handler)
	}
	if err != nil {
		return mapError(err, "Subscribe", "subscribe to "+interest.String())
	}

	// Delivery queues upstream enforce their own limits
	_ = sub.SetPendingLimits(-1, -1)
	s.subs[interest] = sub
	return nil
}

func (s *session) Unsubscribe(interest transport.Interest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("Unsubscribe"); err != nil {
		return err
	}
	sub, ok := s.subs[interest]
	if !ok {
		return nil
	}
	delete(s.subs, interest)
	if err := sub.Unsubscribe(); err != nil {
		return mapError(err, "Unsubscribe", "unsubscribe from "+interest.String())
	}
	return nil
}

// forwards reports whether a message received on interest is passed on.
// Each overlapping plain NATS subscription gets its own copy, so only the
// lowest-sorting matching pattern forwards it. The server picks one member
// per queue group across all matching patterns, so a queue copy is never a
// duplicate.
func (s *session) forwards(interest transport.Interest, subj string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.subs[interest]; !ok {
		return false
	}
	if interest.Queue != "" {
		return true
	}
	for other := range s.subs {
		if other.Queue != "" || other.Subject >= interest.Subject {
			continue
		}
		if subject.Match(other.Subject, subj) {
			return false
		}
	}
	return true
}

func (s *session) Flush(ctx context.Context) error {
	s.mu.RLock()
	err := s.check("Flush")
	nc := s.nc
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	if err := nc.FlushWithContext(ctx); err != nil {
		return mapError(err, "Flush", "flush")
	}
	return nil
}

func (s *session) Done() <-chan struct{} {
	return s.done
}

func (s *session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *session) Close() error {
	s.terminate(nil)
	return nil
}

// terminate marks the session dead, closes the connection and Done. The
// first cause wins.
func (s *session) terminate(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = cause
	nc := s.nc
	clear(s.subs)
	s.mu.Unlock()

	if nc != nil && !nc.IsClosed() {
		nc.Close()
	}
	close(s.done)
}

func (s *session) handleDisconnect(_ *nats.Conn, err error) {
	if err == nil {
		err = errors.ErrConnectionLost
	} else {
		err = errors.Join(errors.ErrConnectionLost, err)
	}
	s.logger.Warn("NATS session disconnected", "error", err)
	go s.terminate(errors.WrapTransient(err, "session", "handleDisconnect", "keep connection"))
}

func (s *session) handleClosed(_ *nats.Conn) {
	go s.terminate(errors.WrapTransient(errors.ErrConnectionLost, "session", "handleClosed", "keep connection"))
}

func (s *session) handleError(_ *nats.Conn, sub *nats.Subscription, err error) {
	if sub != nil {
		s.logger.Error("NATS subscription error", "subject", sub.Subject, "error", err)
		return
	}
	s.logger.Error("NATS error", "error", err)
}

func fromNATS(m *nats.Msg) *message.Msg {
	opts := []message.Option{message.WithReply(m.Reply)}
	if len(m.Header) > 0 {
		opts = append(opts, message.WithHeaders(message.Header(m.Header)))
	}
	return message.New(m.Subject, m.Data, opts...)
}

func mapError(err error, method, action string) error {
	switch {
	case errors.Is(err, nats.ErrBadSubject), errors.Is(err, nats.ErrBadQueueName):
		return errors.WrapInvalid(errors.Join(errors.ErrInvalidSubject, err), "session", method, action)
	case errors.Is(err, nats.ErrMaxPayload):
		return errors.WrapInvalid(errors.Join(errors.ErrMaxPayload, err), "session", method, action)
	case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrConnectionDraining),
		errors.Is(err, nats.ErrConnectionReconnecting), errors.Is(err, nats.ErrDisconnected):
		return errors.WrapTransient(errors.Join(errors.ErrConnectionLost, err), "session", method, action)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
		return errors.WrapTransient(errors.Join(errors.ErrTimeout, err), "session", method, action)
	default:
		return errors.WrapTransient(err, "session", method, action)
	}
}
