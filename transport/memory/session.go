package memory

import (
	"context"
	"sync"

	"github.com/c360/streambus/errors"
	"github.com/c360/streambus/message"
	"github.com/c360/streambus/subject"
	"github.com/c360/streambus/transport"
)

type session struct {
	bus     *Bus
	deliver transport.DeliverFunc

	mu        sync.Mutex
	interests map[transport.Interest]struct{}
	closed    bool
	err       error
	done      chan struct{}
}

var _ transport.Session = (*session)(nil)

func (s *session) alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
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
	if err := subject.ValidateSubject(msg.Subject()); err != nil {
		return err
	}
	s.mu.Lock()
	err := s.check("Publish")
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.bus.route(msg)
	return nil
}

func (s *session) Subscribe(interest transport.Interest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("Subscribe"); err != nil {
		return err
	}
	if _, ok := s.interests[interest]; ok {
		return nil
	}
	if err := s.bus.subs.Insert(interest.Subject, interest.Queue, s); err != nil {
		return err
	}
	s.interests[interest] = struct{}{}
	return nil
}

func (s *session) Unsubscribe(interest transport.Interest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("Unsubscribe"); err != nil {
		return err
	}
	if _, ok := s.interests[interest]; !ok {
		return nil
	}
	s.bus.subs.Remove(interest.Subject, interest.Queue, s)
	delete(s.interests, interest)
	return nil
}

// Flush returns once every earlier publish has been routed. Routing is
// synchronous so only liveness is checked.
func (s *session) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.WrapTransient(err, "session", "Flush", "flush")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.check("Flush")
}

func (s *session) Done() <-chan struct{} {
	return s.done
}

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *session) Close() error {
	s.terminate(nil)
	return nil
}

// terminate removes every interest and closes Done. The first cause wins.
func (s *session) terminate(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = cause
	for interest := range s.interests {
		s.bus.subs.Remove(interest.Subject, interest.Queue, s)
	}
	clear(s.interests)
	s.mu.Unlock()

	s.bus.drop(s)
	close(s.done)
}
