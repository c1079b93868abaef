package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streambus/errors"
	"github.com/c360/streambus/message"
	"github.com/c360/streambus/transport"
)

type recorder struct {
	mu   sync.Mutex
	msgs []string
	grps []string
}

func (r *recorder) deliver(group string, msg *message.Msg) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg.Subject()+"="+string(msg.RawData()))
	r.grps = append(r.grps, group)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func dial(t *testing.T, b *Bus) (transport.Session, *recorder) {
	t.Helper()
	rec := &recorder{}
	s, err := b.Dial(context.Background(), rec.deliver)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, rec
}

func TestBus_PlainDelivery(t *testing.T) {
	b := NewBus()
	pub, _ := dial(t, b)
	sub, rec := dial(t, b)

	require.NoError(t, sub.Subscribe(transport.Interest{Subject: "orders.*"}))
	require.NoError(t, pub.Publish(message.New("orders.new", []byte("1"))))
	require.NoError(t, pub.Publish(message.New("orders.new.eu", []byte("2"))))

	assert.Equal(t, []string{"orders.new=1"}, rec.msgs)
	assert.Equal(t, []string{""}, rec.grps)
}

func TestBus_OverlappingInterestsDeliverOnce(t *testing.T) {
	b := NewBus()
	s, rec := dial(t, b)

	require.NoError(t, s.Subscribe(transport.Interest{Subject: "a.*"}))
	require.NoError(t, s.Subscribe(transport.Interest{Subject: "a.>"}))
	require.NoError(t, s.Subscribe(transport.Interest{Subject: "a.b"}))

	require.NoError(t, s.Publish(message.New("a.b", []byte("x"))))
	assert.Equal(t, 1, rec.count())
}

func TestBus_QueueGroupPicksOneSession(t *testing.T) {
	b := NewBus()
	pub, plainRec := dial(t, b)
	require.NoError(t, pub.Subscribe(transport.Interest{Subject: "work"}))

	recs := make([]*recorder, 3)
	for i := range recs {
		var s transport.Session
		s, recs[i] = dial(t, b)
		require.NoError(t, s.Subscribe(transport.Interest{Subject: "work", Queue: "workers"}))
	}

	const n = 30
	for range n {
		require.NoError(t, pub.Publish(message.New("work", []byte("job"))))
	}

	total := 0
	for _, r := range recs {
		assert.Equal(t, n/3, r.count(), "round robin spreads evenly")
		for _, g := range r.grps {
			assert.Equal(t, "workers", g)
		}
		total += r.count()
	}
	assert.Equal(t, n, total)
	assert.Equal(t, n, plainRec.count(), "plain interest sees every message")
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus()
	s, rec := dial(t, b)
	interest := transport.Interest{Subject: "foo"}

	require.NoError(t, s.Subscribe(interest))
	require.NoError(t, s.Subscribe(interest), "duplicate subscribe is a no-op")
	assert.Equal(t, 1, b.Interests())

	require.NoError(t, s.Unsubscribe(interest))
	assert.Equal(t, 0, b.Interests())

	require.NoError(t, s.Publish(message.New("foo", nil)))
	assert.Equal(t, 0, rec.count())
}

func TestBus_InvalidInterest(t *testing.T) {
	b := NewBus()
	s, _ := dial(t, b)

	err := s.Subscribe(transport.Interest{Subject: "a.>.b"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidSubject))

	err = s.Publish(message.New("a.*", nil))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestBus_OfflineAndDisconnect(t *testing.T) {
	b := NewBus()
	s, _ := dial(t, b)
	require.NoError(t, s.Subscribe(transport.Interest{Subject: "foo"}))

	b.SetOffline(true)
	assert.Equal(t, 1, b.DisconnectAll())

	select {
	case <-s.Done():
	default:
		t.Fatal("session should be done after DisconnectAll")
	}
	assert.True(t, errors.Is(s.Err(), errors.ErrConnectionLost))
	assert.True(t, errors.IsTransient(s.Err()))
	assert.Equal(t, 0, b.Interests(), "interests removed with the session")
	assert.Error(t, s.Publish(message.New("foo", nil)))

	_, err := b.Dial(context.Background(), func(string, *message.Msg) {})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotConnected))

	b.SetOffline(false)
	s2, _ := dial(t, b)
	assert.NoError(t, s2.Flush(context.Background()))
}

func TestBus_CloseIsClean(t *testing.T) {
	b := NewBus()
	s, _ := dial(t, b)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.NoError(t, s.Err())
	assert.Equal(t, 0, b.Sessions())

	err := s.Flush(context.Background())
	assert.True(t, errors.Is(err, errors.ErrConnectionClosed))
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := NewBus()
	sub, rec := dial(t, b)
	require.NoError(t, sub.Subscribe(transport.Interest{Subject: "load.>"}))

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pub, err := b.Dial(context.Background(), func(string, *message.Msg) {})
			if err != nil {
				return
			}
			defer pub.Close()
			for range 100 {
				_ = pub.Publish(message.New("load.w", []byte{byte(w)}))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 800, rec.count())
	published, delivered, _ := b.Stats()
	assert.Equal(t, uint64(800), published)
	assert.Equal(t, uint64(800), delivered)
}
