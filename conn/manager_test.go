package conn

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streambus/errors"
	"github.com/c360/streambus/message"
	"github.com/c360/streambus/transport"
	"github.com/c360/streambus/transport/memory"
)

type collector struct {
	mu   sync.Mutex
	msgs []*message.Msg
}

func (c *collector) Deliver(_ string, msg *message.Msg) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
}

func (c *collector) payloads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = string(m.RawData())
	}
	return out
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func newManager(t *testing.T, bus *memory.Bus, opts ...Option) (*Manager, *collector) {
	t.Helper()
	col := &collector{}
	opts = append([]Option{
		WithDispatcher(col),
		WithReconnectWait(5*time.Millisecond, 20*time.Millisecond),
	}, opts...)
	m, err := New(bus, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m, col
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want }, 2*time.Second, time.Millisecond,
		"state %s never reached, still %s", want, m.State())
}

func TestManager_ConnectPublishDeliver(t *testing.T) {
	bus := memory.NewBus()
	m, col := newManager(t, bus)

	require.NoError(t, m.AddInterest(transport.Interest{Subject: "orders.>"}))
	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, Connected, m.State())
	assert.Equal(t, 1, bus.Interests(), "pre-connect interest registered on connect")

	require.NoError(t, m.Publish(message.New("orders.new", []byte("1"))))
	require.NoError(t, m.Publish(message.New("other", []byte("2"))))
	require.NoError(t, m.Flush(context.Background()))

	require.Eventually(t, func() bool { return col.len() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"1"}, col.payloads())

	stats := m.Stats()
	assert.Equal(t, uint64(2), stats.Published)
	assert.Equal(t, uint64(1), stats.Received)
}

func TestManager_PublishBeforeConnect(t *testing.T) {
	m, _ := newManager(t, memory.NewBus())

	err := m.Publish(message.New("foo", nil))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotConnected))
	assert.True(t, errors.IsTransient(err))
}

func TestManager_InvalidPublish(t *testing.T) {
	m, _ := newManager(t, memory.NewBus())
	require.NoError(t, m.Connect(context.Background()))

	err := m.Publish(message.New("foo.*", nil))
	assert.True(t, errors.Is(err, errors.ErrInvalidSubject))

	err = m.AddInterest(transport.Interest{Subject: "a..b"})
	assert.True(t, errors.IsInvalid(err))
}

func TestManager_ConnectRequiresDispatcher(t *testing.T) {
	m, err := New(memory.NewBus())
	require.NoError(t, err)
	defer m.Close()

	err = m.Connect(context.Background())
	assert.True(t, errors.IsInvalid(err))
}

func TestManager_BufferedPublishesReplayInOrder(t *testing.T) {
	bus := memory.NewBus()
	var reconnected atomic.Int32
	var disconnected atomic.Int32
	m, col := newManager(t, bus,
		WithReconnectHandler(func() { reconnected.Add(1) }),
		WithDisconnectHandler(func(error) { disconnected.Add(1) }),
	)

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.AddInterest(transport.Interest{Subject: "orders.*"}))

	bus.SetOffline(true)
	require.Equal(t, 1, bus.DisconnectAll())
	waitState(t, m, Reconnecting)

	for i := range 5 {
		require.NoError(t, m.Publish(message.New("orders.new", fmt.Appendf(nil, "%d", i))))
	}
	assert.Equal(t, 5, m.Stats().Buffered)
	assert.Equal(t, 0, col.len())

	bus.SetOffline(false)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.WaitForConnection(ctx))

	// Interests are restored before replay, so our own interest sees all five
	require.Eventually(t, func() bool { return col.len() == 5 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"0", "1", "2", "3", "4"}, col.payloads())

	stats := m.Stats()
	assert.Equal(t, 0, stats.Buffered)
	assert.Equal(t, uint64(5), stats.Replayed)
	assert.Equal(t, uint64(1), stats.Reconnects)
	require.Eventually(t, func() bool { return reconnected.Load() == 1 && disconnected.Load() == 1 },
		time.Second, time.Millisecond)
}

func TestManager_PublishAfterReplayKeepsOrder(t *testing.T) {
	bus := memory.NewBus()
	m, col := newManager(t, bus)
	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.AddInterest(transport.Interest{Subject: "seq"}))

	bus.SetOffline(true)
	bus.DisconnectAll()
	waitState(t, m, Reconnecting)
	require.NoError(t, m.Publish(message.New("seq", []byte("a"))))
	require.NoError(t, m.Publish(message.New("seq", []byte("b"))))
	bus.SetOffline(false)

	// Flush waits for the replay to finish
	require.NoError(t, m.Flush(context.Background()))
	require.NoError(t, m.Publish(message.New("seq", []byte("c"))))

	require.Eventually(t, func() bool { return col.len() == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, col.payloads())
}

func TestManager_OutboundOverflow(t *testing.T) {
	t.Run("reject new", func(t *testing.T) {
		bus := memory.NewBus()
		m, _ := newManager(t, bus, WithOutboundBuffer(2, RejectNew))
		require.NoError(t, m.Connect(context.Background()))

		bus.SetOffline(true)
		bus.DisconnectAll()
		waitState(t, m, Reconnecting)

		require.NoError(t, m.Publish(message.New("x", []byte("1"))))
		require.NoError(t, m.Publish(message.New("x", []byte("2"))))
		err := m.Publish(message.New("x", []byte("3")))
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrOverflow))
		assert.Equal(t, 2, m.Stats().Buffered)
	})

	t.Run("drop oldest", func(t *testing.T) {
		bus := memory.NewBus()
		m, col := newManager(t, bus, WithOutboundBuffer(2, DropOldest))
		require.NoError(t, m.Connect(context.Background()))
		require.NoError(t, m.AddInterest(transport.Interest{Subject: "x"}))

		bus.SetOffline(true)
		bus.DisconnectAll()
		waitState(t, m, Reconnecting)

		for _, p := range []string{"1", "2", "3"} {
			require.NoError(t, m.Publish(message.New("x", []byte(p))))
		}
		assert.Equal(t, uint64(1), m.Stats().Dropped)

		bus.SetOffline(false)
		require.NoError(t, m.Flush(context.Background()))
		require.Eventually(t, func() bool { return col.len() == 2 }, time.Second, time.Millisecond)
		assert.Equal(t, []string{"2", "3"}, col.payloads())
	})
}

func TestManager_MaxReconnectsExhausted(t *testing.T) {
	bus := memory.NewBus()
	closed := make(chan error, 1)
	m, _ := newManager(t, bus,
		WithMaxReconnects(2),
		WithClosedHandler(func(err error) { closed <- err }),
	)
	require.NoError(t, m.Connect(context.Background()))

	bus.SetOffline(true)
	bus.DisconnectAll()

	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not close after exhausting reconnects")
	}

	assert.Equal(t, Closed, m.State())
	assert.True(t, errors.Is(m.Err(), errors.ErrConnectionLost))
	err := <-closed
	assert.True(t, errors.Is(err, errors.ErrConnectionLost))

	err = m.Publish(message.New("foo", nil))
	assert.True(t, errors.Is(err, errors.ErrConnectionClosed))
	assert.True(t, errors.IsFatal(err))
}

func TestManager_ZeroReconnectsClosesOnFirstLoss(t *testing.T) {
	bus := memory.NewBus()
	m, _ := newManager(t, bus, WithMaxReconnects(0))
	require.NoError(t, m.Connect(context.Background()))

	bus.DisconnectAll()
	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("manager kept reconnecting")
	}
	_, _, dials := bus.Stats()
	assert.Equal(t, uint64(1), dials)
}

func TestManager_InitialConnectFailure(t *testing.T) {
	t.Run("fails without retry", func(t *testing.T) {
		bus := memory.NewBus()
		bus.SetOffline(true)
		m, _ := newManager(t, bus)

		err := m.Connect(context.Background())
		require.Error(t, err)
		assert.True(t, errors.IsTransient(err))
		assert.Equal(t, Disconnected, m.State())

		bus.SetOffline(false)
		require.NoError(t, m.Connect(context.Background()), "connect may be retried")
	})

	t.Run("retries in background", func(t *testing.T) {
		bus := memory.NewBus()
		bus.SetOffline(true)
		m, _ := newManager(t, bus, WithRetryOnFailedConnect(true))

		require.NoError(t, m.Connect(context.Background()))
		assert.Equal(t, Reconnecting, m.State())
		require.NoError(t, m.Publish(message.New("early", nil)), "publishes buffer while retrying")

		bus.SetOffline(false)
		waitState(t, m, Connected)
		assert.Equal(t, 0, m.Stats().Buffered)
	})
}

func TestManager_InterestRefcount(t *testing.T) {
	bus := memory.NewBus()
	m, col := newManager(t, bus)
	require.NoError(t, m.Connect(context.Background()))

	interest := transport.Interest{Subject: "work", Queue: "q"}
	require.NoError(t, m.AddInterest(interest))
	require.NoError(t, m.AddInterest(interest))
	assert.Equal(t, 1, bus.Interests())
	assert.Equal(t, 1, m.Stats().Interests)

	require.NoError(t, m.RemoveInterest(interest))
	require.NoError(t, m.Publish(message.New("work", []byte("still"))))
	require.Eventually(t, func() bool { return col.len() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, m.RemoveInterest(interest))
	assert.Equal(t, 0, bus.Interests())
	require.NoError(t, m.RemoveInterest(interest), "extra remove is a no-op")
}

func TestManager_InterestsRestoredAfterReconnect(t *testing.T) {
	bus := memory.NewBus()
	m, _ := newManager(t, bus)
	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.AddInterest(transport.Interest{Subject: "a.*"}))
	require.NoError(t, m.AddInterest(transport.Interest{Subject: "b", Queue: "g"}))

	bus.DisconnectAll()
	waitState(t, m, Connected)
	require.Eventually(t, func() bool { return bus.Interests() == 2 }, time.Second, time.Millisecond)
}

func TestManager_HealthCheck(t *testing.T) {
	bus := memory.NewBus()
	m, _ := newManager(t, bus)

	assert.True(t, m.HealthCheck().IsUnhealthy())

	require.NoError(t, m.Connect(context.Background()))
	assert.True(t, m.HealthCheck().IsHealthy())

	bus.SetOffline(true)
	bus.DisconnectAll()
	waitState(t, m, Reconnecting)
	require.NoError(t, m.Publish(message.New("x", nil)))
	status := m.HealthCheck()
	assert.True(t, status.IsDegraded())
	require.NotNil(t, status.Metrics)
	assert.Equal(t, int64(1), status.Metrics.Pending)

	require.NoError(t, m.Close())
	assert.True(t, m.HealthCheck().IsUnhealthy())
}

func TestManager_CloseIdempotent(t *testing.T) {
	bus := memory.NewBus()
	var calls atomic.Int32
	m, _ := newManager(t, bus, WithClosedHandler(func(err error) {
		assert.NoError(t, err)
		calls.Add(1)
	}))
	require.NoError(t, m.Connect(context.Background()))

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 0, bus.Sessions())

	err := m.Connect(context.Background())
	assert.True(t, errors.Is(err, errors.ErrConnectionClosed))
	assert.True(t, errors.Is(m.WaitForConnection(context.Background()), errors.ErrConnectionClosed))
}

func TestNew_InvalidOptions(t *testing.T) {
	bus := memory.NewBus()
	for name, opt := range map[string]Option{
		"outbound size":  WithOutboundBuffer(0, DropOldest),
		"inbound size":   WithInboundBuffer(-1, 0),
		"max reconnects": WithMaxReconnects(-2),
		"wait order":     WithReconnectWait(time.Second, time.Millisecond),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := New(bus, opt)
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}

	_, err := New(nil)
	assert.True(t, errors.IsInvalid(err))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "reconnecting", Reconnecting.String())
	assert.Equal(t, "unknown", State(42).String())
	assert.Equal(t, "reject", RejectNew.String())
}
