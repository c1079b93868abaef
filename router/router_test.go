package router

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
)

func msg(subj, data string) *message.Msg {
	return message.New(subj, []byte(data))
}

func next(t *testing.T, sub *Subscription) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m, err := sub.NextMsg(ctx)
	require.NoError(t, err)
	return string(m.RawData())
}

type fakeRegistrar struct {
	mu      sync.Mutex
	added   []transport.Interest
	removed []transport.Interest
	fail    error
}

func (f *fakeRegistrar) AddInterest(i transport.Interest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.added = append(f.added, i)
	return nil
}

func (f *fakeRegistrar) RemoveInterest(i transport.Interest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, i)
	return nil
}

func TestRouter_PlainFanOut(t *testing.T) {
	r := New()
	star, err := r.Subscribe("orders.*", "", nil)
	require.NoError(t, err)
	full, err := r.Subscribe("orders.>", "", nil)
	require.NoError(t, err)
	exact, err := r.Subscribe("orders.new", "", nil)
	require.NoError(t, err)

	r.Deliver("", msg("orders.new", "1"))
	r.Deliver("", msg("orders.eu.new", "2"))
	r.Deliver("", msg("invoices.new", "3"))

	assert.Equal(t, 1, star.Pending())
	assert.Equal(t, 2, full.Pending())
	assert.Equal(t, 1, exact.Pending())
	assert.Equal(t, "1", next(t, star))
	assert.Equal(t, "1", next(t, full))
	assert.Equal(t, "2", next(t, full))

	stats := r.Stats()
	assert.Equal(t, uint64(3), stats.Routed)
	assert.Equal(t, uint64(4), stats.Delivered)
	assert.Equal(t, uint64(1), stats.Unmatched)
}

func TestRouter_InvalidPatterns(t *testing.T) {
	r := New()
	for _, p := range []string{"a.>.b", "", "a..b", ">.a"} {
		_, err := r.Subscribe(p, "", nil)
		require.Error(t, err, p)
		assert.True(t, errors.Is(err, errors.ErrInvalidSubject), p)
		assert.True(t, errors.IsInvalid(err), p)
	}
	_, err := r.Subscribe("ok", "bad queue", nil)
	assert.True(t, errors.IsInvalid(err))
	assert.Equal(t, 0, r.NumSubscriptions())
}

func TestRouter_QueueGroupSpread(t *testing.T) {
	r := New()
	members := make([]*Subscription, 3)
	for i := range members {
		var err error
		members[i], err = r.Subscribe("work.*", "workers", nil)
		require.NoError(t, err)
	}
	observer, err := r.Subscribe("work.>", "", nil)
	require.NoError(t, err)

	const n = 30
	for i := range n {
		require.NoError(t, r.Publish(msg("work.item", fmt.Sprint(i))))
	}

	total := 0
	for _, m := range members {
		assert.Equal(t, n/3, m.Pending(), "round robin spreads evenly")
		total += m.Pending()
	}
	assert.Equal(t, n, total, "each message reaches one member")
	assert.Equal(t, n, observer.Pending(), "plain subscribers see everything")
}

func TestRouter_DeliverGroup(t *testing.T) {
	r := New()
	plain, err := r.Subscribe("jobs", "", nil)
	require.NoError(t, err)
	a, err := r.Subscribe("jobs", "a", nil)
	require.NoError(t, err)
	b, err := r.Subscribe("jobs", "b", nil)
	require.NoError(t, err)

	r.Deliver("a", msg("jobs", "x"))
	assert.Equal(t, 0, plain.Pending())
	assert.Equal(t, 1, a.Pending())
	assert.Equal(t, 0, b.Pending())

	r.Deliver("missing", msg("jobs", "y"))
	assert.Equal(t, uint64(1), r.Stats().Unmatched)
}

func TestRouter_QueueSkipsClosedMember(t *testing.T) {
	r := New()
	a, err := r.Subscribe("q", "g", nil)
	require.NoError(t, err)
	b, err := r.Subscribe("q", "g", nil)
	require.NoError(t, err)
	require.NoError(t, a.Unsubscribe())

	for range 4 {
		r.Deliver("g", msg("q", "m"))
	}
	assert.Equal(t, 4, b.Pending())
}

func TestSubscription_DropOldest(t *testing.T) {
	var warnings atomic.Int32
	r := New(WithErrorHandler(func(_ *Subscription, err error) {
		assert.True(t, errors.Is(err, errors.ErrSlowConsumer))
		warnings.Add(1)
	}))
	sub, err := r.Subscribe("s", "", nil, WithPendingLimit(2))
	require.NoError(t, err)

	for i := range 5 {
		r.Deliver("", msg("s", fmt.Sprint(i)))
	}

	assert.Equal(t, 2, sub.Pending())
	assert.Equal(t, uint64(3), sub.Dropped())
	assert.Equal(t, uint64(3), r.Stats().Dropped)
	assert.Equal(t, int32(1), warnings.Load(), "slow consumer reported once")
	assert.Equal(t, "3", next(t, sub))
	assert.Equal(t, "4", next(t, sub))
}

func TestSubscription_Block(t *testing.T) {
	r := New()
	sub, err := r.Subscribe("s", "", nil, WithPendingLimit(1), WithBlock())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Deliver("", msg("s", "1"))
		r.Deliver("", msg("s", "2"))
	}()

	select {
	case <-done:
		t.Fatal("second delivery should block on a full queue")
	case <-time.After(50 * time.Millisecond):
	}

	assert.Equal(t, "1", next(t, sub))
	<-done
	assert.Equal(t, "2", next(t, sub))
	assert.Equal(t, uint64(0), sub.Dropped())
}

func TestSubscription_BlockedDelivererReleasedByUnsubscribe(t *testing.T) {
	r := New()
	sub, err := r.Subscribe("s", "", nil, WithPendingLimit(1), WithBlock())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Deliver("", msg("s", "1"))
		r.Deliver("", msg("s", "2"))
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, sub.Unsubscribe())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("deliverer still blocked after unsubscribe")
	}
}

func TestSubscription_InvalidPolicy(t *testing.T) {
	r := New()
	_, err := r.Subscribe("s", "", nil, WithPendingLimit(0))
	assert.True(t, errors.IsInvalid(err))
}

func TestSubscription_Handler(t *testing.T) {
	r := New()
	var mu sync.Mutex
	var got []string
	sub, err := r.Subscribe("h.>", "", func(m *message.Msg) {
		mu.Lock()
		got = append(got, string(m.RawData()))
		mu.Unlock()
	})
	require.NoError(t, err)

	for i := range 10 {
		r.Deliver("", msg("h.x", fmt.Sprint(i)))
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 10
	}, time.Second, time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "9"}, got)
	mu.Unlock()

	_, err = sub.NextMsg(context.Background())
	assert.True(t, errors.IsInvalid(err), "handler subscriptions are not polled")

	require.NoError(t, sub.Unsubscribe())
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("handler goroutine did not exit")
	}
	assert.Equal(t, Closed, sub.State())
}

func TestSubscription_HandlerPanicRecovered(t *testing.T) {
	r := New()
	var calls atomic.Int32
	sub, err := r.Subscribe("p", "", func(m *message.Msg) {
		calls.Add(1)
		if string(m.RawData()) == "boom" {
			panic("boom")
		}
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	r.Deliver("", msg("p", "boom"))
	r.Deliver("", msg("p", "ok"))
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)
}

func TestSubscription_NextMsgTimeout(t *testing.T) {
	r := New()
	sub, err := r.Subscribe("t", "", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = sub.NextMsg(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTimeout))
	assert.True(t, sub.IsValid())
}

func TestSubscription_UnsubscribeDiscards(t *testing.T) {
	r := New()
	sub, err := r.Subscribe("u", "", nil)
	require.NoError(t, err)
	r.Deliver("", msg("u", "queued"))

	require.NoError(t, sub.Unsubscribe())
	assert.Equal(t, Closed, sub.State())
	assert.Equal(t, 0, r.NumSubscriptions())

	_, err = sub.NextMsg(context.Background())
	assert.True(t, errors.Is(err, errors.ErrSubscriptionClosed))

	err = sub.Unsubscribe()
	assert.True(t, errors.Is(err, errors.ErrSubscriptionClosed))

	r.Deliver("", msg("u", "late"))
	assert.Equal(t, 0, sub.Pending())
}

func TestSubscription_UnsubscribeIsNotSlowConsumer(t *testing.T) {
	var warnings atomic.Int32
	r := New(WithErrorHandler(func(*Subscription, error) { warnings.Add(1) }))
	sub, err := r.Subscribe("u", "", nil)
	require.NoError(t, err)
	for i := range 3 {
		r.Deliver("", msg("u", fmt.Sprint(i)))
	}
	require.Equal(t, 3, sub.Pending())

	require.NoError(t, sub.Unsubscribe())
	assert.Equal(t, 0, sub.Pending())
	assert.Zero(t, sub.Dropped())
	assert.Zero(t, r.Stats().Dropped)
	assert.Zero(t, warnings.Load())
}

func TestSubscription_DrainSync(t *testing.T) {
	r := New()
	sub, err := r.Subscribe("d", "", nil)
	require.NoError(t, err)
	for i := range 3 {
		r.Deliver("", msg("d", fmt.Sprint(i)))
	}

	drained := make(chan error, 1)
	go func() { drained <- sub.Drain(context.Background()) }()

	require.Eventually(t, func() bool { return sub.State() == Draining }, time.Second, time.Millisecond)
	r.Deliver("", msg("d", "late"))

	for i := range 3 {
		assert.Equal(t, fmt.Sprint(i), next(t, sub))
	}
	select {
	case err := <-drained:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("drain did not finish")
	}
	assert.Equal(t, Closed, sub.State())
}

func TestSubscription_DrainTimeout(t *testing.T) {
	r := New()
	sub, err := r.Subscribe("d", "", nil)
	require.NoError(t, err)
	r.Deliver("", msg("d", "never read"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = sub.Drain(ctx)
	assert.True(t, errors.Is(err, errors.ErrTimeout))
}

func TestSubscription_DrainHandler(t *testing.T) {
	r := New()
	var handled atomic.Int32
	sub, err := r.Subscribe("d", "", func(*message.Msg) {
		time.Sleep(5 * time.Millisecond)
		handled.Add(1)
	})
	require.NoError(t, err)
	for range 5 {
		r.Deliver("", msg("d", "x"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sub.Drain(ctx))
	assert.Equal(t, int32(5), handled.Load())
}

func TestSubscription_AutoUnsubscribe(t *testing.T) {
	reg := &fakeRegistrar{}
	r := New(WithRegistrar(reg))
	sub, err := r.Subscribe("a", "", nil)
	require.NoError(t, err)
	require.NoError(t, sub.AutoUnsubscribe(2))

	for i := range 5 {
		r.Deliver("", msg("a", fmt.Sprint(i)))
	}
	assert.Equal(t, "0", next(t, sub))
	assert.Equal(t, "1", next(t, sub))

	_, err = sub.NextMsg(context.Background())
	assert.True(t, errors.Is(err, errors.ErrSubscriptionClosed))
	assert.Len(t, reg.removed, 1)
	assert.Equal(t, 0, r.NumSubscriptions())

	require.Error(t, sub.AutoUnsubscribe(1))
}

func TestSubscription_Messages(t *testing.T) {
	r := New()
	sub, err := r.Subscribe("it", "", nil)
	require.NoError(t, err)
	for i := range 5 {
		r.Deliver("", msg("it", fmt.Sprint(i)))
	}

	var got []string
	for m := range sub.Messages(context.Background()) {
		got = append(got, string(m.RawData()))
		if len(got) == 3 {
			break
		}
	}
	assert.Equal(t, []string{"0", "1", "2"}, got)
	assert.Equal(t, 2, sub.Pending())
}

func TestRouter_Registrar(t *testing.T) {
	reg := &fakeRegistrar{}
	r := New(WithRegistrar(reg))

	sub, err := r.Subscribe("x.*", "q", nil)
	require.NoError(t, err)
	assert.Equal(t, []transport.Interest{{Subject: "x.*", Queue: "q"}}, reg.added)

	require.NoError(t, sub.Unsubscribe())
	assert.Equal(t, []transport.Interest{{Subject: "x.*", Queue: "q"}}, reg.removed)

	reg.fail = errors.New("upstream down")
	_, err = r.Subscribe("y", "", nil)
	require.Error(t, err)
	assert.Equal(t, 0, r.NumSubscriptions())
	r.Deliver("", msg("y", "nobody"))
	assert.Equal(t, uint64(1), r.Stats().Unmatched)
}

func TestRouter_CloseAndDrain(t *testing.T) {
	r := New()
	a, err := r.Subscribe("a", "", nil)
	require.NoError(t, err)
	b, err := r.Subscribe("b", "", func(*message.Msg) {})
	require.NoError(t, err)

	require.NoError(t, r.Drain(context.Background()))
	assert.Equal(t, Closed, a.State())
	assert.Equal(t, Closed, b.State())

	_, err = r.Subscribe("c", "", nil)
	assert.True(t, errors.Is(err, errors.ErrConnectionClosed))

	r2 := New()
	c, err := r2.Subscribe("c", "", nil)
	require.NoError(t, err)
	r2.Close()
	assert.Equal(t, Closed, c.State())
	assert.Equal(t, 0, r2.NumSubscriptions())
}

func TestSubState_String(t *testing.T) {
	assert.Equal(t, "active", Active.String())
	assert.Equal(t, "draining", Draining.String())
	assert.Equal(t, "closed", Closed.String())
}
