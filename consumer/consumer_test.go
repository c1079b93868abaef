package consumer

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streambus/errors"
	"github.com/c360/streambus/message"
	"github.com/c360/streambus/stream"
)

func newStream(t *testing.T, cfg stream.Config) (*stream.Store, *stream.Stream) {
	t.Helper()
	store, err := stream.NewStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	str, err := store.CreateStream(cfg)
	require.NoError(t, err)
	return store, str
}

func ordersStream(t *testing.T) (*stream.Store, *stream.Stream) {
	return newStream(t, stream.Config{Name: "ORDERS", Subjects: []string{"orders.>"}})
}

func publish(t *testing.T, store *stream.Store, subj string, n int) {
	t.Helper()
	for i := range n {
		_, err := store.Append(message.New(subj, []byte(strconv.Itoa(i))))
		require.NoError(t, err)
	}
}

func newConsumer(t *testing.T, str *stream.Stream, cfg Config, opts ...Option) *Consumer {
	t.Helper()
	c, err := New(context.Background(), str, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	return c
}

func seqs(msgs []*Msg) []uint64 {
	out := make([]uint64, len(msgs))
	for i, m := range msgs {
		out[i] = m.Metadata().Sequence.Stream
	}
	return out
}

func TestConsumer_FetchAndAck(t *testing.T) {
	store, str := ordersStream(t)
	publish(t, store, "orders.new", 3)
	c := newConsumer(t, str, Config{Durable: "worker"})
	ctx := context.Background()

	msgs, err := c.Fetch(ctx, 2, time.Second)
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2}, seqs(msgs))

	meta := msgs[0].Metadata()
	assert.Equal(t, "ORDERS", meta.Stream)
	assert.Equal(t, "worker", meta.Consumer)
	assert.Equal(t, uint64(1), meta.Sequence.Consumer)
	assert.Equal(t, 1, meta.NumDelivered)
	assert.Equal(t, uint64(1), msgs[1].Metadata().NumPending)
	assert.Equal(t, []byte("0"), msgs[0].Data())

	require.NoError(t, msgs[1].Ack(ctx))
	info := c.Info()
	assert.Equal(t, uint64(0), info.AckFloor.Stream, "seq 1 still pending")
	assert.Equal(t, 1, info.NumAckPending)

	require.NoError(t, msgs[0].Ack(ctx))
	info = c.Info()
	assert.Equal(t, uint64(2), info.AckFloor.Stream)
	assert.Equal(t, uint64(2), info.Delivered.Stream)
	assert.Equal(t, uint64(1), info.NumPending)
	assert.Equal(t, 0, info.NumAckPending)

	err = msgs[0].Ack(ctx)
	assert.True(t, errors.Is(err, errors.ErrAlreadyAcked))
}

func TestConsumer_FetchReturnsWhatIsAvailable(t *testing.T) {
	store, str := ordersStream(t)
	publish(t, store, "orders.new", 2)
	c := newConsumer(t, str, Config{Durable: "worker"})

	start := time.Now()
	msgs, err := c.Fetch(context.Background(), 10, 2*time.Second)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	assert.Less(t, time.Since(start), time.Second)
}

func TestConsumer_FetchTimeout(t *testing.T) {
	_, str := ordersStream(t)
	c := newConsumer(t, str, Config{Durable: "worker"})

	start := time.Now()
	msgs, err := c.Fetch(context.Background(), 1, 50*time.Millisecond)
	require.Error(t, err)
	assert.Nil(t, msgs)
	assert.True(t, errors.Is(err, errors.ErrTimeout))
	assert.True(t, errors.IsTransient(err))
	assert.Less(t, time.Since(start), time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Fetch(ctx, 1, time.Second)
	assert.True(t, errors.Is(err, context.Canceled))

	_, err = c.Fetch(context.Background(), 0, time.Second)
	assert.True(t, errors.IsInvalid(err))
}

func TestConsumer_NextWaitsForAppend(t *testing.T) {
	store, str := ordersStream(t)
	c := newConsumer(t, str, Config{Durable: "worker"})

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = store.Append(message.New("orders.late", []byte("x")))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m, err := c.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "orders.late", m.Subject())
}

func TestConsumer_RedeliveryThenDeadLetter(t *testing.T) {
	store, str := ordersStream(t)
	publish(t, store, "orders.new", 1)

	letters := make(chan DeadLetter, 4)
	c := newConsumer(t, str, Config{
		Durable:    "worker",
		AckWait:    50 * time.Millisecond,
		MaxDeliver: 2,
	}, WithDeadLetterHandler(func(dl DeadLetter) { letters <- dl }))
	ctx := context.Background()

	first, err := c.Fetch(ctx, 1, time.Second)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, 1, first[0].Metadata().NumDelivered)

	// not acked, comes back after the ack wait
	second, err := c.Fetch(ctx, 1, time.Second)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, uint64(1), second[0].Metadata().Sequence.Stream)
	assert.Equal(t, 2, second[0].Metadata().NumDelivered)
	assert.Greater(t, second[0].Metadata().Sequence.Consumer, first[0].Metadata().Sequence.Consumer)

	select {
	case dl := <-letters:
		assert.Equal(t, uint64(1), dl.StreamSeq)
		assert.Equal(t, 2, dl.Deliveries)
		assert.Equal(t, "max_deliver", dl.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("message was not dead lettered")
	}

	_, err = c.Fetch(ctx, 1, 150*time.Millisecond)
	assert.True(t, errors.Is(err, errors.ErrTimeout), "never delivered again")

	info := c.Info()
	assert.Equal(t, uint64(1), info.AckFloor.Stream)
	assert.Equal(t, 0, info.NumAckPending)
	assert.False(t, info.Terminated)
}

func TestConsumer_DeadLetterTerminate(t *testing.T) {
	store, str := ordersStream(t)
	publish(t, store, "orders.new", 1)

	c := newConsumer(t, str, Config{
		Durable:    "strict",
		AckWait:    30 * time.Millisecond,
		MaxDeliver: 1,
		DeadLetter: DeadLetterTerminate,
	})
	ctx := context.Background()

	msgs, err := c.Fetch(ctx, 1, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	_, err = c.Fetch(ctx, 1, 2*time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrMaxDeliver))
	assert.True(t, errors.Is(err, errors.ErrConsumerTerminated))
	assert.True(t, errors.IsFatal(err))
	assert.True(t, c.Info().Terminated)
	assert.Error(t, c.Err())
}

func TestConsumer_RecreatedDurableKeepsMaxDeliver(t *testing.T) {
	store, str := ordersStream(t)
	publish(t, store, "orders.new", 1)
	states := NewMemoryStateStore()
	ctx := context.Background()
	cfg := Config{
		Durable:    "strict",
		AckWait:    30 * time.Millisecond,
		MaxDeliver: 2,
		DeadLetter: DeadLetterTerminate,
	}

	first := newConsumer(t, str, cfg, WithStateStore(states))
	deliveries := 0
	for {
		msgs, err := first.Fetch(ctx, 1, 2*time.Second)
		if err != nil {
			require.True(t, errors.Is(err, errors.ErrMaxDeliver))
			break
		}
		deliveries += len(msgs)
	}
	require.Equal(t, 2, deliveries)
	first.Stop()

	saved, err := states.Load(ctx, "ORDERS", "strict")
	require.NoError(t, err)
	require.Contains(t, saved.Pending, uint64(1))

	second := newConsumer(t, str, cfg, WithStateStore(states))
	_, err = second.Fetch(ctx, 1, 150*time.Millisecond)
	assert.True(t, errors.Is(err, errors.ErrTimeout), "an exhausted message is not delivered a third time")

	info := second.Info()
	assert.Equal(t, uint64(1), info.AckFloor.Stream)
	assert.Zero(t, info.NumAckPending)
	assert.Zero(t, info.NumRedelivered)
	assert.False(t, info.Terminated)

	publish(t, store, "orders.new", 1)
	msgs, err := second.Fetch(ctx, 1, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, seqs(msgs))

	saved, err = states.Load(ctx, "ORDERS", "strict")
	require.NoError(t, err)
	assert.NotContains(t, saved.Pending, uint64(1))
}

func TestConsumer_LoweredMaxDeliverDeadLettersWaiting(t *testing.T) {
	store, str := ordersStream(t)
	publish(t, store, "orders.new", 1)
	letters := make(chan DeadLetter, 2)
	cfg := Config{Durable: "worker", AckWait: time.Minute, MaxDeliver: 5}
	c := newConsumer(t, str, cfg, WithDeadLetterHandler(func(dl DeadLetter) { letters <- dl }))
	ctx := context.Background()

	msgs, err := c.Fetch(ctx, 1, time.Second)
	require.NoError(t, err)
	require.NoError(t, msgs[0].Nak(ctx))
	msgs, err = c.Fetch(ctx, 1, time.Second)
	require.NoError(t, err)
	require.NoError(t, msgs[0].NakWithDelay(ctx, time.Hour))

	cfg.MaxDeliver = 2
	require.NoError(t, c.Update(cfg))

	select {
	case dl := <-letters:
		assert.Equal(t, "max_deliver", dl.Reason)
		assert.Equal(t, 2, dl.Deliveries)
	case <-time.After(2 * time.Second):
		t.Fatal("waiting message was not dead lettered")
	}
	assert.Zero(t, c.Info().NumRedelivered)
}

func TestConsumer_BackOff(t *testing.T) {
	cfg := Config{BackOff: []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}}
	assert.Equal(t, time.Duration(0), cfg.backoffFor(0))
	assert.Equal(t, 10*time.Millisecond, cfg.backoffFor(1))
	assert.Equal(t, 20*time.Millisecond, cfg.backoffFor(2))
	assert.Equal(t, 20*time.Millisecond, cfg.backoffFor(7))
	assert.Equal(t, time.Duration(0), Config{}.backoffFor(3))

	store, str := ordersStream(t)
	publish(t, store, "orders.new", 1)
	c := newConsumer(t, str, Config{
		Durable: "slow",
		AckWait: 20 * time.Millisecond,
		BackOff: []time.Duration{300 * time.Millisecond},
	})
	ctx := context.Background()

	_, err := c.Fetch(ctx, 1, time.Second)
	require.NoError(t, err)
	_, err = c.Fetch(ctx, 1, 100*time.Millisecond)
	assert.True(t, errors.Is(err, errors.ErrTimeout), "held back by the backoff")

	msgs, err := c.Fetch(ctx, 1, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, msgs[0].Metadata().NumDelivered)
}

func TestConsumer_NakAndTerm(t *testing.T) {
	store, str := ordersStream(t)
	publish(t, store, "orders.new", 2)

	letters := make(chan DeadLetter, 1)
	c := newConsumer(t, str, Config{Durable: "worker", AckWait: time.Minute},
		WithDeadLetterHandler(func(dl DeadLetter) { letters <- dl }))
	ctx := context.Background()

	msgs, err := c.Fetch(ctx, 2, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	require.NoError(t, msgs[0].Nak(ctx))
	again, err := c.Fetch(ctx, 1, time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), again[0].Metadata().Sequence.Stream)
	assert.Equal(t, 2, again[0].Metadata().NumDelivered)

	require.NoError(t, again[0].NakWithDelay(ctx, 200*time.Millisecond))
	_, err = c.Fetch(ctx, 1, 50*time.Millisecond)
	assert.True(t, errors.Is(err, errors.ErrTimeout))
	delayed, err := c.Fetch(ctx, 1, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, delayed[0].Metadata().NumDelivered)

	require.NoError(t, msgs[1].Term(ctx))
	dl := <-letters
	assert.Equal(t, uint64(2), dl.StreamSeq)
	assert.Equal(t, "terminated", dl.Reason)

	require.NoError(t, delayed[0].Ack(ctx))
	info := c.Info()
	assert.Equal(t, uint64(2), info.AckFloor.Stream)
	assert.Equal(t, 0, info.NumAckPending+info.NumRedelivered)
}

func TestConsumer_InProgressExtendsDeadline(t *testing.T) {
	store, str := ordersStream(t)
	publish(t, store, "orders.new", 1)
	c := newConsumer(t, str, Config{Durable: "worker", AckWait: 200 * time.Millisecond})
	ctx := context.Background()

	msgs, err := c.Fetch(ctx, 1, time.Second)
	require.NoError(t, err)

	time.Sleep(120 * time.Millisecond)
	require.NoError(t, msgs[0].InProgress(ctx))
	time.Sleep(120 * time.Millisecond)

	info := c.Info()
	assert.Equal(t, 1, info.NumAckPending)
	assert.Equal(t, 0, info.NumRedelivered)

	assert.Eventually(t, func() bool { return c.Info().NumRedelivered == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestConsumer_AckPolicies(t *testing.T) {
	ctx := context.Background()

	t.Run("all", func(t *testing.T) {
		store, str := ordersStream(t)
		publish(t, store, "orders.new", 3)
		c := newConsumer(t, str, Config{Durable: "all", AckPolicy: AckAll})

		msgs, err := c.Fetch(ctx, 3, time.Second)
		require.NoError(t, err)
		require.NoError(t, msgs[2].Ack(ctx))

		info := c.Info()
		assert.Equal(t, 0, info.NumAckPending)
		assert.Equal(t, uint64(3), info.AckFloor.Stream)
	})

	t.Run("none", func(t *testing.T) {
		store, str := ordersStream(t)
		publish(t, store, "orders.new", 2)
		c := newConsumer(t, str, Config{Durable: "none", AckPolicy: AckNone})

		msgs, err := c.Fetch(ctx, 2, time.Second)
		require.NoError(t, err)
		require.Len(t, msgs, 2)

		info := c.Info()
		assert.Equal(t, 0, info.NumAckPending)
		assert.Equal(t, uint64(2), info.AckFloor.Stream)
		assert.True(t, errors.Is(msgs[0].Ack(ctx), errors.ErrAlreadyAcked))
	})
}

func TestConsumer_MaxAckPending(t *testing.T) {
	store, str := ordersStream(t)
	publish(t, store, "orders.new", 5)
	c := newConsumer(t, str, Config{Durable: "worker", MaxAckPending: 2})
	ctx := context.Background()

	msgs, err := c.Fetch(ctx, 5, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	_, err = c.Fetch(ctx, 1, 50*time.Millisecond)
	assert.True(t, errors.Is(err, errors.ErrTimeout))

	require.NoError(t, msgs[0].Ack(ctx))
	more, err := c.Fetch(ctx, 5, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3}, seqs(more))
}

func TestConsumer_DeliverPolicies(t *testing.T) {
	store, str := ordersStream(t)
	_, err := store.Append(message.New("orders.a", []byte("1")))
	require.NoError(t, err)
	_, err = store.Append(message.New("orders.b", []byte("2")))
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	mark := time.Now()
	_, err = store.Append(message.New("orders.a", []byte("3")))
	require.NoError(t, err)

	tests := []struct {
		name string
		cfg  Config
		want uint64
	}{
		{"all", Config{DeliverPolicy: DeliverAll}, 1},
		{"last", Config{DeliverPolicy: DeliverLast}, 3},
		{"last filtered", Config{DeliverPolicy: DeliverLast, FilterSubjects: []string{"orders.b"}}, 2},
		{"by start sequence", Config{DeliverPolicy: DeliverByStartSequence, OptStartSeq: 2}, 2},
		{"by start time", Config{DeliverPolicy: DeliverByStartTime, OptStartTime: mark}, 3},
		{"filtered", Config{FilterSubjects: []string{"orders.b"}}, 2},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.Durable = "c" + strconv.Itoa(i)
			c := newConsumer(t, str, tt.cfg)
			msgs, err := c.Fetch(context.Background(), 1, time.Second)
			require.NoError(t, err)
			assert.Equal(t, []uint64{tt.want}, seqs(msgs))
		})
	}

	t.Run("new", func(t *testing.T) {
		c := newConsumer(t, str, Config{Durable: "fresh", DeliverPolicy: DeliverNew})
		_, err := c.Fetch(context.Background(), 1, 30*time.Millisecond)
		assert.True(t, errors.Is(err, errors.ErrTimeout))

		publish(t, store, "orders.c", 1)
		msgs, err := c.Fetch(context.Background(), 1, time.Second)
		require.NoError(t, err)
		assert.Equal(t, []uint64{4}, seqs(msgs))
	})
}

func TestConsumer_WorkQueueRemovesAcked(t *testing.T) {
	store, str := newStream(t, stream.Config{
		Name:      "JOBS",
		Subjects:  []string{"jobs.>"},
		Retention: stream.WorkQueuePolicy,
	})
	publish(t, store, "jobs.run", 2)
	c := newConsumer(t, str, Config{Durable: "runner"})
	ctx := context.Background()

	msgs, err := c.Fetch(ctx, 2, time.Second)
	require.NoError(t, err)
	require.NoError(t, msgs[0].Ack(ctx))

	assert.Equal(t, uint64(1), str.State().Msgs)
	_, err = str.GetMsg(1)
	assert.True(t, errors.Is(err, errors.ErrMsgNotFound))
}

func TestConsumer_DurableResume(t *testing.T) {
	store, str := ordersStream(t)
	publish(t, store, "orders.new", 3)
	states, err := NewFileStateStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	first, err := New(ctx, str, Config{Durable: "billing"}, WithStateStore(states))
	require.NoError(t, err)
	msgs, err := first.Fetch(ctx, 3, time.Second)
	require.NoError(t, err)
	require.NoError(t, msgs[0].Ack(ctx))
	require.NoError(t, msgs[2].Ack(ctx))
	first.Stop()

	_, err = first.Fetch(ctx, 1, 10*time.Millisecond)
	assert.True(t, errors.Is(err, errors.ErrConsumerTerminated))

	publish(t, store, "orders.new", 1)
	second := newConsumer(t, str, Config{Durable: "billing"}, WithStateStore(states))
	info := second.Info()
	assert.Equal(t, uint64(3), info.Delivered.Stream)
	assert.Equal(t, uint64(1), info.AckFloor.Stream)

	resumed, err := second.Fetch(ctx, 10, time.Second)
	require.NoError(t, err)
	require.Equal(t, []uint64{2, 4}, seqs(resumed))
	assert.Equal(t, 2, resumed[0].Metadata().NumDelivered)
	assert.Equal(t, 1, resumed[1].Metadata().NumDelivered)

	require.NoError(t, second.Delete(ctx))
	_, err = states.Load(ctx, "ORDERS", "billing")
	assert.True(t, errors.Is(err, errors.ErrStateNotFound))
}

type flakyStore struct {
	*MemoryStateStore
	fail atomic.Bool
}

func (f *flakyStore) Save(ctx context.Context, stream, consumer string, st *State) error {
	if f.fail.Load() {
		return errors.New("disk full")
	}
	return f.MemoryStateStore.Save(ctx, stream, consumer, st)
}

func TestConsumer_FailedStateWriteKeepsMessagePending(t *testing.T) {
	store, str := ordersStream(t)
	publish(t, store, "orders.new", 1)
	states := &flakyStore{MemoryStateStore: NewMemoryStateStore()}
	c := newConsumer(t, str, Config{Durable: "worker", AckWait: time.Minute}, WithStateStore(states))
	ctx := context.Background()

	msgs, err := c.Fetch(ctx, 1, time.Second)
	require.NoError(t, err)

	states.fail.Store(true)
	err = msgs[0].Ack(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrAckFailed))

	info := c.Info()
	assert.Equal(t, 1, info.NumAckPending)
	assert.Equal(t, uint64(0), info.AckFloor.Stream)

	states.fail.Store(false)
	require.NoError(t, msgs[0].Ack(ctx))
	assert.Equal(t, uint64(1), c.Info().AckFloor.Stream)

	saved, err := states.Load(ctx, "ORDERS", "worker")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), saved.AckFloor.Stream)
	assert.Empty(t, saved.Pending)
}

// blockingStore holds Save until release is closed
type blockingStore struct {
	*MemoryStateStore
	block   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) Save(ctx context.Context, stream, consumer string, st *State) error {
	if b.block.Load() {
		b.entered <- struct{}{}
		<-b.release
	}
	return b.MemoryStateStore.Save(ctx, stream, consumer, st)
}

func TestConsumer_SlowStateWriteDoesNotBlockFetch(t *testing.T) {
	store, str := ordersStream(t)
	publish(t, store, "orders.new", 2)
	states := &blockingStore{
		MemoryStateStore: NewMemoryStateStore(),
		entered:          make(chan struct{}, 1),
		release:          make(chan struct{}),
	}
	c := newConsumer(t, str, Config{Durable: "worker", AckWait: time.Minute}, WithStateStore(states))
	ctx := context.Background()

	msgs, err := c.Fetch(ctx, 1, time.Second)
	require.NoError(t, err)

	states.block.Store(true)
	acked := make(chan error, 1)
	go func() { acked <- msgs[0].Ack(ctx) }()
	<-states.entered
	states.block.Store(false)

	start := time.Now()
	next, err := c.Fetch(ctx, 1, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, seqs(next))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 1, c.Info().NumAckPending, "seq 1 already left the pending set")

	close(states.release)
	require.NoError(t, <-acked)
	require.NoError(t, next[0].Ack(ctx))

	saved, err := states.Load(ctx, "ORDERS", "worker")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), saved.AckFloor.Stream)
	assert.Empty(t, saved.Pending)
}

func TestConsumer_Messages(t *testing.T) {
	store, str := ordersStream(t)
	publish(t, store, "orders.new", 3)
	c := newConsumer(t, str, Config{Durable: "iter"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var got []uint64
	for m, err := range c.Messages(ctx) {
		require.NoError(t, err)
		got = append(got, m.Metadata().Sequence.Stream)
		require.NoError(t, m.Ack(ctx))
		if len(got) == 3 {
			break
		}
	}
	assert.Equal(t, []uint64{1, 2, 3}, got)
}

func TestConsumer_Consume(t *testing.T) {
	store, str := ordersStream(t)
	c := newConsumer(t, str, Config{Durable: "push", Mode: Push})
	ctx := context.Background()

	_, err := c.Fetch(ctx, 1, time.Second)
	assert.True(t, errors.IsInvalid(err), "push consumers do not fetch")

	var (
		mu   sync.Mutex
		seen = map[uint64]bool{}
	)
	cc, err := c.Consume(func(m *Msg) {
		mu.Lock()
		seen[m.Metadata().Sequence.Stream] = true
		mu.Unlock()
		_ = m.Ack(ctx)
	}, WithConcurrency(4))
	require.NoError(t, err)

	publish(t, store, "orders.new", 20)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 20
	}, 2*time.Second, 10*time.Millisecond)

	cc.Stop()
	select {
	case <-cc.Closed():
	default:
		t.Fatal("consume context not closed")
	}
	assert.Eventually(t, func() bool { return c.Info().AckFloor.Stream == 20 }, time.Second, 10*time.Millisecond)

	_, err = c.Consume(nil)
	assert.True(t, errors.IsInvalid(err))
}

func TestConsumer_ConsumeEndsWhenConsumerStops(t *testing.T) {
	_, str := ordersStream(t)
	c := newConsumer(t, str, Config{Durable: "push", Mode: Push})

	errs := make(chan error, 1)
	cc, err := c.Consume(func(*Msg) {}, WithConsumeErrorHandler(func(err error) { errs <- err }))
	require.NoError(t, err)

	c.Stop()
	select {
	case <-cc.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("consume did not end")
	}
	assert.True(t, errors.Is(<-errs, errors.ErrConsumerTerminated))

	_, err = c.Consume(func(*Msg) {})
	assert.True(t, errors.IsFatal(err))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{"valid", Config{Durable: "ok", FilterSubjects: []string{"orders.a", "orders.b"}}, nil},
		{"missing name", Config{}, errors.ErrMissingConfig},
		{"names differ", Config{Durable: "a", Name: "b"}, errors.ErrInvalidConfig},
		{"overlapping filters", Config{Durable: "a", FilterSubjects: []string{"orders.*", "orders.a"}}, errors.ErrSubjectOverlap},
		{"bad filter", Config{Durable: "a", FilterSubjects: []string{"orders..a"}}, errors.ErrInvalidSubject},
		{"start seq missing", Config{Durable: "a", DeliverPolicy: DeliverByStartSequence}, errors.ErrMissingConfig},
		{"start seq unexpected", Config{Durable: "a", OptStartSeq: 4}, errors.ErrInvalidConfig},
		{"start time missing", Config{Durable: "a", DeliverPolicy: DeliverByStartTime}, errors.ErrMissingConfig},
		{"max deliver", Config{Durable: "a", MaxDeliver: -2}, errors.ErrInvalidConfig},
		{"backoff too long", Config{Durable: "a", MaxDeliver: 1, BackOff: []time.Duration{time.Second, time.Second}}, errors.ErrInvalidConfig},
		{"wildcard deliver subject", Config{Durable: "a", DeliverSubject: "deliver.*"}, errors.ErrInvalidSubject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.WithDefaults().Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestConsumer_Update(t *testing.T) {
	_, str := ordersStream(t)
	c := newConsumer(t, str, Config{Durable: "worker"})

	cfg := c.Config()
	cfg.AckWait = time.Second
	cfg.MaxDeliver = 5
	require.NoError(t, c.Update(cfg))
	assert.Equal(t, time.Second, c.Config().AckWait)
	assert.Equal(t, 5, c.Config().MaxDeliver)

	cfg.AckPolicy = AckNone
	err := c.Update(cfg)
	assert.True(t, errors.Is(err, errors.ErrConfigConflict))

	assert.True(t, c.Config().Equal(c.Config()))
}

func TestConfig_TextEnums(t *testing.T) {
	var p DeliverPolicy
	require.NoError(t, p.UnmarshalText([]byte("by_start_time")))
	assert.Equal(t, DeliverByStartTime, p)

	var a AckPolicy
	require.NoError(t, a.UnmarshalText([]byte("NONE")))
	assert.Equal(t, AckNone, a)

	var d DeadLetterPolicy
	assert.Error(t, d.UnmarshalText([]byte("explode")))

	text, err := Push.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "push", string(text))
}
