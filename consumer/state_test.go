package consumer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	gnatsd "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streambus/errors"
	"github.com/c360/streambus/transport/natstransport"
)

func sampleState() *State {
	return &State{
		Delivered: SequencePair{Consumer: 7, Stream: 12},
		AckFloor:  SequencePair{Consumer: 4, Stream: 9},
		Pending: map[uint64]*Pending{
			10: {ConsumerSeq: 5, Deliveries: 1, Delivered: time.Unix(100, 0).UTC()},
			12: {ConsumerSeq: 7, Deliveries: 3, Delivered: time.Unix(200, 0).UTC(), waiting: true},
		},
	}
}

func assertStateStore(t *testing.T, store StateStore) {
	t.Helper()
	ctx := context.Background()

	_, err := store.Load(ctx, "ORDERS", "billing")
	require.True(t, errors.Is(err, errors.ErrStateNotFound), "got %v", err)

	want := sampleState()
	require.NoError(t, store.Save(ctx, "ORDERS", "billing", want))

	got, err := store.Load(ctx, "ORDERS", "billing")
	require.NoError(t, err)
	assert.Equal(t, want.Delivered, got.Delivered)
	assert.Equal(t, want.AckFloor, got.AckFloor)
	require.Len(t, got.Pending, 2)
	assert.Equal(t, 3, got.Pending[12].Deliveries)
	assert.True(t, got.Pending[10].Delivered.Equal(want.Pending[10].Delivered))
	assert.False(t, got.Pending[12].waiting, "runtime fields are not stored")

	want.AckFloor.Stream = 11
	delete(want.Pending, 10)
	require.NoError(t, store.Save(ctx, "ORDERS", "billing", want))
	got, err = store.Load(ctx, "ORDERS", "billing")
	require.NoError(t, err)
	assert.Equal(t, uint64(11), got.AckFloor.Stream)
	assert.Len(t, got.Pending, 1)

	require.NoError(t, store.Delete(ctx, "ORDERS", "billing"))
	_, err = store.Load(ctx, "ORDERS", "billing")
	assert.True(t, errors.Is(err, errors.ErrStateNotFound))
	require.NoError(t, store.Delete(ctx, "ORDERS", "billing"), "deleting twice is fine")

	require.NoError(t, store.Save(ctx, "ORDERS", "billing", want), "save after delete")
}

func TestMemoryStateStore(t *testing.T) {
	store := NewMemoryStateStore()
	assertStateStore(t, store)
	assert.Equal(t, []string{"ORDERS/billing"}, store.Keys())

	st := sampleState()
	require.NoError(t, store.Save(context.Background(), "A", "b", st))
	st.Delivered.Stream = 99
	got, err := store.Load(context.Background(), "A", "b")
	require.NoError(t, err)
	assert.Equal(t, uint64(12), got.Delivered.Stream, "stored copy is independent")
}

func TestFileStateStore(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStateStore(dir)
	require.NoError(t, err)
	assertStateStore(t, store)

	entries, err := os.ReadDir(filepath.Join(dir, "ORDERS"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temporary files left behind")
	assert.Equal(t, "billing.json", entries[0].Name())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "ORDERS", "broken.json"), []byte("{"), 0o644))
	_, err = store.Load(context.Background(), "ORDERS", "broken")
	assert.True(t, errors.Is(err, errors.ErrSerialization))

	_, err = NewFileStateStore("")
	assert.True(t, errors.IsInvalid(err))
}

func runServer(t *testing.T) *server.Server {
	t.Helper()
	opts := gnatsd.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	s := gnatsd.RunServer(&opts)
	t.Cleanup(s.Shutdown)
	return s
}

func kvBucket(t *testing.T) jetstream.KeyValue {
	t.Helper()
	s := runServer(t)
	tr, err := natstransport.New([]string{s.ClientURL()})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	kv, closeFn, err := tr.KeyValue(ctx, jetstream.KeyValueConfig{Bucket: "streambus_consumers"})
	require.NoError(t, err)
	t.Cleanup(closeFn)
	return kv
}

func TestKVStateStore(t *testing.T) {
	if testing.Short() {
		t.Skip("starts an embedded NATS server")
	}
	assertStateStore(t, NewKVStateStore(kvBucket(t), nil))
}

func TestKVStateStore_ConflictingWriters(t *testing.T) {
	if testing.Short() {
		t.Skip("starts an embedded NATS server")
	}
	bucket := kvBucket(t)
	ctx := context.Background()
	a := NewKVStateStore(bucket, nil)
	b := NewKVStateStore(bucket, nil, func(o *KVOptions) { o.RetryDelay = time.Millisecond })

	st := sampleState()
	require.NoError(t, a.Save(ctx, "ORDERS", "billing", st))
	st.AckFloor.Stream = 10
	require.NoError(t, b.Save(ctx, "ORDERS", "billing", st))

	// a still holds the first revision
	st.AckFloor.Stream = 11
	require.NoError(t, a.Save(ctx, "ORDERS", "billing", st))

	got, err := NewKVStateStore(bucket, nil).Load(ctx, "ORDERS", "billing")
	require.NoError(t, err)
	assert.Equal(t, uint64(11), got.AckFloor.Stream)
}

func TestKVStateStore_DurableResume(t *testing.T) {
	if testing.Short() {
		t.Skip("starts an embedded NATS server")
	}
	store, str := ordersStream(t)
	publish(t, store, "orders.new", 2)
	states := NewKVStateStore(kvBucket(t), nil)
	ctx := context.Background()

	first, err := New(ctx, str, Config{Durable: "kv"}, WithStateStore(states))
	require.NoError(t, err)
	msgs, err := first.Fetch(ctx, 2, time.Second)
	require.NoError(t, err)
	require.NoError(t, msgs[1].Ack(ctx))
	first.Stop()

	second := newConsumer(t, str, Config{Durable: "kv"}, WithStateStore(states))
	again, err := second.Fetch(ctx, 2, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, seqs(again))
}

func TestKVErrorHelpers(t *testing.T) {
	assert.False(t, IsKVNotFoundError(nil))
	assert.True(t, IsKVNotFoundError(jetstream.ErrKeyNotFound))
	assert.True(t, IsKVNotFoundError(errors.New("nats: key not found")))
	assert.False(t, IsKVNotFoundError(errors.New("connection refused")))

	assert.False(t, IsKVConflictError(nil))
	assert.True(t, IsKVConflictError(jetstream.ErrKeyExists))
	assert.True(t, IsKVConflictError(errors.New("nats: wrong last sequence: 4")))
	assert.True(t, IsKVConflictError(errors.New("err_code=10071")))
	assert.False(t, IsKVConflictError(errors.New("timeout")))
}
