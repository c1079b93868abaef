package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/streambus/errors"
	"github.com/c360/streambus/pkg/retry"
)

// KVOptions tunes the KV state store
type KVOptions struct {
	MaxRetries    int           // additional attempts after a revision conflict
	RetryDelay    time.Duration // first backoff
	MaxRetryDelay time.Duration
	Timeout       time.Duration // per Save, Load or Delete
}

// DefaultKVOptions returns the defaults used by NewKVStateStore
func DefaultKVOptions() KVOptions {
	return KVOptions{
		MaxRetries:    10,
		RetryDelay:    10 * time.Millisecond,
		MaxRetryDelay: time.Second,
		Timeout:       5 * time.Second,
	}
}

// KVStateStore keeps consumer state in a NATS KeyValue bucket under the key
// <stream>.<consumer>. Saves are compare-and-set on the last revision this
// store observed.
type KVStateStore struct {
	bucket  jetstream.KeyValue
	options KVOptions
	logger  *slog.Logger

	mu        sync.Mutex
	revisions map[string]uint64
}

// NewKVStateStore wraps bucket
func NewKVStateStore(bucket jetstream.KeyValue, logger *slog.Logger, opts ...func(*KVOptions)) *KVStateStore {
	options := DefaultKVOptions()
	for _, opt := range opts {
		opt(&options)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KVStateStore{
		bucket:    bucket,
		options:   options,
		logger:    logger,
		revisions: make(map[string]uint64),
	}
}

func kvKey(stream, consumer string) string {
	return stream + "." + consumer
}

func (kv *KVStateStore) applyTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if kv.options.Timeout > 0 {
		return context.WithTimeout(ctx, kv.options.Timeout)
	}
	return ctx, func() {}
}

// Load implements StateStore
func (kv *KVStateStore) Load(ctx context.Context, stream, consumer string) (*State, error) {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	key := kvKey(stream, consumer)
	entry, err := kv.bucket.Get(ctx, key)
	if err != nil {
		if IsKVNotFoundError(err) {
			return nil, stateNotFound("Load", stream, consumer)
		}
		return nil, errors.WrapTransient(err, "KVStateStore", "Load", "get "+key)
	}

	var st State
	if err := json.Unmarshal(entry.Value(), &st); err != nil {
		return nil, errors.WrapInvalid(errors.Join(errors.ErrSerialization, err), "KVStateStore", "Load", "decode "+key)
	}

	kv.mu.Lock()
	kv.revisions[key] = entry.Revision()
	kv.mu.Unlock()
	return &st, nil
}

// Save implements StateStore. A revision conflict refreshes the revision
// and retries with backoff.
func (kv *KVStateStore) Save(ctx context.Context, stream, consumer string, st *State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return errors.WrapInvalid(errors.Join(errors.ErrSerialization, err), "KVStateStore", "Save", "encode state")
	}

	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	key := kvKey(stream, consumer)
	cfg := retry.Config{
		MaxAttempts:  kv.options.MaxRetries + 1,
		InitialDelay: kv.options.RetryDelay,
		MaxDelay:     kv.options.MaxRetryDelay,
		Multiplier:   2.0,
		AddJitter:    true,
	}

	attempt := 0
	err = retry.Do(ctx, cfg, func() error {
		attempt++
		kv.mu.Lock()
		rev, known := kv.revisions[key]
		kv.mu.Unlock()

		if !known {
			entry, err := kv.bucket.Get(ctx, key)
			switch {
			case err == nil:
				rev = entry.Revision()
			case IsKVNotFoundError(err):
				rev = 0
			default:
				return fmt.Errorf("kv get failed during save: %w", err)
			}
		}

		var newRev uint64
		if rev == 0 {
			newRev, err = kv.bucket.Create(ctx, key, data)
		} else {
			newRev, err = kv.bucket.Update(ctx, key, data, rev)
		}
		if err != nil {
			kv.mu.Lock()
			delete(kv.revisions, key)
			kv.mu.Unlock()
			if IsKVConflictError(err) {
				kv.logger.Debug("KV state conflict, retrying", "key", key, "attempt", attempt)
			}
			return err
		}

		kv.mu.Lock()
		kv.revisions[key] = newRev
		kv.mu.Unlock()
		return nil
	})
	if err != nil {
		return errors.WrapTransient(err, "KVStateStore", "Save", "write "+key)
	}
	return nil
}

// Delete implements StateStore
func (kv *KVStateStore) Delete(ctx context.Context, stream, consumer string) error {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	key := kvKey(stream, consumer)
	kv.mu.Lock()
	delete(kv.revisions, key)
	kv.mu.Unlock()

	if err := kv.bucket.Purge(ctx, key); err != nil && !IsKVNotFoundError(err) {
		return errors.WrapTransient(err, "KVStateStore", "Delete", "purge "+key)
	}
	return nil
}

// IsKVNotFoundError checks if err means the key does not exist
func IsKVNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "key not found") ||
		strings.Contains(msg, "10037")
}

// IsKVConflictError checks if err is a create or revision conflict
func IsKVConflictError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "wrong last sequence") ||
		strings.Contains(msg, "10071") ||
		strings.Contains(msg, "key exists") ||
		strings.Contains(msg, "10058")
}
