package consumer

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/c360/streambus/errors"
)

// SequencePair is a consumer sequence with its stream sequence
type SequencePair struct {
	Consumer uint64 `json:"consumer_seq"`
	Stream   uint64 `json:"stream_seq"`
}

// Pending is an unacknowledged delivery, keyed by stream sequence in State
type Pending struct {
	ConsumerSeq uint64    `json:"consumer_seq"`
	Deliveries  int       `json:"deliveries"`
	Delivered   time.Time `json:"ts"`

	// runtime only
	waiting  bool
	deadline time.Time
	readyAt  time.Time
}

// State is what a consumer persists between runs
type State struct {
	Delivered SequencePair        `json:"delivered"`
	AckFloor  SequencePair        `json:"ack_floor"`
	Pending   map[uint64]*Pending `json:"pending,omitempty"`
}

// Clone returns a deep copy without runtime timers
func (s *State) Clone() *State {
	out := &State{Delivered: s.Delivered, AckFloor: s.AckFloor}
	if len(s.Pending) > 0 {
		out.Pending = make(map[uint64]*Pending, len(s.Pending))
		for seq, p := range s.Pending {
			out.Pending[seq] = &Pending{ConsumerSeq: p.ConsumerSeq, Deliveries: p.Deliveries, Delivered: p.Delivered}
		}
	}
	return out
}

// StateStore persists consumer state. Save must be durable when it returns.
type StateStore interface {
	// Load returns errors.ErrStateNotFound when nothing is stored
	Load(ctx context.Context, stream, consumer string) (*State, error)
	Save(ctx context.Context, stream, consumer string, st *State) error
	Delete(ctx context.Context, stream, consumer string) error
}

func stateNotFound(method, stream, consumer string) error {
	return errors.WrapInvalid(errors.ErrStateNotFound, "StateStore", method, "find "+stream+"/"+consumer)
}

// MemoryStateStore keeps state in process. It is the store for ephemeral
// consumers and for tests.
type MemoryStateStore struct {
	mu     sync.RWMutex
	states map[string]*State
}

// NewMemoryStateStore creates an empty in-memory store
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]*State)}
}

// Load implements StateStore
func (m *MemoryStateStore) Load(_ context.Context, stream, consumer string) (*State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.states[stream+"/"+consumer]
	if !ok {
		return nil, stateNotFound("Load", stream, consumer)
	}
	return st.Clone(), nil
}

// Save implements StateStore
func (m *MemoryStateStore) Save(_ context.Context, stream, consumer string, st *State) error {
	m.mu.Lock()
	m.states[stream+"/"+consumer] = st.Clone()
	m.mu.Unlock()
	return nil
}

// Delete implements StateStore
func (m *MemoryStateStore) Delete(_ context.Context, stream, consumer string) error {
	m.mu.Lock()
	delete(m.states, stream+"/"+consumer)
	m.mu.Unlock()
	return nil
}

// Keys lists the stored stream/consumer keys
func (m *MemoryStateStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.states))
	for k := range m.states {
		keys = append(keys, k)
	}
	return keys
}

// FileStateStore writes one JSON file per consumer below dir. Writes go to
// a temporary file that is synced and renamed into place.
type FileStateStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStateStore creates dir if needed
func NewFileStateStore(dir string) (*FileStateStore, error) {
	if dir == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "FileStateStore", "New", "state directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.WrapFatal(err, "FileStateStore", "New", "create state directory")
	}
	return &FileStateStore{dir: dir}, nil
}

func (f *FileStateStore) path(stream, consumer string) string {
	return filepath.Join(f.dir, stream, consumer+".json")
}

// Load implements StateStore
func (f *FileStateStore) Load(_ context.Context, stream, consumer string) (*State, error) {
	data, err := os.ReadFile(f.path(stream, consumer))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, stateNotFound("Load", stream, consumer)
		}
		return nil, errors.WrapTransient(err, "FileStateStore", "Load", "read state")
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, errors.WrapInvalid(errors.Join(errors.ErrSerialization, err), "FileStateStore", "Load", "decode state")
	}
	return &st, nil
}

// Save implements StateStore
func (f *FileStateStore) Save(_ context.Context, stream, consumer string, st *State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return errors.WrapInvalid(errors.Join(errors.ErrSerialization, err), "FileStateStore", "Save", "encode state")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	path := f.path(stream, consumer)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.WrapTransient(err, "FileStateStore", "Save", "create stream directory")
	}
	err = writeAtomic(path, func(w *bufio.Writer) error {
		_, err := w.Write(data)
		return err
	})
	if err != nil {
		return errors.WrapTransient(err, "FileStateStore", "Save", "write state")
	}
	return nil
}

// Delete implements StateStore
func (f *FileStateStore) Delete(_ context.Context, stream, consumer string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path(stream, consumer)); err != nil && !os.IsNotExist(err) {
		return errors.WrapTransient(err, "FileStateStore", "Delete", "remove state")
	}
	return nil
}

func writeAtomic(path string, fill func(*bufio.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	cleanup := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}

	w := bufio.NewWriter(tmp)
	if err := fill(w); err != nil {
		return cleanup(err)
	}
	if err := w.Flush(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if d, err := os.Open(filepath.Dir(path)); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
