package stream

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/c360/streambus/errors"
	"github.com/c360/streambus/message"
	"github.com/c360/streambus/metric"
	"github.com/c360/streambus/subject"
)

// Defaults for the store janitor and log compaction
const (
	DefaultJanitorPeriod    = time.Second
	DefaultCompactThreshold = 1024
)

// StoreOption configures a Store
type StoreOption func(*Store) error

// WithStoreDir sets the directory holding file streams. Streams found there
// are loaded by NewStore.
func WithStoreDir(dir string) StoreOption {
	return func(s *Store) error {
		if dir == "" {
			return errors.New("store directory must not be empty")
		}
		s.dir = dir
		return nil
	}
}

// WithLogger sets the store logger
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) error {
		if logger != nil {
			s.logger = logger
		}
		return nil
	}
}

// WithMetrics records stream metrics
func WithMetrics(m *metric.Metrics) StoreOption {
	return func(s *Store) error {
		s.metrics = m
		return nil
	}
}

// WithMetricsRegistry exports each stream's duplicate window cache in
// registry while the stream is open
func WithMetricsRegistry(registry *metric.MetricsRegistry) StoreOption {
	return func(s *Store) error {
		s.registry = registry
		return nil
	}
}

// WithJanitorPeriod sets how often age limits are enforced
func WithJanitorPeriod(d time.Duration) StoreOption {
	return func(s *Store) error {
		if d <= 0 {
			return errors.New("janitor period must be positive")
		}
		s.janitorPeriod = d
		return nil
	}
}

// WithCompactThreshold sets how many removals a file stream log collects
// before it is rewritten. Zero disables compaction on removal.
func WithCompactThreshold(n int) StoreOption {
	return func(s *Store) error {
		if n < 0 {
			return errors.New("compact threshold must not be negative")
		}
		s.compactThreshold = n
		return nil
	}
}

// Store owns a set of streams with non-overlapping subjects
type Store struct {
	dir              string
	logger           *slog.Logger
	metrics          *metric.Metrics
	registry         *metric.MetricsRegistry
	janitorPeriod    time.Duration
	compactThreshold int

	mu      sync.RWMutex
	streams map[string]*Stream
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStore creates a store and starts its janitor
func NewStore(opts ...StoreOption) (*Store, error) {
	s := &Store{
		logger:           slog.Default(),
		janitorPeriod:    DefaultJanitorPeriod,
		compactThreshold: DefaultCompactThreshold,
		streams:          make(map[string]*Stream),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, errors.WrapInvalid(err, "Store", "NewStore", "apply option")
		}
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if s.dir != "" {
		if err := s.load(); err != nil {
			s.cancel()
			_ = s.closeStreams()
			return nil, err
		}
	}

	s.wg.Add(1)
	go s.janitor()
	return s, nil
}

// load opens every stream directory below s.dir
func (s *Store) load() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return errors.WrapFatal(err, "Store", "load", "create store directory")
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return errors.WrapFatal(err, "Store", "load", "list store directory")
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(s.dir, e.Name())
		meta, err := loadMeta(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return errors.Wrap(err, "Store", "load", "read "+e.Name())
		}
		str, err := s.openFile(meta.Config, meta.Created, dir, false)
		if err != nil {
			return err
		}
		s.streams[meta.Config.Name] = str
		st := str.State()
		s.logger.Info("Loaded stream", "stream", meta.Config.Name, "messages", st.Msgs, "last_seq", st.LastSeq)
	}
	return nil
}

func (s *Store) openFile(cfg Config, created time.Time, dir string, fresh bool) (*Stream, error) {
	be, err := openFileBackend(dir, s.logger)
	if err != nil {
		return nil, err
	}
	str, err := newStream(s.ctx, cfg, created, be, s)
	if err != nil {
		_ = be.close()
		return nil, err
	}
	if fresh {
		if err := be.saveMeta(streamMeta{Config: cfg, Created: created}); err != nil {
			_ = str.close()
			return nil, err
		}
		return str, nil
	}
	if err := be.replay(str.restore); err != nil {
		_ = str.close()
		return nil, err
	}
	return str, nil
}

// CreateStream creates a stream. Creating an identical stream again returns
// the existing one.
func (s *Store) CreateStream(cfg Config) (*Stream, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.WrapFatal(errors.ErrStorageClosed, "Store", "CreateStream", "check store")
	}
	if existing, ok := s.streams[cfg.Name]; ok {
		if existing.Config().Equal(cfg) {
			return existing, nil
		}
		return nil, errors.WrapInvalid(errors.ErrConfigConflict, "Store", "CreateStream",
			"stream "+cfg.Name+" exists with a different configuration")
	}
	if err := s.checkOverlapLocked(cfg); err != nil {
		return nil, err
	}

	var (
		str *Stream
		err error
	)
	created := time.Now().UTC()
	switch cfg.Storage {
	case FileStorage:
		if s.dir == "" {
			return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Store", "CreateStream", "file storage needs a store directory")
		}
		str, err = s.openFile(cfg, created, filepath.Join(s.dir, cfg.Name), true)
	default:
		str, err = newStream(s.ctx, cfg, created, memoryBackend{}, s)
	}
	if err != nil {
		return nil, err
	}

	s.streams[cfg.Name] = str
	s.logger.Info("Created stream", "stream", cfg.Name, "subjects", cfg.Subjects, "storage", cfg.Storage.String())
	return str, nil
}

// UpdateStream changes subjects and limits of an existing stream. Storage
// and retention cannot change.
func (s *Store) UpdateStream(cfg Config) (*Stream, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.WrapFatal(errors.ErrStorageClosed, "Store", "UpdateStream", "check store")
	}
	str, ok := s.streams[cfg.Name]
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrStreamNotFound, "Store", "UpdateStream", "find "+cfg.Name)
	}
	old := str.Config()
	if old.Storage != cfg.Storage {
		return nil, errors.WrapInvalid(errors.ErrConfigConflict, "Store", "UpdateStream", "storage type cannot change")
	}
	if old.Retention != cfg.Retention {
		return nil, errors.WrapInvalid(errors.ErrConfigConflict, "Store", "UpdateStream", "retention cannot change")
	}
	if err := s.checkOverlapLocked(cfg); err != nil {
		return nil, err
	}
	if err := str.update(cfg); err != nil {
		return nil, err
	}
	s.logger.Info("Updated stream", "stream", cfg.Name, "subjects", cfg.Subjects)
	return str, nil
}

// checkOverlapLocked rejects subjects shared with another stream
func (s *Store) checkOverlapLocked(cfg Config) error {
	for name, other := range s.streams {
		if name == cfg.Name {
			continue
		}
		for _, mine := range cfg.Subjects {
			for _, theirs := range other.Config().Subjects {
				if subject.Overlap(mine, theirs) {
					return errors.WrapInvalid(errors.ErrSubjectOverlap, "Store", "CreateStream",
						fmt.Sprintf("%s overlaps %s of stream %s", mine, theirs, name))
				}
			}
		}
	}
	return nil
}

// DeleteStream removes a stream and its stored messages
func (s *Store) DeleteStream(name string) error {
	s.mu.Lock()
	str, ok := s.streams[name]
	if ok {
		delete(s.streams, name)
	}
	s.mu.Unlock()

	if !ok {
		return errors.WrapInvalid(errors.ErrStreamNotFound, "Store", "DeleteStream", "find "+name)
	}
	if err := str.destroy(); err != nil {
		return errors.Wrap(err, "Store", "DeleteStream", "remove "+name)
	}
	s.logger.Info("Deleted stream", "stream", name)
	return nil
}

// Stream returns the named stream
func (s *Store) Stream(name string) (*Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	str, ok := s.streams[name]
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrStreamNotFound, "Store", "Stream", "find "+name)
	}
	return str, nil
}

// StreamNames returns the stream names in sorted order
func (s *Store) StreamNames() []string {
	s.mu.RLock()
	names := make([]string, 0, len(s.streams))
	for name := range s.streams {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return names
}

// StreamForSubject returns the stream capturing subj
func (s *Store) StreamForSubject(subj string) (*Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, str := range s.streams {
		if subject.MatchAny(str.Config().Subjects, subj) {
			return str, nil
		}
	}
	return nil, errors.WrapInvalid(errors.ErrNoMatchingStream, "Store", "StreamForSubject", "route "+subj)
}

// Append stores msg in the stream whose subjects match its subject
func (s *Store) Append(msg *message.Msg) (PubAck, error) {
	if err := subject.ValidateSubject(msg.Subject()); err != nil {
		return PubAck{}, err
	}
	str, err := s.StreamForSubject(msg.Subject())
	if err != nil {
		return PubAck{}, err
	}
	return str.Append(msg)
}

func (s *Store) janitor() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.janitorPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.mu.RLock()
			streams := make([]*Stream, 0, len(s.streams))
			for _, str := range s.streams {
				streams = append(streams, str)
			}
			s.mu.RUnlock()

			for _, str := range streams {
				if n := str.expire(now); n > 0 {
					s.logger.Debug("Expired messages", "stream", str.Name(), "count", n)
				}
			}
		}
	}
}

// Close stops the janitor and closes every stream. Stored file streams are
// kept for the next NewStore.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	return s.closeStreams()
}

func (s *Store) closeStreams() error {
	s.mu.Lock()
	streams := slices.Collect(maps.Values(s.streams))
	s.mu.Unlock()

	var errs []error
	for _, str := range streams {
		if err := str.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
