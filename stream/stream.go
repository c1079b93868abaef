package stream

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/c360/streambus/errors"
	"github.com/c360/streambus/message"
	"github.com/c360/streambus/metric"
	"github.com/c360/streambus/pkg/cache"
	"github.com/c360/streambus/subject"
)

// PubAck acknowledges a stored message
type PubAck struct {
	Stream    string `json:"stream"`
	Sequence  uint64 `json:"seq"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// State summarizes what a stream currently holds
type State struct {
	Msgs        uint64    `json:"messages"`
	Bytes       uint64    `json:"bytes"`
	FirstSeq    uint64    `json:"first_seq"`
	LastSeq     uint64    `json:"last_seq"`
	FirstTime   time.Time `json:"first_ts"`
	LastTime    time.Time `json:"last_ts"`
	NumDeleted  int       `json:"num_deleted,omitempty"`
	NumSubjects int       `json:"num_subjects,omitempty"`
}

// Info combines the configuration and state of a stream
type Info struct {
	Config  Config    `json:"config"`
	Created time.Time `json:"created"`
	State   State     `json:"state"`
}

// PurgeOptions narrows a purge. Sequence and Keep are mutually exclusive.
type PurgeOptions struct {
	// Subject limits the purge to messages matching this pattern
	Subject string
	// Sequence purges messages below this sequence
	Sequence uint64
	// Keep retains the newest Keep messages
	Keep uint64
}

// Stream is an append-only, totally ordered message log
type Stream struct {
	logger           *slog.Logger
	metrics          *metric.Metrics
	compactThreshold int

	mu       sync.RWMutex
	cfg      Config
	created  time.Time
	backend  backend
	dedup    cache.Cache[uint64]
	msgs     map[uint64]*message.Msg
	seqs     []uint64
	subjects map[string][]uint64
	last     uint64
	bytes    uint64
	notify   chan struct{}
	closed   bool
}

func newStream(ctx context.Context, cfg Config, created time.Time, be backend, st *Store) (*Stream, error) {
	logger := st.logger.With("stream", cfg.Name)
	dedup, err := newDedup(ctx, cfg, st.registry, logger)
	if err != nil {
		return nil, errors.Wrap(err, "Stream", "newStream", "create duplicate window")
	}
	return &Stream{
		logger:           logger,
		metrics:          st.metrics,
		compactThreshold: st.compactThreshold,
		cfg:              cfg,
		created:          created,
		backend:          be,
		dedup:            dedup,
		msgs:             make(map[uint64]*message.Msg),
		subjects:         make(map[string][]uint64),
		notify:           make(chan struct{}),
	}, nil
}

// newDedup creates the Msg-Id cache. With a registry it is exported as
// stream_<name>_dedup unless that name is already taken.
func newDedup(ctx context.Context, cfg Config, registry *metric.MetricsRegistry, logger *slog.Logger) (cache.Cache[uint64], error) {
	cleanup := min(cfg.Duplicates, time.Second)
	if registry != nil {
		name := "stream_" + cfg.Name + "_dedup"
		c, err := cache.NewTTL[uint64](ctx, cfg.Duplicates, cleanup, cache.WithMetrics[uint64](registry, name))
		if err == nil {
			return c, nil
		}
		logger.Warn("Duplicate window metrics unavailable", "name", name, "error", err)
	}
	return cache.NewTTL[uint64](ctx, cfg.Duplicates, cleanup)
}

// Name returns the stream name
func (s *Stream) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Name
}

// Config returns a copy of the stream configuration
func (s *Stream) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.cfg
	c.Subjects = slices.Clone(s.cfg.Subjects)
	return c
}

// Append stores msg and assigns it the next sequence. Headers steer the
// write: MsgIDHeader deduplicates inside the duplicate window,
// ExpectedLastSeqHeader and ExpectedStreamHeader make it conditional.
func (s *Stream) Append(msg *message.Msg) (PubAck, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return PubAck{}, errors.WrapFatal(errors.ErrStorageClosed, "Stream", "Append", "check stream")
	}
	ack := PubAck{Stream: s.cfg.Name}
	size := msg.Size()

	if s.cfg.MaxMsgSize > 0 && msg.Len() > int(s.cfg.MaxMsgSize) {
		return ack, errors.WrapInvalid(errors.ErrMaxPayload, "Stream", "Append",
			fmt.Sprintf("payload %d exceeds %d", msg.Len(), s.cfg.MaxMsgSize))
	}
	if s.cfg.MaxBytes > 0 && int64(size) > s.cfg.MaxBytes {
		return ack, errors.WrapInvalid(errors.ErrMaxPayload, "Stream", "Append", "message larger than stream")
	}
	if want := msg.HeaderValue(message.ExpectedStreamHeader); want != "" && want != s.cfg.Name {
		return ack, errors.WrapInvalid(errors.ErrNoMatchingStream, "Stream", "Append",
			fmt.Sprintf("expected stream %s", want))
	}
	if raw := msg.HeaderValue(message.ExpectedLastSeqHeader); raw != "" {
		want, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return ack, errors.WrapInvalid(errors.ErrInvalidConfig, "Stream", "Append", "parse expected last sequence")
		}
		if want != s.last {
			return ack, errors.WrapInvalid(errors.ErrWrongLastSequence, "Stream", "Append",
				fmt.Sprintf("last sequence is %d, expected %d", s.last, want))
		}
	}

	id := msg.HeaderValue(message.MsgIDHeader)
	if id != "" {
		if seq, ok := s.dedup.Get(id); ok {
			ack.Sequence = seq
			ack.Duplicate = true
			return ack, nil
		}
	}

	if s.cfg.Discard == DiscardNew {
		full := (s.cfg.MaxMsgs > 0 && int64(len(s.seqs)) >= s.cfg.MaxMsgs) ||
			(s.cfg.MaxBytes > 0 && s.bytes+uint64(size) > uint64(s.cfg.MaxBytes))
		if full {
			return ack, errors.WrapTransient(errors.ErrStreamFull, "Stream", "Append", "check limits")
		}
	}

	seq := s.last + 1
	stored := msg.With(
		message.WithSequence(seq),
		message.WithTime(now),
		message.WithReply(""),
		message.WithResponder(nil))
	if err := s.backend.append(stored); err != nil {
		return ack, errors.Wrap(err, "Stream", "Append", "persist message")
	}

	s.insertLocked(stored)
	if id != "" {
		_, _ = s.dedup.SetUntil(id, seq, now.Add(s.cfg.Duplicates))
	}
	if err := s.enforceLimitsLocked(stored.Subject()); err != nil {
		// the message itself is stored
		s.logger.Warn("Failed to enforce stream limits", "seq", seq, "error", err)
	}
	s.signalLocked()

	s.metrics.RecordStreamAppend(s.cfg.Name, uint64(len(s.seqs)), s.bytes)
	ack.Sequence = seq
	return ack, nil
}

// insertLocked adds a message that already carries its sequence
func (s *Stream) insertLocked(m *message.Msg) {
	seq := m.Sequence()
	s.msgs[seq] = m
	if n := len(s.seqs); n == 0 || s.seqs[n-1] < seq {
		s.seqs = append(s.seqs, seq)
	} else if i, found := slices.BinarySearch(s.seqs, seq); !found {
		s.seqs = slices.Insert(s.seqs, i, seq)
	}
	subj := m.Subject()
	s.subjects[subj] = append(s.subjects[subj], seq)
	s.bytes += uint64(m.Size())
	if seq > s.last {
		s.last = seq
	}
}

// removeLocked writes a tombstone for seq and then drops it from memory.
// Nothing changes when the tombstone cannot be written.
func (s *Stream) removeLocked(seq uint64) error {
	if _, ok := s.msgs[seq]; !ok {
		return errors.WrapInvalid(errors.ErrMsgNotFound, "Stream", "remove", fmt.Sprintf("find sequence %d", seq))
	}
	if err := s.backend.remove(seq); err != nil {
		return errors.Wrap(err, "Stream", "remove", fmt.Sprintf("persist removal of %d", seq))
	}
	s.dropLocked(seq)
	return nil
}

// dropLocked removes seq from memory only
func (s *Stream) dropLocked(seq uint64) bool {
	m, ok := s.msgs[seq]
	if !ok {
		return false
	}
	delete(s.msgs, seq)
	if len(s.seqs) > 0 && s.seqs[0] == seq {
		s.seqs = s.seqs[1:]
	} else if i, found := slices.BinarySearch(s.seqs, seq); found {
		s.seqs = slices.Delete(s.seqs, i, i+1)
	}

	subj := m.Subject()
	list := s.subjects[subj]
	if i, found := slices.BinarySearch(list, seq); found {
		list = slices.Delete(list, i, i+1)
	}
	if len(list) == 0 {
		delete(s.subjects, subj)
	} else {
		s.subjects[subj] = list
	}
	s.bytes -= uint64(m.Size())
	return true
}

// enforceLimitsLocked trims to the configured limits. It stops at the first
// removal that cannot be persisted, leaving the stream over its limit.
func (s *Stream) enforceLimitsLocked(subj string) error {
	removed := 0
	defer func() {
		if removed > 0 {
			s.maybeCompactLocked()
		}
	}()

	if s.cfg.MaxMsgsPerSubject > 0 {
		names := []string{subj}
		if subj == "" {
			names = make([]string, 0, len(s.subjects))
			for name := range s.subjects {
				names = append(names, name)
			}
		}
		for _, name := range names {
			for int64(len(s.subjects[name])) > s.cfg.MaxMsgsPerSubject {
				if err := s.removeLocked(s.subjects[name][0]); err != nil {
					return err
				}
				removed++
			}
		}
	}
	for s.cfg.MaxMsgs > 0 && int64(len(s.seqs)) > s.cfg.MaxMsgs {
		if err := s.removeLocked(s.seqs[0]); err != nil {
			return err
		}
		removed++
	}
	for s.cfg.MaxBytes > 0 && s.bytes > uint64(s.cfg.MaxBytes) && len(s.seqs) > 0 {
		if err := s.removeLocked(s.seqs[0]); err != nil {
			return err
		}
		removed++
	}
	return nil
}

// maybeCompactLocked rewrites the log once enough tombstones piled up. The
// tombstones are already durable, so a failed rewrite only postpones it.
func (s *Stream) maybeCompactLocked() {
	if s.compactThreshold <= 0 || s.backend.tombstones() < s.compactThreshold {
		return
	}
	if err := s.compactLocked(); err != nil {
		s.logger.Warn("Stream log compaction failed", "error", err)
	}
}

func (s *Stream) compactLocked() error {
	if err := s.backend.rewrite(s.last, s.orderedLocked()); err != nil {
		return err
	}
	s.logger.Debug("Compacted stream log", "messages", len(s.seqs), "last_seq", s.last)
	return nil
}

func (s *Stream) orderedLocked() []*message.Msg {
	out := make([]*message.Msg, 0, len(s.seqs))
	for _, seq := range s.seqs {
		out = append(out, s.msgs[seq])
	}
	return out
}

// signalLocked wakes everyone waiting on Notify
func (s *Stream) signalLocked() {
	close(s.notify)
	s.notify = make(chan struct{})
}

// Notify returns a channel closed on the next append or when the stream
// closes
func (s *Stream) Notify() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.notify
}

// GetMsg returns the message stored at seq
func (s *Stream) GetMsg(seq uint64) (*message.Msg, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errors.WrapFatal(errors.ErrStorageClosed, "Stream", "GetMsg", "check stream")
	}
	m, ok := s.msgs[seq]
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrMsgNotFound, "Stream", "GetMsg", fmt.Sprintf("load sequence %d", seq))
	}
	return m, nil
}

// LastMsgForSubject returns the newest message whose subject matches pattern
func (s *Stream) LastMsgForSubject(pattern string) (*message.Msg, error) {
	if err := subject.ValidatePattern(pattern); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errors.WrapFatal(errors.ErrStorageClosed, "Stream", "LastMsgForSubject", "check stream")
	}
	var best uint64
	if subject.IsLiteral(pattern) {
		if list := s.subjects[pattern]; len(list) > 0 {
			best = list[len(list)-1]
		}
	} else {
		for subj, list := range s.subjects {
			if subject.Match(pattern, subj) && list[len(list)-1] > best {
				best = list[len(list)-1]
			}
		}
	}
	if best == 0 {
		return nil, errors.WrapInvalid(errors.ErrMsgNotFound, "Stream", "LastMsgForSubject", "find "+pattern)
	}
	return s.msgs[best], nil
}

// LoadNext returns the first message at or after start matching any of
// filters; an empty filter list matches everything. It returns
// errors.ErrMsgNotFound when no such message exists yet.
func (s *Stream) LoadNext(filters []string, start uint64) (*message.Msg, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errors.WrapFatal(errors.ErrStorageClosed, "Stream", "LoadNext", "check stream")
	}
	for i := s.searchLocked(start); i < len(s.seqs); i++ {
		m := s.msgs[s.seqs[i]]
		if len(filters) == 0 || subject.MatchAny(filters, m.Subject()) {
			return m, nil
		}
	}
	return nil, errors.ErrMsgNotFound
}

// NumPending counts messages at or after start matching filters
func (s *Stream) NumPending(filters []string, start uint64) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := s.searchLocked(start)
	if len(filters) == 0 {
		return uint64(len(s.seqs) - i)
	}
	var n uint64
	for ; i < len(s.seqs); i++ {
		if subject.MatchAny(filters, s.msgs[s.seqs[i]].Subject()) {
			n++
		}
	}
	return n
}

func (s *Stream) searchLocked(start uint64) int {
	return sort.Search(len(s.seqs), func(i int) bool { return s.seqs[i] >= start })
}

// SeqForTime returns the first sequence stored at or after t, or the next
// sequence to be assigned when there is none
func (s *Stream) SeqForTime(t time.Time) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := sort.Search(len(s.seqs), func(i int) bool {
		return !s.msgs[s.seqs[i]].Time().Before(t)
	})
	if i < len(s.seqs) {
		return s.seqs[i]
	}
	return s.last + 1
}

// LastSeq returns the last assigned sequence, deleted or not
func (s *Stream) LastSeq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// DeleteMsg removes a single message. Its sequence is never reused.
func (s *Stream) DeleteMsg(seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.WrapFatal(errors.ErrStorageClosed, "Stream", "DeleteMsg", "check stream")
	}
	if err := s.removeLocked(seq); err != nil {
		return errors.Wrap(err, "Stream", "DeleteMsg", fmt.Sprintf("delete sequence %d", seq))
	}
	s.maybeCompactLocked()
	s.metrics.RecordStreamSize(s.cfg.Name, uint64(len(s.seqs)), s.bytes)
	return nil
}

// Purge removes messages and returns how many were removed. Without options
// the stream is emptied; the sequence counter is kept.
func (s *Stream) Purge(opts PurgeOptions) (uint64, error) {
	if opts.Sequence > 0 && opts.Keep > 0 {
		return 0, errors.WrapInvalid(errors.ErrInvalidConfig, "Stream", "Purge", "sequence and keep are exclusive")
	}
	if opts.Subject != "" {
		if err := subject.ValidatePattern(opts.Subject); err != nil {
			return 0, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, errors.WrapFatal(errors.ErrStorageClosed, "Stream", "Purge", "check stream")
	}

	var candidates []uint64
	for _, seq := range s.seqs {
		if opts.Sequence > 0 && seq >= opts.Sequence {
			break
		}
		if opts.Subject == "" || subject.Match(opts.Subject, s.msgs[seq].Subject()) {
			candidates = append(candidates, seq)
		}
	}
	if opts.Keep > 0 {
		if uint64(len(candidates)) <= opts.Keep {
			return 0, nil
		}
		candidates = candidates[:uint64(len(candidates))-opts.Keep]
	}

	if len(candidates) == 0 {
		return 0, nil
	}

	// The log is rewritten with the survivors before memory changes, so a
	// failed rewrite leaves both untouched.
	purged := make(map[uint64]bool, len(candidates))
	for _, seq := range candidates {
		purged[seq] = true
	}
	survivors := make([]*message.Msg, 0, len(s.seqs)-len(candidates))
	for _, seq := range s.seqs {
		if !purged[seq] {
			survivors = append(survivors, s.msgs[seq])
		}
	}
	if err := s.backend.rewrite(s.last, survivors); err != nil {
		return 0, errors.Wrap(err, "Stream", "Purge", "rewrite log")
	}
	for _, seq := range candidates {
		s.dropLocked(seq)
	}
	s.metrics.RecordStreamSize(s.cfg.Name, uint64(len(s.seqs)), s.bytes)
	s.logger.Debug("Purged stream", "removed", len(candidates), "subject", opts.Subject)
	return uint64(len(candidates)), nil
}

// expire removes messages older than MaxAge
func (s *Stream) expire(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.cfg.MaxAge <= 0 {
		return 0
	}
	cutoff := now.Add(-s.cfg.MaxAge)
	removed := 0
	for len(s.seqs) > 0 && s.msgs[s.seqs[0]].Time().Before(cutoff) {
		if err := s.removeLocked(s.seqs[0]); err != nil {
			s.logger.Warn("Failed to expire message", "seq", s.seqs[0], "error", err)
			break
		}
		removed++
	}
	if removed > 0 {
		s.maybeCompactLocked()
		s.metrics.RecordStreamSize(s.cfg.Name, uint64(len(s.seqs)), s.bytes)
	}
	return removed
}

// State returns the current stream state
func (s *Stream) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stateLocked()
}

func (s *Stream) stateLocked() State {
	st := State{
		Msgs:        uint64(len(s.seqs)),
		Bytes:       s.bytes,
		LastSeq:     s.last,
		FirstSeq:    s.last + 1,
		NumSubjects: len(s.subjects),
	}
	if n := len(s.seqs); n > 0 {
		st.FirstSeq = s.seqs[0]
		st.FirstTime = s.msgs[s.seqs[0]].Time()
		st.LastTime = s.msgs[s.seqs[n-1]].Time()
		st.NumDeleted = int(s.last-st.FirstSeq+1) - n
	}
	return st
}

// Info returns the configuration and state
func (s *Stream) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg := s.cfg
	cfg.Subjects = slices.Clone(s.cfg.Subjects)
	return Info{Config: cfg, Created: s.created, State: s.stateLocked()}
}

// update swaps in a validated config and trims to the new limits
func (s *Stream) update(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.WrapFatal(errors.ErrStorageClosed, "Stream", "update", "check stream")
	}
	if err := s.backend.saveMeta(streamMeta{Config: cfg, Created: s.created}); err != nil {
		return err
	}
	s.cfg = cfg
	err := s.enforceLimitsLocked("")
	s.metrics.RecordStreamSize(s.cfg.Name, uint64(len(s.seqs)), s.bytes)
	if err != nil {
		return errors.Wrap(err, "Stream", "update", "trim to new limits")
	}
	return nil
}

// restore rebuilds state from a replayed log record
func (s *Stream) restore(rec record) {
	switch rec.Op {
	case opMsg:
		m := rec.msg()
		s.insertLocked(m)
		if id := m.HeaderValue(message.MsgIDHeader); id != "" {
			if until := m.Time().Add(s.cfg.Duplicates); until.After(time.Now()) {
				_, _ = s.dedup.SetUntil(id, m.Sequence(), until)
			}
		}
	case opDel:
		s.dropLocked(rec.Seq)
	case opSeq:
		if rec.Seq > s.last {
			s.last = rec.Seq
		}
	}
}

func (s *Stream) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.notify)
	_ = s.dedup.Close()
	return s.backend.close()
}

func (s *Stream) destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.notify)
		_ = s.dedup.Close()
	}
	s.msgs = make(map[uint64]*message.Msg)
	s.seqs = nil
	s.subjects = make(map[string][]uint64)
	s.bytes = 0
	return s.backend.destroy()
}

// IsClosed reports whether the stream was closed or deleted
func (s *Stream) IsClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
