package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/c360/streambus/errors"
	"github.com/c360/streambus/message"
	"github.com/c360/streambus/metric"
	"github.com/c360/streambus/stream"
)

// persistTimeout bounds state writes that have no caller context
const persistTimeout = 5 * time.Second

// AckKind is the response to a delivery
type AckKind int

const (
	// AckAck acknowledges the message
	AckAck AckKind = iota
	// AckNak asks for redelivery, optionally after a delay
	AckNak
	// AckTerm stops redelivery of the message
	AckTerm
	// AckProgress resets the ack wait timer
	AckProgress
)

func (k AckKind) String() string {
	switch k {
	case AckAck:
		return "ack"
	case AckNak:
		return "nak"
	case AckTerm:
		return "term"
	case AckProgress:
		return "in_progress"
	default:
		return fmt.Sprintf("ackkind(%d)", int(k))
	}
}

// DeadLetter describes a message the consumer gave up on
type DeadLetter struct {
	Stream     string
	Consumer   string
	StreamSeq  uint64
	Deliveries int
	Reason     string
}

// Info is a snapshot of a consumer
type Info struct {
	Stream         string       `json:"stream_name"`
	Name           string       `json:"name"`
	Config         Config       `json:"config"`
	Created        time.Time    `json:"created"`
	Delivered      SequencePair `json:"delivered"`
	AckFloor       SequencePair `json:"ack_floor"`
	NumAckPending  int          `json:"num_ack_pending"`
	NumRedelivered int          `json:"num_redelivered"`
	NumPending     uint64       `json:"num_pending"`
	Terminated     bool         `json:"terminated"`
}

// Consumer is a cursor over a stream with per-message acknowledgement
// state. Unacknowledged messages are redelivered after AckWait until
// MaxDeliver is reached.
type Consumer struct {
	name         string
	str          *stream.Stream
	store        StateStore
	logger       *slog.Logger
	metrics      *metric.Metrics
	registry     *metric.MetricsRegistry
	onDeadLetter func(DeadLetter)
	created      time.Time

	mu      sync.Mutex
	cfg     Config
	state   *State
	signal  chan struct{}
	err     error
	wakeAt  time.Time
	letters []DeadLetter
	version uint64

	// saveMu orders state writes, which run outside mu
	saveMu       sync.Mutex
	savedVersion uint64

	kick     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New opens a consumer on str. A consumer whose state is found in the state
// store resumes from it; every message that was pending is redelivered.
func New(ctx context.Context, str *stream.Stream, cfg Config, opts ...Option) (*Consumer, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Consumer{
		name:    cfg.ConsumerName(),
		str:     str,
		logger:  slog.Default(),
		created: time.Now().UTC(),
		cfg:     cfg,
		signal:  make(chan struct{}),
		kick:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Consumer", "New", "apply option")
		}
	}
	if c.store == nil {
		c.store = NewMemoryStateStore()
	}
	c.logger = c.logger.With("stream", str.Name(), "consumer", c.name)

	st, err := c.store.Load(ctx, str.Name(), c.name)
	switch {
	case err == nil:
		if discarded := c.resume(st); discarded > 0 {
			c.logger.Warn("Discarded deliveries that reached max deliver", "count", discarded)
			if err := c.store.Save(ctx, str.Name(), c.name, c.state); err != nil {
				return nil, errors.Wrap(err, "Consumer", "New", "save resumed state")
			}
		}
		c.logger.Info("Resumed consumer",
			"delivered", st.Delivered.Stream, "ack_floor", st.AckFloor.Stream, "pending", len(st.Pending))
	case errors.Is(err, errors.ErrStateNotFound):
		c.state = c.initialState()
		if err := c.store.Save(ctx, str.Name(), c.name, c.state); err != nil {
			return nil, errors.Wrap(err, "Consumer", "New", "save initial state")
		}
	default:
		return nil, errors.Wrap(err, "Consumer", "New", "load state")
	}

	c.wg.Add(1)
	go c.redeliveryLoop()
	return c, nil
}

func (c *Consumer) initialState() *State {
	var start uint64
	switch c.cfg.DeliverPolicy {
	case DeliverLast:
		filters := c.cfg.FilterSubjects
		if len(filters) == 0 {
			filters = []string{">"}
		}
		var last uint64
		for _, f := range filters {
			if m, err := c.str.LastMsgForSubject(f); err == nil && m.Sequence() > last {
				last = m.Sequence()
			}
		}
		if last > 0 {
			start = last - 1
		} else {
			start = c.str.LastSeq()
		}
	case DeliverNew:
		start = c.str.LastSeq()
	case DeliverByStartSequence:
		start = c.cfg.OptStartSeq - 1
	case DeliverByStartTime:
		start = c.str.SeqForTime(c.cfg.OptStartTime) - 1
	}
	return &State{
		Delivered: SequencePair{Stream: start},
		AckFloor:  SequencePair{Stream: start},
		Pending:   make(map[uint64]*Pending),
	}
}

// resume adopts stored state. Pending entries that already used up
// MaxDeliver were dead-lettered by the previous run and are discarded.
func (c *Consumer) resume(st *State) int {
	if st.Pending == nil {
		st.Pending = make(map[uint64]*Pending)
	}
	c.state = st
	now := time.Now()
	discarded := 0
	for seq, p := range st.Pending {
		if c.exhaustedLocked(p) {
			delete(st.Pending, seq)
			discarded++
			continue
		}
		p.waiting = true
		p.readyAt = now
	}
	if discarded > 0 {
		c.advanceFloorLocked()
	}
	return discarded
}

// Name returns the consumer name
func (c *Consumer) Name() string {
	return c.name
}

// Stream returns the stream name
func (c *Consumer) Stream() string {
	return c.str.Name()
}

// Config returns the current configuration
func (c *Consumer) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.WithDefaults()
}

// Update applies a configuration change. Only mutable fields may differ.
func (c *Consumer) Update(cfg Config) error {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	next, err := c.cfg.Update(cfg)
	if err != nil {
		return err
	}
	c.cfg = next
	c.kickLocked()
	c.signalLocked()
	return nil
}

// Info returns a snapshot of the consumer
func (c *Consumer) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()

	info := Info{
		Stream:     c.str.Name(),
		Name:       c.name,
		Config:     c.cfg.WithDefaults(),
		Created:    c.created,
		Delivered:  c.state.Delivered,
		AckFloor:   c.state.AckFloor,
		NumPending: c.str.NumPending(c.cfg.FilterSubjects, c.state.Delivered.Stream+1),
		Terminated: c.err != nil,
	}
	for _, p := range c.state.Pending {
		if p.waiting {
			info.NumRedelivered++
		} else {
			info.NumAckPending++
		}
	}
	return info
}

// Err returns why the consumer stopped, or nil while it runs
func (c *Consumer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// nextLocked returns the next message to hand out, or nil when there is none
// right now. Ready redeliveries go before new messages.
func (c *Consumer) nextLocked(now time.Time) (*Msg, error) {
	for {
		if c.err != nil {
			return nil, c.err
		}

		if seq, p := c.readyLocked(now); p != nil {
			m, err := c.str.GetMsg(seq)
			if err != nil {
				if !errors.Is(err, errors.ErrMsgNotFound) {
					return nil, err
				}
				// gone from the stream
				delete(c.state.Pending, seq)
				c.advanceFloorLocked()
				continue
			}
			return c.deliverLocked(m, p, now), nil
		}

		if c.cfg.AckPolicy != AckNone && c.cfg.MaxAckPending > 0 && len(c.state.Pending) >= c.cfg.MaxAckPending {
			return nil, nil
		}
		m, err := c.str.LoadNext(c.cfg.FilterSubjects, c.state.Delivered.Stream+1)
		if err != nil {
			if errors.Is(err, errors.ErrMsgNotFound) {
				return nil, nil
			}
			return nil, err
		}
		return c.deliverLocked(m, nil, now), nil
	}
}

// readyLocked returns the lowest pending sequence due for redelivery
func (c *Consumer) readyLocked(now time.Time) (uint64, *Pending) {
	var (
		best uint64
		bp   *Pending
	)
	for seq, p := range c.state.Pending {
		if p.waiting && !p.readyAt.After(now) && !c.exhaustedLocked(p) && (bp == nil || seq < best) {
			best, bp = seq, p
		}
	}
	return best, bp
}

func (c *Consumer) deliverLocked(m *message.Msg, p *Pending, now time.Time) *Msg {
	seq := m.Sequence()
	c.state.Delivered.Consumer++

	if p == nil {
		c.state.Delivered.Stream = seq
		if c.cfg.AckPolicy == AckNone {
			c.advanceFloorLocked()
			if c.str.Config().Retention == stream.WorkQueuePolicy {
				c.removeFromStream(seq)
			}
			c.metrics.RecordDelivered(c.str.Name(), c.name, false)
			return c.wrap(m, c.state.Delivered.Consumer, 1)
		}
		p = &Pending{}
		c.state.Pending[seq] = p
	}

	p.ConsumerSeq = c.state.Delivered.Consumer
	p.Deliveries++
	p.Delivered = now
	p.waiting = false
	p.deadline = now.Add(c.cfg.ackWaitFor())
	if c.wakeAt.IsZero() || p.deadline.Before(c.wakeAt) {
		c.kickLocked()
	}

	c.metrics.RecordDelivered(c.str.Name(), c.name, p.Deliveries > 1)
	c.metrics.RecordAckPending(c.str.Name(), c.name, len(c.state.Pending))
	return c.wrap(m, p.ConsumerSeq, p.Deliveries)
}

func (c *Consumer) wrap(m *message.Msg, cseq uint64, deliveries int) *Msg {
	return &Msg{
		Msg:      m,
		consumer: c,
		meta: Metadata{
			Stream:       c.str.Name(),
			Consumer:     c.name,
			Sequence:     SequencePair{Consumer: cseq, Stream: m.Sequence()},
			NumDelivered: deliveries,
			NumPending:   c.str.NumPending(c.cfg.FilterSubjects, c.state.Delivered.Stream+1),
			Timestamp:    m.Time(),
		},
	}
}

// advanceFloorLocked moves the ack floor up to just below the oldest
// pending message. It never moves down.
func (c *Consumer) advanceFloorLocked() {
	floor := c.state.Delivered
	var minSeq uint64
	for seq := range c.state.Pending {
		if minSeq == 0 || seq < minSeq {
			minSeq = seq
		}
	}
	if minSeq > 0 {
		p := c.state.Pending[minSeq]
		floor = SequencePair{Stream: minSeq - 1, Consumer: p.ConsumerSeq - 1}
	}
	if floor.Stream > c.state.AckFloor.Stream {
		c.state.AckFloor.Stream = floor.Stream
	}
	if floor.Consumer > c.state.AckFloor.Consumer {
		c.state.AckFloor.Consumer = floor.Consumer
	}
}

func (c *Consumer) removeFromStream(seq uint64) {
	if err := c.str.DeleteMsg(seq); err != nil && !errors.Is(err, errors.ErrMsgNotFound) {
		c.logger.Warn("Failed to remove work queue message", "seq", seq, "error", err)
	}
}

// Respond applies an acknowledgement to the message stored at streamSeq.
// State changes are persisted before Respond returns; when persisting fails
// the message stays pending and the error wraps errors.ErrAckFailed. The
// state store is written without holding the consumer lock.
func (c *Consumer) Respond(ctx context.Context, streamSeq uint64, kind AckKind, delay time.Duration) error {
	c.mu.Lock()
	ch, err := c.respondLocked(streamSeq, kind, delay)
	if err != nil || ch == nil {
		c.mu.Unlock()
		return err
	}
	snap, version := c.snapshotLocked()
	letters := c.takeLettersLocked()
	c.mu.Unlock()

	if err := c.save(ctx, snap, version); err != nil {
		c.mu.Lock()
		ch.undo()
		c.signalLocked()
		c.mu.Unlock()
		return errors.WrapTransient(errors.Join(errors.ErrAckFailed, err), "Consumer", "Respond", "persist "+kind.String())
	}

	if ch.commit != nil {
		letters = append(letters, ch.commit()...)
	}
	c.notifyDeadLetters(letters)
	return nil
}

// change is an applied but not yet persisted acknowledgement. undo runs
// with mu held, commit runs after the state was saved.
type change struct {
	undo   func()
	commit func() []DeadLetter
}

func (c *Consumer) respondLocked(seq uint64, kind AckKind, delay time.Duration) (*change, error) {
	method := "Respond"
	if c.err != nil {
		return nil, c.err
	}
	p, ok := c.state.Pending[seq]
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrAlreadyAcked, "Consumer", method, fmt.Sprintf("find pending sequence %d", seq))
	}
	now := time.Now()

	switch kind {
	case AckProgress:
		if !p.waiting {
			p.deadline = now.Add(c.cfg.ackWaitFor())
		}
		return nil, nil

	case AckAck, AckTerm:
		removed := map[uint64]*Pending{seq: p}
		if kind == AckAck && c.cfg.AckPolicy == AckAll {
			for s, q := range c.state.Pending {
				if s < seq {
					removed[s] = q
				}
			}
		}
		for s := range removed {
			delete(c.state.Pending, s)
		}
		c.advanceFloorLocked()
		c.signalLocked()

		return &change{
			undo: func() { c.restoreLocked(removed) },
			commit: func() []DeadLetter {
				var letters []DeadLetter
				workQueue := c.str.Config().Retention == stream.WorkQueuePolicy
				for s, q := range removed {
					if workQueue {
						c.removeFromStream(s)
					}
					if kind == AckAck {
						c.metrics.RecordAcked(c.str.Name(), c.name)
					} else {
						letters = append(letters, c.deadLetter(s, q, "terminated"))
					}
				}
				c.mu.Lock()
				c.metrics.RecordAckPending(c.str.Name(), c.name, len(c.state.Pending))
				c.mu.Unlock()
				return letters
			},
		}, nil

	case AckNak:
		prev := *p
		if c.exhaustedLocked(p) {
			c.deadLetterLocked(seq, p, "max_deliver")
		} else {
			p.waiting = true
			p.readyAt = now.Add(delay)
		}
		if delay > 0 {
			c.kickLocked()
		}
		c.signalLocked()

		return &change{undo: func() {
			cur, ok := c.state.Pending[seq]
			switch {
			case !ok:
				*p = prev
				c.restoreLocked(map[uint64]*Pending{seq: p})
			case cur == p && p.waiting:
				// not handed out again yet
				*p = prev
			}
		}}, nil
	}

	return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Consumer", method, "unknown ack kind "+kind.String())
}

// restoreLocked puts entries back after a failed save and lowers the ack
// floor below them again.
func (c *Consumer) restoreLocked(entries map[uint64]*Pending) {
	for s, q := range entries {
		if _, ok := c.state.Pending[s]; ok {
			continue
		}
		c.state.Pending[s] = q
		if s-1 < c.state.AckFloor.Stream {
			c.state.AckFloor = SequencePair{Stream: s - 1, Consumer: q.ConsumerSeq - 1}
		}
	}
}

func (c *Consumer) exhaustedLocked(p *Pending) bool {
	return c.cfg.MaxDeliver > 0 && p.Deliveries >= c.cfg.MaxDeliver
}

func (c *Consumer) deadLetter(seq uint64, p *Pending, reason string) DeadLetter {
	return DeadLetter{
		Stream:     c.str.Name(),
		Consumer:   c.name,
		StreamSeq:  seq,
		Deliveries: p.Deliveries,
		Reason:     reason,
	}
}

// deadLetterLocked gives up on a message. The caller persists.
func (c *Consumer) deadLetterLocked(seq uint64, p *Pending, reason string) {
	c.metrics.RecordDeadLettered(c.str.Name(), c.name)
	c.letters = append(c.letters, c.deadLetter(seq, p, reason))

	if c.cfg.DeadLetter == DeadLetterTerminate {
		c.logger.Error("Consumer terminated on undeliverable message", "seq", seq, "deliveries", p.Deliveries)
		p.waiting = true
		p.readyAt = time.Now()
		c.stopLocked(errors.WrapFatal(errors.Join(errors.ErrConsumerTerminated, errors.ErrMaxDeliver),
			"Consumer", "deadLetter", fmt.Sprintf("sequence %d exceeded %d deliveries", seq, c.cfg.MaxDeliver)))
		return
	}

	c.logger.Warn("Dropped undeliverable message", "seq", seq, "deliveries", p.Deliveries, "reason", reason)
	delete(c.state.Pending, seq)
	c.advanceFloorLocked()
	c.metrics.RecordAckPending(c.str.Name(), c.name, len(c.state.Pending))
}

// snapshotLocked captures the state for a save outside mu
func (c *Consumer) snapshotLocked() (*State, uint64) {
	c.version++
	return c.state.Clone(), c.version
}

// save writes a snapshot unless a newer one is already stored
func (c *Consumer) save(ctx context.Context, st *State, version uint64) error {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()
	if version <= c.savedVersion {
		return nil
	}
	if err := c.store.Save(ctx, c.str.Name(), c.name, st); err != nil {
		return err
	}
	c.savedVersion = version
	return nil
}

func (c *Consumer) takeLettersLocked() []DeadLetter {
	letters := c.letters
	c.letters = nil
	return letters
}

func (c *Consumer) notifyDeadLetters(letters []DeadLetter) {
	if c.onDeadLetter == nil {
		return
	}
	for _, dl := range letters {
		c.onDeadLetter(dl)
	}
}

// signalLocked wakes goroutines waiting for deliverable messages
func (c *Consumer) signalLocked() {
	close(c.signal)
	c.signal = make(chan struct{})
}

func (c *Consumer) kickLocked() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// redeliveryLoop expires ack deadlines and releases delayed redeliveries.
// One goroutine serves all pending messages of the consumer.
func (c *Consumer) redeliveryLoop() {
	defer c.wg.Done()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		c.mu.Lock()
		wake, dirty := c.expireLocked(time.Now())
		c.wakeAt = wake
		letters := c.takeLettersLocked()
		var (
			snap    *State
			version uint64
		)
		if dirty {
			snap, version = c.snapshotLocked()
		}
		c.mu.Unlock()

		if snap != nil {
			ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
			if err := c.save(ctx, snap, version); err != nil {
				c.logger.Warn("Failed to persist consumer state", "error", err)
			}
			cancel()
		}
		c.notifyDeadLetters(letters)

		wait := time.Hour
		if !wake.IsZero() {
			wait = max(time.Until(wake), 0)
		}
		timer.Reset(wait)

		select {
		case <-c.stopCh:
			return
		case <-c.kick:
		case <-timer.C:
		}
	}
}

// expireLocked handles passed deadlines. It returns when it next has work
// and whether the state needs saving.
func (c *Consumer) expireLocked(now time.Time) (time.Time, bool) {
	if c.err != nil {
		return time.Time{}, false
	}

	var (
		next    time.Time
		ready   bool
		dropped bool
	)
	earliest := func(t time.Time) {
		if next.IsZero() || t.Before(next) {
			next = t
		}
	}

	for seq, p := range c.state.Pending {
		if p.waiting && c.exhaustedLocked(p) {
			// MaxDeliver was lowered below its delivery count
			c.deadLetterLocked(seq, p, "max_deliver")
			if c.err != nil {
				break
			}
			dropped = true
			continue
		}
		if !p.waiting {
			if p.deadline.After(now) {
				earliest(p.deadline)
				continue
			}
			if c.exhaustedLocked(p) {
				c.deadLetterLocked(seq, p, "max_deliver")
				if c.err != nil {
					break
				}
				dropped = true
				continue
			}
			p.waiting = true
			p.readyAt = now.Add(c.cfg.backoffFor(p.Deliveries))
			c.logger.Debug("Ack wait expired", "seq", seq, "deliveries", p.Deliveries)
		}
		if p.readyAt.After(now) {
			earliest(p.readyAt)
		} else {
			ready = true
		}
	}

	dirty := dropped || c.err != nil
	if ready || dirty {
		c.signalLocked()
	}
	if c.err != nil {
		return time.Time{}, dirty
	}
	return next, dirty
}

// take collects up to n deliverable messages without blocking. It also
// returns channels that fire when more may be available.
func (c *Consumer) take(n int) ([]*Msg, <-chan struct{}, <-chan struct{}, error) {
	// Captured before looking so an append in between is not missed.
	appended := c.str.Notify()

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var msgs []*Msg
	for len(msgs) < n {
		m, err := c.nextLocked(now)
		if err != nil {
			if len(msgs) > 0 {
				return msgs, nil, nil, nil
			}
			return nil, nil, nil, err
		}
		if m == nil {
			break
		}
		msgs = append(msgs, m)
	}
	return msgs, c.signal, appended, nil
}

// wait blocks until at least one message is deliverable or ctx ends
func (c *Consumer) wait(ctx context.Context, n int) ([]*Msg, error) {
	for {
		msgs, signal, appended, err := c.take(n)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			return msgs, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-signal:
		case <-appended:
		}
	}
}

// Stop releases the redelivery goroutine and wakes all waiters. Pending
// state stays in the state store.
func (c *Consumer) Stop() {
	c.mu.Lock()
	c.stopLocked(errors.WrapFatal(errors.ErrConsumerTerminated, "Consumer", "Stop", "stop "+c.name))
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Consumer) stopLocked(reason error) {
	if c.err == nil {
		c.err = reason
	}
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.signalLocked()
}

// Delete stops the consumer and removes its persisted state
func (c *Consumer) Delete(ctx context.Context) error {
	c.Stop()
	c.saveMu.Lock()
	defer c.saveMu.Unlock()
	// saves still in flight must not bring the state back
	c.savedVersion = math.MaxUint64
	if err := c.store.Delete(ctx, c.str.Name(), c.name); err != nil {
		return errors.Wrap(err, "Consumer", "Delete", "remove state")
	}
	return nil
}
