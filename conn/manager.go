package conn

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/streambus/errors"
	"github.com/c360/streambus/health"
	"github.com/c360/streambus/message"
	"github.com/c360/streambus/metric"
	"github.com/c360/streambus/pkg/buffer"
	"github.com/c360/streambus/pkg/retry"
	"github.com/c360/streambus/subject"
	"github.com/c360/streambus/transport"
)

// State represents the state of the logical connection
type State int32

// Possible connection states
const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Closed
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Dispatcher receives inbound messages from the dispatch goroutine
type Dispatcher interface {
	Deliver(group string, msg *message.Msg)
}

type inbound struct {
	group string
	msg   *message.Msg
}

// Stats is a point-in-time snapshot of manager counters
type Stats struct {
	State      State
	Interests  int
	Reconnects uint64
	Published  uint64
	Buffered   int
	Replayed   uint64
	Dropped    uint64
	Received   uint64
}

// Manager owns one logical session to the bus. It redials lost sessions
// with backoff, buffers publishes while disconnected and replays them in
// order once interests are registered again.
type Manager struct {
	transport  transport.Transport
	dispatcher Dispatcher
	logger     *slog.Logger
	metrics    *metric.Metrics
	registry   *metric.MetricsRegistry
	queuesName string

	outboundSize         int
	overflow             OverflowPolicy
	inboundSize          int
	inboundPolicy        buffer.OverflowPolicy
	maxReconnects        int
	backoff              retry.Config
	retryOnFailedConnect bool

	onDisconnect func(error)
	onReconnect  func()
	onClosed     func(error)

	state   atomic.Value // stores State
	stateMu sync.Mutex
	stateCh chan struct{} // closed and replaced on every transition

	pubMu     sync.Mutex // orders publishes against replay
	mu        sync.Mutex // protects session, interests and err
	session   transport.Session
	interests map[transport.Interest]int
	err       error

	outbound buffer.Buffer[*message.Msg]
	inbound  buffer.Buffer[inbound]

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	started   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}

	reconnects atomic.Uint64
	published  atomic.Uint64
	replayed   atomic.Uint64
	dropped    atomic.Uint64
	received   atomic.Uint64
}

// New creates a manager for tr. Call Connect to open the first session.
func New(tr transport.Transport, opts ...Option) (*Manager, error) {
	if tr == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Manager", "New", "check transport")
	}

	m := &Manager{
		transport:     tr,
		logger:        slog.Default(),
		outboundSize:  8192,
		overflow:      DropOldest,
		inboundSize:   65536,
		inboundPolicy: buffer.DropOldest,
		maxReconnects: retry.Unlimited,
		backoff:       retry.Reconnect(),
		interests:     make(map[transport.Interest]int),
		stateCh:       make(chan struct{}),
		done:          make(chan struct{}),
	}

	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, errors.WrapInvalid(err, "Manager", "New", "apply option")
		}
	}

	var err error
	m.outbound, err = newQueue(m, "outbound", m.outboundSize,
		buffer.WithOverflowPolicy[*message.Msg](m.overflow.buffer()),
		buffer.WithDropCallback[*message.Msg](func(msg *message.Msg) {
			m.dropped.Add(1)
			m.metrics.RecordOutboundOverflow()
			m.metrics.RecordDropped("conn", "outbound_overflow")
			m.logger.Debug("Dropped buffered publish", "subject", msg.Subject())
		}))
	if err != nil {
		return nil, errors.Wrap(err, "Manager", "New", "create outbound buffer")
	}

	m.inbound, err = newQueue(m, "inbound", m.inboundSize,
		buffer.WithOverflowPolicy[inbound](m.inboundPolicy),
		buffer.WithDropCallback[inbound](func(in inbound) {
			m.metrics.RecordDropped("conn", "inbound_overflow")
			m.logger.Warn("Inbound queue full, dropped message", "subject", in.msg.Subject())
		}))
	if err != nil {
		return nil, errors.Wrap(err, "Manager", "New", "create inbound buffer")
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.state.Store(Disconnected)
	return m, nil
}

// SetDispatcher sets where inbound messages go. It must be called before Connect.
func (m *Manager) SetDispatcher(d Dispatcher) {
	m.dispatcher = d
}

// State returns the current connection state
func (m *Manager) State() State {
	return m.state.Load().(State)
}

// IsConnected reports whether a live session is attached
func (m *Manager) IsConnected() bool {
	return m.State() == Connected
}

// Done is closed once the manager reaches Closed
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Err returns the last session error, or the reason the manager closed
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *Manager) setErr(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *Manager) setState(s State) {
	m.stateMu.Lock()
	old := m.State()
	if old == s || old == Closed {
		m.stateMu.Unlock()
		return
	}
	m.state.Store(s)
	close(m.stateCh)
	m.stateCh = make(chan struct{})
	m.stateMu.Unlock()

	m.metrics.RecordConnectionState(int(s))
	m.logger.Debug("Connection state changed", "from", old.String(), "to", s.String())
}

func (m *Manager) stateChanged() <-chan struct{} {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.stateCh
}

// Connect opens the first session and registers interests added so far.
// With WithRetryOnFailedConnect a failed dial returns nil and the manager
// keeps trying in the background; otherwise the manager stays
// Disconnected and Connect may be called again.
func (m *Manager) Connect(ctx context.Context) error {
	if m.dispatcher == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Manager", "Connect", "check dispatcher")
	}
	if m.State() == Closed {
		return errors.WrapFatal(errors.ErrConnectionClosed, "Manager", "Connect", "check state")
	}
	if !m.started.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Manager", "Connect", "check state")
	}

	m.setState(Connecting)
	sess, err := m.transport.Dial(ctx, m.deliver)
	if err == nil {
		if err = m.resume(sess); err != nil {
			_ = sess.Close()
		}
	}

	if err != nil {
		m.setErr(err)
		if !m.retryOnFailedConnect {
			m.setState(Disconnected)
			m.started.Store(false)
			return errors.Wrap(err, "Manager", "Connect", "open session")
		}
		m.logger.Warn("Initial connect failed, retrying in background", "error", err)
		m.setState(Reconnecting)
		sess = nil
	} else {
		m.logger.Info("Connected", "interests", m.interestCount())
	}

	m.wg.Add(2)
	go m.dispatchLoop()
	go m.supervise(sess)
	return nil
}

// WaitForConnection blocks until the manager is Connected, Closed or ctx ends
func (m *Manager) WaitForConnection(ctx context.Context) error {
	for {
		ch := m.stateChanged()
		switch m.State() {
		case Connected:
			return nil
		case Closed:
			return errors.WrapFatal(errors.ErrConnectionClosed, "Manager", "WaitForConnection", "check state")
		}
		select {
		case <-ctx.Done():
			return errors.WrapTransient(errors.Join(errors.ErrTimeout, ctx.Err()), "Manager", "WaitForConnection", "wait")
		case <-ch:
		}
	}
}

// deliver is the transport callback; it only queues.
func (m *Manager) deliver(group string, msg *message.Msg) {
	m.received.Add(1)
	m.metrics.RecordReceived("conn")
	if err := m.inbound.WriteContext(m.ctx, inbound{group: group, msg: msg}); err != nil {
		m.metrics.RecordDropped("conn", "closed")
	}
}

// dispatchLoop hands inbound messages to the dispatcher one at a time. It
// exits once the inbound queue is closed and empty.
func (m *Manager) dispatchLoop() {
	defer m.wg.Done()
	for {
		in, err := m.inbound.ReadContext(context.Background())
		if err != nil {
			return
		}
		m.dispatcher.Deliver(in.group, in.msg)
	}
}

// supervise watches the live session and redials when it is lost
func (m *Manager) supervise(sess transport.Session) {
	defer m.wg.Done()

	for {
		if sess != nil {
			select {
			case <-m.ctx.Done():
				return
			case <-sess.Done():
			}
			if m.ctx.Err() != nil {
				return
			}
			m.lost(sess)
		}

		next, err := m.reconnect()
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			m.logger.Error("Giving up reconnecting", "error", err)
			go m.shutdown(errors.WrapFatal(errors.Join(errors.ErrConnectionLost, err), "Manager", "supervise", "reconnect"))
			return
		}
		sess = next
	}
}

func (m *Manager) lost(sess transport.Session) {
	cause := sess.Err()
	if cause == nil {
		cause = errors.ErrConnectionLost
	}

	m.mu.Lock()
	if m.session == sess {
		m.session = nil
	}
	m.err = cause
	m.mu.Unlock()

	m.setState(Reconnecting)
	m.logger.Warn("Connection lost", "error", cause)
	if m.onDisconnect != nil {
		go m.onDisconnect(cause)
	}
}

func (m *Manager) reconnect() (transport.Session, error) {
	if m.maxReconnects == 0 {
		return nil, errors.ErrConnectionLost
	}

	cfg := m.backoff
	cfg.MaxAttempts = m.maxReconnects
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		m.logger.Warn("Reconnect attempt failed", "attempt", attempt, "retry_in", delay, "error", err)
	}

	return retry.DoWithResult(m.ctx, cfg, func() (transport.Session, error) {
		sess, err := m.transport.Dial(m.ctx, m.deliver)
		if err != nil {
			m.setErr(err)
			return nil, err
		}
		if err := m.resume(sess); err != nil {
			_ = sess.Close()
			m.setErr(err)
			return nil, err
		}

		n := m.reconnects.Add(1)
		m.metrics.RecordReconnect()
		m.logger.Info("Reconnected", "reconnects", n, "interests", m.interestCount())
		if m.onReconnect != nil {
			go m.onReconnect()
		}
		return sess, nil
	})
}

// resume registers every interest on sess, attaches it, then replays the
// outbound buffer in order. Publishers wait on pubMu throughout, so nothing
// published after the outage overtakes a buffered message.
func (m *Manager) resume(sess transport.Session) error {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()

	m.mu.Lock()
	for interest := range m.interests {
		if err := sess.Subscribe(interest); err != nil {
			m.mu.Unlock()
			return errors.Wrap(err, "Manager", "resume", "register "+interest.String())
		}
	}
	m.session = sess
	m.mu.Unlock()

	pending := m.outbound.Drain()
	for i, msg := range pending {
		err := sess.Publish(msg)
		if err == nil {
			m.replayed.Add(1)
			m.published.Add(1)
			m.metrics.RecordPublished("conn")
			continue
		}
		if errors.IsInvalid(err) {
			m.dropped.Add(1)
			m.metrics.RecordDropped("conn", "invalid")
			m.logger.Warn("Dropped buffered publish rejected by transport", "subject", msg.Subject(), "error", err)
			continue
		}

		// Session died mid-replay; keep the rest for the next one
		for _, rest := range pending[i:] {
			_ = m.outbound.Write(rest)
		}
		m.mu.Lock()
		if m.session == sess {
			m.session = nil
		}
		m.mu.Unlock()
		m.metrics.RecordOutbound(m.outbound.Size())
		return errors.Wrap(err, "Manager", "resume", "replay buffered publishes")
	}
	m.metrics.RecordOutbound(0)
	if len(pending) > 0 {
		m.logger.Debug("Replayed buffered publishes", "count", len(pending))
	}

	m.setState(Connected)
	return nil
}

// Publish sends msg on the live session, or buffers it while the session
// is being re-established.
func (m *Manager) Publish(msg *message.Msg) error {
	if msg == nil {
		return errors.WrapInvalid(errors.ErrInvalidSubject, "Manager", "Publish", "check message")
	}
	if err := subject.ValidateSubject(msg.Subject()); err != nil {
		return err
	}

	m.pubMu.Lock()
	defer m.pubMu.Unlock()

	switch m.State() {
	case Closed:
		return errors.WrapFatal(errors.ErrConnectionClosed, "Manager", "Publish", "check state")
	case Disconnected:
		return errors.WrapTransient(errors.ErrNotConnected, "Manager", "Publish", "check state")
	case Connected:
		m.mu.Lock()
		sess := m.session
		m.mu.Unlock()
		if sess != nil {
			err := sess.Publish(msg)
			if err == nil {
				m.published.Add(1)
				m.metrics.RecordPublished("conn")
				return nil
			}
			if !errors.IsTransient(err) {
				return err
			}
			m.logger.Debug("Publish hit a dead session, buffering", "subject", msg.Subject(), "error", err)
		}
	}

	if err := m.outbound.Write(msg); err != nil {
		if errors.Is(err, errors.ErrOverflow) {
			m.metrics.RecordOutboundOverflow()
			m.metrics.RecordDropped("conn", "outbound_rejected")
		}
		return err
	}
	m.metrics.RecordOutbound(m.outbound.Size())
	return nil
}

// AddInterest registers an interest, reference counted. The first
// registration reaches the live session; all are restored on reconnect.
func (m *Manager) AddInterest(interest transport.Interest) error {
	if err := subject.ValidatePattern(interest.Subject); err != nil {
		return err
	}
	if err := subject.ValidateQueue(interest.Queue); err != nil {
		return err
	}
	if m.State() == Closed {
		return errors.WrapFatal(errors.ErrConnectionClosed, "Manager", "AddInterest", "check state")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.interests[interest]++
	if m.interests[interest] > 1 || m.session == nil {
		return nil
	}
	if err := m.session.Subscribe(interest); err != nil {
		if errors.IsTransient(err) {
			// restored with the next session
			return nil
		}
		m.dropInterest(interest)
		return err
	}
	return nil
}

// RemoveInterest releases one reference to an interest
func (m *Manager) RemoveInterest(interest transport.Interest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.interests[interest] == 0 {
		return nil
	}
	if !m.dropInterest(interest) || m.session == nil {
		return nil
	}
	if err := m.session.Unsubscribe(interest); err != nil && !errors.IsTransient(err) {
		return err
	}
	return nil
}

// dropInterest decrements and reports whether the last reference went away
func (m *Manager) dropInterest(interest transport.Interest) bool {
	m.interests[interest]--
	if m.interests[interest] > 0 {
		return false
	}
	delete(m.interests, interest)
	return true
}

func (m *Manager) interestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.interests)
}

// Flush waits for a live session and flushes it. Buffered publishes are
// sent before Flush can return because replay completes before Connected.
func (m *Manager) Flush(ctx context.Context) error {
	if err := m.WaitForConnection(ctx); err != nil {
		return err
	}

	m.pubMu.Lock()
	m.mu.Lock()
	sess := m.session
	m.mu.Unlock()
	m.pubMu.Unlock()
	if sess == nil {
		return errors.WrapTransient(errors.ErrNotConnected, "Manager", "Flush", "find session")
	}
	return sess.Flush(ctx)
}

// Close closes the session, stops reconnecting and waits for the dispatch
// goroutine to deliver what is already queued. Buffered publishes are
// discarded. Close is idempotent.
func (m *Manager) Close() error {
	m.shutdown(nil)
	return nil
}

func (m *Manager) shutdown(cause error) {
	m.closeOnce.Do(func() {
		if cause != nil {
			m.setErr(cause)
		}
		m.setState(Closed)
		m.cancel()

		m.pubMu.Lock()
		m.mu.Lock()
		sess := m.session
		m.session = nil
		m.mu.Unlock()
		if sess != nil {
			_ = sess.Close()
		}
		if n := len(m.outbound.Drain()); n > 0 {
			m.dropped.Add(uint64(n))
			m.metrics.RecordDropped("conn", "closed")
			m.logger.Warn("Discarded buffered publishes on close", "count", n)
		}
		_ = m.outbound.Close()
		m.pubMu.Unlock()

		_ = m.inbound.Close()
		m.wg.Wait()

		m.logger.Info("Connection closed", "error", cause)
		close(m.done)
		if m.onClosed != nil {
			m.onClosed(cause)
		}
	})
	<-m.done
}

// Stats returns a snapshot of the manager counters
func (m *Manager) Stats() Stats {
	return Stats{
		State:      m.State(),
		Interests:  m.interestCount(),
		Reconnects: m.reconnects.Load(),
		Published:  m.published.Load(),
		Buffered:   m.outbound.Size(),
		Replayed:   m.replayed.Load(),
		Dropped:    m.dropped.Load(),
		Received:   m.received.Load(),
	}
}

// HealthCheck implements health.Checker
func (m *Manager) HealthCheck() health.Status {
	stats := m.Stats()
	var status health.Status
	switch stats.State {
	case Connected:
		status = health.NewHealthy("conn", "connected")
	case Reconnecting, Connecting:
		status = health.NewDegraded("conn", stats.State.String())
		if err := m.Err(); err != nil {
			status = health.NewDegraded("conn", stats.State.String()+": "+err.Error())
		}
	default:
		status = health.NewUnhealthy("conn", stats.State.String())
		if err := m.Err(); err != nil {
			status = health.FromError("conn", err)
		}
	}
	return status.WithMetrics(&health.Metrics{
		MessagesProcessed: int64(stats.Published),
		Pending:           int64(stats.Buffered),
		Dropped:           int64(stats.Dropped),
	})
}

var _ health.Checker = (*Manager)(nil)

// newQueue creates a manager queue, exported under the queue metrics prefix
// when one is set. A prefix already taken leaves the queue unexported.
func newQueue[T any](m *Manager, name string, size int, opts ...buffer.Option[T]) (buffer.Buffer[T], error) {
	if m.registry != nil {
		q, err := buffer.NewCircularBuffer[T](size, append(opts, buffer.WithMetrics[T](m.registry, m.queuesName+"_"+name))...)
		if err == nil {
			return q, nil
		}
		m.logger.Warn("Queue metrics unavailable", "queue", name, "error", err)
	}
	return buffer.NewCircularBuffer[T](size, opts...)
}
