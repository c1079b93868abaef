// Package natstransport bridges transport.Session onto a NATS server using
// github.com/nats-io/nats.go.
//
// The nats.go connection is dialed with reconnects disabled: reconnect,
// outbound buffering and interest re-registration belong to the connection
// manager, which redials through this Transport when a session's Done
// channel closes.
package natstransport

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/streambus/errors"
	"github.com/c360/streambus/transport"
)

// Transport dials NATS sessions.
type Transport struct {
	urls   []string
	logger *slog.Logger

	timeout      time.Duration
	pingInterval time.Duration

	// Authentication
	username  string
	password  string
	token     string
	credsFile string

	// TLS
	tlsCertFile string
	tlsKeyFile  string
	tlsCAFile   string

	clientName string
}

// Option is a functional option for configuring the Transport
type Option func(*Transport) error

// WithName sets the client name reported to the server
func WithName(name string) Option {
	return func(t *Transport) error {
		t.clientName = name
		return nil
	}
}

// WithUserInfo sets username/password authentication
func WithUserInfo(username, password string) Option {
	return func(t *Transport) error {
		if username == "" {
			return errors.New("username cannot be empty")
		}
		t.username = username
		t.password = password
		return nil
	}
}

// WithToken sets token authentication
func WithToken(token string) Option {
	return func(t *Transport) error {
		t.token = token
		return nil
	}
}

// WithCredentials sets a user credentials (JWT + NKey) file
func WithCredentials(path string) Option {
	return func(t *Transport) error {
		t.credsFile = path
		return nil
	}
}

// WithTLS sets client certificate files and a CA bundle. Any may be empty.
func WithTLS(certFile, keyFile, caFile string) Option {
	return func(t *Transport) error {
		if (certFile == "") != (keyFile == "") {
			return errors.New("TLS cert and key files must be set together")
		}
		t.tlsCertFile = certFile
		t.tlsKeyFile = keyFile
		t.tlsCAFile = caFile
		return nil
	}
}

// WithTimeout sets the dial timeout and the default flush timeout
func WithTimeout(d time.Duration) Option {
	return func(t *Transport) error {
		if d <= 0 {
			return errors.New("timeout must be positive")
		}
		t.timeout = d
		return nil
	}
}

// WithPingInterval sets the server ping interval used to detect dead links
func WithPingInterval(d time.Duration) Option {
	return func(t *Transport) error {
		t.pingInterval = d
		return nil
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) error {
		if logger != nil {
			t.logger = logger
		}
		return nil
	}
}

// New creates a Transport for the given server URLs
func New(urls []string, opts ...Option) (*Transport, error) {
	if len(urls) == 0 {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Transport", "New", "check server urls")
	}

	t := &Transport{
		urls:         urls,
		logger:       slog.Default(),
		timeout:      5 * time.Second,
		pingInterval: 30 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, errors.WrapInvalid(err, "Transport", "New", "apply option")
		}
	}

	return t, nil
}

var _ transport.Transport = (*Transport)(nil)

// URL returns the comma-joined server list handed to nats.Connect
func (t *Transport) URL() string {
	return strings.Join(t.urls, ",")
}

// connectionOptions builds nats.go options. Handlers are attached per session.
func (t *Transport) connectionOptions(extra ...nats.Option) []nats.Option {
	opts := []nats.Option{
		nats.Timeout(t.timeout),
		nats.PingInterval(t.pingInterval),
	}

	if t.username != "" {
		opts = append(opts, nats.UserInfo(t.username, t.password))
	}
	if t.token != "" {
		opts = append(opts, nats.Token(t.token))
	}
	if t.credsFile != "" {
		opts = append(opts, nats.UserCredentials(t.credsFile))
	}

	if t.tlsCertFile != "" && t.tlsKeyFile != "" {
		opts = append(opts, nats.ClientCert(t.tlsCertFile, t.tlsKeyFile))
	}
	if t.tlsCAFile != "" {
		opts = append(opts, nats.RootCAs(t.tlsCAFile))
	}

	if t.clientName != "" {
		opts = append(opts, nats.Name(t.clientName))
	}

	return append(opts, extra...)
}

// connect runs nats.Connect and gives up when ctx ends first
func (t *Transport) connect(ctx context.Context, method string, opts []nats.Option) (*nats.Conn, error) {
	type result struct {
		nc  *nats.Conn
		err error
	}
	done := make(chan result, 1)
	go func() {
		nc, err := nats.Connect(t.URL(), opts...)
		done <- result{nc, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, errors.WrapTransient(r.err, "Transport", method, "establish connection")
		}
		return r.nc, nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.nc != nil {
				r.nc.Close()
			}
		}()
		return nil, errors.WrapTransient(ctx.Err(), "Transport", method, "connection cancelled")
	}
}

// Dial opens a session. The nats.go connection never reconnects on its own.
func (t *Transport) Dial(ctx context.Context, deliver transport.DeliverFunc) (transport.Session, error) {
	if deliver == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Transport", "Dial", "check deliver func")
	}

	s := newSession(deliver, t.logger, t.timeout)
	opts := t.connectionOptions(
		nats.NoReconnect(),
		nats.DisconnectErrHandler(s.handleDisconnect),
		nats.ClosedHandler(s.handleClosed),
		nats.ErrorHandler(s.handleError),
	)

	nc, err := t.connect(ctx, "Dial", opts)
	if err != nil {
		return nil, err
	}
	s.attach(nc)

	t.logger.Debug("NATS session connected", "url", nc.ConnectedUrlRedacted(), "server", nc.ConnectedServerName())
	return s, nil
}

// KeyValue opens a dedicated connection and returns the named bucket,
// creating it when missing. That connection uses nats.go's own reconnect
// handling. The returned func closes it.
func (t *Transport) KeyValue(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, func(), error) {
	nc, err := t.connect(ctx, "KeyValue", t.connectionOptions(nats.MaxReconnects(-1)))
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() { nc.Close() }

	js, err := jetstream.New(nc)
	if err != nil {
		closeFn()
		return nil, nil, errors.WrapTransient(err, "Transport", "KeyValue", "create JetStream context")
	}

	bucket, err := js.KeyValue(ctx, cfg.Bucket)
	if err == nil {
		t.logger.Debug("Using existing KV bucket", "bucket", cfg.Bucket)
		return bucket, closeFn, nil
	}

	bucket, err = js.CreateKeyValue(ctx, cfg)
	if err != nil {
		if !isAlreadyExistsError(err) {
			closeFn()
			return nil, nil, errors.WrapTransient(err, "Transport", "KeyValue", "create bucket "+cfg.Bucket)
		}
		// Lost a creation race
		bucket, err = js.KeyValue(ctx, cfg.Bucket)
		if err != nil {
			closeFn()
			return nil, nil, errors.Wrap(err, "Transport", "KeyValue", "access existing bucket "+cfg.Bucket)
		}
	}

	t.logger.Info("KV bucket ready", "bucket", cfg.Bucket)
	return bucket, closeFn, nil
}

// isAlreadyExistsError checks if an error indicates a KV bucket already exists
func isAlreadyExistsError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, jetstream.ErrBucketExists) || errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "bucket name already in use") ||
		strings.Contains(errStr, "already exists") ||
		strings.Contains(errStr, "stream name already in use")
}
