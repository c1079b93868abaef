package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/c360/streambus/client"
	"github.com/c360/streambus/config"
	"github.com/c360/streambus/conn"
	"github.com/c360/streambus/health"
	"github.com/c360/streambus/jetstream"
	"github.com/c360/streambus/metric"
	"github.com/c360/streambus/pkg/buffer"
	"github.com/c360/streambus/transport"
	"github.com/c360/streambus/transport/memory"
	"github.com/c360/streambus/transport/natstransport"
)

// runtime is everything a command needs, built from flags and config
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	monitor  *health.Monitor
	client   *client.Client
	js       *jetstream.JetStream
	metrics  *metric.Server
}

// loadConfig merges the config file, environment and flag overrides
func loadConfig(g *globalFlags) (*config.Config, error) {
	loader := config.NewLoader()
	if g.ConfigPath != "" {
		loader.AddLayer(g.ConfigPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if g.Server != "" {
		cfg.Client.Transport = config.TransportNATS
		cfg.Client.Servers = []string{g.Server}
	}
	if g.LogLevel != "" {
		cfg.Log.Level = g.LogLevel
	}
	if g.LogFormat != "" {
		cfg.Log.Format = g.LogFormat
	}
	if g.MetricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = g.MetricsAddr
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newTransport picks the transport named in the config. Only the NATS
// transport can open KeyValue buckets.
func newTransport(cfg config.ClientConfig, logger *slog.Logger) (transport.Transport, jetstream.KVOpener, error) {
	if cfg.Transport != config.TransportNATS {
		return memory.NewBus(memory.WithLogger(logger)), nil, nil
	}

	opts := []natstransport.Option{natstransport.WithLogger(logger)}
	if cfg.Name != "" {
		opts = append(opts, natstransport.WithName(cfg.Name))
	}
	if cfg.Username != "" {
		opts = append(opts, natstransport.WithUserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, natstransport.WithToken(cfg.Token))
	}
	if cfg.CredentialsFile != "" {
		opts = append(opts, natstransport.WithCredentials(cfg.CredentialsFile))
	}
	if cfg.TLS.Enabled() {
		opts = append(opts, natstransport.WithTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.CAFile))
	}
	tr, err := natstransport.New(cfg.Servers, opts...)
	if err != nil {
		return nil, nil, err
	}
	return tr, tr.KeyValue, nil
}

// clientOptions maps the client config section to client options
func clientOptions(cfg config.ClientConfig, logger *slog.Logger, registry *metric.MetricsRegistry) []client.ClientOption {
	opts := []client.ClientOption{
		client.WithLogger(logger),
		client.WithMetrics(registry),
		client.WithMaxReconnects(cfg.MaxReconnects),
	}
	if cfg.ReconnectWait > 0 {
		opts = append(opts, client.WithReconnectWait(cfg.ReconnectWait, max(cfg.MaxReconnectWait, cfg.ReconnectWait)))
	}
	if cfg.Name != "" {
		opts = append(opts, client.WithName(cfg.Name))
	}
	if cfg.RequestTimeout > 0 {
		opts = append(opts, client.WithRequestTimeout(cfg.RequestTimeout))
	}
	if cfg.OutboundBufferSize > 0 {
		policy := conn.DropOldest
		if cfg.OutboundPolicy == config.OutboundReject {
			policy = conn.RejectNew
		}
		opts = append(opts, client.WithOutboundBuffer(cfg.OutboundBufferSize, policy))
	}
	if cfg.InboundBufferSize > 0 {
		opts = append(opts, client.WithConnOptions(conn.WithInboundBuffer(cfg.InboundBufferSize, buffer.DropOldest)))
	}
	if cfg.PendingLimit > 0 {
		opts = append(opts, client.WithPendingLimits(cfg.PendingLimit, buffer.DropOldest))
	}
	return opts
}

// openRuntime connects the client and, when withJS is set, opens the
// JetStream context on top of it
func openRuntime(ctx context.Context, g *globalFlags, logOut io.Writer, withJS bool) (*runtime, error) {
	cfg, err := loadConfig(g)
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		cfg:      cfg,
		logger:   setupLogger(cfg.Log.Level, cfg.Log.Format, logOut),
		registry: metric.NewMetricsRegistry(),
		monitor:  health.NewMonitor(),
	}

	tr, kv, err := newTransport(cfg.Client, rt.logger)
	if err != nil {
		return nil, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	rt.client, err = client.Connect(connectCtx, tr, clientOptions(cfg.Client, rt.logger, rt.registry)...)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	rt.monitor.Register("client", rt.client)

	if withJS {
		rt.js, err = jetstream.NewFromConfig(ctx, cfg.JetStream, kv,
			jetstream.WithClient(rt.client),
			jetstream.WithLogger(rt.logger),
			jetstream.WithMetrics(rt.registry))
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("open jetstream: %w", err)
		}
		rt.monitor.Register("jetstream", rt.js)
	}

	if cfg.Metrics.Enabled {
		rt.metrics = metric.NewServer(cfg.Metrics.Addr, cfg.Metrics.Path, rt.registry,
			metric.WithHealthHandler(rt.monitor.Handler(appName)))
		if err := rt.metrics.Start(); err != nil {
			rt.Close()
			return nil, fmt.Errorf("start metrics server: %w", err)
		}
		rt.logger.Info("Serving metrics", "addr", rt.metrics.Address(), "path", cfg.Metrics.Path)
	}
	return rt, nil
}

// Close releases everything in reverse order of creation
func (rt *runtime) Close() {
	if rt.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rt.metrics.Stop(ctx); err != nil {
			rt.logger.Warn("Failed to stop metrics server", "error", err)
		}
		cancel()
	}
	if rt.js != nil {
		if err := rt.js.Close(); err != nil {
			rt.logger.Warn("Failed to close jetstream", "error", err)
		}
	}
	if rt.client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rt.client.Drain(ctx); err != nil {
			rt.logger.Debug("Drain incomplete", "error", err)
		}
		cancel()
	}
}
