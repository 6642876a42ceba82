// ABOUTME: Server orchestrator that wires the messaging components together
// ABOUTME: Runs the HTTP API and gRPC health servers plus the background workers

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/coven-messaging/internal/api"
	"github.com/2389/coven-messaging/internal/attachments"
	"github.com/2389/coven-messaging/internal/auth"
	"github.com/2389/coven-messaging/internal/config"
	"github.com/2389/coven-messaging/internal/conversation"
	"github.com/2389/coven-messaging/internal/dedupe"
	"github.com/2389/coven-messaging/internal/export"
	"github.com/2389/coven-messaging/internal/metrics"
	"github.com/2389/coven-messaging/internal/moderation"
	"github.com/2389/coven-messaging/internal/notify"
	"github.com/2389/coven-messaging/internal/presence"
	"github.com/2389/coven-messaging/internal/retention"
	"github.com/2389/coven-messaging/internal/store"
)

// pinger is implemented by dependencies that can report reachability.
type pinger interface {
	Ping(ctx context.Context) error
}

// Server owns every long-lived component of the messaging service.
type Server struct {
	config       *config.Config
	store        *store.SQLiteStore
	presence     presence.Tracker
	broadcaster  *notify.Broadcaster
	nats         *notify.NATSPublisher
	pipeline     *attachments.Pipeline
	exporter     *export.Exporter
	retention    *retention.Enforcer
	conversation *conversation.Service
	idempotency  *dedupe.Cache
	api          *api.Handler
	metrics      *metrics.Metrics
	httpServer   *http.Server
	grpcServer   *grpc.Server
	health       *health.Server
	logger       *slog.Logger

	workers sync.WaitGroup
}

// New builds the server from configuration. Nothing is started until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config: cfg,
		logger: logger.With("component", "server"),
	}

	var err error
	if s.store, err = store.NewSQLiteStore(cfg.Database.Path); err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	if err := s.init(logger); err != nil {
		s.closeComponents()
		return nil, err
	}
	return s, nil
}

func (s *Server) init(logger *slog.Logger) error {
	cfg := s.config

	if cfg.Metrics.Enabled {
		s.metrics = metrics.New()
	}

	tracker, err := newTracker(cfg.Presence, logger)
	if err != nil {
		return err
	}
	s.presence = tracker

	s.broadcaster = notify.NewBroadcaster(logger)
	s.metrics.RegisterGaugeFunc("live_subscribers", "Open live event subscriptions.", func() float64 {
		return float64(s.broadcaster.SubscriberCount())
	})
	s.metrics.RegisterGaugeFunc("live_events_dropped", "Events dropped for slow live subscribers since start.", func() float64 {
		return float64(s.broadcaster.Dropped())
	})
	publishers := []notify.Publisher{s.broadcaster}
	if cfg.Notify.NATSURL != "" {
		s.nats, err = notify.DialNATS(notify.NATSOptions{
			URL:           cfg.Notify.NATSURL,
			SubjectPrefix: cfg.Notify.SubjectPrefix,
		}, logger)
		if err != nil {
			return fmt.Errorf("connecting to nats: %w", err)
		}
		publishers = append(publishers, s.nats)
	}
	notifier := notify.NewFanout(logger, publishers...)

	cdn, err := attachments.NewCDNPublisher(cfg.Attachments.CDNBaseURL)
	if err != nil {
		return fmt.Errorf("creating cdn publisher: %w", err)
	}
	s.pipeline = attachments.New(s.store,
		attachments.NewPolicyScanner(cfg.Attachments.BlockedMIMETypes, cfg.Attachments.AllowedMIMETypes),
		cdn,
		attachments.Config{
			Workers:           cfg.Attachments.Workers,
			QueueSize:         cfg.Attachments.QueueSize,
			MaxScanAttempts:   cfg.Attachments.MaxScanAttempts,
			MaxIngestAttempts: cfg.Attachments.MaxIngestAttempts,
			InitialBackoff:    cfg.Attachments.InitialBackoff,
			MaxBackoff:        cfg.Attachments.MaxBackoff,
			MaxSizeBytes:      cfg.Attachments.MaxSizeBytes,
		}, s.metrics, logger)

	s.idempotency = dedupe.New(cfg.Server.IdempotencyTTL, cfg.Server.IdempotencyKeys)

	deps := conversation.Deps{
		Store:       s.store,
		Presence:    s.presence,
		Attachments: s.pipeline,
		Moderation:  moderation.New(s.store, moderation.Config{AutoFlagThreshold: cfg.Moderation.AutoFlagThreshold}, s.metrics, logger),
		Authorizer:  auth.NewPolicyAuthorizer(),
		Notifier:    notifier,
		Subscriber:  s.broadcaster,
		Metrics:     s.metrics,
		Idempotency: s.idempotency,
	}

	if cfg.Export.Enabled {
		sink, err := export.NewFileSink(cfg.Export.Dir, cfg.Export.BaseURL)
		if err != nil {
			return fmt.Errorf("creating export sink: %w", err)
		}
		s.exporter = export.New(s.store, sink, export.Config{Workers: cfg.Export.Workers}, logger)
		deps.Exporter = s.exporter
	}

	if cfg.Retention.Enabled {
		s.retention, err = retention.New(s.store, retention.Config{
			Cron:            cfg.Retention.Cron,
			GraceMultiplier: cfg.Retention.GraceMultiplier,
			AuditRetention:  cfg.Retention.AuditRetention,
		}, s.metrics, logger)
		if err != nil {
			return fmt.Errorf("creating retention enforcer: %w", err)
		}
	}

	defaultPolicy, err := store.ParseRetentionPolicy(cfg.Retention.DefaultPolicy)
	if err != nil {
		return fmt.Errorf("retention.default_policy: %w", err)
	}
	s.conversation = conversation.New(deps, conversation.Config{
		RequestTimeout:   cfg.Server.RequestTimeout,
		DefaultRetention: defaultPolicy,
	}, logger)
	s.pipeline.OnTerminal(s.conversation.AttachmentScanned)

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	s.api = api.New(s.conversation, api.Options{
		Verifier:   verifier,
		Moderators: cfg.Auth.Moderators,
		RateLimit: api.RateLimit{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		},
		Metrics: s.metrics,
		Ready:   s.ready,
	}, logger)

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.health = health.NewServer()
	s.grpcServer = grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)

	return nil
}

// newTracker creates the configured presence backend.
func newTracker(cfg config.PresenceConfig, logger *slog.Logger) (presence.Tracker, error) {
	if cfg.Backend != "redis" {
		return presence.NewMemoryTracker(cfg.TTL, logger), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rdb, err := presence.DialRedis(ctx, presence.RedisOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting presence backend: %w", err)
	}
	return presence.NewRedisTracker(rdb, cfg.TTL, logger), nil
}

// Handler returns the HTTP handler: the API plus the metrics endpoint.
func (s *Server) Handler() http.Handler {
	routes := s.api.Routes()
	if s.metrics == nil {
		return routes
	}
	mux := http.NewServeMux()
	mux.Handle("GET "+s.config.Metrics.Path, s.metrics.Handler())
	mux.Handle("/", routes)
	return mux
}

// Conversation exposes the gateway for in-process callers such as the CLI.
func (s *Server) Conversation() *conversation.Service {
	return s.conversation
}

// Retention returns the retention enforcer, or nil when retention is disabled.
func (s *Server) Retention() *retention.Enforcer {
	return s.retention
}

// ready reports whether the store and the presence backend are reachable.
func (s *Server) ready(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if p, ok := s.presence.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("presence: %w", err)
		}
	}
	return nil
}

// setupListeners creates TCP listeners for HTTP and, when configured, gRPC.
func (s *Server) setupListeners() (httpLn, grpcLn net.Listener, err error) {
	httpLn, err = net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	if s.config.Server.GRPCAddr == "" {
		return httpLn, nil, nil
	}
	grpcLn, err = net.Listen("tcp", s.config.Server.GRPCAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}
	return httpLn, grpcLn, nil
}

// startWorkers launches the background components. They stop when ctx ends.
func (s *Server) startWorkers(ctx context.Context) {
	s.pipeline.Start(ctx)
	if s.exporter != nil {
		s.exporter.Start(ctx)
	}
	if s.retention != nil {
		s.workers.Go(func() { s.retention.Run(ctx) })
	}
	s.workers.Go(func() { s.api.Run(ctx) })
	s.workers.Go(func() { s.idempotency.Run(ctx) })
}

// startServers starts the HTTP and gRPC servers in goroutines, returning an error channel.
func (s *Server) startServers(httpLn, grpcLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		s.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := s.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	if grpcLn != nil {
		go func() {
			s.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := s.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (s *Server) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		s.logger.Error("server error", "error", err)
		s.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (s *Server) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		s.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the servers and background workers and blocks until ctx is
// canceled or a server fails. Returns nil on graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	httpLn, grpcLn, err := s.setupListeners()
	if err != nil {
		return err
	}

	workerCtx, stopWorkers := context.WithCancel(context.WithoutCancel(ctx))
	s.startWorkers(workerCtx)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	errCh := s.startServers(httpLn, grpcLn)
	serverErr := s.waitForShutdownSignal(ctx, errCh)

	shutdownErr := s.gracefulShutdown(stopWorkers)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (s *Server) gracefulShutdown(stopWorkers context.CancelFunc) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	s.health.Shutdown()
	return s.Shutdown(ctx, stopWorkers)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (s *Server) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting requests, lets in-flight work finish, stops the
// background workers and releases every resource.
func (s *Server) Shutdown(ctx context.Context, stopWorkers context.CancelFunc) error {
	s.logger.Info("shutting down server")

	var errs []error
	// Live event streams never finish on their own; closing the broadcaster
	// ends them so HTTP shutdown can complete.
	s.broadcaster.Close()
	errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))
	s.shutdownGRPCServer(ctx)

	stopWorkers()
	s.pipeline.Stop()
	if s.exporter != nil {
		s.exporter.Stop()
	}
	s.workers.Wait()

	errs = append(errs, s.closeComponents()...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// closeComponents closes the optional components and the store.
func (s *Server) closeComponents() []error {
	var errs []error
	if s.nats != nil {
		errs = appendCloseError(errs, "nats close", s.nats.Close())
	}
	if s.presence != nil {
		errs = appendCloseError(errs, "presence close", s.presence.Close())
	}
	if s.store != nil {
		errs = appendCloseError(errs, "store close", s.store.Close())
	}
	return errs
}
