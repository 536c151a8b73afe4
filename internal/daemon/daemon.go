// ABOUTME: Daemon composition root that wires the lock engine to its gRPC and HTTP servers
// ABOUTME: Owns the store, telemetry, scheduler, session manager, lock table and processor lifecycle

package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/applockd/internal/auth"
	"github.com/2389/applockd/internal/config"
	"github.com/2389/applockd/internal/debounce"
	"github.com/2389/applockd/internal/lockstate"
	"github.com/2389/applockd/internal/metrics"
	"github.com/2389/applockd/internal/noise"
	"github.com/2389/applockd/internal/processor"
	"github.com/2389/applockd/internal/rpc"
	"github.com/2389/applockd/internal/session"
	"github.com/2389/applockd/internal/store"
	"github.com/2389/applockd/internal/telemetry"
	"github.com/2389/applockd/internal/verifier"
)

// pruneInterval is how often the transition log is trimmed to its retention.
const pruneInterval = time.Hour

// Daemon runs the lock engine and its servers.
type Daemon struct {
	config    *config.Config
	store     store.Store
	metrics   *metrics.Metrics
	hub       *telemetry.Hub
	sched     *debounce.Scheduler
	settings  *processor.Settings
	sessions  *session.Manager
	table     *lockstate.Table
	processor *processor.Processor
	verifiers *verifier.Set
	tokens    *auth.TokenIssuer
	rpc       *rpc.Server

	grpcServer *grpc.Server
	httpServer *http.Server
	logger     *slog.Logger

	running  atomic.Bool
	wg       sync.WaitGroup
	shutdown sync.Once
}

// initStore opens the SQLite store. APPLOCKD_DB_PATH overrides the
// configured path.
func initStore(cfg *config.Config, logger *slog.Logger) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("APPLOCKD_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	logger.Info("store opened", "path", dbPath)
	return s, nil
}

// noiseFilter extends the built-in heuristics with the configured extras.
func noiseFilter(cfg config.NoiseConfig) *noise.Filter {
	return noise.New(noise.DefaultRules().Merge(noise.Rules{
		Identifiers:    cfg.ExtraIDs,
		VendorPrefixes: cfg.ExtraPrefixes,
		SystemKeywords: cfg.ExtraKeywords,
	}))
}

// newVerifiers creates one verifier per credential kind, all prompting
// through prompter.
func newVerifiers(creds verifier.CredentialStore, prompter verifier.Prompter, logger *slog.Logger) (*verifier.Set, error) {
	set := verifier.NewSet(verifier.NewDeviceVerifier(prompter, logger))
	for _, kind := range []verifier.Kind{verifier.KindPIN, verifier.KindPattern, verifier.KindPassword} {
		v, err := verifier.NewSecretVerifier(kind, creds, verifier.SecretOptions{
			Prompter: prompter,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("creating %s verifier: %w", kind, err)
		}
		set.Register(v)
	}
	return set, nil
}

// newGRPCServer creates the gRPC server, enforcing the role policy when
// tokens is set.
func newGRPCServer(tokens *auth.TokenIssuer, logger *slog.Logger) *grpc.Server {
	opts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	if tokens != nil {
		opts = append(opts,
			grpc.ChainUnaryInterceptor(auth.UnaryInterceptor(tokens, rpc.Policy(), logger)),
			grpc.ChainStreamInterceptor(auth.StreamInterceptor(tokens, rpc.Policy(), logger)),
		)
		logger.Info("auth interceptors enabled")
	} else {
		opts = append(opts,
			grpc.ChainUnaryInterceptor(auth.NoAuthUnaryInterceptor()),
			grpc.ChainStreamInterceptor(auth.NoAuthStreamInterceptor()),
		)
		logger.Warn("auth disabled - no jwt_secret configured")
	}
	return grpc.NewServer(opts...)
}

// New builds a daemon from cfg. Nothing runs until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := initStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	d, err := newDaemon(cfg, st, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return d, nil
}

func newDaemon(cfg *config.Config, st store.Store, logger *slog.Logger) (*Daemon, error) {
	var tokens *auth.TokenIssuer
	if cfg.Auth.JWTSecret != "" {
		var err error
		tokens, err = auth.NewTokenIssuer([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating token issuer: %w", err)
		}
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	hub := telemetry.NewHub(telemetry.HubOptions{
		Metrics: m,
		Audit:   st,
		Logger:  logger,
	})
	sched := debounce.New(nil, logger)

	settings := processor.NewSettings(st, processor.SettingsOptions{
		SelfAppID:          cfg.Engine.SelfAppID,
		TTL:                cfg.Engine.SettingsTTL,
		DefaultIdleTimeout: cfg.Engine.IdleTimeout,
		DefaultMethod:      verifier.Kind(cfg.Engine.CredentialMethod),
		Logger:             logger,
	})

	rpcServer := rpc.NewServer(hub, logger)
	verifiers, err := newVerifiers(st, rpcServer, logger)
	if err != nil {
		return nil, err
	}

	// The table, session manager and processor refer to each other; the
	// closures resolve once all three exist.
	var (
		table *lockstate.Table
		proc  *processor.Processor
	)
	sessions := session.NewManager(sched, verifiers, func(ev lockstate.Event) bool {
		return table.Dispatch(ev)
	}, session.Options{
		ExitDelay:     cfg.Engine.ExitDelay,
		PromptTimeout: cfg.Engine.PromptTimeout,
		Settings:      settings,
		Tokens:        tokens,
		Observer:      hub,
		Logger:        logger,
	})
	table = lockstate.NewTable(lockstate.Options{
		SelfAppID:       cfg.Engine.SelfAppID,
		SettlementDelay: cfg.Engine.SettlementDelay,
		Scheduler:       sched,
		Auth:            sessions,
		Guard: lockstate.GuardFunc(func(appID string) bool {
			return proc.Eligible(appID)
		}),
		Presence: lockstate.PresenceFunc(func(appID string) bool {
			return proc.Present(appID)
		}),
		Observer: hub,
		Logger:   logger,
	})
	proc = processor.New(table, sessions, settings, processor.Options{
		SelfAppID:     cfg.Engine.SelfAppID,
		QueueSize:     cfg.Engine.IngestBuffer,
		Filter:        noiseFilter(cfg.Noise),
		RecentExitTTL: cfg.Engine.RecentExitTTL,
		Metrics:       m,
		Logger:        logger,
	})
	rpcServer.Attach(proc, verifiers)

	grpcServer := newGRPCServer(tokens, logger.With("component", "grpc"))
	rpc.RegisterLockEngineServer(grpcServer, rpcServer)

	d := &Daemon{
		config:     cfg,
		store:      st,
		metrics:    m,
		hub:        hub,
		sched:      sched,
		settings:   settings,
		sessions:   sessions,
		table:      table,
		processor:  proc,
		verifiers:  verifiers,
		tokens:     tokens,
		rpc:        rpcServer,
		grpcServer: grpcServer,
		logger:     logger.With("component", "daemon"),
	}

	d.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           d.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return d, nil
}

// Handler returns the HTTP handler serving health, metrics and the API.
func (d *Daemon) Handler() http.Handler {
	return d.httpServer.Handler
}

// setupListeners creates TCP listeners for gRPC and HTTP.
func (d *Daemon) setupListeners() (grpcLn, httpLn net.Listener, err error) {
	d.logger.Info("starting applockd",
		"grpc_addr", d.config.Server.GRPCAddr,
		"http_addr", d.config.Server.HTTPAddr,
		"self_app_id", d.config.Engine.SelfAppID,
	)

	grpcLn, err = net.Listen("tcp", d.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", d.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return grpcLn, httpLn, nil
}

// startEngine starts the processor and the transition log pruner.
func (d *Daemon) startEngine(ctx context.Context) {
	if _, err := d.settings.Get(ctx); err != nil {
		d.logger.Warn("initial settings load failed, serving defaults", "error", err)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("processor stopped", "error", err)
		}
	}()

	if d.config.Database.TransitionRetention > 0 {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.pruneLoop(ctx)
		}()
	}
	d.running.Store(true)
}

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (d *Daemon) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		d.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := d.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		d.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := d.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (d *Daemon) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		d.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		d.logger.Error("server error", "error", err)
		select {
		case additionalErr := <-errCh:
			d.logger.Error("additional server error", "error", additionalErr)
		default:
		}
		return err
	}
}

// Run starts the engine and both servers and blocks until ctx is cancelled
// or a server fails. It returns nil on a clean shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	grpcLn, httpLn, err := d.setupListeners()
	if err != nil {
		return err
	}

	engineCtx, cancelEngine := context.WithCancel(context.Background())
	defer cancelEngine()
	d.startEngine(engineCtx)

	errCh := d.startServers(grpcLn, httpLn)
	serverErr := d.waitForShutdownSignal(ctx, errCh)

	shutdownErr := d.gracefulShutdown()
	cancelEngine()
	d.wg.Wait()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// pruneLoop trims the transition log now and then every pruneInterval.
func (d *Daemon) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		d.pruneTransitions(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Daemon) pruneTransitions(ctx context.Context) {
	before := time.Now().Add(-d.config.Database.TransitionRetention)
	if _, err := d.store.PruneTransitions(ctx, before); err != nil && ctx.Err() == nil {
		d.logger.Warn("failed to prune transition log", "error", err)
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the run context is already canceled.
func (d *Daemon) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return d.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (d *Daemon) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		d.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		d.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the servers, then the engine from the ingestion side
// inward, then flushes telemetry and closes the store. It is safe to call
// multiple times; only the first call does anything.
func (d *Daemon) Shutdown(ctx context.Context) error {
	var errs []error
	d.shutdown.Do(func() {
		d.logger.Info("shutting down applockd")
		d.running.Store(false)

		errs = appendCloseError(errs, "HTTP shutdown", d.httpServer.Shutdown(ctx))

		d.rpc.Close()
		d.shutdownGRPCServer(ctx)

		d.processor.Close()
		d.table.Close()
		d.sessions.Close()
		d.sched.Close()
		d.hub.Close()

		errs = appendCloseError(errs, "store close", d.store.Close())
	})

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
