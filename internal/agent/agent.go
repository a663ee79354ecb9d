package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	grpc_ctxtags "github.com/grpc-ecosystem/go-grpc-middleware/tags"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/soheilhy/cmux"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"reconciler/internal/auth"
	"reconciler/internal/journal"
	"reconciler/internal/web"
	"reconciler/provider"
	"reconciler/provider/daraja"
	"reconciler/provider/paystack"
	"reconciler/reconcile"
	"reconciler/transaction"
	"reconciler/transaction/postgres"
)

// how often the gRPC health status follows the repo ping
const healthInterval = 10 * time.Second

func New(config Config) (*Agent, error) {
	a := &Agent{
		Config:    config,
		shutdowns: make(chan struct{}),
	}
	setup := []func() error{
		// order matters here
		a.setupJournal,
		a.setupRepo,
		a.setupProviders,
		a.setupEngine,
		a.setupMux,
		a.setupHTTP,
		a.setupGRPC,
	}
	for _, fn := range setup {
		err := fn()
		if err != nil {
			_ = a.close()
			return nil, err
		}
	}

	go a.watchHealth()
	// launch the server
	go a.serve()

	return a, nil
}

type Agent struct {
	Config Config

	// multiplexer serving the HTTP API and gRPC health checks on one port
	mux cmux.CMux
	ln  net.Listener

	journal journal.Journal
	db      *sqlx.DB
	repo    transaction.TransactionRepo
	redis   *redis.Client
	push    provider.PushPayment
	hosted  provider.RedirectCheckout
	engine  *reconcile.Engine

	http   *http.Server
	grpc   *grpc.Server
	health *health.Server

	// indicates that this agent has already shutdown
	shutdown bool
	// closed on shutdown to stop background loops
	shutdowns    chan struct{}
	shutdownLock sync.Mutex
}

type Config struct {
	ServerTLSConfig *tls.Config
	// address the API and health service listen on, e.g. "127.0.0.1:8080"
	BindAddr string
	// directory holding the audit journal; empty keeps it in memory
	DataDir string
	// empty uses the in-memory repo
	PostgresDSN string
	// empty caches provider tokens in process
	RedisAddr string

	JWTSecret string
	// authorization config files
	ACLModelFile  string
	ACLPolicyFile string

	ProviderTimeout time.Duration
	AmountTolerance decimal.Decimal
	AmountPolicy    reconcile.AmountPolicy

	// push payments are disabled without a consumer key
	Daraja daraja.Config
	// shared token expected on the Daraja callback URL
	CallbackToken string
	// redirect checkouts are disabled without a secret key
	Paystack paystack.Config

	Logger zerolog.Logger
}

// Addr returns the address the agent is listening on
func (a *Agent) Addr() string {
	return a.ln.Addr().String()
}

func (a *Agent) serve() error {
	err := a.mux.Serve()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		a.Config.Logger.Error().Err(err).Msg("listener stopped")
		_ = a.Shutdown()
		return err
	}

	return nil
}

func (a *Agent) setupJournal() error {
	if a.Config.DataDir == "" {
		a.journal = journal.NewMemory()
		return nil
	}

	var err error
	a.journal, err = journal.NewLog(filepath.Join(a.Config.DataDir, "journal"), journal.Config{})
	return err
}

func (a *Agent) setupRepo() error {
	if a.Config.PostgresDSN == "" {
		a.Config.Logger.Warn().Msg("no postgres dsn configured, transactions are kept in memory")
		a.repo = transaction.NewMemoryRepo()
		return nil
	}

	var err error
	a.db, err = postgres.Open(a.Config.PostgresDSN)
	if err != nil {
		return err
	}
	a.repo, err = transaction.NewPostgresRepo(a.db)
	return err
}

func (a *Agent) setupProviders() error {
	if a.Config.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: a.Config.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		a.Config.Daraja.Cache = provider.NewRedisTokenCache(a.redis, "reconciler:token:")
	}

	if a.Config.ProviderTimeout > 0 {
		a.Config.Daraja.Timeout = a.Config.ProviderTimeout
		a.Config.Paystack.Timeout = a.Config.ProviderTimeout
	}

	if a.Config.Daraja.ConsumerKey != "" {
		a.push = daraja.New(a.Config.Daraja, a.Config.Logger)
	} else {
		a.Config.Logger.Warn().Msg("daraja credentials missing, push payments disabled")
	}
	if a.Config.Paystack.SecretKey != "" {
		a.hosted = paystack.New(a.Config.Paystack, a.Config.Logger)
	} else {
		a.Config.Logger.Warn().Msg("paystack secret key missing, redirect checkouts disabled")
	}

	return nil
}

func (a *Agent) setupEngine() error {
	var err error
	a.engine, err = reconcile.New(reconcile.Config{
		Repo:             a.repo,
		PushPayment:      a.push,
		RedirectCheckout: a.hosted,
		Authorizer: auth.New(
			a.Config.ACLModelFile,
			a.Config.ACLPolicyFile,
		),
		Journal:         a.journal,
		Logger:          a.Config.Logger,
		ProviderTimeout: a.Config.ProviderTimeout,
		AmountTolerance: a.Config.AmountTolerance,
		AmountPolicy:    a.Config.AmountPolicy,
		// Paystack signs events with the account secret key
		WebhookSecret: a.Config.Paystack.SecretKey,
		CallbackToken: a.Config.CallbackToken,
	})
	return err
}

// Setup our multiplexer to accept connections
func (a *Agent) setupMux() error {
	var err error
	a.ln, err = net.Listen("tcp", a.Config.BindAddr)
	if err != nil {
		return err
	}
	if a.Config.ServerTLSConfig != nil {
		a.ln = tls.NewListener(a.ln, a.Config.ServerTLSConfig)
	}

	a.mux = cmux.New(a.ln)
	return nil
}

func (a *Agent) setupHTTP() error {
	a.http = &http.Server{
		Handler: web.NewHandler(web.Config{
			Engine: a.engine,
			Tokens: auth.NewTokens(a.Config.JWTSecret),
			Logger: a.Config.Logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	httpLn := a.mux.Match(cmux.HTTP1Fast())
	go func() {
		err := a.http.Serve(httpLn)
		if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, cmux.ErrListenerClosed) {
			a.Config.Logger.Error().Err(err).Msg("http server stopped")
			_ = a.Shutdown()
		}
	}()

	return nil
}

func (a *Agent) setupGRPC() error {
	recovery := grpc_recovery.WithRecoveryHandler(func(p interface{}) error {
		a.Config.Logger.Error().Interface("panic", p).Msg("grpc panic recovered")
		return status.Error(codes.Internal, "internal error")
	})

	opts := []grpc.ServerOption{
		grpc.StreamInterceptor(grpc_middleware.ChainStreamServer(
			grpc_ctxtags.StreamServerInterceptor(),
			grpc_recovery.StreamServerInterceptor(recovery),
		)),
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(
			grpc_ctxtags.UnaryServerInterceptor(),
			grpc_recovery.UnaryServerInterceptor(recovery),
		)),
	}
	// TLS, when configured, is terminated by the shared listener

	a.grpc = grpc.NewServer(opts...)
	a.health = health.NewServer()
	healthpb.RegisterHealthServer(a.grpc, a.health)

	// everything that isn't HTTP/1 is gRPC
	grpcLn := a.mux.Match(cmux.Any())
	go func() {
		err := a.grpc.Serve(grpcLn)
		if err != nil && !errors.Is(err, cmux.ErrListenerClosed) {
			_ = a.Shutdown()
		}
	}()

	a.checkHealth()
	return nil
}

func (a *Agent) checkHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	state := healthpb.HealthCheckResponse_SERVING
	if err := a.engine.Ping(ctx); err != nil {
		a.Config.Logger.Warn().Err(err).Msg("health check failed")
		state = healthpb.HealthCheckResponse_NOT_SERVING
	}
	a.health.SetServingStatus("", state)
}

func (a *Agent) watchHealth() {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.shutdowns:
			return
		case <-ticker.C:
			a.checkHealth()
		}
	}
}

func (a *Agent) Shutdown() error {
	// ensures that Shutdown is only called once even if users call Shutdown() multiple times
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()

	if a.shutdown {
		return nil
	}

	a.shutdown = true
	close(a.shutdowns)

	httpCloseFn := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.http.Shutdown(ctx)
	}
	grpcCloseFn := func() error {
		a.health.Shutdown()
		a.grpc.GracefulStop()
		return nil
	}
	shutdown := []func() error{
		httpCloseFn,
		grpcCloseFn,
		a.close,
	}
	for _, fn := range shutdown {
		err := fn()
		if err != nil {
			return err
		}
	}

	return nil
}

// close releases whatever setup managed to open
func (a *Agent) close() error {
	var errs []error
	if a.ln != nil {
		if err := a.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if a.journal != nil {
		errs = append(errs, a.journal.Close())
	}
	return errors.Join(errs...)
}
