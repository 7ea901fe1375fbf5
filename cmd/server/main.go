package main // Entry point package

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/debtflow-identity/internal/config"
	"github.com/iliyamo/debtflow-identity/internal/credential"
	"github.com/iliyamo/debtflow-identity/internal/database"
	"github.com/iliyamo/debtflow-identity/internal/handler"
	"github.com/iliyamo/debtflow-identity/internal/logger"
	"github.com/iliyamo/debtflow-identity/internal/middleware"
	"github.com/iliyamo/debtflow-identity/internal/oauth"
	"github.com/iliyamo/debtflow-identity/internal/queue"
	"github.com/iliyamo/debtflow-identity/internal/repository"
	"github.com/iliyamo/debtflow-identity/internal/router"
	"github.com/iliyamo/debtflow-identity/internal/service"
	"github.com/iliyamo/debtflow-identity/internal/session"
	"github.com/iliyamo/debtflow-identity/internal/signup"
	"github.com/iliyamo/debtflow-identity/internal/store"
	"github.com/iliyamo/debtflow-identity/internal/telemetry"
)

const (
	clientIdleTTL = 30 * time.Minute
	sweepInterval = time.Minute
)

func main() {
	log := logger.Init()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	tcfg := telemetry.ConfigFromEnv()
	shutdownTracing, err := telemetry.InitProvider(ctx, tcfg)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	db, err := database.Open(ctx, database.Options{
		User: cfg.DBUser, Pass: cfg.DBPass, Host: cfg.DBHost, Port: cfg.DBPort, Name: cfg.DBName,
		Timeout: cfg.RepositoryTimeout,
	})
	if err != nil {
		return err
	}
	defer db.Close()
	if err := database.EnsureSchema(ctx, db); err != nil {
		return err
	}

	rdb, err := config.NewRedisClient(ctx, config.LoadRedisConfig())
	if err != nil {
		return err
	}
	defer rdb.Close()

	users := repository.NewUserRepo(db, cfg.RepositoryTimeout)
	profiles := repository.NewProfileRepo(db, cfg.RepositoryTimeout)
	tokens := repository.NewTokenRepo(db, cfg.RepositoryTimeout)
	pending := store.NewPendingRegistrations(rdb)

	publisher := service.NewPublisher(cfg.AMQPURL, log)
	signups := signup.NewService(profiles, users, publisher, cfg.BcryptCost, log)
	creds := credential.NewStore(users, tokens, store.NewLocalSessions(rdb), credential.Options{
		JWTSecret:      cfg.JWTSecret,
		AccessTTLMin:   cfg.AccessTTLMin,
		RefreshTTLDays: cfg.RefreshTTLDays,
	}, log)
	adapter := oauth.NewAdapter(cfg.OAuth, store.NewOAuthStates(rdb), store.NewProviderSessions(rdb), signups, nil, log)

	recs := session.NewManager(session.Deps{
		Provider: adapter,
		Local:    creds,
		Repo:     profiles,
		Loader: session.NewLoader(profiles, session.RetryPolicy{
			Attempts: cfg.Reconcile.CompanyRetryAttempts,
			Delay:    cfg.Reconcile.CompanyRetryDelay,
		}, log),
		Notifier: service.NewSessionNotifier(publisher, log),
		Log:      log,
	}, clientIdleTTL)
	flows := oauth.NewFlows(func(clientID string) *oauth.Flow {
		return oauth.NewFlow(clientID, adapter, pending, recs.Resolver(clientID), oauth.FlowOptions{
			SettleDelay: cfg.Reconcile.SettleDelay,
			PendingTTL:  cfg.Reconcile.PendingTTL,
		}, log.With("client_id", clientID))
	}, clientIdleTTL)

	e := echo.New()
	e.HideBanner = true
	router.Use(e, tcfg.ServiceName, log)
	router.RegisterRoutes(e)
	v1 := router.V1(e, cfg.ClientCookie, cfg.Env == "prod")
	router.RegisterSession(v1, handler.NewSessionHandler(recs), recs)
	router.RegisterAuth(v1, handler.NewAuthHandler(signups, creds, adapter, recs,
		func(clientID string) handler.CallbackFlow { return flows.For(clientID) }, log),
		cfg.JWTSecret, middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb, log))
	router.RegisterCompany(v1, handler.NewCompanyHandler(profiles, recs, log), recs)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		log.Info("listening", "addr", addr, "env", cfg.Env)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(sctx)
	})
	g.Go(func() error { return recs.Run(gctx, sweepInterval) })
	g.Go(func() error {
		t := time.NewTicker(sweepInterval)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case now := <-t.C:
				flows.Sweep(now)
			}
		}
	})
	if cfg.SignupWorker {
		c := &queue.Consumer{
			URL: cfg.AMQPURL, Queue: queue.CompanySignupQueue, Prefetch: 8,
			Handle: queue.CompanySignupHandler(profiles, log), Log: log,
		}
		g.Go(func() error { return c.Run(gctx) })
	}
	if cfg.NotifyWorker {
		sl := &queue.SessionLog{Dir: cfg.NotifyLogDir}
		c := &queue.Consumer{
			URL: cfg.AMQPURL, Queue: queue.SessionReconciledQueue, Prefetch: 32,
			Handle: sl.Handle, Log: log,
		}
		g.Go(func() error { return c.Run(gctx) })
	}
	return g.Wait()
}
