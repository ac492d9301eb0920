package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"mcpgate.org/internal/action"
	"mcpgate.org/internal/audit"
	"mcpgate.org/internal/auth"
	"mcpgate.org/internal/config"
	"mcpgate.org/internal/httpapi"
	"mcpgate.org/internal/obs"
	"mcpgate.org/internal/policy"
	"mcpgate.org/internal/ratelimit"
	"mcpgate.org/internal/resource"
	"mcpgate.org/internal/secrets"
	"mcpgate.org/internal/signing"
	"mcpgate.org/internal/store/memory"
	"mcpgate.org/internal/store/pg"
)

var commit = "unknown"

// backend is what both store implementations provide.
type backend interface {
	auth.RoleStore
	audit.Store
	action.ClaimStore
	action.Records
	resource.Store
	secrets.Store
	ratelimit.WindowStore
	httpapi.Pinger
}

func main() {
	if err := run(); err != nil {
		obs.Logger().Fatal("gateway stopped", zap.Error(err))
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := obs.SetLevel(cfg.LogLevel); err != nil {
		return err
	}
	log := obs.Logger()
	obs.Init()
	obs.InitBuildInfo(cfg.Version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := obs.InitTracing(ctx, obs.TracingConfig{
		ServiceName: "mcpgate",
		Endpoint:    cfg.TelemetryEndpoint,
		Insecure:    cfg.TelemetryInsecure,
		Timeout:     5 * time.Second,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	var store backend
	if cfg.UsesPostgres() {
		pgStore, err := pg.Open(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pgStore.Close()
		store = pgStore
		log.Info("using postgres store")
	} else {
		store = memory.New()
		log.Warn("MCPGATE_PG_DSN not set, using in-memory store; data is lost on restart")
	}

	rules := policy.DefaultSet()
	if cfg.PolicyFile != "" {
		if rules, err = policy.LoadFile(cfg.PolicyFile); err != nil {
			return err
		}
		log.Info("policy loaded", zap.String("file", cfg.PolicyFile))
	}
	evaluator := policy.NewEvaluator(rules)
	recorder := audit.NewRecorder(store)

	var limiter ratelimit.Limiter = ratelimit.NewStoreLimiter(store, time.Now)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
		limiter = ratelimit.NewRedis(rdb, limiter)
		log.Info("rate limits backed by redis", zap.String("addr", cfg.RedisAddr))
	}
	guard := ratelimit.NewGuard(limiter, ratelimit.DefaultLimit, ratelimit.DefaultWindow)

	webhooks := signing.NewClient(cfg.WebhookBaseURL, cfg.WebhookTimeout)
	opts := []secrets.Option{
		secrets.WithRecorder(recorder),
		secrets.WithGuard(guard),
		secrets.WithWebhookClient(webhooks),
	}
	if cfg.SecretEncryptionKey != "" {
		sealer, err := secrets.NewSealer(cfg.SecretEncryptionKey)
		if err != nil {
			return err
		}
		opts = append(opts, secrets.WithSealer(sealer))
	} else {
		log.Warn("MCPGATE_SECRET_ENCRYPTION_KEY not set, secrets are stored unsealed")
	}
	manager, err := secrets.NewManager(store, opts...)
	if err != nil {
		return err
	}

	actions := action.NewGateway(evaluator, recorder, store)
	action.RegisterBuiltins(actions, action.Deps{Records: store, Secrets: manager, Webhooks: webhooks})

	verifier, err := auth.NewVerifier(cfg.AuthSecret, cfg.AuthIssuer)
	if err != nil {
		return err
	}

	probe := httpapi.ReadyProbe{Store: store}
	api := httpapi.New(httpapi.Services{
		Auth:      auth.NewBuilder(verifier, store),
		Resources: resource.NewGateway(store, evaluator, recorder),
		Actions:   actions,
		Secrets:   manager,
		Callbacks: signing.NewValidator(manager),
		Recorder:  recorder,
	}, httpapi.Options{
		Version:            cfg.Version,
		Ready:              probe,
		RateBurst:          cfg.RateBurst,
		RatePerSec:         cfg.RatePerSec,
		MaxBodyBytes:       cfg.MaxBodyBytes,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      cfg.WebhookTimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	health := httpapi.NewGRPCServer(probe, cfg.Version)
	grpcSrv := grpc.NewServer()
	health.Register(grpcSrv)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http listening", zap.String("addr", srv.Addr), zap.String("version", cfg.Version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		log.Info("grpc health listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		health.Watch(gctx, 10*time.Second)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		grpcSrv.GracefulStop()
		return srv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("stopped")
	return nil
}
