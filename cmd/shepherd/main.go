package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/shepherd-ops/shepherd/internal/app"
	"github.com/shepherd-ops/shepherd/internal/approval"
	approvalhttp "github.com/shepherd-ops/shepherd/internal/approval/http"
	"github.com/shepherd-ops/shepherd/internal/attendance"
	"github.com/shepherd-ops/shepherd/internal/audit"
	audithttp "github.com/shepherd-ops/shepherd/internal/audit/http"
	"github.com/shepherd-ops/shepherd/internal/auth"
	"github.com/shepherd-ops/shepherd/internal/finance"
	"github.com/shepherd-ops/shepherd/internal/observability"
	"github.com/shepherd-ops/shepherd/internal/platform/cache"
	"github.com/shepherd-ops/shepherd/internal/platform/db"
	"github.com/shepherd-ops/shepherd/internal/rbac"
	"github.com/shepherd-ops/shepherd/internal/users"
	"github.com/shepherd-ops/shepherd/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	shutdownTracer, err := observability.InitTracer(ctx, observability.TracingConfig{
		ServiceName: "shepherd",
		Environment: cfg.AppEnv,
		Endpoint:    cfg.OTELEndpoint,
	})
	if err != nil {
		logger.Error("init tracer", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warn("tracer shutdown", slog.Any("error", err))
		}
	}()

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisOptions())
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	rbacRepo := rbac.NewRepository(dbpool)
	permCache, err := newPermissionCache(cfg, logger, metrics, rbacRepo, redisClient)
	if err != nil {
		logger.Error("init permission cache", slog.Any("error", err))
		os.Exit(1)
	}
	resolver := rbac.NewRoleResolver(rbacRepo, logger)
	authorizer := rbac.NewAuthorizer(resolver, permCache)
	guard := rbac.Middleware{Authorizer: authorizer, Logger: logger}

	masker := audit.NewMasker(cfg.AuditSensitiveFields...)
	auditWriter := audit.NewWriter(audit.NewPGAppender(dbpool), audit.WithMasker(masker), audit.WithLogger(logger))
	auditService := audit.NewService(audit.NewRepository(dbpool), masker)

	rbacService := rbac.NewService(rbacRepo, permCache, auditWriter, logger)

	tokens := auth.NewTokenManager(cfg.JWTSecret, cfg.JWTTTL)
	authService := auth.NewService(auth.NewRepository(dbpool), tokens, auth.NewRedisRevocationStore(redisClient))

	inspector := asynq.NewInspector(cfg.RedisOptions().AsynqOpt())
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	engineOpts := []approval.Option{
		approval.WithLogger(logger),
		approval.WithTracer(observability.Tracer("github.com/shepherd-ops/shepherd/internal/approval")),
		approval.WithRecorder(metrics),
	}

	router := app.NewRouter(app.RouterParams{
		Logger:       logger,
		Config:       cfg,
		Metrics:      metrics,
		Authenticate: auth.RequireBearer(authService, logger),
		Guard:        guard,
		AuthHandler:  auth.NewHandler(logger, authService),
		RBACHandler:  rbac.NewHandler(rbacService, guard, logger),
		UsersHandler: users.NewHandler(logger, users.NewService(users.NewRepository(dbpool), resolver), guard),
		AuditHandler: audithttp.NewHandler(logger, auditService),
		JobHandler:   jobs.NewHandler(inspector, logger),
		Approvals:    approvalRoutes(dbpool, authorizer, auditWriter, logger, engineOpts),
	})

	if cfg.PermissionWarmOnStart {
		warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		warmed, err := permCache.Warm(warmCtx)
		cancel()
		if err != nil {
			logger.Warn("permission cache warmup", slog.Int("roles", warmed), slog.Any("error", err))
		} else {
			logger.Info("permission cache warmed", slog.Int("roles", warmed))
		}
	}

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

func newPermissionCache(cfg *app.Config, logger *slog.Logger, metrics *observability.Metrics, source rbac.PermissionSource, client redis.UniversalClient) (*rbac.PermissionCache, error) {
	cacheMetrics, err := rbac.NewCacheMetrics(metrics.Registerer())
	if err != nil {
		return nil, err
	}
	var backend rbac.Backend
	switch cfg.PermissionCacheBackend {
	case app.CacheBackendMemory:
		backend = rbac.NewMemoryBackend(nil)
	default:
		backend = rbac.NewRedisBackend(client)
	}
	return rbac.NewPermissionCache(source, backend,
		rbac.WithTTL(cfg.PermissionCacheTTL),
		rbac.WithCacheLogger(logger),
		rbac.WithCacheMetrics(cacheMetrics),
	), nil
}

func approvalRoutes(pool *pgxpool.Pool, authz approval.Authorizer, writer *audit.Writer, logger *slog.Logger, opts []approval.Option) []app.ApprovalRoute {
	attendanceEngine := approval.NewEngine[*attendance.Record](attendance.Kind, attendance.NewStore(pool), authz, writer, opts...)
	expenseEngine := approval.NewEngine[*finance.Expense](finance.ExpenseKind, finance.NewExpenseStore(pool), authz, writer, opts...)
	contributionEngine := approval.NewEngine[*finance.Contribution](finance.ContributionKind, finance.NewContributionStore(pool), authz, writer, opts...)

	return []app.ApprovalRoute{
		{
			Path: "/attendance",
			Handler: approvalhttp.NewHandler[*attendance.Record, attendance.Input, *attendance.Input](
				attendanceEngine, func() *attendance.Record { return &attendance.Record{} }, logger),
		},
		{
			Path: "/expenses",
			Handler: approvalhttp.NewHandler[*finance.Expense, finance.ExpenseInput, *finance.ExpenseInput](
				expenseEngine, func() *finance.Expense { return &finance.Expense{} }, logger),
		},
		{
			Path: "/contributions",
			Handler: approvalhttp.NewHandler[*finance.Contribution, finance.ContributionInput, *finance.ContributionInput](
				contributionEngine, func() *finance.Contribution { return &finance.Contribution{} }, logger),
		},
	}
}
