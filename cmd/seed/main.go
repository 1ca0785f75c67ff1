package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/shepherd-ops/shepherd/internal/app"
	"github.com/shepherd-ops/shepherd/internal/audit"
	"github.com/shepherd-ops/shepherd/internal/platform/cache"
	"github.com/shepherd-ops/shepherd/internal/platform/db"
	"github.com/shepherd-ops/shepherd/internal/rbac"
	"github.com/shepherd-ops/shepherd/internal/shared"
)

func main() {
	catalogPath := flag.String("catalog", "config/permissions.yaml", "path to the permission catalog")
	adminEmail := flag.String("admin-email", "", "create or reuse this user and grant it the admin role")
	adminRole := flag.String("admin-role", "admin", "role granted to -admin-email")
	flag.Parse()

	ctx := context.Background()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	catalog, err := loadCatalog(*catalogPath)
	if err != nil {
		logger.Error("load catalog", slog.Any("error", err))
		os.Exit(1)
	}

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	var backend rbac.Backend
	if cfg.PermissionCacheBackend == app.CacheBackendRedis {
		client, err := cache.New(ctx, cfg.RedisOptions())
		if err != nil {
			logger.Error("connect redis", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = client.Close() }()
		backend = rbac.NewRedisBackend(client)
	}

	repo := rbac.NewRepository(pool)
	permCache := rbac.NewPermissionCache(repo, backend, rbac.WithCacheLogger(logger))
	writer := audit.NewWriter(audit.NewPGAppender(pool),
		audit.WithMasker(audit.NewMasker(cfg.AuditSensitiveFields...)),
		audit.WithLogger(logger),
	)
	service := rbac.NewService(repo, permCache, writer, logger)

	result, err := service.ApplyCatalog(ctx, shared.SystemActor(), catalog)
	if err != nil {
		logger.Error("apply catalog", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("catalog applied", slog.Int("permissions", result.Permissions), slog.Int("roles", result.Roles))

	if *adminEmail == "" {
		return
	}
	if err := seedAdmin(ctx, pool, service, *adminEmail, *adminRole); err != nil {
		logger.Error("seed admin", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("admin granted", slog.String("email", *adminEmail), slog.String("role", *adminRole))
}

// seedAdmin ensures the user exists and holds role. The password comes from
// SEED_ADMIN_PASSWORD and is only used when the user is created.
func seedAdmin(ctx context.Context, pool *pgxpool.Pool, service *rbac.Service, email, role string) error {
	password := os.Getenv("SEED_ADMIN_PASSWORD")
	if len(password) < 8 {
		return errors.New("SEED_ADMIN_PASSWORD must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	var userID int64
	err = pool.QueryRow(ctx, `
		INSERT INTO users (email, name, password_hash, role, is_active, created_at, updated_at)
		VALUES (lower($1), $2, $3, $4, TRUE, NOW(), NOW())
		ON CONFLICT (email) DO UPDATE SET updated_at = users.updated_at
		RETURNING id`, email, strings.Split(email, "@")[0], string(hash), role).Scan(&userID)
	if err != nil {
		return err
	}

	roles, err := service.ListRoles(ctx)
	if err != nil {
		return err
	}
	for _, r := range roles {
		if r.Name == role {
			return service.AssignRole(ctx, shared.SystemActor(), userID, r.ID)
		}
	}
	return shared.NewValidationError("admin-role", "role "+role+" is not in the catalog")
}
