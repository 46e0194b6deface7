// Command meridian boots the intent execution core: durable WAL and
// execution state over SQLite or Postgres, session continuity over Redis or
// in-process cache, the boundary evaluator with tenant profiles, and the
// HTTP surface for sessions, intents and agent tools.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/Meridian-Labs/meridian/core/pkg/api"
	"github.com/Meridian-Labs/meridian/core/pkg/artifacts"
	"github.com/Meridian-Labs/meridian/core/pkg/boundary"
	"github.com/Meridian-Labs/meridian/core/pkg/canonical"
	"github.com/Meridian-Labs/meridian/core/pkg/config"
	"github.com/Meridian-Labs/meridian/core/pkg/contracts"
	"github.com/Meridian-Labs/meridian/core/pkg/gateway"
	"github.com/Meridian-Labs/meridian/core/pkg/lifecycle"
	"github.com/Meridian-Labs/meridian/core/pkg/registry"
	"github.com/Meridian-Labs/meridian/core/pkg/replay"
	"github.com/Meridian-Labs/meridian/core/pkg/session"
	"github.com/Meridian-Labs/meridian/core/pkg/state"
	"github.com/Meridian-Labs/meridian/core/pkg/telemetry"
	"github.com/Meridian-Labs/meridian/core/pkg/tenancy"
	"github.com/Meridian-Labs/meridian/core/pkg/wal"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := telemetry.New(ctx, &telemetry.Config{
		ServiceName:    "meridian-core",
		ServiceVersion: "1.0.0",
		Environment:    envName(),
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.TelemetryEnabled,
		Insecure:       true,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	walLog := wal.NewSQLLog(db)
	if err := walLog.Init(ctx); err != nil {
		return fmt.Errorf("wal schema: %w", err)
	}
	execSpace, execWriter := state.NewSQLExecutionSpace(db)
	if err := execSpace.Init(ctx); err != nil {
		return fmt.Errorf("execution state schema: %w", err)
	}

	var redisClient *redis.Client
	var sessionSpace state.SessionSpace
	var limiter gateway.Limiter
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer redisClient.Close()
		sessionSpace = state.NewRedisSessionSpace(redisClient, cfg.SessionTTL)
		limiter = gateway.NewRedisLimiter(redisClient)
	} else {
		sessionSpace = state.NewCacheSessionSpace(cfg.SessionTTL)
		limiter = gateway.NewLocalLimiter()
	}

	blobs, err := artifacts.NewStore(ctx, artifacts.BackendConfig{
		Backend: cfg.ArtifactBackend,
		Dir:     cfg.ArtifactDir,
		S3:      artifacts.S3StoreConfig{Bucket: cfg.S3Bucket, Prefix: cfg.S3Prefix, Region: os.Getenv("AWS_REGION")},
		GCS:     artifacts.GCSStoreConfig{Bucket: cfg.GCSBucket, Prefix: cfg.GCSPrefix},
	})
	if err != nil {
		return fmt.Errorf("artifact store: %w", err)
	}
	ledger := artifacts.NewLedger()

	evaluator, err := boundary.NewEvaluator(cfg.AllowSynthesizedContracts)
	if err != nil {
		return err
	}
	tenants := tenancy.NewDirectory()
	if err := loadProfiles(cfg, evaluator, tenants); err != nil {
		return err
	}

	reg := registry.New()
	if err := registerBuiltins(reg); err != nil {
		return err
	}

	sink := telemetry.NewSink(telemetry.SlogExporter{}, 4096, time.Second)
	defer sink.Close()

	isolation := tenancy.NewIsolationChecker()
	manager := lifecycle.NewManager(lifecycle.Options{
		Registry:  reg,
		Boundary:  evaluator,
		Tenants:   tenants,
		Wal:       walLog,
		Space:     execSpace,
		Writer:    execWriter,
		Ledger:    ledger,
		Blobs:     blobs,
		Sink:      sink,
		Provider:  provider,
		Isolation: isolation,
	})
	if err := manager.Recover(ctx); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	gw := gateway.New(gateway.Options{
		Manager:  manager,
		Limiter:  limiter,
		Sink:     sink,
		Provider: provider,
	})
	if err := registerBuiltinTools(gw); err != nil {
		return err
	}

	sessions := session.NewManager(sessionSpace, jwtKeyFunc(cfg.JWTSecret))
	replayer := replay.NewEngine(walLog, reg, execSpace)

	server := api.NewServer(api.Options{
		Sessions:  sessions,
		Manager:   manager,
		Gateway:   gw,
		Ledger:    ledger,
		Replayer:  replayer,
		Isolation: isolation,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(cfg.RateLimitRPS, cfg.RateLimitBurst),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("meridian core listening", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

func envName() string {
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		return env
	}
	return "development"
}

func openDB(cfg *config.Config) (*sql.DB, error) {
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return db, nil
	}
	db, err := sql.Open("sqlite", cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	return db, nil
}

/// loadProfiles applies tenant YAML profiles: directory entries, authored
// boundary rules, and budget overrides are all profile-driven.
func loadProfiles(cfg *config.Config, evaluator *boundary.Evaluator, tenants *tenancy.Directory) error {
	profiles, err := config.LoadAllProfiles(cfg.ProfilesDir)
	if err != nil {
		return fmt.Errorf("profiles: %w", err)
	}
	for _, profile := range profiles {
		tenants.Put(&tenancy.Tenant{
			ID:        profile.TenantID,
			Tier:      tenancy.Tier(profile.Tier),
			Status:    tenancy.StatusActive,
			CreatedAt: time.Now().UTC(),
		})
		for _, rp := range profile.Boundary.Rules {
			rule := boundary.Rule{
				ID:            rp.ID,
				ResourceClass: rp.ResourceClass,
				Expression:    rp.Expression,
			}
			for _, g := range rp.Grants {
				rule.Grants = append(rule.Grants, contracts.Grant{
					ResourceClass: g.ResourceClass,
					Mode:          contracts.AccessMode(g.Mode),
					Scope:         g.Scope,
				})
			}
			if err := evaluator.LoadRule(rule); err != nil {
				return fmt.Errorf("profile %s: %w", profile.TenantID, err)
			}
		}
	}
	slog.Info("tenant profiles loaded", "count", len(profiles))
	return nil
}

func jwtKeyFunc(secret string) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		if secret == "" {
			return nil, errors.New("JWT_SECRET not configured")
		}
		return []byte(secret), nil
	}
}

// registerBuiltins installs the core diagnostic capabilities. Realm
// capabilities are registered by the embedding service at bootstrap.
func registerBuiltins(reg *registry.Registry) error {
	return reg.Register(registry.Registration{
		IntentType:  "core.echo",
		Realm:       "core",
		Version:     "1.0.0",
		Determinism: contracts.Deterministic,
		Handler: func(ctx context.Context, ec *contracts.ExecutionContext) (*contracts.HandlerResult, error) {
			body, err := echoBody(ec.Intent.Parameters)
			if err != nil {
				return nil, err
			}
			return &contracts.HandlerResult{
				Artifacts: []contracts.Artifact{{
					Name:        "echo",
					ContentType: "application/json",
					Content:     body,
				}},
			}, nil
		},
	})
}

func registerBuiltinTools(gw *gateway.Gateway) error {
	return gw.RegisterTool(gateway.ToolSpec{
		Name:        "echo",
		Description: "Echo parameters back as an artifact",
		IntentType:  "core.echo",
		Cost:        1,
	})
}

func echoBody(params map[string]any) ([]byte, error) {
	if params == nil {
		params = map[string]any{}
	}
	return canonical.JCS(params)
}
