package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/crmkit/impguard/internal/alerting"
	"github.com/crmkit/impguard/internal/api"
	"github.com/crmkit/impguard/internal/audit"
	"github.com/crmkit/impguard/internal/auth"
	"github.com/crmkit/impguard/internal/config"
	"github.com/crmkit/impguard/internal/crypto"
	"github.com/crmkit/impguard/internal/domain"
	"github.com/crmkit/impguard/internal/limiter"
	"github.com/crmkit/impguard/internal/notifications"
	"github.com/crmkit/impguard/internal/queue"
	"github.com/crmkit/impguard/internal/secrets"
	"github.com/crmkit/impguard/internal/store"
	"github.com/crmkit/impguard/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting impguard", "addr", cfg.Addr, "version", api.Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.OTLPEndpoint != "" {
		shutdown, err := telemetry.Init(ctx, "impguard", cfg.OTLPEndpoint)
		if err != nil {
			slog.Warn("failed to init tracing, continuing without", "error", err)
		} else {
			defer shutdown(context.Background())
			slog.Info("tracing enabled", "endpoint", cfg.OTLPEndpoint)
		}
	}

	var sessions store.SessionStore
	if cfg.RedisURL != "" {
		redisStore, err := store.NewRedisSessionStore(cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisStore.Close()
		sessions = redisStore
		slog.Info("using redis session store")
	} else {
		sessions = store.NewInMemorySessionStore()
		slog.Info("using in-memory session store")
	}

	var db *sql.DB
	var violations audit.ViolationStore
	var trail audit.TrailStore
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to open postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		violations = audit.NewPostgresViolationStore(db)
		trail = audit.NewPostgresTrailStore(db)
		slog.Info("using postgres audit stores")
	} else {
		violations = audit.NewInMemoryViolationStore()
		trail = audit.NewInMemoryTrailStore()
		slog.Info("using in-memory audit stores")
	}

	limits := domain.Limits{
		MaxStartsPerHour:      cfg.MaxStartsPerHour,
		MaxConcurrentSessions: cfg.MaxConcurrentSessions,
		MaxSessionDuration:    cfg.MaxSessionDuration,
	}
	guard := limiter.New(limits, sessions, violations, trail)

	notifier := buildNotifier(ctx, cfg)

	var encryptor *crypto.Encryptor
	if cfg.EncryptionKey != "" {
		encryptor, err = crypto.NewEncryptor(cfg.EncryptionKey)
		if err != nil {
			slog.Error("invalid encryption key", "error", err)
			os.Exit(1)
		}
		slog.Info("compliance event encryption enabled")
	}

	var compliance queue.Queue
	if cfg.ComplianceQueueURL != "" && cfg.AWSRegion != "" {
		compliance, err = queue.NewSQSQueue(ctx, cfg.AWSRegion, cfg.ComplianceQueueURL, encryptor)
		if err != nil {
			slog.Error("failed to create sqs queue", "error", err)
			os.Exit(1)
		}
		slog.Info("using sqs compliance queue")
	} else {
		compliance = queue.NewInMemoryQueueWithEncryptor(encryptor)
		slog.Info("using in-memory compliance queue")
	}

	monitor := buildMonitor(cfg, guard, notifier)

	var checkers []api.HealthChecker
	if cfg.RedisURL != "" {
		redisChecker, err := api.NewRedisHealthChecker(cfg.RedisURL)
		if err != nil {
			slog.Warn("failed to create redis health checker", "error", err)
		} else {
			checkers = append(checkers, redisChecker)
		}
	}
	if db != nil {
		checkers = append(checkers, api.NewPostgresHealthChecker(db))
	}
	checkers = append(checkers, api.NewSessionStoreHealthChecker(sessions))

	handler := api.NewHandler(api.HandlerConfig{
		Guard:      guard,
		Notifier:   notifier,
		Compliance: compliance,
		Monitor:    monitor,
		Checkers:   checkers,
	})

	adminHandler := buildAdminHandler(ctx, cfg, db, guard, notifier, compliance)

	mux := http.NewServeMux()
	mux.Handle("/admin/", adminHandler)
	mux.Handle("/", handler)

	go runCleanup(ctx, guard, cfg.CleanupInterval, cfg.ViolationRetentionDays)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("server stopped")
}

// buildNotifier assembles the alert fan-out from whatever channels are
// configured. With none configured, notifications stay in process memory.
func buildNotifier(ctx context.Context, cfg *config.Config) notifications.Notifier {
	var targets []notifications.Notifier

	if cfg.SNSTopicARN != "" && cfg.AWSRegion != "" {
		sns, err := notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.SNSTopicARN)
		if err != nil {
			slog.Warn("failed to create sns notifier", "error", err)
		} else {
			targets = append(targets, sns)
			slog.Info("registered notifier", "channel", "sns")
		}
	}

	if cfg.WebhookURL != "" {
		targets = append(targets, notifications.NewWebhookNotifier(cfg.WebhookURL))
		slog.Info("registered notifier", "channel", "webhook")
	}

	switch len(targets) {
	case 0:
		slog.Info("no notification channels configured, using in-memory")
		return notifications.NewInMemoryNotifier()
	case 1:
		return targets[0]
	default:
		return notifications.NewMultiNotifier(targets...)
	}
}

func buildMonitor(cfg *config.Config, guard *limiter.Guard, notifier notifications.Notifier) *alerting.Monitor {
	var dedup alerting.AlertDeduplicator
	if cfg.RedisURL != "" {
		redisDedup, err := alerting.NewRedisDeduplicator(cfg.RedisURL, time.Hour)
		if err != nil {
			slog.Warn("failed to create redis alert deduplicator, using in-memory", "error", err)
			dedup = alerting.NewInMemoryDeduplicator()
		} else {
			dedup = redisDedup
		}
	} else {
		dedup = alerting.NewInMemoryDeduplicator()
	}

	monitor := alerting.NewMonitor(guard, dedup, alerting.DefaultThresholds())
	monitor.OnAlert(alerting.LogAlertHandler)
	monitor.OnAlert(func(alert alerting.Alert) {
		notificationType := notifications.NotificationQuotaWarning
		if alert.Level == alerting.AlertLevelCritical {
			notificationType = notifications.NotificationQuotaCritical
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		err := notifier.Send(ctx, notifications.Notification{
			Type:     notificationType,
			TenantID: alert.TenantID,
			AdminID:  alert.AdminID,
			Message:  fmt.Sprintf("hourly start quota at %.0f%% (%d/%d)", alert.Percentage, alert.Used, alert.Limit),
			Data: map[string]interface{}{
				"used":       alert.Used,
				"limit":      alert.Limit,
				"percentage": alert.Percentage,
			},
		})
		if err != nil {
			slog.Warn("failed to send quota alert", "error", err)
		}
	})

	return monitor
}

// buildAdminHandler wires the admin surface, optionally behind basic-auth
// RBAC. The bootstrap admin comes from Secrets Manager when configured.
func buildAdminHandler(ctx context.Context, cfg *config.Config, db *sql.DB, guard *limiter.Guard, notifier notifications.Notifier, compliance queue.Queue) http.Handler {
	adminHandler := api.NewAdminHandler(guard, notifier, compliance)

	if !cfg.AdminAuthEnabled {
		return adminHandler
	}

	var repo auth.AdminUserRepository
	if db != nil {
		repo = auth.NewPostgresAdminUserRepository(db)
	} else {
		repo = auth.NewInMemoryAdminUserRepository()
	}

	if cfg.SecretName != "" && cfg.AWSRegion != "" {
		secretStore, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
		if err != nil {
			slog.Warn("failed to create secrets manager client", "error", err)
		} else if creds, err := secrets.LoadAdminCredentials(ctx, secretStore, cfg.SecretName); err != nil {
			slog.Warn("failed to load bootstrap admin credentials", "error", err)
		} else {
			now := time.Now()
			err := repo.Create(ctx, &auth.AdminUser{
				ID:           creds.Username,
				Username:     creds.Username,
				PasswordHash: creds.PasswordHash,
				Role:         auth.Role(creds.Role),
				Enabled:      true,
				CreatedAt:    now,
				UpdatedAt:    now,
			})
			if err != nil {
				slog.Warn("failed to create bootstrap admin", "error", err)
			} else {
				slog.Info("bootstrap admin loaded", "username", creds.Username)
			}
		}
	}

	mw := auth.NewRBACMiddleware(auth.NewAuthenticator(repo))
	protected := mw.RequireAuth(mw.RequirePermission(auth.PermissionAdminManage)(adminHandler))
	slog.Info("admin auth enabled")
	return protected
}

// runCleanup periodically expires overdue sessions and prunes old violations
// across every tenant known to the session and violation stores.
func runCleanup(ctx context.Context, guard *limiter.Guard, interval time.Duration, retentionDays int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := guard.CleanupAll(ctx, retentionDays); err != nil {
				slog.Warn("cleanup sweep failed", "error", err)
			}
		}
	}
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
