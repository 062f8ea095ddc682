// Package app wires configuration, infrastructure, and every domain
// package into a running control plane.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/ocmt/controlplane/internal/audit"
	"github.com/ocmt/controlplane/internal/authn"
	"github.com/ocmt/controlplane/internal/config"
	"github.com/ocmt/controlplane/internal/httpserver"
	"github.com/ocmt/controlplane/internal/platform"
	"github.com/ocmt/controlplane/internal/session"
	"github.com/ocmt/controlplane/internal/telemetry"
	"github.com/ocmt/controlplane/pkg/alerting"
	"github.com/ocmt/controlplane/pkg/capability"
	"github.com/ocmt/controlplane/pkg/cipherstore"
	"github.com/ocmt/controlplane/pkg/owner"
	"github.com/ocmt/controlplane/pkg/ratelimit"
	"github.com/ocmt/controlplane/pkg/resource"
	"github.com/ocmt/controlplane/pkg/sse"
	"github.com/ocmt/controlplane/pkg/vault"
)

// sweepInterval governs both the capability-expiry sweeper and the
// rate-limit reaper; the alert cooldown sweeper and the session reaper run
// on their own, independently tuned intervals.
const sweepInterval = time.Minute

// Run is the main application entry point: it reads config, connects to
// infrastructure, and serves the control-plane API until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting control plane", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	metricsReg := prometheus.NewRegistry()
	metricsReg.MustRegister(telemetry.All()...)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg)
	case "worker":
		return runWorker(ctx, logger, db, rdb)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	sessionSecret := cfg.SessionSecret
	if sessionSecret == "" {
		sessionSecret = authn.GenerateDevSecret()
		logger.Info("session: using auto-generated dev secret (set OCMT_SESSION_SECRET in production)")
	}
	sessionMaxAge, err := time.ParseDuration(cfg.SessionMaxAge)
	if err != nil {
		return fmt.Errorf("parsing session max age %q: %w", cfg.SessionMaxAge, err)
	}
	sessionMgr, err := authn.NewSessionManager(sessionSecret, sessionMaxAge)
	if err != nil {
		return fmt.Errorf("creating session manager: %w", err)
	}

	cipher, err := cipherstore.NewFromConfig(cipherstore.ConfigSource{
		EncryptionKey:        cfg.EncryptionKey,
		EncryptionKeyVersion: cfg.EncryptionKeyVersion,
		EncryptionKeyHistory: cfg.EncryptionKeyHistory,
	})
	if err != nil {
		return fmt.Errorf("initializing cipher store: %w", err)
	}

	auditWriter := audit.NewWriter(db, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	vaultSessions := session.NewManager(vaultSessionTTL, logger)
	go vaultSessions.RunReaper(ctx, vaultSessionReapInterval)

	ownerStore := owner.NewPostgresStore(db)

	limiter := ratelimit.New(rdb, logger)
	go limiter.RunReaper(ctx, sweepInterval, resourceRateLimitWindow)

	capabilityStore := capability.NewPostgresStore(db)
	capabilitySweeper := capability.NewSweeper(capabilityStore, logger, sweepInterval)
	go capabilitySweeper.Run(ctx)

	subscribers := sse.NewRegistry(logger)

	cooldown := alerting.NewCooldownTracker(rdb, db, logger)
	alertSweeper := alerting.NewSweeper(cooldown, logger, alertSweepInterval)
	go alertSweeper.Run(ctx)

	dispatchers := map[alerting.Channel]alerting.Dispatcher{
		alerting.ChannelInApp:   &alerting.InAppDispatcher{Broadcaster: subscribers},
		alerting.ChannelEmail:   &alerting.EmailDispatcher{},
		alerting.ChannelSlack:   &alerting.SlackDispatcher{},
		alerting.ChannelDiscord: &alerting.DiscordDispatcher{},
		alerting.ChannelWebhook: &alerting.WebhookDispatcher{},
	}
	alertingStore := alerting.NewPostgresStore(db)
	alertEngine := alerting.NewEngine(alertingStore, cooldown, limiter, cipher, auditWriter, logger, dispatchers)

	resourceStore := resource.NewPostgresStore(db)
	invoker := resource.NewInvoker(resourceStore, limiter, cipher, resource.DefaultResolver, auditWriter, logger)

	sandboxes := sse.NewTemplateResolver(cfg.SandboxEventURLTemplate)
	sseHandler := sse.NewHandler(subscribers, ownerSourceAdapter{ownerStore}, cipher, sandboxes, logger)

	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg, sessionMgr, cfg.DevMode)

	srv.APIRouter.Mount("/vault", vault.NewHandler(ownerStore, vaultSessions, auditWriter, logger).Routes())
	srv.APIRouter.Mount("/capabilities", capability.NewHandler(capabilityStore, auditWriter, logger).Routes())
	srv.APIRouter.Mount("/alerts", alerting.NewHandler(alertEngine, logger).Routes())
	srv.APIRouter.Mount("/resources", resource.NewHandler(invoker).Routes())
	srv.APIRouter.Mount("/sse", sseHandler.Routes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // the SSE proxy holds long-lived streaming responses
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runWorker runs the capability-sweep, alert-cooldown-sweep, and rate-limit
// reaper loops standalone, with no HTTP surface — useful for running those
// background loops in a separate deployable from the API.
func runWorker(ctx context.Context, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client) error {
	logger.Info("worker started")

	capabilityStore := capability.NewPostgresStore(db)
	capabilitySweeper := capability.NewSweeper(capabilityStore, logger, sweepInterval)
	go capabilitySweeper.Run(ctx)

	cooldown := alerting.NewCooldownTracker(rdb, db, logger)
	alertSweeper := alerting.NewSweeper(cooldown, logger, alertSweepInterval)
	go alertSweeper.Run(ctx)

	limiter := ratelimit.New(rdb, logger)
	limiter.RunReaper(ctx, sweepInterval, resourceRateLimitWindow)
	return nil
}

const (
	vaultSessionTTL          = 15 * time.Minute
	vaultSessionReapInterval = time.Minute
	resourceRateLimitWindow  = time.Hour
	alertSweepInterval       = time.Hour
)

// ownerSourceAdapter narrows owner.Store down to the single lookup
// pkg/sse's upstream proxy needs, so that package never imports pkg/owner.
type ownerSourceAdapter struct {
	store owner.Store
}

func (a ownerSourceAdapter) Get(ctx context.Context, id string) (sse.OwnerRecord, error) {
	o, err := a.store.Get(ctx, id)
	if err != nil {
		return sse.OwnerRecord{}, err
	}
	return sse.OwnerRecord{ID: o.ID, PermanentTokenCiphertext: o.PermanentTokenCiphertext}, nil
}
