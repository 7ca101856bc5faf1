// Command bridge is the nolas composition root: it wires the rate limiter,
// connection pool, UID tracker, event emitter, authorization code store,
// listener supervisor, and HTTP surface together and serves them until
// shutdown. Adapted from the teacher's cmd/wardgate/main.go.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/nolas/bridge/internal/audit"
	"github.com/nolas/bridge/internal/auth"
	"github.com/nolas/bridge/internal/config"
	"github.com/nolas/bridge/internal/cryptoutil"
	"github.com/nolas/bridge/internal/db"
	"github.com/nolas/bridge/internal/events"
	"github.com/nolas/bridge/internal/httpapi"
	"github.com/nolas/bridge/internal/imap"
	"github.com/nolas/bridge/internal/listener"
	"github.com/nolas/bridge/internal/notify"
	"github.com/nolas/bridge/internal/ratelimit"
	"github.com/nolas/bridge/internal/uidtrack"
)

// defaultProviderRate and defaultProviderBurst bound per-provider IMAP
// request throughput (§4.A); burst defaults to 2x rate per the spec.
const (
	defaultProviderRate  = 5.0
	defaultProviderBurst = 2 * defaultProviderRate
	shutdownGrace        = 30 * time.Second
	trackerSyncInterval  = 30 * time.Second
	listenFolder         = "INBOX"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	envPath := flag.String("env", ".env", "path to .env file (ignored if not found)")
	flag.Parse()

	if err := godotenv.Load(*envPath); err == nil {
		fmt.Printf("Loaded environment from %s\n", *envPath)
	}

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.Environment)
	vault := auth.NewEnvVault()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL(), db.PoolConfig{
		MinConns: int32(cfg.Database.MinPoolSize),
		MaxConns: int32(cfg.Database.MaxPoolSize),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("connect to database")
	}
	defer db.Close(pool)

	encryptionKey, err := vault.Get("CREDENTIAL_ENCRYPTION_KEY")
	if err != nil {
		log.Fatal().Err(err).Msg("CREDENTIAL_ENCRYPTION_KEY is required")
	}
	encryptor, err := cryptoutil.NewEncryptor(encryptionKey)
	if err != nil {
		log.Fatal().Err(err).Msg("init encryptor")
	}

	applications := db.NewApplicationRepo(pool)
	accounts := db.NewAccountRepo(pool)
	codes := db.NewAuthorizationCodeRepo(pool, 0)
	trackerRepo := db.NewUIDTrackerRepo(pool)
	health := db.NewConnectionHealthRepo(pool)
	webhookLog := db.NewWebhookLogRepo(pool)

	imapTimeout := time.Duration(cfg.IMAP.TimeoutSeconds) * time.Second
	idleTimeout := time.Duration(cfg.IMAP.IdleTimeoutSeconds) * time.Second

	limiters := ratelimit.NewRegistry(defaultProviderRate, defaultProviderBurst)
	dialer := imap.NewRealDialer()
	connPool := imap.NewPool(dialer, limiters, cfg.Worker.MaxConnectionsPerProvider, imapTimeout, cfg.Providers, log)

	var shipper notify.Channel
	if webhookURL, err := vault.Get("WEBHOOK_URL"); err == nil {
		shipper = notify.NewWebhookChannel(webhookURL, nil)
	}
	emitter := events.New(webhookLog, shipper, log)

	tracker := uidtrack.New()
	accountStatus := healthAwareStatusUpdater{accounts: accounts, health: health}

	supervisor := listener.NewSupervisor(connPool, tracker, emitter, accountStatus, listener.Config{
		IdleTimeout: idleTimeout,
	}, log)

	active := startListenersForActiveAccounts(ctx, supervisor, accounts, trackerRepo, tracker, encryptor, log)
	go syncTrackerToDB(ctx, tracker, trackerRepo, log)

	authenticator := tokenAuthenticator(vault, cfg.JWT, log)
	controller := httpapi.NewController(applications, accounts, codes, connPool, encryptor, imapTimeout, log)
	tokenExchange := httpapi.NewTokenExchange(authenticator, accounts, codes, log)
	auditLog := audit.New(os.Stdout)
	mux := httpapi.NewMux(controller, tokenExchange, auditLog)

	server := newServer(cfg.Server.Listen, mux)

	go func() {
		log.Info().Str("addr", cfg.Server.Listen).Int("active_accounts", len(active)).Msg("nolas bridge listening")
		if err := server.ListenAndServe(); err != nil && err.Error() != "http: Server closed" {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)
	<-done
	log.Info().Msg("shutting down")

	supervisor.StopAll()
	persistTrackerSnapshot(context.Background(), tracker, trackerRepo, log)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	connPool.CloseAll()
	log.Info().Msg("shutdown complete")
}

func newServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

func newLogger(environment string) zerolog.Logger {
	level := zerolog.InfoLevel
	if environment == "development" {
		level = zerolog.DebugLevel
	}
	return zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
}

// healthAwareStatusUpdater is called once by a listener task, when it
// crosses its failure ceiling: it adds one to the account's durable
// connection-health counter (§3 ConnectionHealthRecord) and marks the
// account failed. Failures below the ceiling are counted only in the
// task's in-memory counter and are not written to the health record.
type healthAwareStatusUpdater struct {
	accounts *db.AccountRepo
	health   *db.ConnectionHealthRepo
}

func (h healthAwareStatusUpdater) MarkFailed(ctx context.Context, accountID string) error {
	if _, err := h.health.RecordFailure(ctx, accountID); err != nil {
		return err
	}
	return h.accounts.MarkFailed(ctx, accountID)
}

// startListenersForActiveAccounts seeds the in-memory UID tracker from the
// durable mirror so a restart resumes without re-scanning every folder from
// UID 1, then starts one listener task per active account.
func startListenersForActiveAccounts(ctx context.Context, sup *listener.Supervisor, accounts *db.AccountRepo, trackerRepo *db.UIDTrackerRepo, tracker *uidtrack.Tracker, encryptor *cryptoutil.Encryptor, log zerolog.Logger) []string {
	active, err := accounts.ListActive(ctx)
	if err != nil {
		log.Error().Err(err).Msg("list active accounts at startup")
		return nil
	}

	started := make([]string, 0, len(active))
	for _, account := range active {
		if persisted, err := trackerRepo.Load(ctx, account.ID, listenFolder); err == nil {
			tracker.Seed(persisted)
		}

		password, err := encryptor.Decrypt(account.CredentialBlob)
		if err != nil {
			log.Error().Err(err).Str("account_id", account.ID).Msg("decrypt credential at startup")
			continue
		}
		sup.StartAccount(ctx, imap.Account{
			ID:       account.ID,
			Email:    account.Email,
			Password: password,
			Host:     account.Provider.IMAPHost,
			Port:     account.Provider.IMAPPort,
		}, account.ExternalID, listenFolder)
		started = append(started, account.ID)
	}
	return started
}

// syncTrackerToDB periodically mirrors the in-memory tracker to Postgres so
// a crash loses at most one interval's worth of progress, re-delivering
// rather than skipping messages on restart (§5 at-least-once delivery).
func syncTrackerToDB(ctx context.Context, tracker *uidtrack.Tracker, trackerRepo *db.UIDTrackerRepo, log zerolog.Logger) {
	ticker := time.NewTicker(trackerSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			persistTrackerSnapshot(ctx, tracker, trackerRepo, log)
		}
	}
}

func persistTrackerSnapshot(ctx context.Context, tracker *uidtrack.Tracker, trackerRepo *db.UIDTrackerRepo, log zerolog.Logger) {
	for _, entry := range tracker.Snapshot() {
		err := trackerRepo.Advance(ctx, entry.AccountID, entry.Folder, entry.UIDValidity, entry.LastSeenUID)
		if errors.Is(err, uidtrack.ErrUIDValidityChanged) {
			// The in-memory tracker was reset for a new UIDVALIDITY since
			// the last snapshot; replace the mirrored row before advancing.
			if err = trackerRepo.Reset(ctx, entry.AccountID, entry.Folder, entry.UIDValidity); err == nil {
				err = trackerRepo.Advance(ctx, entry.AccountID, entry.Folder, entry.UIDValidity, entry.LastSeenUID)
			}
		}
		if err != nil {
			log.Warn().Err(err).Str("account_id", entry.AccountID).Str("folder", entry.Folder).Msg("persist uid tracker snapshot")
		}
	}
}

func tokenAuthenticator(vault *auth.EnvVault, jwtCfg config.JWTConfig, log zerolog.Logger) *auth.ApplicationAuthenticator {
	secretEnv := jwtCfg.SecretEnv
	if secretEnv == "" {
		secretEnv = "JWT_SECRET"
	}
	secret, err := vault.Get(secretEnv)
	if err != nil {
		log.Fatal().Str("env", secretEnv).Msg("JWT signing secret is required")
	}
	return auth.NewApplicationAuthenticator([]byte(secret), jwtCfg.Issuer)
}
