package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"lubesoft/backend/internal/config"
	"lubesoft/backend/internal/httpapi"
	"lubesoft/backend/internal/logging"
	"lubesoft/backend/internal/metrics"
	"lubesoft/backend/internal/numbering"
	"lubesoft/backend/internal/service"
	"lubesoft/backend/internal/store"
	"lubesoft/backend/internal/store/memory"
	pgstore "lubesoft/backend/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logrus.WithError(err).Fatal("invalid logging configuration")
	}
	if err := validateSecurityConfig(cfg); err != nil {
		logger.WithError(err).Fatal("invalid security configuration")
	}
	loc, err := cfg.Location()
	if err != nil {
		logger.WithError(err).Fatal("invalid timezone")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.StoreTimeout)
	defer cancel()

	closers := make([]func() error, 0, 2)

	repo, closeRepo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("repository unavailable")
	}
	if closeRepo != nil {
		closers = append(closers, closeRepo)
	}

	seq, closeSeq := openSequence(ctx, cfg, logger)
	if closeSeq != nil {
		closers = append(closers, closeSeq)
	}

	m := metrics.New()
	svc := service.New(repo, numbering.NewGenerator(seq, loc),
		service.WithTaxRate(cfg.TaxRate),
		service.WithMetrics(m),
		service.WithLogger(logger.WithField("module", "service")),
	)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL, cfg.ManagerPIN, repo)
	auth.SetLogger(logger.WithField("module", "auth"))
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, m, logger.WithField("module", "http"))

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"addr":     cfg.Address(),
			"tax_rate": cfg.TaxRate.String(),
			"timezone": loc.String(),
		}).Info("lube shop backend listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("shutdown error")
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.WithError(err).Warn("close error")
		}
	}

	logger.Info("server stopped")
}

// openRepository connects to postgres when DATABASE_URL is set and falls back
// to the seeded in-memory store otherwise. A configured but unreachable
// database is fatal.
func openRepository(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) (store.Repository, func() error, error) {
	if cfg.DatabaseURL == "" {
		logger.WithField("repository", "memory").Info("repository ready")
		return memory.NewSeeded(), nil, nil
	}

	pg, err := pgstore.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set; refusing in-memory fallback: %w", err)
	}
	if cfg.AutoMigrate {
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
	}
	logger.WithFields(logrus.Fields{"repository": "postgres", "migrated": cfg.AutoMigrate}).Info("repository ready")
	return pg, pg.Close, nil
}

// openSequence prefers the shared redis counter so several instances never
// hand out the same invoice number. Without redis each process counts on its
// own and the store's unique constraint catches collisions.
func openSequence(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) (numbering.Sequence, func() error) {
	if cfg.RedisAddr != "" {
		seq := numbering.NewRedisSequence(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := seq.Ping(ctx); err != nil {
			logger.WithError(err).Warn("redis unavailable, using local invoice sequence")
			_ = seq.Close()
		} else {
			logger.WithField("sequence", "redis").Info("invoice sequence ready")
			return seq, seq.Close
		}
	}
	logger.WithField("sequence", "local").Info("invoice sequence ready")
	return numbering.NewLocalSequence(time.Now()), nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	for _, r := range cfg.ManagerPIN {
		if r < '0' || r > '9' {
			return fmt.Errorf("MANAGER_PIN must contain digits only")
		}
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

// validatePINStrength rejects PINs that are all the same digit,
// sequential (ascending or descending), or from a known-weak list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"222222": true, "333333": true, "444444": true, "555555": true,
		"666666": true, "777777": true, "888888": true, "999999": true,
		"121212": true, "112233": true, "123123": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}

	return nil
}
