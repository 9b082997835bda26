// Package bootstrap builds the service and its integrations from configuration.
// Both the API server and crmctl start from here.
package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"estatecrm/api/internal/app"
	"estatecrm/api/internal/calendar"
	"estatecrm/api/internal/config"
	"estatecrm/api/internal/conflicts"
	"estatecrm/api/internal/email"
	"estatecrm/api/internal/evaluate"
	"estatecrm/api/internal/search"
	"estatecrm/api/internal/sheets"
	"estatecrm/api/internal/store"
	"estatecrm/api/internal/whatsapp"
)

// Runtime owns every long-lived connection. Close releases them in reverse order.
type Runtime struct {
	DB      *sql.DB
	Store   *store.PostgresStore
	Service *app.Service
	Search  *search.Service
	// Migrated lists the migration files applied by Open.
	Migrated []string

	closers []func()
}

func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

// Open connects to Postgres, applies migrations and wires the optional integrations.
// An integration whose settings are empty is left out; one that is configured but
// cannot start is an error.
func Open(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Runtime, error) {
	db, err := store.Open(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	rt := &Runtime{DB: db, Store: store.NewPostgresStore(db)}
	rt.closers = append(rt.closers, func() { _ = db.Close() })

	rt.Migrated, err = store.Migrate(ctx, db, os.DirFS(cfg.MigrationsDir))
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("migrations failed: %w", err)
	}

	integrations, err := rt.integrations(ctx, cfg, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Service = app.New(cfg, rt.Store, integrations, logger)
	return rt, nil
}

func (rt *Runtime) integrations(ctx context.Context, cfg config.Config, logger *zap.Logger) (app.Integrations, error) {
	var integrations app.Integrations

	if strings.TrimSpace(cfg.RedisURL) != "" {
		cache, err := conflicts.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return integrations, fmt.Errorf("redis connection failed: %w", err)
		}
		rt.closers = append(rt.closers, func() { _ = cache.Close() })
		integrations.Conflicts = cache
		logger.Info("using redis for pending conflicts and pull locks")
	} else {
		logger.Info("redis disabled; pull locks are process-local")
	}

	registry := sheets.NewRegistry()
	google, err := sheets.NewGoogleFromCredentials(ctx, cfg.GoogleCredentialsJSON)
	if err != nil {
		return integrations, err
	}
	if google != nil {
		registry.Register(sheets.KindGoogle, google)
	}
	if cfg.MinioEnabled() {
		objects, err := sheets.NewObjectStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			return integrations, err
		}
		if err := objects.EnsureBucket(ctx); err != nil {
			return integrations, err
		}
		registry.Register(sheets.KindExcel, sheets.NewExcel(objects))
		integrations.Objects = objects
	}
	integrations.Sheets = registry

	pgfts := search.NewPgFTS(rt.DB)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		rt.closers = append(rt.closers, meiliClient.Close)
	}
	rt.Search = search.NewService(meiliClient, pgfts, logger)
	integrations.Search = rt.Search

	integrations.Email = email.Fallback{
		email.NewResend(email.ResendConfig{APIKey: cfg.ResendAPIKey, From: cfg.ResendFrom}, nil),
		email.NewSMTP(email.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
		}),
	}

	if cfg.WhatsAppEnabled() {
		integrations.WhatsApp = whatsapp.NewClient(whatsapp.Config{
			Token:         cfg.WhatsAppToken,
			PhoneNumberID: cfg.WhatsAppPhoneNumberID,
			VerifyToken:   cfg.WhatsAppVerifyToken,
			APIBase:       cfg.WhatsAppAPIBase,
		}, nil)
	}

	gemini, err := evaluate.NewGemini(ctx, cfg.LLMAPIKey, cfg.LLMModel, genai.HTTPOptions{})
	if err != nil {
		return integrations, err
	}
	// a nil *Gemini must not end up inside the interface
	if gemini != nil {
		integrations.Evaluator = evaluate.NewEvaluator(gemini)
	}

	cal, err := calendar.NewFromCredentials(ctx, cfg.GoogleCredentialsJSON, cfg.GoogleCalendarID)
	if err != nil {
		return integrations, err
	}
	if cal != nil {
		integrations.Calendar = cal
	}

	if google == nil && !cfg.MinioEnabled() {
		logger.Warn("no sheet source configured; set GOOGLE_CREDENTIALS_JSON or MINIO_ENDPOINT")
	}
	return integrations, nil
}
