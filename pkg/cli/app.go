package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/ha1tch/storysync/pkg/config"
	"github.com/ha1tch/storysync/pkg/lock"
	"github.com/ha1tch/storysync/pkg/models"
	"github.com/ha1tch/storysync/pkg/pipeline"
	"github.com/ha1tch/storysync/pkg/resolver"
	"github.com/ha1tch/storysync/pkg/source"
	"github.com/ha1tch/storysync/pkg/storage"
	"github.com/ha1tch/storysync/pkg/validation"
	"github.com/rs/zerolog"
)

// app is the wired engine for one command invocation
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	store  storage.Store
	engine *pipeline.Engine

	closers []func() error
}

// loadConfig applies flag overrides on top of file and environment settings
func (g *globals) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.dbPath != "" {
		cfg.DBPath = g.dbPath
	}
	if g.storageType != "" {
		cfg.StorageType = g.storageType
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	if g.logFormat != "" {
		cfg.LogFormat = g.logFormat
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	if cfg.Debug {
		level = zerolog.DebugLevel
	}

	var out io.Writer = w
	if cfg.LogFormat != "json" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// openStore opens the target store only. Used by read-only commands.
func (g *globals) openStore() (*app, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, exitError(ExitFatal, fmt.Errorf("failed to load config: %w", err))
	}
	logger := newLogger(cfg, g.stderr)

	store, err := storage.NewStore(cfg.StorageType, map[string]interface{}{"db_path": cfg.DBPath})
	if err != nil {
		return nil, exitError(ExitFatal, fmt.Errorf("failed to open target store: %w", err))
	}
	if ip, ok := store.(storage.InfoProvider); ok {
		info := ip.Info()
		logger.Debug().
			Str("type", info.Type).
			Str("path", info.Path).
			Bool("foreign_keys", info.ForeignKeys).
			Msg("Storage initialized")
	}

	a := &app{cfg: cfg, logger: logger, store: store}
	a.closers = append(a.closers, store.Close)
	return a, nil
}

// open wires the full engine
func (g *globals) open(ctx context.Context) (*app, error) {
	a, err := g.openStore()
	if err != nil {
		return nil, err
	}
	cfg, logger := a.cfg, a.logger

	validator, err := newValidator(cfg)
	if err != nil {
		a.Close()
		return nil, exitError(ExitFatal, err)
	}

	rcfg, err := resolverConfig(cfg)
	if err != nil {
		a.Close()
		return nil, exitError(ExitFatal, err)
	}

	locker, err := a.newLocker(ctx)
	if err != nil {
		a.Close()
		return nil, exitError(ExitFatal, err)
	}

	var audit *storage.JSONFileAuditLog
	if cfg.AuditLogPath != "" {
		if audit, err = storage.NewJSONFileAuditLog(cfg.AuditLogPath); err != nil {
			a.Close()
			return nil, exitError(ExitFatal, err)
		}
	}

	api := g.api
	if api == nil {
		api = source.NewClient(source.ClientConfig{
			BaseURL:        cfg.SourceBaseURL,
			Token:          cfg.SourceToken,
			Timeout:        cfg.RequestTimeout,
			MinInterval:    cfg.MinRequestInterval,
			MaxRetries:     cfg.MaxRetries,
			BackoffInitial: cfg.BackoffInitial,
			BackoffMax:     cfg.BackoffMax,
		}, logger)
	}

	a.engine = pipeline.New(pipeline.Deps{
		Store:     a.store,
		Reader:    source.NewReader(api, cfg.MaxPages, logger),
		Resolver:  resolver.New(rcfg, logger),
		Validator: validator,
		Locker:    locker,
		AuditLog:  audit,
	}, pipeline.Settings{
		PageSize:         cfg.PageSize,
		FetchConcurrency: cfg.FetchConcurrency,
		RunTimeout:       cfg.RunTimeout,
		LockTTL:          cfg.LockTTL,
	}, logger)
	return a, nil
}

func (a *app) newLocker(ctx context.Context) (lock.Locker, error) {
	switch a.cfg.LockBackend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr()})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to Redis for locking: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		return lock.NewRedisLocker(client, "", a.logger), nil
	default:
		ls, ok := a.store.(storage.LockStore)
		if !ok {
			return nil, fmt.Errorf("store %s has no lock table; use LOCK_BACKEND=redis", a.cfg.StorageType)
		}
		return lock.NewStoreLocker(ls, a.logger), nil
	}
}

func newValidator(cfg *config.Config) (validation.Validator, error) {
	v := validation.NewJSONSchemaValidator(cfg.SchemaDir, cfg.MaxEntitySize)
	if cfg.SchemaDir != "" {
		if err := v.LoadAllSchemas(); err != nil {
			return nil, fmt.Errorf("failed to load schemas: %w", err)
		}
	}
	return v, nil
}

func resolverConfig(cfg *config.Config) (resolver.Config, error) {
	rc := resolver.Config{MinMatchLength: cfg.MinNameMatchLength}
	for _, fb := range cfg.Fallbacks {
		t, err := models.ParseEntityType(fb.EntityType)
		if err != nil {
			return rc, fmt.Errorf("invalid fallback: %w", err)
		}
		rc.Fallbacks = append(rc.Fallbacks, resolver.Fallback{Type: t, Column: fb.Column, Name: fb.Name})
	}
	for _, name := range cfg.IdentityNameMatch {
		t, err := models.ParseEntityType(name)
		if err != nil {
			return rc, fmt.Errorf("invalid identity_name_match entry: %w", err)
		}
		rc.IdentityNameMatch = append(rc.IdentityNameMatch, t)
	}
	return rc, nil
}

// Close releases everything opened for the command, newest first
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn().Err(err).Msg("Close failed")
		}
	}
}

// parseTypes turns --entity=all|story,theme into entity types. nil means all.
func parseTypes(value string) ([]models.EntityType, error) {
	if value == "" || value == "all" {
		return nil, nil
	}
	var out []models.EntityType
	seen := make(map[models.EntityType]bool)
	for _, part := range splitComma(value) {
		t, err := models.ParseEntityType(part)
		if err != nil {
			return nil, err
		}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out, nil
}
