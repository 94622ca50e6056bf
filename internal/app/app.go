// Package app wires the store, cache, engine and credential store from a Config.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"

	"taskhub/internal/cache"
	"taskhub/internal/config"
	"taskhub/internal/db"
	"taskhub/internal/engine"
	"taskhub/internal/engine/auth"
	"taskhub/internal/migrate"
)

type App struct {
	Config *config.Config
	DB     *sql.DB
	Cache  *cache.Cache
	Engine engine.Engine
	Auth   auth.Service
	Log    logrus.FieldLogger
}

// Open opens and migrates the database and builds the services on top of it.
func Open(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	conn, err := db.Open(db.Config{Path: cfg.Database.Path})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	version, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	c, err := cache.FromConfig(ctx, cfg.Cache, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"db":             cfg.Database.Path,
		"schema_version": version,
		"cache":          cfg.Cache.Backend,
	}).Debug("store ready")
	return &App{
		Config: cfg,
		DB:     conn,
		Cache:  c,
		Engine: engine.New(conn, cfg, c, log),
		Auth:   auth.New(conn, cfg.Auth, log),
		Log:    log,
	}, nil
}

func (a *App) Close() error {
	cerr := a.Cache.Close()
	if err := a.DB.Close(); err != nil {
		return err
	}
	return cerr
}
