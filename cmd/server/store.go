package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/qrpair/pairing-server/internal/config"
	"github.com/qrpair/pairing-server/internal/database"
	"github.com/qrpair/pairing-server/internal/handler"
	"github.com/qrpair/pairing-server/internal/identity"
	"github.com/qrpair/pairing-server/internal/redis"
	"github.com/qrpair/pairing-server/internal/repository"
)

// identityDirectory is what the server needs from an identity backend.
type identityDirectory interface {
	identity.Directory
	identity.Registrar
}

type backend struct {
	store     repository.PairingSessionRepository
	directory identityDirectory
	checks    map[string]handler.HealthCheck
	closers   []func() error
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			log.Warn().Err(err).Msg("failed to close backend")
		}
	}
}

// openBackend wires the session store and identity directory selected by
// STORE_BACKEND. Identity data is relational, so the redis backend keeps it
// in Postgres when DATABASE_URL is set and in SQLite otherwise.
func openBackend(cfg *config.Config, redisClient *redis.Client) (*backend, error) {
	b := &backend{checks: make(map[string]handler.HealthCheck)}

	switch cfg.StoreBackend {
	case config.BackendMemory:
		b.store = repository.NewMemoryPairingRepository()
		b.directory = identity.NewStaticDirectory()
		return b, nil

	case config.BackendPostgres, config.BackendSQLite:
		db, err := openSQL(cfg, cfg.StoreBackend)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, db.Close)
		b.checks["database"] = db.PingWithTimeout
		b.store = repository.NewSQLPairingRepository(db.DB)
		b.directory = identity.NewSQLDirectory(db)
		return b, nil

	case config.BackendRedis:
		if redisClient == nil {
			return nil, fmt.Errorf("redis backend needs REDIS_URL")
		}
		b.store = repository.NewRedisPairingRepository(redisClient.Client, cfg.SessionRetention())

		identityBackend := config.BackendSQLite
		if cfg.DatabaseURL != "" {
			identityBackend = config.BackendPostgres
		}
		db, err := openSQL(cfg, identityBackend)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, db.Close)
		b.checks["database"] = db.PingWithTimeout
		b.directory = identity.NewSQLDirectory(db)
		return b, nil
	}

	return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}

func openSQL(cfg *config.Config, kind string) (*database.DB, error) {
	var (
		db  *database.DB
		err error
	)
	if kind == config.BackendPostgres {
		db, err = database.Connect(cfg.DatabaseURL)
	} else {
		db, err = database.OpenSQLite(cfg.SQLitePath)
	}
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", kind, err)
	}

	if err := db.PingWithTimeout(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", kind, err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", kind, err)
	}

	log.Info().Str("driver", kind).Msg("database connected")
	return db, nil
}
