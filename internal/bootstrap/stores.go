package bootstrap

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/ericfisherdev/credbroker/internal/adapter/driven/filestore"
	"github.com/ericfisherdev/credbroker/internal/adapter/driven/redisstore"
	sqliteadapter "github.com/ericfisherdev/credbroker/internal/adapter/driven/sqlite"
	"github.com/ericfisherdev/credbroker/internal/application"
	"github.com/ericfisherdev/credbroker/internal/config"
	"github.com/ericfisherdev/credbroker/internal/domain/port/driven"
)

// Stores holds the persistence chosen by config. Record is nil for the
// "none" backend and History is nil unless the SQLite backend is used.
type Stores struct {
	Record  driven.RecordStore
	History driven.AcquisitionLog
	closers []io.Closer
}

// Close releases database and Redis connections.
func (s *Stores) Close() error {
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NewStores opens the cache backend named by cfg.CacheBackend.
func NewStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Stores, error) {
	switch cfg.CacheBackend {
	case config.CacheNone:
		return &Stores{}, nil

	case config.CacheFile:
		return &Stores{Record: filestore.New(cfg.CachePath, logger)}, nil

	case config.CacheSQLite:
		db, err := sqliteadapter.NewDB(ctx, cfg.DBPath)
		if err != nil {
			return nil, err
		}
		if err := sqliteadapter.RunMigrations(db.Writer); err != nil {
			_ = db.Close()
			return nil, err
		}
		records, err := sqliteadapter.NewRecordRepo(db, cfg.SecretKey)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		if cfg.SecretKey == nil {
			logger.Warn("CREDBROKER_SECRET_KEY not set, credential records are stored unencrypted")
		}
		return &Stores{
			Record:  records,
			History: sqliteadapter.NewHistoryRepo(db),
			closers: []io.Closer{db},
		}, nil

	case config.CacheRedis:
		client, err := redisstore.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		store := redisstore.New(client, cfg.RedisKey, application.RecordExpiry(cfg.FallbackTTL), logger)
		return &Stores{Record: store, closers: []io.Closer{client}}, nil

	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}
}
